package delivery

import (
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"
)

// Chunk is one outbound message of a reply and its pacing delay.
type Chunk struct {
	Text  string
	Delay time.Duration
}

// Unit is the ordered sequence of chunks built from one reply.
type Unit []Chunk

// Split breaks a reply into chunks on paragraph breaks ("\n\n"). A paragraph
// longer than maxChars is split further at the last line break, then the last
// sentence end, inside the window; when no natural break exists the rest
// stays one chunk. maxChars <= 0 disables the size window.
func Split(text string, maxChars int) []string {
	var chunks []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if maxChars <= 0 {
			chunks = append(chunks, para)
			continue
		}
		chunks = append(chunks, splitLong(para, maxChars)...)
	}
	if len(chunks) == 0 && strings.TrimSpace(text) != "" {
		chunks = []string{strings.TrimSpace(text)}
	}
	return chunks
}

var sentenceEnds = []string{". ", "? ", "! ", "… "}

func splitLong(s string, maxChars int) []string {
	var out []string
	for utf8.RuneCountInString(s) > maxChars {
		window := s[:byteOffset(s, maxChars)]

		cut := strings.LastIndex(window, "\n")
		if cut <= 0 {
			cut = -1
			for _, sep := range sentenceEnds {
				if i := strings.LastIndex(window, sep); i > 0 && i+len(sep)-1 > cut {
					cut = i + len(sep) - 1
				}
			}
		}
		if cut <= 0 {
			break
		}

		head := strings.TrimSpace(s[:cut])
		if head != "" {
			out = append(out, head)
		}
		s = strings.TrimSpace(s[cut:])
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// byteOffset returns the byte index of the n-th rune of s.
func byteOffset(s string, n int) int {
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}

// Pacer computes humanlike typing delays.
type Pacer struct {
	Min            time.Duration
	Max            time.Duration
	CharsPerSecond float64
	Jitter         float64 // fraction, 0.15 = ±15%

	// rand returns a value in [0, 1). Nil uses math/rand/v2.
	rand func() float64
}

// Delay returns len(chunk)/CharsPerSecond seconds, jittered and clamped to
// [Min, Max].
func (p Pacer) Delay(chunk string) time.Duration {
	cps := p.CharsPerSecond
	if cps <= 0 {
		cps = 60
	}
	base := float64(utf8.RuneCountInString(chunk)) / cps * float64(time.Second)

	if p.Jitter > 0 {
		r := p.rand
		if r == nil {
			r = rand.Float64
		}
		base *= 1 + p.Jitter*(2*r()-1)
	}

	d := time.Duration(base)
	if d < p.Min {
		d = p.Min
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Build splits text and computes each chunk's delay.
func (p Pacer) Build(text string, maxChars int) Unit {
	parts := Split(text, maxChars)
	unit := make(Unit, 0, len(parts))
	for _, part := range parts {
		unit = append(unit, Chunk{Text: part, Delay: p.Delay(part)})
	}
	return unit
}
