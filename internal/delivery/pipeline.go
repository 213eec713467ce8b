// Package delivery sends a finished reply as a sequence of paced, retried
// chunks. Chunks go out strictly in order; a chunk that exhausts its retries
// fails the unit, but chunks already delivered are never retracted.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/chatrelay/internal/channels"
)

// Transport sends one chunk to an identity. ok=false with a nil error means
// the platform answered without accepting the message; both count as a
// failed attempt. Errors wrapping channels.ErrPermanent are not retried.
type Transport interface {
	Send(ctx context.Context, chunk, identity string, delayHintMs int) (ok bool, err error)
}

// Presence is the availability check consulted before each chunk.
type Presence interface {
	AwaitAvailable(ctx context.Context, identity string, quiet time.Duration) bool
}

// Settings tunes pacing, presence waits and retries.
type Settings struct {
	PacingMin      time.Duration
	PacingMax      time.Duration
	CharsPerSecond float64
	Jitter         float64
	MaxChunkChars  int

	QuestionPause    time.Duration
	ExclamationPause time.Duration
	DefaultPause     time.Duration

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	AwaitPresence   bool
	PresenceQuiet   time.Duration
	PresenceTimeout time.Duration

	// SleepBeforeSend waits out the pacing delay locally before each send,
	// in addition to passing it to the transport as a typing hint.
	SleepBeforeSend bool
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		PacingMin:        1000 * time.Millisecond,
		PacingMax:        5000 * time.Millisecond,
		CharsPerSecond:   60,
		Jitter:           0.15,
		MaxChunkChars:    1000,
		QuestionPause:    1000 * time.Millisecond,
		ExclamationPause: 800 * time.Millisecond,
		DefaultPause:     500 * time.Millisecond,
		MaxRetries:       3,
		RetryBaseDelay:   time.Second,
		RetryMaxDelay:    10 * time.Second,
		AwaitPresence:    true,
		PresenceQuiet:    2 * time.Second,
		PresenceTimeout:  15 * time.Second,
		SleepBeforeSend:  true,
	}
}

var tracer = otel.Tracer("github.com/nextlevelbuilder/chatrelay/internal/delivery")

var errRejected = errors.New("transport did not accept the message")

// Pipeline delivers replies through a Transport. Safe for concurrent use;
// each Deliver call is independent.
type Pipeline struct {
	transport Transport
	presence  Presence
	settings  atomic.Pointer[Settings]
	rand      func() float64
}

// NewPipeline creates a Pipeline. presence may be nil to skip availability waits.
func NewPipeline(transport Transport, presence Presence, settings Settings) *Pipeline {
	p := &Pipeline{transport: transport, presence: presence}
	p.settings.Store(&settings)
	return p
}

// UpdateSettings swaps the settings used by subsequent Deliver calls.
func (p *Pipeline) UpdateSettings(s Settings) {
	p.settings.Store(&s)
}

// Settings returns the current settings.
func (p *Pipeline) Settings() Settings {
	return *p.settings.Load()
}

// Deliver sends reply to identity chunk by chunk. It returns true only if
// every chunk was delivered.
func (p *Pipeline) Deliver(ctx context.Context, identity, reply string) bool {
	s := p.Settings()
	pacer := Pacer{
		Min:            s.PacingMin,
		Max:            s.PacingMax,
		CharsPerSecond: s.CharsPerSecond,
		Jitter:         s.Jitter,
		rand:           p.rand,
	}
	unit := pacer.Build(reply, s.MaxChunkChars)
	if len(unit) == 0 {
		return true
	}

	ctx, span := tracer.Start(ctx, "delivery.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("relay.identity", identity),
		attribute.Int("delivery.chunks", len(unit)),
	)

	for i, chunk := range unit {
		if i > 0 {
			if !sleepCtx(ctx, pauseAfter(s, unit[i-1].Text)) {
				return false
			}
		}

		p.awaitRecipient(ctx, s, identity)

		if s.SleepBeforeSend && !sleepCtx(ctx, chunk.Delay) {
			return false
		}

		if err := p.sendWithRetry(ctx, s, identity, chunk); err != nil {
			slog.Error("delivery: chunk failed, aborting unit",
				"identity", identity,
				"chunk", i+1,
				"chunks", len(unit),
				"delivered", i,
				"error", err,
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, "chunk delivery failed")
			span.SetAttributes(attribute.Int("delivery.delivered", i))
			return false
		}
		slog.Debug("delivery: chunk sent", "identity", identity, "chunk", i+1, "chunks", len(unit), "delay", chunk.Delay)
	}

	span.SetAttributes(attribute.Int("delivery.delivered", len(unit)))
	return true
}

// awaitRecipient waits (bounded) for the recipient to stop typing. On
// timeout the chunk is sent anyway.
func (p *Pipeline) awaitRecipient(ctx context.Context, s Settings, identity string) {
	if !s.AwaitPresence || p.presence == nil {
		return
	}
	waitCtx := ctx
	if s.PresenceTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.PresenceTimeout)
		defer cancel()
	}
	if !p.presence.AwaitAvailable(waitCtx, identity, s.PresenceQuiet) && ctx.Err() == nil {
		slog.Info("delivery: recipient still active, sending anyway", "identity", identity, "waited", s.PresenceTimeout)
	}
}

func (p *Pipeline) sendWithRetry(ctx context.Context, s Settings, identity string, chunk Chunk) error {
	attempts := s.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.RetryBaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.1
	if s.RetryMaxDelay > 0 {
		eb.MaxInterval = s.RetryMaxDelay
	}
	eb.Reset()

	delayMs := int(chunk.Delay / time.Millisecond)
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		ok, err := p.transport.Send(ctx, chunk.Text, identity, delayMs)
		switch {
		case err != nil && errors.Is(err, channels.ErrPermanent):
			return struct{}{}, backoff.Permanent(err)
		case err != nil:
			return struct{}{}, err
		case !ok:
			return struct{}{}, errRejected
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("delivery: send failed, retrying",
				"identity", identity,
				"attempt", attempt,
				"max_attempts", attempts,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("send after %d attempt(s): %w", attempt, err)
	}
	return nil
}

// pauseAfter picks the conversational pause that follows a sent chunk.
func pauseAfter(s Settings, prev string) time.Duration {
	switch {
	case strings.Contains(prev, "?"):
		return s.QuestionPause
	case strings.Contains(prev, "!"):
		return s.ExclamationPause
	default:
		return s.DefaultPause
	}
}

// sleepCtx sleeps for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
