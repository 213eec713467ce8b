// Package presence tracks the latest typing/recording status reported for
// each conversation identity.
//
// Records are last-write-wins and never deleted; a record older than the
// staleness threshold counts as idle, so a lost "paused" event cannot block
// delivery forever.
package presence

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatrelay/pkg/protocol"
)

// Status is the activity state last reported for an identity.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusComposing Status = "composing"
	StatusRecording Status = "recording"
)

// ParseStatus maps a wire presence value to a Status.
// Unknown values ("available", "paused", "unavailable", ...) are idle.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case protocol.PresenceComposing, "typing":
		return StatusComposing
	case protocol.PresenceRecording, "recording_audio":
		return StatusRecording
	default:
		return StatusIdle
	}
}

// Record is the most recent presence observation for an identity.
type Record struct {
	Identity   string
	Status     Status
	ObservedAt time.Time
}

const (
	DefaultStaleAfter   = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Options configures a Tracker. Zero fields take the defaults above.
type Options struct {
	StaleAfter   time.Duration
	PollInterval time.Duration
	Now          func() time.Time
}

// Tracker is a concurrent presence table. Safe for concurrent use; identities
// never contend on a shared lock.
type Tracker struct {
	records      sync.Map // identity → Record
	staleAfter   time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(opts Options) *Tracker {
	t := &Tracker{
		staleAfter:   opts.StaleAfter,
		pollInterval: opts.PollInterval,
		now:          opts.Now,
	}
	if t.staleAfter <= 0 {
		t.staleAfter = DefaultStaleAfter
	}
	if t.pollInterval <= 0 {
		t.pollInterval = DefaultPollInterval
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Update overwrites the identity's record with status observed now.
func (t *Tracker) Update(identity string, status Status) {
	t.records.Store(identity, Record{
		Identity:   identity,
		Status:     status,
		ObservedAt: t.now(),
	})
}

// Get returns the stored record, stale or not.
func (t *Tracker) Get(identity string) (Record, bool) {
	v, ok := t.records.Load(identity)
	if !ok {
		return Record{}, false
	}
	return v.(Record), true
}

// IsAvailable reports whether the identity may be messaged right now: no
// record, a stale record, or an idle record.
func (t *Tracker) IsAvailable(identity string) bool {
	rec, ok := t.Get(identity)
	if !ok {
		return true
	}
	if t.now().Sub(rec.ObservedAt) > t.staleAfter {
		return true
	}
	return rec.Status == StatusIdle
}

// AwaitAvailable blocks until the identity has been continuously available
// for quiet, polling every PollInterval. Any unavailable observation restarts
// the count. There is no internal timeout: it returns false only when ctx ends.
func (t *Tracker) AwaitAvailable(ctx context.Context, identity string, quiet time.Duration) bool {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	var quietSince time.Time
	for {
		if t.IsAvailable(identity) {
			now := t.now()
			if quietSince.IsZero() {
				quietSince = now
			}
			if now.Sub(quietSince) >= quiet {
				return true
			}
		} else {
			quietSince = time.Time{}
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Len returns the number of identities with a record.
func (t *Tracker) Len() int {
	n := 0
	t.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
