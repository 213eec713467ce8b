package presence

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestParseStatus(t *testing.T) {
	tests := map[string]Status{
		"composing":   StatusComposing,
		"COMPOSING":   StatusComposing,
		"recording":   StatusRecording,
		"available":   StatusIdle,
		"paused":      StatusIdle,
		"unavailable": StatusIdle,
		"":            StatusIdle,
	}
	for raw, want := range tests {
		if got := ParseStatus(raw); got != want {
			t.Errorf("ParseStatus(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestIsAvailable(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := NewTracker(Options{StaleAfter: 30 * time.Second, Now: clock.Now})

	if !tr.IsAvailable("5511987654321") {
		t.Fatal("identity without a record should be available")
	}

	tr.Update("5511987654321", StatusComposing)
	if tr.IsAvailable("5511987654321") {
		t.Fatal("composing identity should be unavailable")
	}

	clock.Advance(30 * time.Second)
	if tr.IsAvailable("5511987654321") {
		t.Fatal("record exactly at the threshold is not yet stale")
	}

	clock.Advance(time.Millisecond)
	if !tr.IsAvailable("5511987654321") {
		t.Fatal("stale composing record should count as available")
	}

	tr.Update("5511987654321", StatusRecording)
	if tr.IsAvailable("5511987654321") {
		t.Fatal("recording identity should be unavailable")
	}

	tr.Update("5511987654321", StatusIdle)
	if !tr.IsAvailable("5511987654321") {
		t.Fatal("idle identity should be available")
	}

	rec, ok := tr.Get("5511987654321")
	if !ok || rec.Status != StatusIdle {
		t.Fatalf("expected idle record, got: %+v (ok=%v)", rec, ok)
	}
	if tr.Len() != 1 {
		t.Fatalf("expected 1 record, got: %d", tr.Len())
	}
}

func TestAwaitAvailable_ImmediateWhenIdle(t *testing.T) {
	tr := NewTracker(Options{PollInterval: 5 * time.Millisecond})

	start := time.Now()
	if !tr.AwaitAvailable(context.Background(), "a", 20*time.Millisecond) {
		t.Fatal("expected available")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("returned before the quiet window elapsed: %v", elapsed)
	}
}

// TestAwaitAvailable_ResetsOnActivity verifies that an unavailable observation
// restarts the consecutive quiet count.
func TestAwaitAvailable_ResetsOnActivity(t *testing.T) {
	tr := NewTracker(Options{PollInterval: 5 * time.Millisecond})
	tr.Update("a", StatusComposing)

	go func() {
		time.Sleep(60 * time.Millisecond)
		tr.Update("a", StatusIdle)
	}()

	start := time.Now()
	if !tr.AwaitAvailable(context.Background(), "a", 40*time.Millisecond) {
		t.Fatal("expected available")
	}
	if elapsed := time.Since(start); elapsed < 95*time.Millisecond {
		t.Fatalf("expected to wait for activity to stop plus the quiet window, waited %v", elapsed)
	}
}

func TestAwaitAvailable_ContextBoundsWait(t *testing.T) {
	tr := NewTracker(Options{PollInterval: 5 * time.Millisecond})
	tr.Update("a", StatusComposing)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if tr.AwaitAvailable(ctx, "a", 10*time.Millisecond) {
		t.Fatal("expected false while the identity keeps composing")
	}
}
