package burst

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAppend_SchedulesOnce(t *testing.T) {
	tbl := NewTable(0, nil)

	first := tbl.Append("a", "oi")
	if !first.Schedule || first.Count != 1 {
		t.Fatalf("first append should schedule, got: %+v", first)
	}
	second := tbl.Append("a", "queria saber sobre planos")
	if second.Schedule {
		t.Fatal("second append must not schedule a second scheduler")
	}
	if second.Count != 2 {
		t.Fatalf("expected 2 fragments, got: %d", second.Count)
	}
	if tbl.State("a") != Waiting {
		t.Fatalf("expected waiting, got: %s", tbl.State("a"))
	}
	if !tbl.IsScheduled("a") {
		t.Fatal("expected IsScheduled")
	}
	if tbl.IsScheduled("b") {
		t.Fatal("unknown identity must not be scheduled")
	}
}

func TestAppend_StampsActivity(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tbl := NewTable(0, func() time.Time { return now })

	tbl.Append("a", "one")
	now = now.Add(3 * time.Second)
	tbl.Append("a", "two")

	first, last, ok := tbl.Activity("a")
	if !ok {
		t.Fatal("expected burst to exist")
	}
	if !first.Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("unexpected first activity: %v", first)
	}
	if !last.Equal(now) {
		t.Fatalf("unexpected last activity: %v", last)
	}
}

// TestAppend_OverflowResets verifies the burst is cleared when it reaches the
// cap, leaving only the fragment that triggered the overflow.
func TestAppend_OverflowResets(t *testing.T) {
	tbl := NewTable(3, nil)
	for i := 0; i < 3; i++ {
		if res := tbl.Append("a", fmt.Sprintf("f%d", i)); res.Overflowed {
			t.Fatalf("unexpected overflow at fragment %d", i)
		}
	}

	res := tbl.Append("a", "f3")
	if !res.Overflowed {
		t.Fatal("expected overflow")
	}
	if res.Count != 1 || tbl.Pending("a") != 1 {
		t.Fatalf("expected 1 fragment after reset, got: %d", tbl.Pending("a"))
	}
	if res.Schedule {
		t.Fatal("overflow must not schedule a second scheduler")
	}
	if got := tbl.Drain("a"); len(got) != 1 || got[0] != "f3" {
		t.Fatalf("expected [f3], got: %v", got)
	}
}

func TestDrain(t *testing.T) {
	tbl := NewTable(0, nil)
	tbl.Append("a", "oi")
	tbl.Append("a", "tudo bem?")

	frags := tbl.Drain("a")
	if strings.Join(frags, " ") != "oi tudo bem?" {
		t.Fatalf("unexpected fragments: %v", frags)
	}
	if tbl.State("a") != Processing {
		t.Fatalf("expected processing, got: %s", tbl.State("a"))
	}
	if tbl.Pending("a") != 0 {
		t.Fatal("drain must clear the buffer")
	}

	// Nothing arrived during processing: burst removed.
	if tbl.Finish("a") {
		t.Fatal("expected no further cycle")
	}
	if tbl.State("a") != Idle || tbl.Len() != 0 {
		t.Fatal("expected burst removed after finish")
	}
}

func TestDrain_EmptyRemovesBurst(t *testing.T) {
	tbl := NewTable(0, nil)
	if got := tbl.Drain("missing"); got != nil {
		t.Fatalf("expected nil, got: %v", got)
	}

	tbl.Append("a", "x")
	tbl.Drain("a")
	tbl.Finish("a")
	tbl.Append("a", "y")
	tbl.Drain("a")
	// Second drain in the same cycle finds nothing.
	if got := tbl.Drain("a"); got != nil {
		t.Fatalf("expected nil on empty drain, got: %v", got)
	}
	if tbl.State("a") != Idle || tbl.Len() != 0 {
		t.Fatal("empty drain should remove the burst")
	}
}

// TestFinish_FragmentsDuringProcessing verifies fragments that arrive while a
// pass runs start a new waiting cycle owned by the same scheduler.
func TestFinish_FragmentsDuringProcessing(t *testing.T) {
	tbl := NewTable(0, nil)
	tbl.Append("a", "first")
	tbl.Drain("a")

	res := tbl.Append("a", "late")
	if res.Schedule {
		t.Fatal("append during processing must not schedule")
	}
	if !tbl.Finish("a") {
		t.Fatal("expected another cycle")
	}
	if tbl.State("a") != Waiting {
		t.Fatalf("expected waiting, got: %s", tbl.State("a"))
	}
	if got := tbl.Drain("a"); len(got) != 1 || got[0] != "late" {
		t.Fatalf("expected [late], got: %v", got)
	}
}

func TestRelease(t *testing.T) {
	tbl := NewTable(0, nil)
	tbl.Append("a", "x")
	tbl.Drain("a")
	tbl.Append("a", "pending")

	tbl.Release("a")
	if tbl.State("a") != Idle {
		t.Fatalf("expected idle, got: %s", tbl.State("a"))
	}
	if tbl.Pending("a") != 1 {
		t.Fatal("release must keep buffered fragments")
	}
	if res := tbl.Append("a", "next"); !res.Schedule {
		t.Fatal("append after release should schedule")
	}

	tbl.Drain("a")
	tbl.Release("a")
	if tbl.Len() != 0 {
		t.Fatal("release of an empty burst should remove it")
	}
}

func TestRequeue(t *testing.T) {
	tbl := NewTable(0, nil)
	if tbl.Requeue("a") {
		t.Fatal("cannot requeue a missing burst")
	}

	tbl.Append("a", "x")
	tbl.Drain("a")
	tbl.Append("a", "late")
	if !tbl.Requeue("a") {
		t.Fatal("expected requeue with buffered fragments")
	}
	if tbl.State("a") != Waiting {
		t.Fatalf("expected waiting, got: %s", tbl.State("a"))
	}
	if res := tbl.Append("a", "more"); res.Schedule {
		t.Fatal("append after requeue must not schedule a second scheduler")
	}
	if got := tbl.Drain("a"); len(got) != 2 {
		t.Fatalf("expected 2 fragments, got: %v", got)
	}

	if tbl.Requeue("a") {
		t.Fatal("requeue of an empty burst should report false")
	}
	if tbl.Len() != 0 {
		t.Fatal("requeue of an empty burst should remove it")
	}
}

func TestMarkScheduled(t *testing.T) {
	tbl := NewTable(0, nil)
	if tbl.MarkScheduled("a") {
		t.Fatal("cannot claim a missing burst")
	}
	tbl.Append("a", "x")
	tbl.Release("a")
	if !tbl.MarkScheduled("a") {
		t.Fatal("expected claim to succeed")
	}
	if tbl.MarkScheduled("a") {
		t.Fatal("second claim must fail")
	}
}

// TestAppend_ConcurrentSingleScheduler hammers one identity from many
// goroutines: exactly one append may report Schedule.
func TestAppend_ConcurrentSingleScheduler(t *testing.T) {
	tbl := NewTable(1000, nil)

	var schedules atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if tbl.Append("a", fmt.Sprintf("f%d", i)).Schedule {
				schedules.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := schedules.Load(); got != 1 {
		t.Fatalf("expected exactly 1 schedule, got: %d", got)
	}
	if got := len(tbl.Drain("a")); got != 50 {
		t.Fatalf("expected 50 fragments, got: %d", got)
	}
}
