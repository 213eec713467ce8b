// Package burst accumulates inbound message fragments per conversation
// identity until the scheduler drains them.
//
// Each identity has at most one Burst. Its state gates scheduling:
//
//	Idle ──append──▶ Waiting ──drain──▶ Processing ──finish──▶ Idle
//	                    ▲                    │
//	                    └──finish (pending)──┘
//
// Draining is the instant inside Drain where fragments are taken; callers
// never observe it outside the table lock. The table is sharded so bursts
// for different identities never contend on one mutex.
package burst

import (
	"hash/fnv"
	"sync"
	"time"
)

// State is the scheduling state of a Burst.
type State int

const (
	Idle State = iota
	Waiting
	Draining
	Processing
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Draining:
		return "draining"
	case Processing:
		return "processing"
	default:
		return "idle"
	}
}

// DefaultMaxFragments caps a single burst before it is reset.
const DefaultMaxFragments = 100

const shardCount = 32

type burstEntry struct {
	fragments     []string
	firstActivity time.Time
	lastActivity  time.Time
	state         State
}

type shard struct {
	mu     sync.Mutex
	bursts map[string]*burstEntry
}

// Table holds the in-flight bursts for all identities.
type Table struct {
	shards       [shardCount]shard
	maxFragments int
	now          func() time.Time
}

// AppendResult reports what an Append did.
type AppendResult struct {
	// Count is the number of fragments buffered after the append.
	Count int
	// Overflowed is set when the burst hit the cap and was reset first.
	Overflowed bool
	// Schedule is set when this append moved the burst from Idle to Waiting;
	// the caller must start exactly one scheduler for the identity.
	Schedule bool
}

// NewTable creates a burst table. maxFragments <= 0 uses DefaultMaxFragments;
// a nil now uses time.Now.
func NewTable(maxFragments int, now func() time.Time) *Table {
	if maxFragments <= 0 {
		maxFragments = DefaultMaxFragments
	}
	if now == nil {
		now = time.Now
	}
	t := &Table{maxFragments: maxFragments, now: now}
	for i := range t.shards {
		t.shards[i].bursts = make(map[string]*burstEntry)
	}
	return t
}

func (t *Table) shardFor(identity string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return &t.shards[h.Sum32()%shardCount]
}

// Append adds fragment to the identity's burst, creating it if needed, and
// stamps lastActivity. A burst already holding maxFragments is cleared first
// (state is kept, so a running scheduler stays the only one).
func (t *Table) Append(identity, fragment string) AppendResult {
	s := t.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := t.now()
	b, ok := s.bursts[identity]
	if !ok {
		b = &burstEntry{}
		s.bursts[identity] = b
	}

	var res AppendResult
	if len(b.fragments) >= t.maxFragments {
		b.fragments = nil
		res.Overflowed = true
	}
	if len(b.fragments) == 0 {
		b.firstActivity = now
	}

	b.fragments = append(b.fragments, fragment)
	b.lastActivity = now
	res.Count = len(b.fragments)

	if b.state == Idle {
		b.state = Waiting
		res.Schedule = true
	}
	return res
}

// IsScheduled reports whether a scheduler currently owns the identity's burst.
func (t *Table) IsScheduled(identity string) bool {
	return t.State(identity) != Idle
}

// MarkScheduled claims the identity's burst for a scheduler. It returns false
// when the burst does not exist or is already claimed.
func (t *Table) MarkScheduled(identity string) bool {
	s := t.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bursts[identity]
	if !ok || b.state != Idle {
		return false
	}
	b.state = Waiting
	return true
}

// State returns the identity's current state (Idle when no burst exists).
func (t *Table) State(identity string) State {
	s := t.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bursts[identity]; ok {
		return b.state
	}
	return Idle
}

// Activity returns the first and last activity timestamps of the burst.
func (t *Table) Activity(identity string) (first, last time.Time, ok bool) {
	s := t.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bursts[identity]
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return b.firstActivity, b.lastActivity, true
}

// Pending returns the number of fragments buffered for identity.
func (t *Table) Pending(identity string) int {
	s := t.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bursts[identity]; ok {
		return len(b.fragments)
	}
	return 0
}

// Drain atomically takes all buffered fragments. With fragments the burst
// moves to Processing; without, the burst is removed and the identity is Idle.
// Fragments appended after Drain returns belong to the next cycle.
func (t *Table) Drain(identity string) []string {
	s := t.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bursts[identity]
	if !ok {
		return nil
	}

	b.state = Draining
	frags := b.fragments
	b.fragments = nil

	if len(frags) == 0 {
		delete(s.bursts, identity)
		return nil
	}
	b.state = Processing
	return frags
}

// Finish ends a processing pass. When fragments arrived meanwhile the burst
// returns to Waiting and Finish reports true: the caller keeps ownership and
// runs another cycle. Otherwise the burst is removed.
func (t *Table) Finish(identity string) bool {
	s := t.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bursts[identity]
	if !ok {
		return false
	}
	if len(b.fragments) > 0 {
		b.state = Waiting
		return true
	}
	delete(s.bursts, identity)
	return false
}

// Release forces the identity back to Idle regardless of state. Buffered
// fragments are kept and the next Append schedules them.
func (t *Table) Release(identity string) {
	s := t.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bursts[identity]
	if !ok {
		return
	}
	if len(b.fragments) == 0 {
		delete(s.bursts, identity)
		return
	}
	b.state = Idle
}

// Requeue recovers a burst whose scheduler died mid-cycle. Buffered
// fragments put it back to Waiting and Requeue reports true: the caller must
// start a new scheduler or call Release. An empty burst is removed.
func (t *Table) Requeue(identity string) bool {
	s := t.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bursts[identity]
	if !ok {
		return false
	}
	if len(b.fragments) == 0 {
		delete(s.bursts, identity)
		return false
	}
	b.state = Waiting
	return true
}

// Len returns the number of identities with a live burst.
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.bursts)
		s.mu.Unlock()
	}
	return n
}
