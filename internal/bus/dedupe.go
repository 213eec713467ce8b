package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys so webhook retries and
// double deliveries are processed once. Safe for concurrent use.
type DedupeCache struct {
	ttl     time.Duration
	max     int
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// Defaults used when NewDedupeCache gets a non-positive ttl or max.
const (
	DefaultDedupeTTL = 20 * time.Minute
	DefaultDedupeMax = 5000
)

// NewDedupeCache creates a cache that forgets keys after ttl and tracks at
// most max keys.
func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	if max <= 0 {
		max = DefaultDedupeMax
	}
	return &DedupeCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// IsDuplicate reports whether key was seen within the TTL, and records it.
// Empty keys are never duplicates.
func (d *DedupeCache) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if seen, ok := d.entries[key]; ok && now.Sub(seen) < d.ttl {
		return true
	}

	if len(d.entries) >= d.max {
		d.prune(now)
	}
	d.entries[key] = now
	return false
}

// prune drops expired keys, then the oldest keys until under the cap.
func (d *DedupeCache) prune(now time.Time) {
	for k, seen := range d.entries {
		if now.Sub(seen) >= d.ttl {
			delete(d.entries, k)
		}
	}
	for len(d.entries) >= d.max {
		var oldestKey string
		var oldest time.Time
		for k, seen := range d.entries {
			if oldestKey == "" || seen.Before(oldest) {
				oldestKey, oldest = k, seen
			}
		}
		delete(d.entries, oldestKey)
	}
}

// Len returns the number of tracked keys.
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
