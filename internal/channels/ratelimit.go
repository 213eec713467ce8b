package channels

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	// maxTrackedKeys caps the number of tracked source keys so a caller
	// rotating IPs cannot grow the table without bound.
	maxTrackedKeys = 4096

	DefaultWebhookWindow  = 60 * time.Second
	DefaultWebhookMaxHits = 600
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// WebhookRateLimiter is a fixed-window limiter keyed by request source.
// Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	window  time.Duration
	maxHits int
	now     func() time.Time
}

// NewWebhookRateLimiter creates a limiter allowing maxHits per window per key.
// Non-positive arguments take the defaults.
func NewWebhookRateLimiter(window time.Duration, maxHits int) *WebhookRateLimiter {
	if window <= 0 {
		window = DefaultWebhookWindow
	}
	if maxHits <= 0 {
		maxHits = DefaultWebhookMaxHits
	}
	return &WebhookRateLimiter{
		entries: make(map[string]*rateLimitEntry),
		window:  window,
		maxHits: maxHits,
		now:     time.Now,
	}
}

// Allow returns true if the key is within its limit.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		for k := range r.entries {
			if len(r.entries) < maxTrackedKeys {
				break
			}
			delete(r.entries, k)
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}

// Wrap rejects requests over the limit with 429, keyed by remote host.
func (r *WebhookRateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			key = req.RemoteAddr
		}
		if !r.Allow(key) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}
