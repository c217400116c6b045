package p2p

import (
	"sync"
	"time"
)

// RateLimiter is a per-IP sliding-window counter (spec.md §4.8 ingress step
// 1). Each IP gets at most max requests per window; older timestamps are
// pruned lazily on the next check for that IP.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	hits   map[string][]time.Time
}

// NewRateLimiter constructs a RateLimiter using spec.md §6's
// rate_limit_window_ms / rate_limit_max tunables.
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	if max <= 0 {
		max = 240
	}
	return &RateLimiter{window: window, max: max, hits: make(map[string][]time.Time)}
}

// Allow records one request from ip at now and reports whether it falls
// within the window's budget.
func (r *RateLimiter) Allow(ip string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	times := r.hits[ip]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.max {
		r.hits[ip] = kept
		return false
	}
	kept = append(kept, now)
	r.hits[ip] = kept
	return true
}
