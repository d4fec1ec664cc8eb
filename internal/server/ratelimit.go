package server

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter keyed by session id.
type RateLimiter struct {
	hits        map[string][]time.Time
	mu          sync.Mutex
	maxMessages int
	window      time.Duration
	now         func() time.Time
}

func NewRateLimiter(maxMessages int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:        make(map[string][]time.Time),
		maxMessages: maxMessages,
		window:      window,
		now:         time.Now,
	}
}

// Allow records a hit for key and reports whether it is within the limit.
// A non-positive limit disables limiting.
func (r *RateLimiter) Allow(key string) bool {
	if r.maxMessages <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	recent := r.hits[key][:0]
	for _, t := range r.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.maxMessages {
		r.hits[key] = recent
		return false
	}
	r.hits[key] = append(recent, now)
	return true
}

// Forget drops the history of key, once its session is gone.
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hits, key)
}

// Len reports how many keys are tracked.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hits)
}
