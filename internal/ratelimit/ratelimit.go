// Package ratelimit caps how often each identity may start a background
// operation: a fixed window of tokens per identity, sized from the server
// configuration.
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	remaining int
	resetAt   time.Time
}

// RateLimiter tracks per-identity start budgets. Buckets are created on
// first use and refilled once their window elapses.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
}

// New creates a limiter allowing limit starts per identity per window. A
// non-positive window falls back to one minute.
func New(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
	}
}

// Allow reports whether identity may start another operation now, and
// consumes a token when it may.
func (rl *RateLimiter) Allow(identity string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[identity]
	if !ok || now.After(b.resetAt) {
		b = &bucket{remaining: rl.limit, resetAt: now.Add(rl.window)}
		rl.buckets[identity] = b
	}
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// Prune drops buckets whose window has long expired. Idle identities
// otherwise accumulate forever on a busy multi-tenant server.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, b := range rl.buckets {
		if now.After(b.resetAt.Add(rl.window)) {
			delete(rl.buckets, id)
			removed++
		}
	}
	return removed
}
