package publisher

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket applied before a direct-send attempt. It
// never drops an envelope: Allow only decides whether this envelope may
// attempt a direct RPC right now; a rejected envelope is always appended to
// the WAL by the caller instead.
type RateLimiter struct {
	mu         sync.Mutex
	ratePerSec float64
	capacity   float64
	tokens     float64
	last       time.Time
	now        func() time.Time
}

// NewRateLimiter builds a limiter. ratePerSec <= 0 means unlimited: Allow
// always returns true and no bucket bookkeeping happens.
func NewRateLimiter(ratePerSec float64) *RateLimiter {
	capacity := ratePerSec
	if capacity < 1 {
		capacity = 1
	}
	return &RateLimiter{
		ratePerSec: ratePerSec,
		capacity:   capacity,
		tokens:     capacity,
		now:        time.Now,
	}
}

// Allow reports whether a token is available, consuming it if so.
func (r *RateLimiter) Allow() bool {
	if r.ratePerSec <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.last.IsZero() {
		r.last = now
	}
	elapsed := now.Sub(r.last).Seconds()
	if elapsed > 0 {
		r.tokens += elapsed * r.ratePerSec
		if r.tokens > r.capacity {
			r.tokens = r.capacity
		}
		r.last = now
	}
	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}
