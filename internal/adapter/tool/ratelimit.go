package tool

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter caps outbound messages per process, independently of the
// per-request write budget. A full bucket holds limit sends and refills
// evenly over the window.
type RateLimiter struct {
	limit   int
	window  time.Duration
	limiter *rate.Limiter
	now     func() time.Time
}

// NewRateLimiter allows limit sends per window. A limit <= 0 never blocks.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	r := &RateLimiter{limit: limit, window: window, now: time.Now}
	r.Reset()
	return r
}

// Allow consumes one send if the bucket has one left.
func (r *RateLimiter) Allow() bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	return r.limiter.AllowN(r.now(), 1)
}

// Limit returns the configured sends per window.
func (r *RateLimiter) Limit() int {
	if r == nil {
		return 0
	}
	return r.limit
}

// Reset refills the bucket.
func (r *RateLimiter) Reset() {
	if r.limit <= 0 || r.window <= 0 {
		r.limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	r.limiter = rate.NewLimiter(rate.Every(r.window/time.Duration(r.limit)), r.limit)
}
