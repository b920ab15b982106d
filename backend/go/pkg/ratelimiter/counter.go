package ratelimiter

import (
	"sync"
	"time"
)

// FixedWindowCounter allows up to limit requests per window; the counter
// resets when a request arrives after the window has elapsed.
type FixedWindowCounter struct {
	limit       int
	window      time.Duration
	count       int
	windowStart time.Time
	now         func() time.Time
	mutex       sync.Mutex
}

// NewFixedWindowCounter creates a new FixedWindowCounter.
func NewFixedWindowCounter(limit int, window time.Duration) *FixedWindowCounter {
	return newFixedWindowCounter(limit, window, time.Now)
}

func newFixedWindowCounter(limit int, window time.Duration, now func() time.Time) *FixedWindowCounter {
	return &FixedWindowCounter{
		limit:       limit,
		window:      window,
		windowStart: now(),
		now:         now,
	}
}

// Allow checks if a request is allowed in the current window.
func (fwc *FixedWindowCounter) Allow() bool {
	fwc.mutex.Lock()
	defer fwc.mutex.Unlock()

	now := fwc.now()
	if now.Sub(fwc.windowStart) >= fwc.window {
		fwc.windowStart = now
		fwc.count = 0
	}
	if fwc.count < fwc.limit {
		fwc.count++
		return true
	}
	return false
}
