package ratelimiter

import (
	"sync"
	"time"
)

// TokenBucket implements the RateLimiter interface using the token bucket algorithm.
// It allows for bursts of requests up to the bucket's capacity.
type TokenBucket struct {
	rate          float64 // tokens per second
	capacity      float64
	tokens        float64
	lastTokenTime time.Time
	now           func() time.Time
	mutex         sync.Mutex
}

// NewTokenBucket creates a new TokenBucket that starts full.
// rate: the number of tokens to generate per second.
// capacity: the maximum number of tokens (burst size).
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate float64, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		rate:          rate,
		capacity:      float64(capacity),
		tokens:        float64(capacity),
		lastTokenTime: now(),
		now:           now,
	}
}

// Allow refills the bucket for the elapsed time and consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	now := tb.now()
	if elapsed := now.Sub(tb.lastTokenTime); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTokenTime = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}
