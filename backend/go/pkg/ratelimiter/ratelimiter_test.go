package ratelimiter

import (
	"testing"
	"time"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time { return c.t }

func TestTokenBucket(t *testing.T) {
	clock := &manualClock{t: time.Unix(0, 0)}
	tb := newTokenBucket(1, 2, clock.now)

	if !tb.Allow() || !tb.Allow() {
		t.Fatal("Expected a full bucket to allow a burst of 2")
	}
	if tb.Allow() {
		t.Fatal("Expected empty bucket to reject")
	}
	clock.t = clock.t.Add(1500 * time.Millisecond)
	if !tb.Allow() {
		t.Error("Expected one token after 1.5s at 1 token/s")
	}
	if tb.Allow() {
		t.Error("Expected only one token to be refilled")
	}
}

func TestFixedWindowCounter(t *testing.T) {
	clock := &manualClock{t: time.Unix(0, 0)}
	fw := newFixedWindowCounter(2, time.Minute, clock.now)
	fw.Allow()
	fw.Allow()
	if fw.Allow() {
		t.Fatal("Expected third request in window to be rejected")
	}
	clock.t = clock.t.Add(time.Minute)
	if !fw.Allow() {
		t.Error("Expected new window to allow requests")
	}
}

func TestPerKey(t *testing.T) {
	limiter, err := NewPerKey(10, time.Minute, func() RateLimiter {
		return NewFixedWindowCounter(1, time.Hour)
	})
	if err != nil {
		t.Fatalf("NewPerKey() error = %v", err)
	}
	if !limiter.AllowKey("10.0.0.1") {
		t.Fatal("Expected first request from a client to pass")
	}
	if limiter.AllowKey("10.0.0.1") {
		t.Error("Expected second request from the same client to be limited")
	}
	if !limiter.AllowKey("10.0.0.2") {
		t.Error("Expected another client to have its own budget")
	}
}
