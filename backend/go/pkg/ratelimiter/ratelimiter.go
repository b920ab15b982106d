package ratelimiter

import (
	"fmt"
	"time"

	"mahjong_analysis/backend/go/pkg/util"
)

// RateLimiter is the interface for rate limiting.
type RateLimiter interface {
	// Allow returns true if the request is allowed, otherwise returns false.
	Allow() bool
}

// PerKey keeps one limiter per key (typically a client IP) so a single noisy
// client cannot exhaust the budget of every other caller. Keys live in an
// LRU cache.
type PerKey struct {
	limiters *util.LRUCache[string, RateLimiter]
	factory  func() RateLimiter
}

// NewPerKey creates a keyed limiter holding at most maxKeys limiters. A key's
// limiter is rebuilt once ttl has passed since it was created.
func NewPerKey(maxKeys int, ttl time.Duration, factory func() RateLimiter) (*PerKey, error) {
	cache, err := util.NewWithConfig(util.CacheConfig[string, RateLimiter]{
		Capacity: maxKeys,
		TTL:      ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create limiter cache: %w", err)
	}
	return &PerKey{limiters: cache, factory: factory}, nil
}

// AllowKey reports whether a request for key is allowed.
func (p *PerKey) AllowKey(key string) bool {
	limiter := p.limiters.GetOrCreate(key, func() RateLimiter { return p.factory() })
	return limiter.Allow()
}
