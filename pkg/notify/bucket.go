// Package notify dispatches alert notifications to an outbound webhook,
// guarded by a token-bucket rate limiter.
package notify

import (
	"math"
	"sync"
	"time"
)

// TokenBucket is a lazy, refill-on-read rate limiter. There is no
// background timer; elapsed time is converted to tokens on each attempt,
// so idle buckets refill correctly without drift.
type TokenBucket struct {
	capacity    float64
	tokens      float64
	refillPerMs float64
	lastRefill  time.Time
	mu          sync.Mutex
}

// NewTokenBucket creates a bucket with the given capacity that refills
// at tokensPerMinute. The bucket starts full.
func NewTokenBucket(capacity int, tokensPerMinute float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if tokensPerMinute <= 0 {
		tokensPerMinute = float64(capacity)
	}

	return &TokenBucket{
		capacity:    float64(capacity),
		tokens:      float64(capacity),
		refillPerMs: tokensPerMinute / float64(time.Minute.Milliseconds()),
		lastRefill:  time.Now(),
	}
}

// Allow consumes one token if available. It refills the bucket from the
// elapsed time since the last attempt before deciding.
func (b *TokenBucket) Allow() bool {
	return b.AllowAt(time.Now())
}

// AllowAt is Allow with an explicit clock, for deterministic tests.
func (b *TokenBucket) AllowAt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := float64(now.Sub(b.lastRefill).Milliseconds())
	if elapsed > 0 {
		b.tokens = math.Min(b.tokens+elapsed*b.refillPerMs, b.capacity)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Tokens returns the current token count without consuming.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
