// Package ratelimit provides a keyed token-bucket limiter used to cap
// per-entity command rates so a burst never floods a device.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/seawatts/cove/internal/clock"
)

// Limiter manages token buckets for multiple keys.
type Limiter struct {
	limiters map[string]*bucket
	mu       sync.RWMutex
	clk      clock.Clock
}

// bucket is a token bucket with continuous refill.
type bucket struct {
	tokens   float64
	limit    float64       // bucket capacity
	interval time.Duration // time to refill a full bucket
	lastFill time.Time
	mu       sync.Mutex
	clk      clock.Clock
}

// NewLimiter creates a new rate limiter.
func NewLimiter() *Limiter {
	return NewLimiterWithClock(&clock.RealClock{})
}

// NewLimiterWithClock creates a limiter with an injected clock for tests.
func NewLimiterWithClock(clk clock.Clock) *Limiter {
	return &Limiter{
		limiters: make(map[string]*bucket),
		clk:      clk,
	}
}

func (l *Limiter) bucketFor(key string, limit int, interval time.Duration) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.limiters[key]
	if !exists {
		b = &bucket{
			tokens:   float64(limit),
			limit:    float64(limit),
			interval: interval,
			lastFill: l.clk.Now(),
			clk:      l.clk,
		}
		l.limiters[key] = b
	}
	return b
}

// Allow reports whether one request for the key fits within limit
// requests per interval, consuming a token if so.
func (l *Limiter) Allow(key string, limit int, interval time.Duration) bool {
	return l.bucketFor(key, limit, interval).take()
}

// Wait blocks until a token is available for the key or the context is
// canceled. Excess commands wait rather than fail.
func (l *Limiter) Wait(ctx context.Context, key string, limit int, interval time.Duration) error {
	b := l.bucketFor(key, limit, interval)
	for {
		if b.take() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.replenishDelay()):
		}
	}
}

// take refills proportionally to elapsed time and consumes one token.
func (b *bucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// refill adds tokens for elapsed time. Caller holds b.mu.
func (b *bucket) refill() {
	now := b.clk.Now()
	elapsed := now.Sub(b.lastFill)
	if elapsed <= 0 {
		return
	}
	b.tokens += b.limit * float64(elapsed) / float64(b.interval)
	if b.tokens > b.limit {
		b.tokens = b.limit
	}
	b.lastFill = now
}

// replenishDelay estimates how long until one token is available.
func (b *bucket) replenishDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return time.Millisecond
	}
	need := 1 - b.tokens
	d := time.Duration(need / b.limit * float64(b.interval))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Reset clears the bucket for a specific key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// CleanupExpired removes buckets that have not been used within maxAge.
func (l *Limiter) CleanupExpired(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	for key, b := range l.limiters {
		b.mu.Lock()
		if now.Sub(b.lastFill) > maxAge {
			delete(l.limiters, key)
		}
		b.mu.Unlock()
	}
}
