// Package ratelimit enforces the external API's call quota with a token
// bucket. A process-local bucket covers single-process deployments; a
// coordinated bucket in the shared key-value store keeps multiple
// processes sharing one quota from collectively overspending it.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a mutex-protected token bucket with lazy refill: tokens are
// replenished from elapsed time on each call, so no background timer is
// needed. Invariants: 0 <= tokens <= capacity, lastRefill never moves
// backwards.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time

	// now is swappable so tests can drive the clock.
	now func() time.Time
}

// NewBucket creates a full bucket. refillRate is in tokens per second.
func NewBucket(capacity int, refillRate float64) *Bucket {
	b := &Bucket{
		capacity:   float64(capacity),
		refillRate: refillRate,
		tokens:     float64(capacity),
		now:        time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// refillLocked folds elapsed time into the token count. Callers hold mu.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
}

// Consume takes n tokens if available. A denied call leaves the token
// count unchanged apart from the refill.
func (b *Bucket) Consume(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// Available reports the current token count after refill, without
// consuming.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return b.tokens
}

// Capacity returns the configured maximum token count.
func (b *Bucket) Capacity() float64 {
	return b.capacity
}
