package ratelimit

import (
	"testing"
	"time"
)

// fakeClock drives bucket refill deterministically.
type fakeClock struct {
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.current }
func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestBucket(capacity int, refillRate float64, clock *fakeClock) *Bucket {
	b := NewBucket(capacity, refillRate)
	b.now = clock.Now
	b.lastRefill = clock.Now()
	return b
}

func TestBucketStartsFull(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(10, 1, clock)

	if got := b.Available(); got != 10 {
		t.Errorf("expected full bucket with 10 tokens, got %v", got)
	}
}

func TestBucketConsumeUntilEmpty(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(3, 0, clock)

	for i := 0; i < 3; i++ {
		if !b.Consume(1) {
			t.Fatalf("consume %d should succeed", i+1)
		}
	}
	if b.Consume(1) {
		t.Error("consume on empty bucket should be denied")
	}
	if got := b.Available(); got != 0 {
		t.Errorf("expected 0 tokens after exhaustion, got %v", got)
	}
}

func TestBucketDeniedConsumeLeavesTokens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(5, 0, clock)

	if b.Consume(6) {
		t.Fatal("consuming more than capacity should be denied")
	}
	if got := b.Available(); got != 5 {
		t.Errorf("denied consume should not change tokens, got %v", got)
	}
}

func TestBucketRefill(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(10, 2, clock) // 2 tokens/sec

	for i := 0; i < 10; i++ {
		b.Consume(1)
	}
	if got := b.Available(); got != 0 {
		t.Fatalf("expected empty bucket, got %v", got)
	}

	clock.Advance(3 * time.Second)
	if got := b.Available(); got != 6 {
		t.Errorf("expected 6 tokens after 3s at 2/s, got %v", got)
	}
}

func TestBucketRefillCapsAtCapacity(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(10, 5, clock)

	b.Consume(4)
	clock.Advance(time.Hour)

	if got := b.Available(); got != 10 {
		t.Errorf("refill should cap at capacity 10, got %v", got)
	}
}

func TestBucketBurstGrantsExactlyCapacity(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(100, 0, clock)

	granted := 0
	for i := 0; i < 101; i++ {
		if b.Consume(1) {
			granted++
		}
	}
	if granted != 100 {
		t.Errorf("burst of 101 against capacity 100 should grant exactly 100, granted %d", granted)
	}
}
