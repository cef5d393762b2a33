package cache

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func newTestDiskTier(t *testing.T, ttl time.Duration, clock *testClock) *DiskTier {
	t.Helper()
	tier, err := OpenInMemoryDiskTier(ttl)
	if err != nil {
		t.Fatalf("open in-memory disk tier: %v", err)
	}
	t.Cleanup(func() { tier.Close() })
	tier.now = clock.Now
	return tier
}

func TestDiskTierRoundTrip(t *testing.T) {
	clock := newTestClock()
	tier := newTestDiskTier(t, time.Hour, clock)
	ctx := context.Background()

	if err := tier.Set(ctx, "user:alice", []byte("payload"), clock.Now()); err != nil {
		t.Fatalf("set: %v", err)
	}

	value, found, err := tier.Get(ctx, "user:alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("expected hit")
	}
	if !bytes.Equal(value, []byte("payload")) {
		t.Errorf("unexpected value %q", value)
	}
}

func TestDiskTierMissOnUnknownKey(t *testing.T) {
	tier := newTestDiskTier(t, time.Hour, newTestClock())

	_, found, err := tier.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Error("unknown key should miss")
	}
}

func TestDiskTierExpiry(t *testing.T) {
	clock := newTestClock()
	tier := newTestDiskTier(t, time.Hour, clock)
	ctx := context.Background()

	if err := tier.Set(ctx, "user:alice", []byte("payload"), clock.Now()); err != nil {
		t.Fatalf("set: %v", err)
	}

	clock.Advance(2 * time.Hour)
	_, found, err := tier.Get(ctx, "user:alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Error("expired entry should miss")
	}
}

func TestDiskTierDeleteByRecomputedHash(t *testing.T) {
	clock := newTestClock()
	tier := newTestDiskTier(t, time.Hour, clock)
	ctx := context.Background()

	// Keys with separators and spaces must still be addressable, since the
	// storage key is a hash of the caller key.
	key := "repo:alice/my site/readme?ref=main"
	if err := tier.Set(ctx, key, []byte("payload"), clock.Now()); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := tier.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, found, err := tier.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Error("deleted key should miss")
	}
}

func TestStorageKeyIsStable(t *testing.T) {
	a := storageKey("user:alice")
	b := storageKey("user:alice")
	if !bytes.Equal(a, b) {
		t.Error("storage key must be deterministic for the same caller key")
	}
	if bytes.Equal(a, storageKey("user:bob")) {
		t.Error("distinct caller keys must map to distinct storage keys")
	}
}
