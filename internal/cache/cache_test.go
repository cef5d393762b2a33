package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/szaher/profilegate/internal/kv"
)

// testClock drives tier expiry deterministically.
type testClock struct {
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.current }
func (c *testClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestManager(t *testing.T, clock *testClock) *Manager {
	t.Helper()

	memory := NewMemoryTier(time.Hour)
	memory.now = clock.Now

	shared := NewSharedTier(kv.NewMemory(), 24*time.Hour)
	shared.now = clock.Now

	disk, err := OpenInMemoryDiskTier(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("open in-memory disk tier: %v", err)
	}
	t.Cleanup(func() { disk.Close() })
	disk.now = clock.Now

	return NewManager(memory, shared, disk)
}

func TestManagerMissOnEmptyCache(t *testing.T) {
	m := newTestManager(t, newTestClock())

	if _, found := m.Get(context.Background(), "user:alice"); found {
		t.Error("empty cache should miss")
	}
	if got := m.Stats().Misses; got != 1 {
		t.Errorf("expected 1 recorded miss, got %d", got)
	}
}

func TestManagerSetThenGetHitsMemory(t *testing.T) {
	m := newTestManager(t, newTestClock())
	ctx := context.Background()

	if err := m.Set(ctx, "user:alice", []byte(`{"login":"alice"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}

	value, found := m.Get(ctx, "user:alice")
	if !found {
		t.Fatal("expected hit after set")
	}
	if !bytes.Equal(value, []byte(`{"login":"alice"}`)) {
		t.Errorf("unexpected value %q", value)
	}
	if got := m.Stats().Hits["l1"]; got != 1 {
		t.Errorf("expected the hit in l1, got %d", got)
	}
}

func TestManagerPromotesFromSharedToMemory(t *testing.T) {
	m := newTestManager(t, newTestClock())
	ctx := context.Background()

	if err := m.Set(ctx, "user:alice", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	// Drop the L1 copy so the next read must fall through.
	if err := m.memory.Delete(ctx, "user:alice"); err != nil {
		t.Fatalf("delete from memory tier: %v", err)
	}

	if _, found := m.Get(ctx, "user:alice"); !found {
		t.Fatal("expected hit from shared tier")
	}
	if got := m.Stats().Hits["l2"]; got != 1 {
		t.Errorf("expected the hit in l2, got %d", got)
	}

	// The hit must have been promoted back into L1.
	if _, ok, _ := m.memory.Get(ctx, "user:alice"); !ok {
		t.Error("shared hit should be promoted into the memory tier")
	}
}

func TestManagerPromotesFromDiskThroughAllTiers(t *testing.T) {
	m := newTestManager(t, newTestClock())
	ctx := context.Background()

	if err := m.Set(ctx, "repo:alice/site", []byte("readme")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.memory.Delete(ctx, "repo:alice/site"); err != nil {
		t.Fatalf("delete from memory tier: %v", err)
	}
	if err := m.shared.Delete(ctx, "repo:alice/site"); err != nil {
		t.Fatalf("delete from shared tier: %v", err)
	}

	value, found := m.Get(ctx, "repo:alice/site")
	if !found {
		t.Fatal("expected hit from disk tier")
	}
	if !bytes.Equal(value, []byte("readme")) {
		t.Errorf("unexpected value %q", value)
	}

	if _, ok, _ := m.memory.Get(ctx, "repo:alice/site"); !ok {
		t.Error("disk hit should be promoted into the memory tier")
	}
	if _, ok, _ := m.shared.Get(ctx, "repo:alice/site"); !ok {
		t.Error("disk hit should be promoted into the shared tier")
	}
}

// seed writes the entry into every tier with the fake clock's time, so
// expiry can be driven without waiting out real TTLs.
func seed(t *testing.T, m *Manager, clock *testClock, key string, value []byte) {
	t.Helper()
	ctx := context.Background()
	for _, tr := range []tier{m.memory, m.shared, m.disk} {
		if err := tr.Set(ctx, key, value, clock.Now()); err != nil {
			t.Fatalf("seed %s: %v", tr.Name(), err)
		}
	}
}

func TestManagerTierTTLsAreIndependent(t *testing.T) {
	clock := newTestClock()
	m := newTestManager(t, clock)
	ctx := context.Background()

	seed(t, m, clock, "user:alice", []byte("v1"))

	// Past the memory TTL (1h) but within the shared TTL (24h): the entry
	// must still be served, now from L2.
	clock.Advance(2 * time.Hour)
	if _, found := m.Get(ctx, "user:alice"); !found {
		t.Fatal("entry within shared TTL should still hit")
	}
	if got := m.Stats().Hits["l2"]; got != 1 {
		t.Errorf("expected the hit in l2 after memory expiry, got %d", got)
	}
}

func TestManagerExpiryAcrossAllTiers(t *testing.T) {
	clock := newTestClock()
	m := newTestManager(t, clock)
	ctx := context.Background()

	seed(t, m, clock, "user:alice", []byte("v1"))

	clock.Advance(8 * 24 * time.Hour)
	if _, found := m.Get(ctx, "user:alice"); found {
		t.Error("entry past every tier TTL should miss")
	}
}

func TestManagerInvalidate(t *testing.T) {
	m := newTestManager(t, newTestClock())
	ctx := context.Background()

	if err := m.Set(ctx, "user:alice", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.Invalidate(ctx, "user:alice"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if _, found := m.Get(ctx, "user:alice"); found {
		t.Error("invalidated key should miss in every tier")
	}
}

func TestManagerSetOverwrites(t *testing.T) {
	m := newTestManager(t, newTestClock())
	ctx := context.Background()

	if err := m.Set(ctx, "user:alice", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.Set(ctx, "user:alice", []byte("v2")); err != nil {
		t.Fatalf("second set: %v", err)
	}

	value, found := m.Get(ctx, "user:alice")
	if !found || !bytes.Equal(value, []byte("v2")) {
		t.Errorf("expected overwritten value v2, got %q (found=%v)", value, found)
	}
}

func TestManagerDegradesWithoutOptionalTiers(t *testing.T) {
	memory := NewMemoryTier(time.Hour)
	m := NewManager(memory, nil, nil)
	ctx := context.Background()

	if err := m.Set(ctx, "user:alice", []byte("v1")); err != nil {
		t.Fatalf("set with memory tier only: %v", err)
	}
	if _, found := m.Get(ctx, "user:alice"); !found {
		t.Error("memory-only cache should still serve hits")
	}
}
