package kv

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Put(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(value, []byte("v")) {
		t.Errorf("unexpected value %q", value)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory()

	_, err := m.Get(context.Background(), "absent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	if err := m.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := m.Get(ctx, "k"); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	if err := m.Put(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	current = current.Add(1000 * time.Hour)
	if _, err := m.Get(ctx, "k"); err != nil {
		t.Errorf("entry without TTL should never expire, got %v", err)
	}
}

func TestMemoryDeleteMultiple(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if err := m.Put(ctx, k, []byte("v"), 0); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	if err := m.Delete(ctx, "a", "c"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := m.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Error("a should be deleted")
	}
	if _, err := m.Get(ctx, "b"); err != nil {
		t.Errorf("b should survive, got %v", err)
	}
}

func TestMemorySweep(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	if err := m.Put(ctx, "short", []byte("v"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Put(ctx, "long", []byte("v"), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	current = current.Add(10 * time.Minute)
	if removed := m.Sweep(); removed != 1 {
		t.Errorf("expected 1 swept entry, got %d", removed)
	}
	if _, err := m.Get(ctx, "long"); err != nil {
		t.Errorf("unexpired entry should survive the sweep, got %v", err)
	}
}
