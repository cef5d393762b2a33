package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryTier is the L1 in-process tier: a mutex-guarded map with lazy TTL
// expiry. It is always available and carries zero network cost.
type MemoryTier struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration

	// now is swappable so tests can control expiry.
	now func() time.Time
}

type memoryEntry struct {
	value     []byte
	writtenAt time.Time
}

// NewMemoryTier creates the L1 tier. A non-positive ttl falls back to the
// default of one hour.
func NewMemoryTier(ttl time.Duration) *MemoryTier {
	if ttl <= 0 {
		ttl = DefaultMemoryTTL
	}
	return &MemoryTier{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Name identifies this tier in logs and metrics.
func (t *MemoryTier) Name() string { return "l1" }

// Get returns the entry for key if present and unexpired. Expired entries
// are removed on the way out.
func (t *MemoryTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	t.mu.RLock()
	entry, ok := t.entries[key]
	t.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if expired(entry.writtenAt, t.ttl, t.now()) {
		t.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have
		// refreshed the entry between lock transitions.
		if current, still := t.entries[key]; still && expired(current.writtenAt, t.ttl, t.now()) {
			delete(t.entries, key)
		}
		t.mu.Unlock()
		return nil, false, nil
	}
	// Copy out so a caller mutating the payload cannot corrupt the cached
	// value for later readers.
	return append([]byte(nil), entry.value...), true, nil
}

// Set stores value under key with the given write time.
func (t *MemoryTier) Set(_ context.Context, key string, value []byte, writtenAt time.Time) error {
	t.mu.Lock()
	t.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		writtenAt: writtenAt,
	}
	t.mu.Unlock()
	return nil
}

// Delete removes key.
func (t *MemoryTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
	return nil
}

// Len reports the number of live entries, expired or not.
func (t *MemoryTier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
