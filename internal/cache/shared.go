package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/szaher/profilegate/internal/kv"
)

// SharedTier is the L2 tier backed by the shared key-value store. Entries
// are stored as JSON envelopes under a key prefix and carry both a
// store-side TTL and an envelope write time; the envelope time is
// authoritative for the expiry check, so an entry that outlives its TTL in
// the store is still reported as a miss.
type SharedTier struct {
	store  kv.Store
	prefix string
	ttl    time.Duration

	now func() time.Time
}

// SharedTierOption configures a SharedTier.
type SharedTierOption func(*SharedTier)

// WithSharedPrefix overrides the key prefix.
func WithSharedPrefix(prefix string) SharedTierOption {
	return func(t *SharedTier) { t.prefix = prefix }
}

// NewSharedTier creates the L2 tier. A non-positive ttl falls back to the
// default of 24 hours.
func NewSharedTier(store kv.Store, ttl time.Duration, opts ...SharedTierOption) *SharedTier {
	if ttl <= 0 {
		ttl = DefaultSharedTTL
	}
	t := &SharedTier{
		store:  store,
		prefix: "profilegate/cache/",
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name identifies this tier in logs and metrics.
func (t *SharedTier) Name() string { return "l2" }

func (t *SharedTier) storageKey(key string) string {
	return t.prefix + key
}

// Get returns the entry for key if present and unexpired. Store
// unavailability surfaces as an error for the manager to absorb; a
// malformed envelope is treated the same way.
func (t *SharedTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := t.store.Get(ctx, t.storageKey(key))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, fmt.Errorf("unmarshal cache envelope for %q: %w", key, err)
	}
	if expired(env.WrittenAt, t.ttl, t.now()) {
		return nil, false, nil
	}
	return env.Value, true, nil
}

// Set stores value under key with the tier TTL on the store side.
func (t *SharedTier) Set(ctx context.Context, key string, value []byte, writtenAt time.Time) error {
	data, err := json.Marshal(envelope{Key: key, Value: value, WrittenAt: writtenAt})
	if err != nil {
		return fmt.Errorf("marshal cache envelope for %q: %w", key, err)
	}
	return t.store.Put(ctx, t.storageKey(key), data, t.ttl)
}

// Delete removes key from the store.
func (t *SharedTier) Delete(ctx context.Context, key string) error {
	return t.store.Delete(ctx, t.storageKey(key))
}
