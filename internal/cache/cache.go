// Package cache implements the three-tier response cache that fronts the
// rate-limited external API: L1 in-process memory, L2 shared key-value
// store, L3 local persistent store.
//
// Tiers are checked and populated in that fixed order. A hit in a slower
// tier is promoted into the faster tiers so subsequent reads are cheaper.
// The cache is best-effort, not a system of record: failure of L2 or L3 is
// logged and absorbed, never propagated to the caller.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/szaher/profilegate/internal/telemetry"
)

// Default per-tier time-to-live values.
const (
	DefaultMemoryTTL = 1 * time.Hour
	DefaultSharedTTL = 24 * time.Hour
	DefaultDiskTTL   = 7 * 24 * time.Hour
)

// tier is one cache level. Implementations perform their own TTL check and
// report an expired entry as a miss.
type tier interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, writtenAt time.Time) error
	Delete(ctx context.Context, key string) error
}

// Stats is a point-in-time snapshot of cache effectiveness, per tier.
type Stats struct {
	Hits   map[string]uint64 `json:"hits"`
	Misses uint64            `json:"misses"`
	Sets   uint64            `json:"sets"`
}

// Manager coordinates the three tiers.
type Manager struct {
	memory *MemoryTier
	shared *SharedTier
	disk   *DiskTier

	group   singleflight.Group
	logger  *slog.Logger
	metrics *telemetry.Metrics

	memoryHits atomic.Uint64
	sharedHits atomic.Uint64
	diskHits   atomic.Uint64
	misses     atomic.Uint64
	sets       atomic.Uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager assembles a three-tier cache. The shared and disk tiers may be
// nil, in which case the cache degrades to the remaining tiers.
func NewManager(memory *MemoryTier, shared *SharedTier, disk *DiskTier, opts ...Option) *Manager {
	m := &Manager{
		memory: memory,
		shared: shared,
		disk:   disk,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type lookup struct {
	value []byte
	found bool
}

// Get looks key up through the tier chain. A miss returns (nil, false);
// tier failures count as misses for that tier and are never surfaced.
// Concurrent lookups for the same key are collapsed so a thundering herd
// costs at most one read per backing store.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	v, _, _ := m.group.Do(key, func() (interface{}, error) {
		value, found := m.get(ctx, key)
		return lookup{value: value, found: found}, nil
	})
	result := v.(lookup)
	return result.value, result.found
}

func (m *Manager) get(ctx context.Context, key string) ([]byte, bool) {
	if value, ok := m.tierGet(ctx, m.memory, key); ok {
		m.memoryHits.Add(1)
		m.recordRequest(m.memory.Name(), "hit")
		return value, true
	}

	if m.shared != nil {
		if value, ok := m.tierGet(ctx, m.shared, key); ok {
			m.sharedHits.Add(1)
			m.recordRequest(m.shared.Name(), "hit")
			m.promote(ctx, key, value, m.memory)
			return value, true
		}
	}

	if m.disk != nil {
		if value, ok := m.tierGet(ctx, m.disk, key); ok {
			m.diskHits.Add(1)
			m.recordRequest(m.disk.Name(), "hit")
			m.promote(ctx, key, value, m.memory)
			if m.shared != nil {
				m.promote(ctx, key, value, m.shared)
			}
			return value, true
		}
	}

	m.misses.Add(1)
	m.recordRequest("all", "miss")
	return nil, false
}

func (m *Manager) tierGet(ctx context.Context, t tier, key string) ([]byte, bool) {
	value, ok, err := t.Get(ctx, key)
	if err != nil {
		m.logger.Warn("cache tier read failed", "tier", t.Name(), "key", key, "error", err)
		m.recordRequest(t.Name(), "error")
		return nil, false
	}
	return value, ok
}

func (m *Manager) promote(ctx context.Context, key string, value []byte, t tier) {
	if err := t.Set(ctx, key, value, time.Now()); err != nil {
		m.logger.Warn("cache promotion failed", "tier", t.Name(), "key", key, "error", err)
	}
}

// Set writes key through all tiers. L2 and L3 failures are logged and
// absorbed; only an L1 failure fails the call, since a broken in-process
// map means the process itself is unhealthy.
func (m *Manager) Set(ctx context.Context, key string, value []byte) error {
	now := time.Now()

	if err := m.memory.Set(ctx, key, value, now); err != nil {
		m.recordWrite(m.memory.Name(), "error")
		return fmt.Errorf("cache L1 write for %q: %w", key, err)
	}
	m.recordWrite(m.memory.Name(), "ok")
	m.sets.Add(1)

	if m.shared != nil {
		if err := m.shared.Set(ctx, key, value, now); err != nil {
			m.logger.Warn("cache L2 write failed", "key", key, "error", err)
			m.recordWrite(m.shared.Name(), "error")
		} else {
			m.recordWrite(m.shared.Name(), "ok")
		}
	}

	if m.disk != nil {
		if err := m.disk.Set(ctx, key, value, now); err != nil {
			m.logger.Warn("cache L3 write failed", "key", key, "error", err)
			m.recordWrite(m.disk.Name(), "error")
		} else {
			m.recordWrite(m.disk.Name(), "ok")
		}
	}

	return nil
}

// Invalidate removes key from L1 and L2 immediately. The L3 delete is
// best-effort: the storage identifier is recomputed from the key, so no
// reverse index is needed, but a failed delete is only logged and the
// entry falls back to TTL expiry.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	if err := m.memory.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache L1 invalidate for %q: %w", key, err)
	}

	if m.shared != nil {
		if err := m.shared.Delete(ctx, key); err != nil {
			m.logger.Warn("cache L2 invalidate failed", "key", key, "error", err)
		}
	}

	if m.disk != nil {
		if err := m.disk.Delete(ctx, key); err != nil {
			m.logger.Warn("cache L3 invalidate failed", "key", key, "error", err)
		}
	}

	return nil
}

// Stats returns a snapshot of hit and miss counters.
func (m *Manager) Stats() Stats {
	hits := map[string]uint64{
		m.memory.Name(): m.memoryHits.Load(),
	}
	if m.shared != nil {
		hits[m.shared.Name()] = m.sharedHits.Load()
	}
	if m.disk != nil {
		hits[m.disk.Name()] = m.diskHits.Load()
	}
	return Stats{
		Hits:   hits,
		Misses: m.misses.Load(),
		Sets:   m.sets.Load(),
	}
}

func (m *Manager) recordRequest(tierName, result string) {
	if m.metrics != nil {
		m.metrics.CacheRequests.WithLabelValues(tierName, result).Inc()
	}
}

func (m *Manager) recordWrite(tierName, result string) {
	if m.metrics != nil {
		m.metrics.CacheWrites.WithLabelValues(tierName, result).Inc()
	}
}
