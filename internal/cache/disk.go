package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// DiskTier is the L3 tier: a Badger database that survives process
// restarts. Storage keys are a SHA-256 of the caller key, which keeps
// arbitrary cache keys filesystem-safe and, because the hash is
// recomputable, still allows point deletion without a reverse index.
//
// Entries carry the tier TTL twice: as a Badger entry TTL (so dead entries
// are reclaimed even if never read again) and in the JSON envelope (the
// authoritative expiry check on read).
type DiskTier struct {
	db  *badger.DB
	ttl time.Duration

	now func() time.Time
}

// OpenDiskTier opens (or creates) the Badger store at dir. A non-positive
// ttl falls back to the default of seven days. Badger's own logging is
// disabled; failures surface through the tier's error returns instead.
func OpenDiskTier(dir string, ttl time.Duration) (*DiskTier, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open disk cache at %q: %w", dir, err)
	}
	return newDiskTier(db, ttl), nil
}

// OpenInMemoryDiskTier opens a Badger store without disk persistence.
// Used by tests.
func OpenInMemoryDiskTier(ttl time.Duration) (*DiskTier, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory disk cache: %w", err)
	}
	return newDiskTier(db, ttl), nil
}

func newDiskTier(db *badger.DB, ttl time.Duration) *DiskTier {
	if ttl <= 0 {
		ttl = DefaultDiskTTL
	}
	return &DiskTier{db: db, ttl: ttl, now: time.Now}
}

// Name identifies this tier in logs and metrics.
func (t *DiskTier) Name() string { return "l3" }

func storageKey(key string) []byte {
	sum := sha256.Sum256([]byte(key))
	return []byte("cache/" + hex.EncodeToString(sum[:]))
}

// Get returns the entry for key if present and unexpired.
func (t *DiskTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storageKey(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("disk cache read for %q: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, fmt.Errorf("unmarshal disk cache envelope for %q: %w", key, err)
	}
	if expired(env.WrittenAt, t.ttl, t.now()) {
		return nil, false, nil
	}
	return env.Value, true, nil
}

// Set stores value under the hashed key with the tier TTL.
func (t *DiskTier) Set(_ context.Context, key string, value []byte, writtenAt time.Time) error {
	data, err := json.Marshal(envelope{Key: key, Value: value, WrittenAt: writtenAt})
	if err != nil {
		return fmt.Errorf("marshal disk cache envelope for %q: %w", key, err)
	}
	err = t.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(storageKey(key), data).WithTTL(t.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("disk cache write for %q: %w", key, err)
	}
	return nil
}

// Delete removes key by its recomputed hash.
func (t *DiskTier) Delete(_ context.Context, key string) error {
	err := t.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(storageKey(key))
	})
	if err != nil {
		return fmt.Errorf("disk cache delete for %q: %w", key, err)
	}
	return nil
}

// RunGC reclaims Badger value-log space. Called by the maintenance
// scheduler; badger.ErrNoRewrite means there was nothing to collect.
func (t *DiskTier) RunGC(logger *slog.Logger) {
	for {
		err := t.db.RunValueLogGC(0.5)
		if err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				logger.Warn("disk cache GC failed", "error", err)
			}
			return
		}
	}
}

// Close releases the underlying database.
func (t *DiskTier) Close() error {
	return t.db.Close()
}
