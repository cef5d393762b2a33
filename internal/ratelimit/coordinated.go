package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// bucketRecordTTL expires idle bucket records so abandoned tenants do
	// not accumulate in the store.
	bucketRecordTTL = time.Hour

	// casAttempts bounds the optimistic-concurrency retry loop. The record
	// is tiny, so contention resolves in one or two rounds in practice.
	casAttempts = 8
)

// bucketRecord is the shared bucket state as stored in etcd.
type bucketRecord struct {
	Tokens       float64 `json:"tokens"`
	LastRefillNS int64   `json:"last_refill_ns"`
}

// txnClient is the slice of the etcd client the coordinated bucket uses:
// point reads, lease grants, and transactions.
type txnClient interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	Txn(ctx context.Context) clientv3.Txn
}

// CoordinatedBucket holds the token bucket state in etcd and updates it
// through a compare-and-swap transaction on the record's mod revision.
// Concurrent consumers in separate processes therefore serialize on the
// store and cannot interleave a check-then-act race.
type CoordinatedBucket struct {
	client     txnClient
	key        string
	capacity   float64
	refillRate float64
	opTimeout  time.Duration
	logger     *slog.Logger

	now func() time.Time
}

// NewCoordinatedBucket creates a coordinated bucket stored under key.
func NewCoordinatedBucket(client *clientv3.Client, key string, capacity int, refillRate float64, opTimeout time.Duration) *CoordinatedBucket {
	return &CoordinatedBucket{
		client:     client,
		key:        key,
		capacity:   float64(capacity),
		refillRate: refillRate,
		opTimeout:  opTimeout,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// Consume attempts to take n tokens from the shared bucket. The returned
// error reports store unavailability (or CAS exhaustion), in which case the
// caller should fall back to its local bucket.
func (c *CoordinatedBucket) Consume(ctx context.Context, n int) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	for attempt := 0; attempt < casAttempts; attempt++ {
		granted, ok, err := c.tryConsume(ctx, n)
		if err != nil {
			return false, err
		}
		if ok {
			return granted, nil
		}
		// Mod revision moved under us; re-read and retry.
	}
	return false, fmt.Errorf("coordinated bucket %q: compare-and-swap contention exhausted", c.key)
}

// tryConsume performs one read-compute-transact round. The middle return
// value reports whether the transaction committed.
func (c *CoordinatedBucket) tryConsume(ctx context.Context, n int) (granted, committed bool, err error) {
	resp, err := c.client.Get(ctx, c.key)
	if err != nil {
		return false, false, fmt.Errorf("coordinated bucket read: %w", err)
	}

	now := c.now()
	record := bucketRecord{Tokens: c.capacity, LastRefillNS: now.UnixNano()}
	var modRevision int64
	if len(resp.Kvs) > 0 {
		if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
			// A corrupt record is rewritten as a full bucket rather than
			// wedging every consumer. The replacement briefly forgives
			// spent tokens, so it must not happen silently.
			c.logger.Warn("corrupt bucket record, resetting to full capacity",
				"key", c.key, "error", err)
			record = bucketRecord{Tokens: c.capacity, LastRefillNS: now.UnixNano()}
		}
		modRevision = resp.Kvs[0].ModRevision
	}

	elapsed := now.Sub(time.Unix(0, record.LastRefillNS)).Seconds()
	if elapsed > 0 {
		record.Tokens += elapsed * c.refillRate
		if record.Tokens > c.capacity {
			record.Tokens = c.capacity
		}
		record.LastRefillNS = now.UnixNano()
	}

	if record.Tokens >= float64(n) {
		record.Tokens -= float64(n)
		granted = true
	}

	value, err := json.Marshal(record)
	if err != nil {
		return false, false, fmt.Errorf("coordinated bucket marshal: %w", err)
	}

	lease, err := c.client.Grant(ctx, int64(bucketRecordTTL.Seconds()))
	if err != nil {
		return false, false, fmt.Errorf("coordinated bucket lease: %w", err)
	}

	// First writer creates the record; later writers require the revision
	// they read to be unchanged.
	cmp := clientv3.Compare(clientv3.CreateRevision(c.key), "=", 0)
	if modRevision != 0 {
		cmp = clientv3.Compare(clientv3.ModRevision(c.key), "=", modRevision)
	}

	txnResp, err := c.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(c.key, string(value), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		return false, false, fmt.Errorf("coordinated bucket txn: %w", err)
	}
	return granted, txnResp.Succeeded, nil
}

// Remaining reads the shared token count after a virtual refill, without
// consuming or writing.
func (c *CoordinatedBucket) Remaining(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, c.key)
	if err != nil {
		return 0, fmt.Errorf("coordinated bucket read: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return c.capacity, nil
	}

	var record bucketRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		c.logger.Warn("corrupt bucket record, reporting full capacity",
			"key", c.key, "error", err)
		return c.capacity, nil
	}

	tokens := record.Tokens
	if elapsed := c.now().Sub(time.Unix(0, record.LastRefillNS)).Seconds(); elapsed > 0 {
		tokens += elapsed * c.refillRate
	}
	if tokens > c.capacity {
		tokens = c.capacity
	}
	return tokens, nil
}
