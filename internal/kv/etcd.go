package kv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultOpTimeout bounds every etcd round-trip so a partitioned store
// degrades a caller instead of hanging it.
const DefaultOpTimeout = 2 * time.Second

// Etcd implements Store on top of an etcd cluster.
//
// Reachability is re-checked on every call: a store that was down a moment
// ago is retried through the live client, so recovery is observed without a
// process restart.
type Etcd struct {
	client    *clientv3.Client
	opTimeout time.Duration
	logger    *slog.Logger
}

// EtcdOption configures an Etcd store.
type EtcdOption func(*Etcd)

// WithOpTimeout overrides the per-operation timeout.
func WithOpTimeout(d time.Duration) EtcdOption {
	return func(e *Etcd) { e.opTimeout = d }
}

// WithLogger sets the logger for degradation events.
func WithLogger(logger *slog.Logger) EtcdOption {
	return func(e *Etcd) { e.logger = logger }
}

// NewEtcd wraps an etcd client as a Store.
func NewEtcd(client *clientv3.Client, opts ...EtcdOption) *Etcd {
	e := &Etcd{
		client:    client,
		opTimeout: DefaultOpTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Etcd) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opTimeout)
}

// Get returns the value for key, or ErrNotFound.
func (e *Etcd) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: get %q: %v", ErrUnavailable, key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

// Put writes value under key, attaching a lease when ttl is positive.
func (e *Etcd) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	var opts []clientv3.OpOption
	if ttl > 0 {
		lease, err := e.client.Grant(ctx, int64(ttl.Seconds()))
		if err != nil {
			return fmt.Errorf("%w: lease grant for %q: %v", ErrUnavailable, key, err)
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}

	if _, err := e.client.Put(ctx, key, string(value), opts...); err != nil {
		return fmt.Errorf("%w: put %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Delete removes the given keys.
func (e *Etcd) Delete(ctx context.Context, keys ...string) error {
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	for _, key := range keys {
		if _, err := e.client.Delete(ctx, key); err != nil {
			return fmt.Errorf("%w: delete %q: %v", ErrUnavailable, key, err)
		}
	}
	return nil
}

// Available probes the store with a cheap read under the op timeout.
func (e *Etcd) Available(ctx context.Context) bool {
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	if _, err := e.client.Get(ctx, "profilegate/ping"); err != nil {
		e.logger.Debug("shared store unreachable", "error", err)
		return false
	}
	return true
}
