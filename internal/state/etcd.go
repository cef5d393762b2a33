package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdCASAttempts = 8

// etcdClient is the slice of the etcd client the backend uses: point
// reads, writes, lease grants, and transactions.
type etcdClient interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	Txn(ctx context.Context) clientv3.Txn
}

// EtcdBackend stores one JSON record per task under a key prefix, with a
// lease equal to the retention window so records expire server-side.
//
// Incremental updates go through a compare-and-swap on the record's mod
// revision: two concurrent writers to the same task serialize on the
// store, and the loser re-reads and retries instead of silently
// overwriting.
type EtcdBackend struct {
	client    etcdClient
	prefix    string
	retention time.Duration
	opTimeout time.Duration
	logger    *slog.Logger
}

// EtcdBackendOption configures an EtcdBackend.
type EtcdBackendOption func(*EtcdBackend)

// WithEtcdPrefix overrides the key prefix.
func WithEtcdPrefix(prefix string) EtcdBackendOption {
	return func(b *EtcdBackend) { b.prefix = prefix }
}

// WithEtcdRetention overrides the record retention window.
func WithEtcdRetention(d time.Duration) EtcdBackendOption {
	return func(b *EtcdBackend) { b.retention = d }
}

// WithEtcdOpTimeout overrides the per-operation timeout.
func WithEtcdOpTimeout(d time.Duration) EtcdBackendOption {
	return func(b *EtcdBackend) { b.opTimeout = d }
}

// WithEtcdLogger sets the logger.
func WithEtcdLogger(logger *slog.Logger) EtcdBackendOption {
	return func(b *EtcdBackend) { b.logger = logger }
}

// NewEtcdBackend creates an etcd-backed state store.
func NewEtcdBackend(client *clientv3.Client, opts ...EtcdBackendOption) *EtcdBackend {
	b := &EtcdBackend{
		client:    client,
		prefix:    "profilegate/state/",
		retention: DefaultRetention,
		opTimeout: 2 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *EtcdBackend) key(taskID string) string {
	return b.prefix + taskID
}

func (b *EtcdBackend) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.opTimeout)
}

// Save writes the full record under a fresh retention lease.
func (b *EtcdBackend) Save(ctx context.Context, st *OptimizationState) error {
	ctx, cancel := b.bounded(ctx)
	defer cancel()

	value, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state for task %q: %w", st.TaskID, err)
	}
	lease, err := b.client.Grant(ctx, int64(b.retention.Seconds()))
	if err != nil {
		return fmt.Errorf("state lease for task %q: %w", st.TaskID, err)
	}
	if _, err := b.client.Put(ctx, b.key(st.TaskID), string(value), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("save state for task %q: %w", st.TaskID, err)
	}
	return nil
}

// Load returns the record for taskID. A payload that fails to decode is
// logged and reported as ErrNotFound.
func (b *EtcdBackend) Load(ctx context.Context, taskID string) (*OptimizationState, error) {
	ctx, cancel := b.bounded(ctx)
	defer cancel()

	st, _, err := b.load(ctx, taskID)
	return st, err
}

func (b *EtcdBackend) load(ctx context.Context, taskID string) (*OptimizationState, int64, error) {
	resp, err := b.client.Get(ctx, b.key(taskID))
	if err != nil {
		return nil, 0, fmt.Errorf("load state for task %q: %w", taskID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, ErrNotFound
	}

	var st OptimizationState
	if err := json.Unmarshal(resp.Kvs[0].Value, &st); err != nil {
		b.logger.Warn("malformed state record, treating as not found",
			"task_id", taskID, "error", err)
		return nil, 0, ErrNotFound
	}
	return &st, resp.Kvs[0].ModRevision, nil
}

// SetDiffs replaces the diff list for taskID.
func (b *EtcdBackend) SetDiffs(ctx context.Context, taskID string, diffs []Diff) error {
	return b.update(ctx, taskID, func(st *OptimizationState) {
		st.Diffs = diffs
	})
}

// SetSafetyCheck records one check outcome for taskID.
func (b *EtcdBackend) SetSafetyCheck(ctx context.Context, taskID, name string, passed bool) error {
	return b.update(ctx, taskID, func(st *OptimizationState) {
		if st.SafetyChecks == nil {
			st.SafetyChecks = make(map[string]bool)
		}
		st.SafetyChecks[name] = passed
	})
}

// update applies mutate under optimistic concurrency: read the record with
// its mod revision, mutate, then commit only if the revision is unchanged.
func (b *EtcdBackend) update(ctx context.Context, taskID string, mutate func(*OptimizationState)) error {
	ctx, cancel := b.bounded(ctx)
	defer cancel()

	for attempt := 0; attempt < etcdCASAttempts; attempt++ {
		st, modRevision, err := b.load(ctx, taskID)
		if err != nil {
			return err
		}

		mutate(st)
		st.UpdatedAt = time.Now()

		value, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal state for task %q: %w", taskID, err)
		}
		lease, err := b.client.Grant(ctx, int64(b.retention.Seconds()))
		if err != nil {
			return fmt.Errorf("state lease for task %q: %w", taskID, err)
		}

		txnResp, err := b.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(b.key(taskID)), "=", modRevision)).
			Then(clientv3.OpPut(b.key(taskID), string(value), clientv3.WithLease(lease.ID))).
			Commit()
		if err != nil {
			return fmt.Errorf("update state for task %q: %w", taskID, err)
		}
		if txnResp.Succeeded {
			return nil
		}
		// Lost the race; re-read and retry.
	}
	return fmt.Errorf("update state for task %q: compare-and-swap contention exhausted", taskID)
}

// List returns the task IDs with live records.
func (b *EtcdBackend) List(ctx context.Context) ([]string, error) {
	ctx, cancel := b.bounded(ctx)
	defer cancel()

	resp, err := b.client.Get(ctx, b.prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}

	ids := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		ids = append(ids, strings.TrimPrefix(string(kv.Key), b.prefix))
	}
	return ids, nil
}
