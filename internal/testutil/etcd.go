package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// FakeEtcd is an in-memory stand-in for the etcd client. It tracks create
// and mod revisions per key and evaluates transaction compares against
// them, so optimistic-concurrency code paths can be driven without a live
// cluster.
//
// The error fields inject failures; CommitHook runs at the start of every
// transaction commit, which lets a test interleave a competing write
// between a caller's read and its compare-and-swap.
type FakeEtcd struct {
	GetErr    error
	PutErr    error
	GrantErr  error
	CommitErr error

	// Gets counts read calls, so tests can assert that a failed
	// compare-and-swap forced a re-read.
	Gets int

	CommitHook func()

	mu      sync.Mutex
	rev     int64
	records map[string]*fakeRecord
}

type fakeRecord struct {
	value          []byte
	createRevision int64
	modRevision    int64
}

// NewFakeEtcd creates an empty fake store.
func NewFakeEtcd() *FakeEtcd {
	return &FakeEtcd{records: make(map[string]*fakeRecord)}
}

// Value returns the stored bytes for key.
func (f *FakeEtcd) Value(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), rec.value...), true
}

func (f *FakeEtcd) writeLocked(key string, value []byte) {
	f.rev++
	rec, ok := f.records[key]
	if !ok {
		rec = &fakeRecord{createRevision: f.rev}
		f.records[key] = rec
	}
	rec.value = append([]byte(nil), value...)
	rec.modRevision = f.rev
}

// Get returns the record for key, or every record under the key prefix
// when a range option is present.
func (f *FakeEtcd) Get(_ context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	if f.GetErr != nil {
		return nil, f.GetErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Gets++

	var keys []string
	if op := clientv3.OpGet(key, opts...); op.RangeBytes() != nil {
		for k := range f.records {
			if strings.HasPrefix(k, key) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
	} else if _, ok := f.records[key]; ok {
		keys = []string{key}
	}

	resp := &clientv3.GetResponse{Count: int64(len(keys))}
	for _, k := range keys {
		rec := f.records[k]
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{
			Key:            []byte(k),
			Value:          append([]byte(nil), rec.value...),
			CreateRevision: rec.createRevision,
			ModRevision:    rec.modRevision,
		})
	}
	return resp, nil
}

// Put writes value under key.
func (f *FakeEtcd) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	if f.PutErr != nil {
		return nil, f.PutErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeLocked(key, []byte(val))
	return &clientv3.PutResponse{}, nil
}

// Grant issues a dummy lease.
func (f *FakeEtcd) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	if f.GrantErr != nil {
		return nil, f.GrantErr
	}
	return &clientv3.LeaseGrantResponse{ID: clientv3.LeaseID(1), TTL: ttl}, nil
}

// Txn starts a transaction against the fake store.
func (f *FakeEtcd) Txn(context.Context) clientv3.Txn {
	return &fakeTxn{store: f}
}

type fakeTxn struct {
	store   *FakeEtcd
	cmps    []clientv3.Cmp
	thenOps []clientv3.Op
	elseOps []clientv3.Op
}

func (t *fakeTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	t.cmps = append(t.cmps, cs...)
	return t
}

func (t *fakeTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.thenOps = append(t.thenOps, ops...)
	return t
}

func (t *fakeTxn) Else(ops ...clientv3.Op) clientv3.Txn {
	t.elseOps = append(t.elseOps, ops...)
	return t
}

func (t *fakeTxn) Commit() (*clientv3.TxnResponse, error) {
	if t.store.CommitHook != nil {
		t.store.CommitHook()
	}
	if t.store.CommitErr != nil {
		return nil, t.store.CommitErr
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	succeeded := true
	for _, cmp := range t.cmps {
		if !t.store.compareLocked(cmp) {
			succeeded = false
			break
		}
	}
	if succeeded {
		for _, op := range t.thenOps {
			if op.IsPut() {
				t.store.writeLocked(string(op.KeyBytes()), op.ValueBytes())
			}
		}
	}
	return &clientv3.TxnResponse{Succeeded: succeeded}, nil
}

// compareLocked evaluates an equality compare on create or mod revision,
// the only compares the access layer issues.
func (f *FakeEtcd) compareLocked(cmp clientv3.Cmp) bool {
	rec := f.records[string(cmp.Key)]

	switch cmp.Target {
	case pb.Compare_CREATE:
		var have int64
		if rec != nil {
			have = rec.createRevision
		}
		return have == cmp.TargetUnion.(*pb.Compare_CreateRevision).CreateRevision
	case pb.Compare_MOD:
		var have int64
		if rec != nil {
			have = rec.modRevision
		}
		return have == cmp.TargetUnion.(*pb.Compare_ModRevision).ModRevision
	default:
		return false
	}
}
