package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps records in process memory. It is the fallback when
// the shared store is unreachable at construction time; it preserves
// correctness only in single-process deployments, since nothing is shared
// across processes.
//
// Incremental updates are serialized by the backend mutex, so two local
// writers to the same task cannot lose each other's change.
type MemoryBackend struct {
	mu        sync.Mutex
	records   map[string]*memoryRecord
	retention time.Duration

	now func() time.Time
}

type memoryRecord struct {
	state     OptimizationState
	expiresAt time.Time
}

// MemoryBackendOption configures a MemoryBackend.
type MemoryBackendOption func(*MemoryBackend)

// WithMemoryRetention overrides the record retention window.
func WithMemoryRetention(d time.Duration) MemoryBackendOption {
	return func(b *MemoryBackend) { b.retention = d }
}

// NewMemoryBackend creates an in-memory state store.
func NewMemoryBackend(opts ...MemoryBackendOption) *MemoryBackend {
	b := &MemoryBackend{
		records:   make(map[string]*memoryRecord),
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Save writes the full record.
func (b *MemoryBackend) Save(_ context.Context, st *OptimizationState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records[st.TaskID] = &memoryRecord{
		state:     cloneState(st),
		expiresAt: b.now().Add(b.retention),
	}
	return nil
}

// Load returns a copy of the record for taskID, or ErrNotFound.
func (b *MemoryBackend) Load(_ context.Context, taskID string) (*OptimizationState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.liveLocked(taskID)
	if err != nil {
		return nil, err
	}
	st := cloneState(&rec.state)
	return &st, nil
}

// SetDiffs replaces the diff list for taskID.
func (b *MemoryBackend) SetDiffs(_ context.Context, taskID string, diffs []Diff) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.liveLocked(taskID)
	if err != nil {
		return err
	}
	rec.state.Diffs = append([]Diff(nil), diffs...)
	rec.state.UpdatedAt = b.now()
	return nil
}

// SetSafetyCheck records one check outcome for taskID.
func (b *MemoryBackend) SetSafetyCheck(_ context.Context, taskID, name string, passed bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.liveLocked(taskID)
	if err != nil {
		return err
	}
	if rec.state.SafetyChecks == nil {
		rec.state.SafetyChecks = make(map[string]bool)
	}
	rec.state.SafetyChecks[name] = passed
	rec.state.UpdatedAt = b.now()
	return nil
}

// List returns the live task IDs, sorted.
func (b *MemoryBackend) List(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	ids := make([]string, 0, len(b.records))
	for id, rec := range b.records {
		if now.After(rec.expiresAt) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Sweep drops expired records. Called by the maintenance scheduler.
func (b *MemoryBackend) Sweep(context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for id, rec := range b.records {
		if now.After(rec.expiresAt) {
			delete(b.records, id)
			removed++
		}
	}
	return removed, nil
}

// liveLocked returns the record for taskID if present and unexpired.
// Callers hold mu.
func (b *MemoryBackend) liveLocked(taskID string) (*memoryRecord, error) {
	rec, ok := b.records[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if b.now().After(rec.expiresAt) {
		delete(b.records, taskID)
		return nil, ErrNotFound
	}
	return rec, nil
}

func cloneState(st *OptimizationState) OptimizationState {
	out := *st
	out.Diffs = append([]Diff(nil), st.Diffs...)
	if st.SafetyChecks != nil {
		out.SafetyChecks = make(map[string]bool, len(st.SafetyChecks))
		for k, v := range st.SafetyChecks {
			out.SafetyChecks[k] = v
		}
	}
	return out
}
