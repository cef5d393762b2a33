package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/szaher/profilegate/internal/telemetry"
)

// Tracker is the task state API consumed by the agent layer and the review
// step. It wraps a Backend with logging and metrics; backend selection
// (shared store, memory fallback, Postgres) happens at construction time
// in the composition root.
type Tracker struct {
	backend Backend
	logger  *slog.Logger
	metrics *telemetry.Metrics

	now func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the logger.
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = logger }
}

// WithTrackerMetrics attaches Prometheus collectors.
func WithTrackerMetrics(metrics *telemetry.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = metrics }
}

// NewTracker creates a tracker over the given backend.
func NewTracker(backend Backend, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		backend: backend,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create constructs a fresh state for taskID and persists it. Calling
// Create twice with the same taskID overwrites the prior state;
// idempotency is the caller's responsibility.
func (t *Tracker) Create(ctx context.Context, taskID string, dryRun bool) (*OptimizationState, error) {
	now := t.now()
	st := &OptimizationState{
		TaskID:       taskID,
		DryRun:       dryRun,
		Diffs:        []Diff{},
		SafetyChecks: map[string]bool{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := t.backend.Save(ctx, st); err != nil {
		t.record("create", "error")
		return nil, fmt.Errorf("create state for task %q: %w", taskID, err)
	}

	t.record("create", "ok")
	t.logger.Debug("created task state", "task_id", taskID, "dry_run", dryRun)
	return st, nil
}

// Get returns the persisted state for taskID, or ErrNotFound. The returned
// snapshot is not guaranteed fresh after concurrent updates from another
// caller on the same task.
func (t *Tracker) Get(ctx context.Context, taskID string) (*OptimizationState, error) {
	st, err := t.backend.Load(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			t.record("get", "not_found")
		} else {
			t.record("get", "error")
		}
		return nil, err
	}
	t.record("get", "ok")
	return st, nil
}

// UpdateDiffs replaces the diff list for taskID.
func (t *Tracker) UpdateDiffs(ctx context.Context, taskID string, diffs []Diff) error {
	if err := t.backend.SetDiffs(ctx, taskID, diffs); err != nil {
		t.record("update_diffs", resultFor(err))
		return fmt.Errorf("update diffs for task %q: %w", taskID, err)
	}
	t.record("update_diffs", "ok")
	t.logger.Debug("updated diffs", "task_id", taskID, "count", len(diffs))
	return nil
}

// UpdateSafetyCheck records one check outcome for taskID.
func (t *Tracker) UpdateSafetyCheck(ctx context.Context, taskID, name string, passed bool) error {
	if err := t.backend.SetSafetyCheck(ctx, taskID, name, passed); err != nil {
		t.record("update_check", resultFor(err))
		return fmt.Errorf("update safety check %q for task %q: %w", name, taskID, err)
	}
	t.record("update_check", "ok")
	t.logger.Debug("recorded safety check", "task_id", taskID, "check", name, "passed", passed)
	return nil
}

// List returns the task IDs with live records, for the review CLI.
func (t *Tracker) List(ctx context.Context) ([]string, error) {
	return t.backend.List(ctx)
}

// Sweep runs the backend's retention sweep if it needs one.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	sweeper, ok := t.backend.(Sweeper)
	if !ok {
		return 0, nil
	}
	return sweeper.Sweep(ctx)
}

// Close releases backend resources, for backends that hold any.
func (t *Tracker) Close() {
	if closer, ok := t.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

func (t *Tracker) record(op, result string) {
	if t.metrics != nil {
		t.metrics.StateOps.WithLabelValues(op, result).Inc()
	}
}

func resultFor(err error) string {
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}
