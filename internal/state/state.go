// Package state durably records the proposed-but-not-yet-applied outcome
// of one optimization task, so dry-run results can be inspected and
// safety-check outcomes can gate whether changes are ever applied live.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned when no state exists for a task ID. Malformed
// persisted records are also surfaced as not found, forcing the caller to
// recreate state rather than crash on a corrupt payload.
var ErrNotFound = errors.New("state: task not found")

// DefaultRetention is how long task state records are kept. It matches the
// review window: long enough for a human to inspect a dry run, short
// enough that records do not grow without bound.
const DefaultRetention = 7 * 24 * time.Hour

// Diff pairs original and proposed content for one addressable resource.
type Diff struct {
	Path     string            `json:"path"`
	Original string            `json:"original"`
	Proposed string            `json:"proposed"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OptimizationState is the persisted record for one optimization run.
// DryRun is immutable after creation; Diffs and SafetyChecks accumulate as
// the task progresses.
type OptimizationState struct {
	TaskID       string          `json:"task_id"`
	DryRun       bool            `json:"dry_run"`
	Diffs        []Diff          `json:"diffs"`
	SafetyChecks map[string]bool `json:"safety_checks"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Backend persists optimization state. SetDiffs and SetSafetyCheck are
// incremental updates that must not lose a concurrent writer's change to
// the same task: implementations use field-level updates or a conditional
// write, not a blind whole-record read-modify-write.
type Backend interface {
	// Save writes the full record, overwriting any prior state.
	Save(ctx context.Context, st *OptimizationState) error

	// Load returns the record for taskID, or ErrNotFound.
	Load(ctx context.Context, taskID string) (*OptimizationState, error)

	// SetDiffs replaces the diff list for taskID.
	SetDiffs(ctx context.Context, taskID string, diffs []Diff) error

	// SetSafetyCheck records one check outcome for taskID.
	SetSafetyCheck(ctx context.Context, taskID, name string, passed bool) error

	// List returns the task IDs with live records.
	List(ctx context.Context) ([]string, error)
}

// Sweeper is implemented by backends that need an explicit retention sweep
// (backends with store-native TTL do not).
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// NewTaskID mints a lexicographically sortable task identifier.
func NewTaskID() string {
	return "task_" + ulid.Make().String()
}
