package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend stores task state in a relational table for deployments
// that want retention and review queries in SQL. Incremental updates are
// single statements operating on one field, so concurrent writers to the
// same task cannot lose each other's change.
type PostgresBackend struct {
	pool      *pgxpool.Pool
	retention time.Duration
	logger    *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS optimization_state (
	task_id       TEXT PRIMARY KEY,
	dry_run       BOOLEAN NOT NULL,
	diffs         JSONB NOT NULL DEFAULT '[]',
	safety_checks JSONB NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL
)`

// PostgresBackendOption configures a PostgresBackend.
type PostgresBackendOption func(*PostgresBackend)

// WithPostgresRetention overrides the record retention window.
func WithPostgresRetention(d time.Duration) PostgresBackendOption {
	return func(b *PostgresBackend) { b.retention = d }
}

// WithPostgresLogger sets the logger.
func WithPostgresLogger(logger *slog.Logger) PostgresBackendOption {
	return func(b *PostgresBackend) { b.logger = logger }
}

// NewPostgresBackend connects to dsn and ensures the schema exists.
func NewPostgresBackend(ctx context.Context, dsn string, opts ...PostgresBackendOption) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect state database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure state schema: %w", err)
	}

	b := &PostgresBackend{
		pool:      pool,
		retention: DefaultRetention,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Close releases the connection pool.
func (b *PostgresBackend) Close() {
	b.pool.Close()
}

// Save writes the full record, overwriting any prior state.
func (b *PostgresBackend) Save(ctx context.Context, st *OptimizationState) error {
	diffs, err := json.Marshal(st.Diffs)
	if err != nil {
		return fmt.Errorf("marshal diffs for task %q: %w", st.TaskID, err)
	}
	checks, err := json.Marshal(st.SafetyChecks)
	if err != nil {
		return fmt.Errorf("marshal safety checks for task %q: %w", st.TaskID, err)
	}

	_, err = b.pool.Exec(ctx, `
		INSERT INTO optimization_state (task_id, dry_run, diffs, safety_checks, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO UPDATE SET
			dry_run = EXCLUDED.dry_run,
			diffs = EXCLUDED.diffs,
			safety_checks = EXCLUDED.safety_checks,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`,
		st.TaskID, st.DryRun, diffs, checks, st.CreatedAt, st.UpdatedAt, st.UpdatedAt.Add(b.retention))
	if err != nil {
		return fmt.Errorf("save state for task %q: %w", st.TaskID, err)
	}
	return nil
}

// Load returns the record for taskID, or ErrNotFound. Rows with
// undecodable JSON are reported as not found.
func (b *PostgresBackend) Load(ctx context.Context, taskID string) (*OptimizationState, error) {
	var (
		st     OptimizationState
		diffs  []byte
		checks []byte
	)
	err := b.pool.QueryRow(ctx, `
		SELECT task_id, dry_run, diffs, safety_checks, created_at, updated_at
		FROM optimization_state
		WHERE task_id = $1 AND expires_at > now()`, taskID).
		Scan(&st.TaskID, &st.DryRun, &diffs, &checks, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load state for task %q: %w", taskID, err)
	}

	if err := json.Unmarshal(diffs, &st.Diffs); err != nil {
		b.logger.Warn("malformed diffs column, treating as not found", "task_id", taskID, "error", err)
		return nil, ErrNotFound
	}
	if err := json.Unmarshal(checks, &st.SafetyChecks); err != nil {
		b.logger.Warn("malformed safety_checks column, treating as not found", "task_id", taskID, "error", err)
		return nil, ErrNotFound
	}
	return &st, nil
}

// SetDiffs replaces the diff list for taskID in one statement.
func (b *PostgresBackend) SetDiffs(ctx context.Context, taskID string, diffs []Diff) error {
	payload, err := json.Marshal(diffs)
	if err != nil {
		return fmt.Errorf("marshal diffs for task %q: %w", taskID, err)
	}

	tag, err := b.pool.Exec(ctx, `
		UPDATE optimization_state
		SET diffs = $2, updated_at = now()
		WHERE task_id = $1 AND expires_at > now()`, taskID, payload)
	if err != nil {
		return fmt.Errorf("update diffs for task %q: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSafetyCheck merges one check outcome into the JSONB map in one
// statement.
func (b *PostgresBackend) SetSafetyCheck(ctx context.Context, taskID, name string, passed bool) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE optimization_state
		SET safety_checks = safety_checks || jsonb_build_object($2::text, $3::boolean),
		    updated_at = now()
		WHERE task_id = $1 AND expires_at > now()`, taskID, name, passed)
	if err != nil {
		return fmt.Errorf("update safety check for task %q: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns the live task IDs.
func (b *PostgresBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT task_id FROM optimization_state
		WHERE expires_at > now()
		ORDER BY task_id`)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan state row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Sweep deletes expired rows. Called by the maintenance scheduler.
func (b *PostgresBackend) Sweep(ctx context.Context) (int, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM optimization_state WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("sweep states: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
