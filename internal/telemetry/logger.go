// Package telemetry provides observability for the profilegate access layer.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey string

const taskIDKey contextKey = "task_id"

// NewLogger creates a structured JSON logger with default fields.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// WithTaskID adds an optimization task ID to the context.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// TaskID retrieves the optimization task ID from context.
func TaskID(ctx context.Context) string {
	if id, ok := ctx.Value(taskIDKey).(string); ok {
		return id
	}
	return ""
}

// ComponentLogger returns a logger scoped to one component, carrying the
// task ID from ctx when present.
func ComponentLogger(ctx context.Context, logger *slog.Logger, component string) *slog.Logger {
	attrs := []any{
		slog.String("component", component),
	}
	if id := TaskID(ctx); id != "" {
		attrs = append(attrs, slog.String("task_id", id))
	}
	return logger.With(attrs...)
}
