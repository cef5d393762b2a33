// Package kv defines the shared key-value store abstraction used by the
// cache L2 tier, the coordinated quota limiter, and the task state tracker.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key has no value in the store.
var ErrNotFound = errors.New("kv: key not found")

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers are expected to degrade, never crash, on this error.
var ErrUnavailable = errors.New("kv: store unavailable")

// Store is the minimal contract against the shared key-value store.
// Implementations must be safe for concurrent use and must bound every
// operation with a timeout rather than block indefinitely.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value under key. A positive ttl expires the key server-side.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Available reports whether the store is reachable right now. It is a
	// point-in-time probe; callers must not cache a negative result.
	Available(ctx context.Context) bool
}
