// Package store defines the shared keyed store used for progress records,
// schedule entries, counters and bounded lists, together with its Redis
// implementation.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("store: key not found")

// Store is the narrow interface the orchestration core needs from a shared
// keyed store with expiry. All methods are safe for concurrent use across
// processes.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// SetWithTTL stores value under key with the given expiry.
	// A non-positive ttl stores the value without expiry.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes keys. Deleting a missing key is a no-op.
	Delete(ctx context.Context, keys ...string) error
	// ScanPrefix returns all keys starting with prefix.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	// IncrBy atomically adds delta to the integer at key and returns the new
	// value, refreshing ttl when positive.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// PushTrim prepends value to the list at key, trims it to at most max
	// entries, and refreshes ttl when positive.
	PushTrim(ctx context.Context, key, value string, max int64, ttl time.Duration) error
	// Range returns up to count entries from the head of the list at key.
	// A missing list yields an empty slice.
	Range(ctx context.Context, key string, count int64) ([]string, error)
	// Expire refreshes the expiry of key. Missing keys are a no-op.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}
