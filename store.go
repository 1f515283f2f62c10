package offline

import (
	"context"
	"time"
)

// Store is a durable key-value storage.
//
// Implementations must be safe for concurrent use, every operation affects a single key
// and concurrent writes of the same key are last-write-wins.
type Store interface {
	// Get returns stored bytes or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value with a given key.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key, removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// List returns keys that start with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Clock returns current time.
type Clock func() time.Time
