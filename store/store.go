package store

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get for keys that do not exist.
var ErrKeyNotFound = errors.New("store: key not found")

// Store defines the methods required of the replicated storage substrate.
// It abstracts over the in-memory backend and Postgres (durable).
// The coordination layer only decides whether a write is attempted; it does
// not serialize concurrent local writes, the backend does.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// Snapshot returns the full contents of the store. Used for replica
	// resynchronization after a sequence gap.
	Snapshot(ctx context.Context) (map[string][]byte, error)

	// Restore replaces the full contents of the store with the snapshot.
	Restore(ctx context.Context, data map[string][]byte) error
}
