package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// KV is the durable key-value capability shared by the cache and the flag
// registry. Values are opaque JSON documents.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put writes all values atomically
	Put(ctx context.Context, values map[string][]byte) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
	// Scan returns every key under prefix
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
}
