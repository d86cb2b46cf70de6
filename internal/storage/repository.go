package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no stored value
var ErrNotFound = errors.New("key not found")

// Repository defines the persistent store consumed by the engine: simple
// get/set/delete of opaque blobs, used for the stream collection, the
// auxiliary ID sets, and the last-sync timestamp.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// Health & Maintenance
	Ping(ctx context.Context) error
	Close() error
}
