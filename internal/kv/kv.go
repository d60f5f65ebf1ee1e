// Package kv defines the local durable key/value store used for the
// leaderboard counters, the known-identity registry, and the saved login
// code. Values are opaque serialized blobs; backends are selected by URL
// scheme in the root package.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested key is missing.
var ErrNotFound = errors.New("kv: not found")

// Store is the minimal durable blob store contract.
type Store interface {
	// Get returns the blob stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, overwriting any previous blob.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
	// Close releases backend resources.
	Close() error
}
