// Package redis implements kv.Store on a Redis server. The client is hidden
// behind a minimal interface so tests can substitute a fake without a
// running server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/passd/internal/kv"
)

// Client is the subset of go-redis this backend needs.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Close() error
}

// Store prefixes every key so several devices can share one server while
// keeping their local state private.
type Store struct {
	client Client
	prefix string
}

// Options configures the Redis backend.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys; empty uses "passd:".
	Prefix string
}

// New connects to the configured server.
func New(opts Options) (*Store, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis kv: addr required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(client, opts.Prefix), nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client Client, prefix string) *Store {
	if prefix == "" {
		prefix = "passd:"
	}
	return &Store{client: client, prefix: prefix}
}

// Get returns the blob stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key without expiry; local state outlives sessions.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("kv delete %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error { return s.client.Close() }
