package redis_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/passd/internal/kv"
	"pkt.systems/passd/internal/kv/redis"
)

// fakeClient implements the backend's client interface over a map so the
// tests need no running server.
type fakeClient struct {
	mu     sync.Mutex
	data   map[string]string
	closed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: make(map[string]string)}
}

func (f *fakeClient) Get(ctx context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.data[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(value, nil)
}

func (f *fakeClient) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	default:
		return goredis.NewStatusResult("", errors.New("unsupported value type"))
	}
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			removed++
		}
	}
	return goredis.NewIntResult(removed, nil)
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	store := redis.NewWithClient(newFakeClient(), "")
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
	if err := store.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, err := store.Get(ctx, "k"); err != nil || string(got) != "v1" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestKeysArePrefixed(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	store := redis.NewWithClient(client, "")
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	client.mu.Lock()
	_, prefixed := client.data["passd:k"]
	_, bare := client.data["k"]
	client.mu.Unlock()
	if !prefixed || bare {
		t.Fatalf("key layout: prefixed=%v bare=%v", prefixed, bare)
	}

	custom := redis.NewWithClient(client, "other:")
	if err := custom.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set with custom prefix: %v", err)
	}
	client.mu.Lock()
	_, ok := client.data["other:k"]
	client.mu.Unlock()
	if !ok {
		t.Fatal("custom prefix not applied")
	}
}

func TestCloseClosesClient(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	store := redis.NewWithClient(client, "")
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !client.closed {
		t.Fatal("underlying client not closed")
	}
}

func TestNewRequiresAddr(t *testing.T) {
	t.Parallel()

	if _, err := redis.New(redis.Options{}); err == nil {
		t.Fatal("expected error for missing addr")
	}
}
