package memory_test

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/passd/internal/kv"
	"pkt.systems/passd/internal/kv/memory"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
	if err := store.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil || string(got) != "v1" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := store.Set(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, _ := store.Get(ctx, "k"); string(got) != "v2" {
		t.Fatalf("after overwrite Get = %q", got)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete of missing key: %v", err)
	}
}

func TestGetReturnsACopy(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ctx := context.Background()
	if err := store.Set(ctx, "k", []byte("abc")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	first, _ := store.Get(ctx, "k")
	first[0] = 'X'
	second, _ := store.Get(ctx, "k")
	if string(second) != "abc" {
		t.Fatalf("caller mutation leaked into store: %q", second)
	}
}
