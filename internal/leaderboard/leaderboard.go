// Package leaderboard maintains the per-device claim tally. The counter is
// a local derived aggregate: it increments once per successfully committed
// claim observed on this device and makes no claim to cross-device accuracy.
package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/passd/internal/kv"
)

const countsKey = "leaderboard/counts"

// Entry is one row of the sorted view.
type Entry struct {
	User  string `json:"user"`
	Count int    `json:"count"`
}

// Board persists the counters in the local KV as a serialized user→count
// map.
type Board struct {
	mu    sync.Mutex
	store kv.Store
}

// New constructs a board over the supplied store.
func New(store kv.Store) *Board {
	return &Board{store: store}
}

func (b *Board) load(ctx context.Context) (map[string]int, error) {
	blob, err := b.store.Get(ctx, countsKey)
	if errors.Is(err, kv.ErrNotFound) {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load leaderboard: %w", err)
	}
	counts := map[string]int{}
	if err := json.Unmarshal(blob, &counts); err != nil {
		return nil, fmt.Errorf("decode leaderboard: %w", err)
	}
	return counts, nil
}

// Increment adds one to user's tally and returns the new count.
func (b *Board) Increment(ctx context.Context, user string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts, err := b.load(ctx)
	if err != nil {
		return 0, err
	}
	counts[user]++
	blob, err := json.Marshal(counts)
	if err != nil {
		return 0, fmt.Errorf("encode leaderboard: %w", err)
	}
	if err := b.store.Set(ctx, countsKey, blob); err != nil {
		return 0, fmt.Errorf("persist leaderboard: %w", err)
	}
	return counts[user], nil
}

// List returns every entry sorted by count descending, ties broken by user
// name ascending.
func (b *Board) List(ctx context.Context) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(counts))
	for user, count := range counts {
		entries = append(entries, Entry{User: user, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].User < entries[j].User
	})
	return entries, nil
}
