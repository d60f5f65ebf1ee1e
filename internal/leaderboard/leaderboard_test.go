package leaderboard_test

import (
	"context"
	"testing"

	"pkt.systems/passd/internal/kv/memory"
	"pkt.systems/passd/internal/leaderboard"
)

func TestIncrementReturnsRunningCount(t *testing.T) {
	t.Parallel()

	board := leaderboard.New(memory.New())
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := board.Increment(ctx, "Alice")
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if got != want {
			t.Fatalf("Increment = %d, want %d", got, want)
		}
	}
	if got, err := board.Increment(ctx, "Bob"); err != nil || got != 1 {
		t.Fatalf("Increment(Bob) = %d, %v", got, err)
	}
}

func TestListSortsByCountThenName(t *testing.T) {
	t.Parallel()

	board := leaderboard.New(memory.New())
	ctx := context.Background()

	bump := func(user string, n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			if _, err := board.Increment(ctx, user); err != nil {
				t.Fatalf("Increment(%s): %v", user, err)
			}
		}
	}
	bump("Carol", 2)
	bump("Alice", 5)
	bump("Bob", 2)
	bump("Daniel", 1)

	entries, err := board.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []leaderboard.Entry{
		{User: "Alice", Count: 5},
		{User: "Bob", Count: 2},
		{User: "Carol", Count: 2},
		{User: "Daniel", Count: 1},
	}
	if len(entries) != len(want) {
		t.Fatalf("List returned %d entries", len(entries))
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, entries[i], want[i])
		}
	}
}

func TestEmptyBoardListsNothing(t *testing.T) {
	t.Parallel()

	entries, err := leaderboard.New(memory.New()).List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("fresh board listed %+v", entries)
	}
}

func TestCountsSurviveReopen(t *testing.T) {
	t.Parallel()

	store := memory.New()
	ctx := context.Background()
	if _, err := leaderboard.New(store).Increment(ctx, "Alice"); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	// A second board over the same store sees the persisted tally.
	entries, err := leaderboard.New(store).List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0] != (leaderboard.Entry{User: "Alice", Count: 1}) {
		t.Fatalf("reopened board = %+v", entries)
	}
}
