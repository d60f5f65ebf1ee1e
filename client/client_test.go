package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/passd/api"
	"pkt.systems/passd/client"
	"pkt.systems/passd/internal/lease"
	"pkt.systems/passd/internal/storetest"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, srv *storetest.Server, opts ...client.Option) *client.Client {
	t.Helper()
	opts = append([]client.Option{client.WithAPIKey("test-key")}, opts...)
	c, err := client.New(srv.URL(), opts...)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	return c
}

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := client.New("  "); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	srv := storetest.New()
	defer srv.Close()
	c := newTestClient(t, srv)

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestListLeases(t *testing.T) {
	t.Parallel()

	srv := storetest.New()
	defer srv.Close()
	srv.SetClaim(storetest.ClaimedRow("card1", "Alice", t0))
	srv.SetClaim(storetest.AvailableRow("card2"))
	c := newTestClient(t, srv)

	leases, err := c.ListLeases(context.Background())
	if err != nil {
		t.Fatalf("ListLeases: %v", err)
	}
	if len(leases) != 2 {
		t.Fatalf("ListLeases returned %d rows", len(leases))
	}
	byKey := map[lease.Key]lease.Lease{}
	for _, l := range leases {
		byKey[l.Key] = l
	}
	if got := byKey["card1"]; !got.Claimed() || got.Owner != "Alice" || !got.ClaimedAt.Equal(t0) {
		t.Fatalf("card1 = %+v", got)
	}
	if got := byKey["card2"]; got.Claimed() {
		t.Fatalf("card2 = %+v", got)
	}
}

func TestGetLease(t *testing.T) {
	t.Parallel()

	srv := storetest.New()
	defer srv.Close()
	srv.SetClaim(storetest.ClaimedRow("card1", "Alice", t0))
	c := newTestClient(t, srv)
	ctx := context.Background()

	got, exists, err := c.GetLease(ctx, "card1")
	if err != nil || !exists {
		t.Fatalf("GetLease(card1) = %v, exists=%v", err, exists)
	}
	if got.Owner != "Alice" {
		t.Fatalf("card1 = %+v", got)
	}

	// Missing row reads as an available pass.
	got, exists, err = c.GetLease(ctx, "card3")
	if err != nil {
		t.Fatalf("GetLease(card3): %v", err)
	}
	if exists || got.Claimed() || got.Key != "card3" {
		t.Fatalf("missing row = %+v, exists=%v", got, exists)
	}
}

func TestPutLeaseUpdatesAndInserts(t *testing.T) {
	t.Parallel()

	srv := storetest.New()
	defer srv.Close()
	srv.SetClaim(storetest.AvailableRow("card1"))
	c := newTestClient(t, srv)
	ctx := context.Background()

	claimed := lease.Lease{Key: "card1", Status: lease.StatusClaimed, Owner: "Alice", ClaimedAt: t0}
	if err := c.PutLease(ctx, claimed); err != nil {
		t.Fatalf("PutLease update: %v", err)
	}
	if row, _ := srv.Claim("card1"); row.Status != api.StatusClaimed || *row.ClaimedBy != "Alice" {
		t.Fatalf("stored row = %+v", row)
	}

	// No row yet for card2: PutLease falls back to insert.
	fresh := lease.Lease{Key: "card2", Status: lease.StatusClaimed, Owner: "Bob", ClaimedAt: t0}
	if err := c.PutLease(ctx, fresh); err != nil {
		t.Fatalf("PutLease insert: %v", err)
	}
	if _, ok := srv.Claim("card2"); !ok {
		t.Fatal("insert did not create the row")
	}

	// Releasing writes nulls back.
	if err := c.PutLease(ctx, lease.Lease{Key: "card1", Status: lease.StatusAvailable}); err != nil {
		t.Fatalf("PutLease release: %v", err)
	}
	if row, _ := srv.Claim("card1"); row.Status != api.StatusAvailable || row.ClaimedBy != nil || row.ClaimedAt != nil {
		t.Fatalf("released row = %+v", row)
	}
}

func TestPutLeaseRejectsInvalidLease(t *testing.T) {
	t.Parallel()

	srv := storetest.New()
	defer srv.Close()
	c := newTestClient(t, srv)

	bad := lease.Lease{Key: "card1", Status: lease.StatusClaimed}
	if err := c.PutLease(context.Background(), bad); err == nil {
		t.Fatal("invalid lease accepted")
	}
}

func TestPutLeaseIfSucceedsWhenRowMatches(t *testing.T) {
	t.Parallel()

	srv := storetest.New()
	defer srv.Close()
	srv.SetClaim(storetest.AvailableRow("card1"))
	c := newTestClient(t, srv)

	next := lease.Lease{Key: "card1", Status: lease.StatusClaimed, Owner: "Alice", ClaimedAt: t0}
	err := c.PutLeaseIf(context.Background(), next, client.Expected{Status: lease.StatusAvailable})
	if err != nil {
		t.Fatalf("PutLeaseIf: %v", err)
	}
	if row, _ := srv.Claim("card1"); *row.ClaimedBy != "Alice" {
		t.Fatalf("stored row = %+v", row)
	}
}

func TestPutLeaseIfDetectsLostRace(t *testing.T) {
	t.Parallel()

	srv := storetest.New()
	defer srv.Close()
	srv.SetClaim(storetest.AvailableRow("card1"))
	c := newTestClient(t, srv)

	// A competing writer lands between this client's read and its
	// conditional update.
	srv.BeforeWrite = func(method, table string) {
		if method == "PATCH" && table == "claims" {
			srv.BeforeWrite = nil
			srv.SetClaim(storetest.ClaimedRow("card1", "Bob", t0))
		}
	}

	next := lease.Lease{Key: "card1", Status: lease.StatusClaimed, Owner: "Alice", ClaimedAt: t0}
	err := c.PutLeaseIf(context.Background(), next, client.Expected{Status: lease.StatusAvailable})
	if !errors.Is(err, client.ErrConflict) {
		t.Fatalf("PutLeaseIf = %v, want ErrConflict", err)
	}
	// The competing claim survives untouched.
	if row, _ := srv.Claim("card1"); row.ClaimedBy == nil || *row.ClaimedBy != "Bob" {
		t.Fatalf("row after lost race = %+v", row)
	}
}

func TestPutLeaseIfStaleOwnerPredicate(t *testing.T) {
	t.Parallel()

	srv := storetest.New()
	defer srv.Close()
	srv.SetClaim(storetest.ClaimedRow("card1", "Bob", t0))
	c := newTestClient(t, srv)

	// Caller believes Alice holds the pass; the predicate must not match
	// Bob's row.
	next := lease.Lease{Key: "card1", Status: lease.StatusAvailable}
	err := c.PutLeaseIf(context.Background(), next,
		client.Expected{Status: lease.StatusClaimed, Owner: "Alice"})
	if !errors.Is(err, client.ErrConflict) {
		t.Fatalf("PutLeaseIf = %v, want ErrConflict", err)
	}
}

func TestPutLeaseIfInsertRaceSurfacesAsConflict(t *testing.T) {
	t.Parallel()

	srv := storetest.New()
	defer srv.Close()
	c := newTestClient(t, srv)

	// No row exists, so the client goes down the insert path; a competitor
	// inserts first and the unique constraint converts into ErrConflict.
	srv.BeforeWrite = func(method, table string) {
		if method == "POST" && table == "claims" {
			srv.BeforeWrite = nil
			srv.SetClaim(storetest.ClaimedRow("card1", "Bob", t0))
		}
	}
	next := lease.Lease{Key: "card1", Status: lease.StatusClaimed, Owner: "Alice", ClaimedAt: t0}
	err := c.PutLeaseIf(context.Background(), next, client.Expected{Status: lease.StatusAvailable})
	if !errors.Is(err, client.ErrConflict) {
		t.Fatalf("PutLeaseIf = %v, want ErrConflict", err)
	}
}

func TestTransientFailuresAreRetriedInCall(t *testing.T) {
	t.Parallel()

	srv := storetest.New()
	defer srv.Close()
	srv.SetClaim(storetest.AvailableRow("card1"))
	c := newTestClient(t, srv)

	srv.FailNext(1)
	if _, err := c.ListLeases(context.Background()); err != nil {
		t.Fatalf("single 503 not absorbed by retry: %v", err)
	}

	// More consecutive failures than retries surfaces the error.
	srv.FailNext(5)
	_, err := c.ListLeases(context.Background())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 503 {
		t.Fatalf("exhausted retries = %v", err)
	}
	if apiErr.Message != "injected failure" {
		t.Fatalf("error envelope not decoded: %+v", apiErr)
	}
}

func TestConditionalWriteAgainstOccupiedRowConflicts(t *testing.T) {
	t.Parallel()

	srv := storetest.New()
	defer srv.Close()
	srv.SetClaim(storetest.ClaimedRow("card1", "Alice", t0))
	c := newTestClient(t, srv, client.WithFailureRetries(0))

	row := lease.Lease{Key: "card1", Status: lease.StatusClaimed, Owner: "Bob", ClaimedAt: t0}
	err := c.PutLeaseIf(context.Background(), row, client.Expected{Status: lease.StatusAvailable})
	if !errors.Is(err, client.ErrConflict) {
		t.Fatalf("claim of occupied row = %v, want ErrConflict", err)
	}
	// Alice's claim is untouched.
	if got, _ := srv.Claim("card1"); got.ClaimedBy == nil || *got.ClaimedBy != "Alice" {
		t.Fatalf("row after conflict = %+v", got)
	}
}

func TestEnsureUser(t *testing.T) {
	t.Parallel()

	srv := storetest.New()
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()

	if err := c.EnsureUser(ctx, "Alice"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if _, ok := srv.User("Alice"); !ok {
		t.Fatal("users row not created")
	}
	// Second call is a no-op, not a duplicate-key failure.
	if err := c.EnsureUser(ctx, "Alice"); err != nil {
		t.Fatalf("EnsureUser repeat: %v", err)
	}
}

func TestTouchLastLogin(t *testing.T) {
	t.Parallel()

	srv := storetest.New()
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()

	if err := c.EnsureUser(ctx, "Alice"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	at := time.Date(2025, 6, 1, 14, 30, 5, 0, time.UTC)
	if err := c.TouchLastLogin(ctx, "Alice", at); err != nil {
		t.Fatalf("TouchLastLogin: %v", err)
	}
	row, _ := srv.User("Alice")
	if row.LastLogin == nil || *row.LastLogin != "14:30:05" {
		t.Fatalf("last_login = %+v", row.LastLogin)
	}
}

func TestRemoteLeaderboard(t *testing.T) {
	t.Parallel()

	srv := storetest.New()
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()

	for _, u := range []string{"Alice", "Bob", "Carol"} {
		if err := c.EnsureUser(ctx, u); err != nil {
			t.Fatalf("EnsureUser(%s): %v", u, err)
		}
	}

	rows, err := c.RemoteLeaderboard(ctx, 2)
	if err != nil {
		t.Fatalf("RemoteLeaderboard: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("limit not applied: %d rows", len(rows))
	}
}
