package expiry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/passd/internal/clock"
	"pkt.systems/passd/internal/expiry"
	"pkt.systems/passd/internal/lease"
)

const (
	testTTL  = 10 * time.Hour
	testWarn = 30 * time.Minute
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

// memStore is an in-memory stand-in for the remote claim rows.
type memStore struct {
	mu       sync.Mutex
	rows     map[lease.Key]lease.Lease
	puts     []lease.Lease
	putErrs  int
	listErrs int
}

func newMemStore(leases ...lease.Lease) *memStore {
	s := &memStore{rows: make(map[lease.Key]lease.Lease)}
	for _, l := range leases {
		s.rows[l.Key] = l
	}
	return s
}

func (s *memStore) ListLeases(context.Context) ([]lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErrs > 0 {
		s.listErrs--
		return nil, errors.New("store unreachable")
	}
	out := make([]lease.Lease, 0, len(s.rows))
	for _, l := range s.rows {
		out = append(out, l)
	}
	return out, nil
}

func (s *memStore) PutLease(_ context.Context, l lease.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErrs > 0 {
		s.putErrs--
		return errors.New("write failed")
	}
	s.rows[l.Key] = l
	s.puts = append(s.puts, l)
	return nil
}

func (s *memStore) get(key lease.Key) lease.Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[key]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []lease.Event
}

func (r *eventRecorder) Emit(ev lease.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []lease.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lease.Event(nil), r.events...)
}

func claimedAt(key lease.Key, owner string, at time.Time) lease.Lease {
	return lease.Lease{Key: key, Status: lease.StatusClaimed, Owner: owner, ClaimedAt: at}
}

func TestSweepReleasesOverdueLease(t *testing.T) {
	t.Parallel()

	store := newMemStore(claimedAt("card1", "Alice", t0))
	rec := &eventRecorder{}
	clk := clock.NewManual(t0.Add(testTTL + time.Minute))
	m := expiry.New(store, clk, rec, testTTL, testWarn)

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := store.get("card1"); got.Claimed() {
		t.Fatalf("expired lease not released: %+v", got)
	}
	events := rec.all()
	if len(events) != 1 || events[0].Kind != lease.EventAutoExpired || events[0].Owner != "Alice" {
		t.Fatalf("events = %+v", events)
	}
}

func TestSweepLeavesFreshLeasesAlone(t *testing.T) {
	t.Parallel()

	store := newMemStore(
		claimedAt("card1", "Alice", t0),
		lease.Lease{Key: "card2", Status: lease.StatusAvailable},
	)
	rec := &eventRecorder{}
	clk := clock.NewManual(t0.Add(time.Hour))
	m := expiry.New(store, clk, rec, testTTL, testWarn)

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(store.puts) != 0 {
		t.Fatalf("fresh lease was written: %+v", store.puts)
	}
	if events := rec.all(); len(events) != 0 {
		t.Fatalf("events = %+v", events)
	}
}

func TestCheckSnapshotWarnsInsideWindow(t *testing.T) {
	t.Parallel()

	// 15 minutes left on a 10h TTL with a 30m warning window.
	store := newMemStore()
	rec := &eventRecorder{}
	clk := clock.NewManual(t0.Add(testTTL - 15*time.Minute))
	m := expiry.New(store, clk, rec, testTTL, testWarn)

	snap := lease.NewSnapshot(clk.Now(), claimedAt("card1", "Alice", t0))
	m.CheckSnapshot(context.Background(), snap)

	events := rec.all()
	if len(events) != 1 || events[0].Kind != lease.EventNearExpiry {
		t.Fatalf("events = %+v", events)
	}
	if len(store.puts) != 0 {
		t.Fatal("warning pass must not write")
	}
}

func TestCheckSnapshotOutsideWindowStaysQuiet(t *testing.T) {
	t.Parallel()

	rec := &eventRecorder{}
	clk := clock.NewManual(t0.Add(testTTL - testWarn - time.Minute))
	m := expiry.New(newMemStore(), clk, rec, testTTL, testWarn)

	snap := lease.NewSnapshot(clk.Now(), claimedAt("card1", "Alice", t0))
	m.CheckSnapshot(context.Background(), snap)

	if events := rec.all(); len(events) != 0 {
		t.Fatalf("events = %+v", events)
	}
}

// Deadlines are recomputed from the claim time on every pass, so a seizure
// that rewrites ClaimedAt pushes the deadline out without any cancellation
// bookkeeping.
func TestDeadlineFollowsRewrittenClaimTime(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	rec := &eventRecorder{}
	clk := clock.NewManual(t0.Add(testTTL + time.Minute))
	m := expiry.New(store, clk, rec, testTTL, testWarn)

	// Same key, but the claim time moved forward when the pass changed hands.
	reclaimed := claimedAt("card1", "Daniel", t0.Add(testTTL))
	m.CheckSnapshot(context.Background(), lease.NewSnapshot(clk.Now(), reclaimed))

	if events := rec.all(); len(events) != 0 {
		t.Fatalf("re-claimed lease treated as overdue: %+v", events)
	}
}

func TestFailedReleaseRetriesNextTick(t *testing.T) {
	t.Parallel()

	store := newMemStore(claimedAt("card1", "Alice", t0))
	store.putErrs = 1
	rec := &eventRecorder{}
	clk := clock.NewManual(t0.Add(testTTL + time.Minute))
	m := expiry.New(store, clk, rec, testTTL, testWarn)

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if events := rec.all(); len(events) != 0 {
		t.Fatalf("failed release still emitted events: %+v", events)
	}
	if got := store.get("card1"); !got.Claimed() {
		t.Fatal("failed release mutated the row")
	}

	// Next tick succeeds and emits exactly once.
	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("retry Sweep: %v", err)
	}
	events := rec.all()
	if len(events) != 1 || events[0].Kind != lease.EventAutoExpired {
		t.Fatalf("retry events = %+v", events)
	}
}

func TestSweepFetchFailureReturnsError(t *testing.T) {
	t.Parallel()

	store := newMemStore(claimedAt("card1", "Alice", t0))
	store.listErrs = 1
	clk := clock.NewManual(t0.Add(testTTL + time.Minute))
	m := expiry.New(store, clk, &eventRecorder{}, testTTL, testWarn)

	if err := m.Sweep(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
	if got := store.get("card1"); !got.Claimed() {
		t.Fatal("fetch failure must not release anything")
	}
}

// An already-released key showing up in consecutive sweeps must not produce
// duplicate writes: available rows are skipped entirely.
func TestSweepIgnoresAvailableRows(t *testing.T) {
	t.Parallel()

	store := newMemStore(lease.Lease{Key: "card1", Status: lease.StatusAvailable})
	clk := clock.NewManual(t0.Add(testTTL + time.Minute))
	m := expiry.New(store, clk, &eventRecorder{}, testTTL, testWarn)

	for i := 0; i < 3; i++ {
		if err := m.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep %d: %v", i, err)
		}
	}
	if len(store.puts) != 0 {
		t.Fatalf("available rows were rewritten: %+v", store.puts)
	}
}
