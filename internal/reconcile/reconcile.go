// Package reconcile keeps the in-process snapshot of all leases current by
// polling the remote store, and emits a transition event exactly once per
// observed state change. It performs no side effects of its own; notifying,
// counting, and rescheduling belong to the sinks reacting to its events.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/passd/internal/clock"
	"pkt.systems/passd/internal/lease"
)

// DefaultFailureThreshold is how many consecutive poll failures pass before
// the reconciler reports itself degraded to the user.
const DefaultFailureThreshold = 3

// Fetcher reads the full lease set from the remote store.
type Fetcher interface {
	ListLeases(ctx context.Context) ([]lease.Lease, error)
}

// Reconciler owns the previous snapshot as a single-writer value: it is
// created empty at session start, replaced wholesale on every successful
// poll, and discarded at teardown.
type Reconciler struct {
	mu               sync.Mutex
	fetcher          Fetcher
	clk              clock.Clock
	sink             lease.Sink
	logger           pslog.Logger
	metrics          *Metrics
	failureThreshold int

	prev        lease.Snapshot
	baselined   bool
	failures    int
	lastSuccess time.Time
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithLogger attaches a logger. Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(r *Reconciler) {
		if logger == nil {
			logger = pslog.NoopLogger()
		}
		r.logger = logger
	}
}

// WithMetrics attaches reconciliation counters.
func WithMetrics(m *Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithFailureThreshold adjusts how many consecutive failures gate the
// degraded advisory.
func WithFailureThreshold(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.failureThreshold = n
		}
	}
}

// New constructs a Reconciler polling through fetcher and emitting into
// sink.
func New(fetcher Fetcher, clk clock.Clock, sink lease.Sink, opts ...Option) *Reconciler {
	r := &Reconciler{
		fetcher:          fetcher,
		clk:              clk,
		sink:             sink,
		logger:           pslog.NoopLogger(),
		failureThreshold: DefaultFailureThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Poll fetches the lease set, diffs it against the previous snapshot, emits
// one event per transition, and installs the new snapshot. On failure the
// previous snapshot is kept untouched and the error is returned; the caller
// retries on its next tick.
func (r *Reconciler) Poll(ctx context.Context) (lease.Snapshot, error) {
	leases, err := r.fetcher.ListLeases(ctx)
	if err != nil {
		r.mu.Lock()
		r.failures++
		failures := r.failures
		r.mu.Unlock()
		r.metrics.poll(false)
		r.logger.Debug("poll failed", "consecutive_failures", failures, "error", err)
		return lease.Snapshot{}, fmt.Errorf("poll leases: %w", err)
	}
	now := r.clk.Now()
	next := lease.NewSnapshot(now, leases...)
	if err := next.Validate(); err != nil {
		r.mu.Lock()
		r.failures++
		r.mu.Unlock()
		r.metrics.poll(false)
		return lease.Snapshot{}, fmt.Errorf("poll leases: %w", err)
	}

	r.mu.Lock()
	var events []lease.Event
	if r.baselined {
		events = diff(r.prev, next, now)
	}
	r.prev = next
	r.baselined = true
	r.failures = 0
	r.lastSuccess = now
	r.mu.Unlock()

	r.metrics.poll(true)
	for _, ev := range events {
		r.metrics.event(string(ev.Kind))
		r.logger.Info("lease transition",
			"key", ev.Key, "kind", ev.Kind, "owner", ev.Owner, "previous_owner", ev.PreviousOwner)
		r.sink.Emit(ev)
	}
	return next, nil
}

// Snapshot returns the last successfully installed snapshot. The boolean is
// false until the first successful poll.
func (r *Reconciler) Snapshot() (lease.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prev, r.baselined
}

// Degraded reports whether enough consecutive polls failed that the staleness
// should be surfaced to the user. Short blips stay quiet to avoid flapping.
func (r *Reconciler) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures >= r.failureThreshold
}

// ConsecutiveFailures returns the current failure run length.
func (r *Reconciler) ConsecutiveFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// LastSuccess returns when the snapshot was last refreshed.
func (r *Reconciler) LastSuccess() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSuccess
}

// diff computes the transition events between two snapshots over the fixed
// key set. The first poll after session start is a baseline and emits
// nothing: pre-existing claims are state to adopt, not transitions to
// announce.
func diff(prev, next lease.Snapshot, observedAt time.Time) []lease.Event {
	var events []lease.Event
	for _, key := range lease.Keys() {
		before := prev.Get(key)
		after := next.Get(key)
		switch {
		case !before.Claimed() && after.Claimed():
			events = append(events, lease.Event{
				Kind:       lease.EventClaimed,
				Key:        key,
				Owner:      after.Owner,
				ClaimedAt:  after.ClaimedAt,
				ObservedAt: observedAt,
			})
		case before.Claimed() && !after.Claimed():
			events = append(events, lease.Event{
				Kind:       lease.EventReleased,
				Key:        key,
				Owner:      before.Owner,
				ObservedAt: observedAt,
			})
		case before.Claimed() && after.Claimed() && before.Owner != after.Owner:
			events = append(events, lease.Event{
				Kind:          lease.EventSeized,
				Key:           key,
				Owner:         after.Owner,
				PreviousOwner: before.Owner,
				ClaimedAt:     after.ClaimedAt,
				ObservedAt:    observedAt,
			})
		}
	}
	return events
}
