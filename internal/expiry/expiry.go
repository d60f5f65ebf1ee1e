// Package expiry enforces the holding TTL. Two cooperating passes converge
// on the same idempotent release: a foreground pass over each reconciled
// snapshot, and a slower background sweep that re-fetches rows fresh so a
// suspended foreground loop cannot leave an expired claim standing. Both
// derive the deadline from the authoritative claim time on every pass;
// nothing cached is ever trusted.
package expiry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/passd/internal/clock"
	"pkt.systems/passd/internal/lease"
)

// Store is the slice of the remote store the monitor needs: fresh reads for
// the background sweep and unconditional writes for the release itself.
// The release write is last-write-wins on purpose: if another device
// already released the key, writing available again is a no-op
// confirmation.
type Store interface {
	ListLeases(ctx context.Context) ([]lease.Lease, error)
	PutLease(ctx context.Context, l lease.Lease) error
}

// Monitor checks claimed leases against the TTL and reclaims overdue ones.
type Monitor struct {
	store      Store
	clk        clock.Clock
	sink       lease.Sink
	logger     pslog.Logger
	ttl        time.Duration
	warnWindow time.Duration
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithLogger attaches a logger. Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(m *Monitor) {
		if logger == nil {
			logger = pslog.NoopLogger()
		}
		m.logger = logger
	}
}

// New constructs a Monitor. warnWindow must be shorter than ttl; values are
// validated by the root config before they reach this constructor.
func New(store Store, clk clock.Clock, sink lease.Sink, ttl, warnWindow time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		store:      store,
		clk:        clk,
		sink:       sink,
		logger:     pslog.NoopLogger(),
		ttl:        ttl,
		warnWindow: warnWindow,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckSnapshot runs the foreground pass over an already-reconciled
// snapshot. Overdue leases are released and raised as AutoExpired; leases
// inside the warning window are raised as NearExpiry. The dispatcher's
// dedup flags keep repeated ticks from re-notifying.
func (m *Monitor) CheckSnapshot(ctx context.Context, snap lease.Snapshot) {
	m.check(ctx, snap.ClaimedLeases())
}

// Sweep runs the background pass: it re-derives every deadline from rows
// fetched fresh from the store, never from a previously cached schedule.
func (m *Monitor) Sweep(ctx context.Context) error {
	leases, err := m.store.ListLeases(ctx)
	if err != nil {
		// Self-correction, not a user action: retried on the next tick.
		m.logger.Debug("expiry sweep fetch failed", "error", err)
		return err
	}
	var claimed []lease.Lease
	for _, l := range leases {
		if l.Claimed() {
			claimed = append(claimed, l)
		}
	}
	m.check(ctx, claimed)
	return nil
}

func (m *Monitor) check(ctx context.Context, claimed []lease.Lease) {
	now := m.clk.Now()
	for _, l := range claimed {
		remaining := l.Remaining(m.ttl, now)
		switch {
		case remaining <= 0:
			m.release(ctx, l, now)
		case remaining <= m.warnWindow:
			m.sink.Emit(lease.Event{
				Kind:       lease.EventNearExpiry,
				Key:        l.Key,
				Owner:      l.Owner,
				ClaimedAt:  l.ClaimedAt,
				ObservedAt: now,
			})
		}
	}
}

func (m *Monitor) release(ctx context.Context, l lease.Lease, now time.Time) {
	released := lease.Lease{Key: l.Key, Status: lease.StatusAvailable}
	if err := m.store.PutLease(ctx, released); err != nil {
		m.logger.Warn("auto-release failed, will retry next tick",
			"key", l.Key, "owner", l.Owner, "error", err)
		return
	}
	m.logger.Info("lease expired and reclaimed",
		"key", l.Key, "owner", l.Owner, "claimed_at", l.ClaimedAt, "ttl", m.ttl)
	m.sink.Emit(lease.Event{
		Kind:       lease.EventAutoExpired,
		Key:        l.Key,
		Owner:      l.Owner,
		ClaimedAt:  l.ClaimedAt,
		ObservedAt: now,
	})
}
