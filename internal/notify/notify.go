// Package notify turns transition events into user-facing messages.
// Transition kinds (claimed, released, seized) already fire once per
// observed diff and pass straight through; the tick-driven kinds
// (near-expiry, auto-expired) are deduplicated per claim instance. The
// delivery transport is external; only the dispatch contract lives here.
package notify

import (
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/passd/internal/lease"
)

// Notifier delivers one message, best effort, fire-and-forget.
type Notifier interface {
	Notify(title, body string) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(title, body string) error

// Notify calls f.
func (f NotifierFunc) Notify(title, body string) error { return f(title, body) }

// LogNotifier is the synchronous local fallback: it writes the message to
// the logger and never fails.
type LogNotifier struct {
	Logger pslog.Logger
}

// Notify logs the message.
func (n LogNotifier) Notify(title, body string) error {
	logger := n.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger.Info("notification", "title", title, "body", body)
	return nil
}

// Dispatcher deduplicates and delivers notifications. The expiry passes
// tick far more often than state changes occur; the per-key flags guarantee
// the tick-driven kinds fire once per claim instance.
type Dispatcher struct {
	mu       sync.Mutex
	sent     map[lease.Key]map[lease.EventKind]bool
	notifier Notifier
	fallback Notifier
	logger   pslog.Logger
	ttl      time.Duration
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithFallback replaces the fallback notifier used when delivery fails.
func WithFallback(n Notifier) Option {
	return func(d *Dispatcher) {
		if n != nil {
			d.fallback = n
		}
	}
}

// WithLogger attaches a logger. Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(d *Dispatcher) {
		if logger == nil {
			logger = pslog.NoopLogger()
		}
		d.logger = logger
	}
}

// NewDispatcher constructs a dispatcher delivering through n. ttl is used
// only to render hold-limit hints in message bodies.
func NewDispatcher(n Notifier, ttl time.Duration, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sent:     make(map[lease.Key]map[lease.EventKind]bool),
		notifier: n,
		logger:   pslog.NoopLogger(),
		ttl:      ttl,
	}
	d.fallback = LogNotifier{Logger: d.logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Emit implements lease.Sink: it renders and dispatches the event's message.
func (d *Dispatcher) Emit(ev lease.Event) {
	title, body := d.render(ev)
	d.Dispatch(ev.Key, ev.Kind, title, body)
	// A pass back in the pool starts a fresh claim cycle, as does a seizure;
	// both must be able to re-warn and re-notify. AutoExpired keeps its flag
	// until the reconciler observes the release, so repeated expiry ticks
	// cannot re-fire it.
	switch ev.Kind {
	case lease.EventReleased:
		d.Reset(ev.Key)
	case lease.EventSeized:
		d.resetInstance(ev.Key)
	}
}

// Dispatch delivers the message. Transition kinds pass through
// unconditionally: the reconciler's diff already emits them once per
// observed change, and gating them here would swallow a second ownership
// change inside the same claim window. Tick-driven kinds are skipped when
// their (key, kind) flag is set. Dispatch never retries: a missed
// notification is not a lease-state failure.
func (d *Dispatcher) Dispatch(key lease.Key, kind lease.EventKind, title, body string) {
	if perInstance(kind) {
		d.mu.Lock()
		flags := d.sent[key]
		if flags[kind] {
			d.mu.Unlock()
			return
		}
		if flags == nil {
			flags = make(map[lease.EventKind]bool)
			d.sent[key] = flags
		}
		flags[kind] = true
		d.mu.Unlock()
	}

	if err := d.notifier.Notify(title, body); err != nil {
		d.logger.Warn("notification delivery failed, using fallback",
			"key", key, "kind", kind, "error", err)
		_ = d.fallback.Notify(title, body)
	}
}

// Reset clears every dedup flag for key.
func (d *Dispatcher) Reset(key lease.Key) {
	d.mu.Lock()
	delete(d.sent, key)
	d.mu.Unlock()
}

// resetInstance clears the per-claim-instance flags after a seizure: the new
// holder's claim must be able to warn and expire on its own schedule.
func (d *Dispatcher) resetInstance(key lease.Key) {
	d.mu.Lock()
	if flags := d.sent[key]; flags != nil {
		delete(flags, lease.EventNearExpiry)
		delete(flags, lease.EventAutoExpired)
	}
	d.mu.Unlock()
}

// perInstance reports whether kind is re-raised by ticking loops and needs
// the dedup flag. Transition kinds fire once per diff by construction.
func perInstance(kind lease.EventKind) bool {
	return kind == lease.EventNearExpiry || kind == lease.EventAutoExpired
}

func (d *Dispatcher) render(ev lease.Event) (title, body string) {
	name := lease.DisplayName(ev.Key)
	switch ev.Kind {
	case lease.EventClaimed:
		return fmt.Sprintf("%s claimed!", name),
			fmt.Sprintf("%s has claimed %s.", ev.Owner, name)
	case lease.EventReleased:
		return fmt.Sprintf("%s available!", name),
			fmt.Sprintf("%s is available again.", name)
	case lease.EventSeized:
		return fmt.Sprintf("%s taken over", name),
			fmt.Sprintf("%s took over %s from %s.", ev.Owner, name, ev.PreviousOwner)
	case lease.EventNearExpiry:
		remaining := d.ttl - ev.ObservedAt.Sub(ev.ClaimedAt)
		return "Almost time!",
			fmt.Sprintf("%s expires in ~%s (limit %s).", name, formatHM(remaining), formatHM(d.ttl))
	case lease.EventAutoExpired:
		return fmt.Sprintf("%s expired", name),
			fmt.Sprintf("The hold on %s by %s reached its limit and was released.", name, ev.Owner)
	default:
		return string(ev.Kind), name
	}
}

func formatHM(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Minutes())
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
