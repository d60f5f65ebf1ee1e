package lease

import "time"

// EventKind labels one lease state transition.
type EventKind string

const (
	// EventClaimed fires when a pass goes from available to claimed.
	EventClaimed EventKind = "claimed"
	// EventReleased fires when a pass goes from claimed to available.
	EventReleased EventKind = "released"
	// EventSeized fires when ownership changes hands without an intervening
	// release. Only the privileged identity can cause this.
	EventSeized EventKind = "seized"
	// EventNearExpiry fires once per claim instance when the remaining hold
	// time drops inside the warning window.
	EventNearExpiry EventKind = "near_expiry"
	// EventAutoExpired fires when the TTL elapses and the engine reclaims
	// the pass.
	EventAutoExpired EventKind = "auto_expired"
)

// Event describes one observed transition. Owner carries the new holder for
// claims and seizures and the (former) holder for releases and expiries;
// PreviousOwner is set on seizures.
type Event struct {
	Kind          EventKind
	Key           Key
	Owner         string
	PreviousOwner string
	ClaimedAt     time.Time
	ObservedAt    time.Time
}

// Sink consumes transition events emitted by the reconciler and the expiry
// monitor. Implementations must not block.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(ev Event) { f(ev) }
