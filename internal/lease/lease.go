// Package lease holds the domain model for pass leases: typed keys, the
// per-key lease state, reconciled snapshots, and the transition events the
// engines exchange.
package lease

import (
	"fmt"
	"time"
)

// Key identifies one physical pass in the shared store.
type Key string

// Status enumerates the two lease states a row toggles between.
type Status string

const (
	// StatusAvailable marks a pass nobody holds.
	StatusAvailable Status = "available"
	// StatusClaimed marks a pass with exactly one active holder.
	StatusClaimed Status = "claimed"
)

// Lease is the typed view of one store row. Owner and ClaimedAt are set iff
// Status is StatusClaimed.
type Lease struct {
	Key       Key
	Status    Status
	Owner     string
	ClaimedAt time.Time
}

// Claimed reports whether the lease currently has a holder.
func (l Lease) Claimed() bool {
	return l.Status == StatusClaimed
}

// Validate enforces the single-owner invariant: owner and claim time are
// both present for claimed rows and both absent for available rows.
func (l Lease) Validate() error {
	switch l.Status {
	case StatusClaimed:
		if l.Owner == "" {
			return fmt.Errorf("lease %s: claimed without owner", l.Key)
		}
		if l.ClaimedAt.IsZero() {
			return fmt.Errorf("lease %s: claimed without claim time", l.Key)
		}
	case StatusAvailable:
		if l.Owner != "" {
			return fmt.Errorf("lease %s: available with owner %q", l.Key, l.Owner)
		}
		if !l.ClaimedAt.IsZero() {
			return fmt.Errorf("lease %s: available with claim time", l.Key)
		}
	default:
		return fmt.Errorf("lease %s: unknown status %q", l.Key, l.Status)
	}
	return nil
}

// Deadline returns the expiry deadline derived from ClaimedAt. It is always
// recomputed from the authoritative claim time, never cached.
func (l Lease) Deadline(ttl time.Duration) time.Time {
	if !l.Claimed() {
		return time.Time{}
	}
	return l.ClaimedAt.Add(ttl)
}

// Remaining returns how long the lease may still be held at now.
func (l Lease) Remaining(ttl time.Duration, now time.Time) time.Duration {
	if !l.Claimed() {
		return 0
	}
	return l.Deadline(ttl).Sub(now)
}

// Keys returns the fixed pass set in stable order.
func Keys() []Key {
	return []Key{"card1", "card2", "card3", "card4"}
}

// DisplayName maps a key to its user-facing pass name.
func DisplayName(k Key) string {
	switch k {
	case "card1":
		return "pass 1"
	case "card2":
		return "pass 2"
	case "card3":
		return "pass 3"
	case "card4":
		return "pass 4"
	default:
		return string(k)
	}
}
