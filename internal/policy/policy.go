// Package policy implements the pure claim/release decision function. It
// performs no I/O so every rule can be unit-tested against literal
// snapshots; committing an approved action is the caller's job.
package policy

import (
	"fmt"

	"pkt.systems/passd/internal/lease"
)

// Action is the mutation a requester asks for.
type Action string

const (
	// ActionClaim requests exclusive ownership of a pass.
	ActionClaim Action = "claim"
	// ActionRelease requests returning a pass to the pool.
	ActionRelease Action = "release"
)

// Reason explains a denial.
type Reason string

const (
	// ReasonNotOwner denies a release of a pass the requester does not hold.
	ReasonNotOwner Reason = "not_owner"
	// ReasonAlreadyHoldingAnother denies a second concurrent claim by the
	// same non-privileged requester.
	ReasonAlreadyHoldingAnother Reason = "already_holding_another"
	// ReasonResourceBusy denies claiming a pass someone else holds.
	ReasonResourceBusy Reason = "resource_busy"
)

// Requester identifies who is asking.
type Requester struct {
	Name       string
	Privileged bool
}

// Decision is the outcome of Decide.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Holder is the current owner for ReasonResourceBusy denials, or the
	// owner being dispossessed when a privileged claim will seize.
	Holder string
	// Seizes marks an allowed claim that takes the pass from a holder.
	Seizes bool
}

// Message renders the decision as a user-facing explanation.
func (d Decision) Message(key lease.Key) string {
	if d.Allowed {
		if d.Seizes {
			return fmt.Sprintf("%s will be taken over from %s", lease.DisplayName(key), d.Holder)
		}
		return ""
	}
	switch d.Reason {
	case ReasonNotOwner:
		return "you can only release a pass you claimed yourself"
	case ReasonAlreadyHoldingAnother:
		return "you already claimed a pass"
	case ReasonResourceBusy:
		return fmt.Sprintf("%s is already in use by %s", lease.DisplayName(key), d.Holder)
	default:
		return "not allowed"
	}
}

// Decide applies the claim/release rules to the supplied snapshot. The
// rules, in order:
//
//  1. Release: allowed iff the requester holds the key or is privileged.
//  2. Claim by a non-privileged requester: denied when the requester already
//     holds another key, denied when someone else holds the key, allowed
//     otherwise.
//  3. Claim by the privileged requester: always allowed; an occupied key is
//     seized from its holder.
func Decide(snap lease.Snapshot, requester Requester, action Action, key lease.Key) Decision {
	current := snap.Get(key)
	switch action {
	case ActionRelease:
		if current.Claimed() && current.Owner == requester.Name {
			return Decision{Allowed: true}
		}
		if requester.Privileged {
			return Decision{Allowed: true, Holder: current.Owner}
		}
		return Decision{Reason: ReasonNotOwner, Holder: current.Owner}
	case ActionClaim:
		if requester.Privileged {
			if current.Claimed() && current.Owner != requester.Name {
				return Decision{Allowed: true, Seizes: true, Holder: current.Owner}
			}
			return Decision{Allowed: true}
		}
		for _, owned := range snap.OwnedBy(requester.Name) {
			if owned != key {
				return Decision{Reason: ReasonAlreadyHoldingAnother}
			}
		}
		if current.Claimed() && current.Owner != requester.Name {
			return Decision{Reason: ReasonResourceBusy, Holder: current.Owner}
		}
		return Decision{Allowed: true}
	default:
		return Decision{}
	}
}
