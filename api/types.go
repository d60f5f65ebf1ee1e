// Package api defines the JSON wire types of the remote lease store's
// PostgREST-style surface. The store itself is an external collaborator;
// these types only describe its rows and error envelope.
package api

import "time"

// Lease row status values as stored remotely.
const (
	// StatusClaimed marks a claims row with an active holder.
	StatusClaimed = "claimed"
	// StatusAvailable marks a claims row without a holder.
	StatusAvailable = "available"
)

// ClaimRow is one row of the claims table, keyed by CardKey.
type ClaimRow struct {
	// CardKey identifies the physical pass this row tracks.
	CardKey string `json:"card_key"`
	// Status is StatusClaimed or StatusAvailable.
	Status string `json:"status"`
	// ClaimedBy names the current holder; null when available.
	ClaimedBy *string `json:"claimed_by"`
	// ClaimedAt is the claim instant; null when available.
	ClaimedAt *time.Time `json:"claimed_at"`
}

// UserRow is one row of the users table.
type UserRow struct {
	// Username is the identity's display name.
	Username string `json:"username"`
	// ClaimCount is the store-side tally; advisory only, the authoritative
	// per-device tally is local.
	ClaimCount int `json:"claim_count"`
	// LastLogin is the time-of-day string the store records on login.
	LastLogin *string `json:"last_login,omitempty"`
}

// Error is the store's JSON error envelope.
type Error struct {
	// Message is the human-readable error description.
	Message string `json:"message"`
	// Code is the store-specific error code, when present.
	Code string `json:"code,omitempty"`
	// Details carries additional context, when present.
	Details string `json:"details,omitempty"`
}
