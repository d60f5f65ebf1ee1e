// Package identity resolves shared-secret access codes to display names and
// keeps the device-local login state. Codes are configuration, not secrets
// the engine manages; anything beyond the code list (biometrics, directory
// lookups) is an external concern.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/passd/internal/kv"
)

const (
	savedLoginKey = "identity/saved_login"
	knownKey      = "identity/known"
)

// ErrUnknownCode indicates the supplied access code matches no identity.
var ErrUnknownCode = errors.New("identity: unknown access code")

// ErrNotLoggedIn indicates no login is saved on this device.
var ErrNotLoggedIn = errors.New("identity: not logged in")

// Identity is one known user.
type Identity struct {
	DisplayName string    `json:"display_name"`
	LastLoginAt time.Time `json:"last_login_at,omitempty"`
	Privileged  bool      `json:"privileged,omitempty"`
}

// Registry maps access codes to identities and persists the device's login.
type Registry struct {
	codes      map[string]string
	privileged string
	store      kv.Store
}

// NewRegistry builds a registry from the configured code table. privileged
// names the one identity allowed to seize and release any pass.
func NewRegistry(codes map[string]string, privileged string, store kv.Store) *Registry {
	copied := make(map[string]string, len(codes))
	for code, name := range codes {
		copied[code] = name
	}
	return &Registry{codes: copied, privileged: privileged, store: store}
}

// Resolve looks up an access code.
func (r *Registry) Resolve(code string) (Identity, error) {
	name, ok := r.codes[code]
	if !ok {
		return Identity{}, ErrUnknownCode
	}
	return Identity{DisplayName: name, Privileged: name == r.privileged}, nil
}

// Privileged reports whether name is the privileged identity.
func (r *Registry) Privileged(name string) bool {
	return name != "" && name == r.privileged
}

type savedLogin struct {
	Code        string    `json:"code"`
	LastLoginAt time.Time `json:"last_login_at"`
}

// RememberLogin resolves code, persists it as this device's login, and
// records the identity in the known registry.
func (r *Registry) RememberLogin(ctx context.Context, code string, at time.Time) (Identity, error) {
	id, err := r.Resolve(code)
	if err != nil {
		return Identity{}, err
	}
	id.LastLoginAt = at
	blob, err := json.Marshal(savedLogin{Code: code, LastLoginAt: at})
	if err != nil {
		return Identity{}, fmt.Errorf("encode saved login: %w", err)
	}
	if err := r.store.Set(ctx, savedLoginKey, blob); err != nil {
		return Identity{}, fmt.Errorf("persist saved login: %w", err)
	}
	if err := r.remember(ctx, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// SavedIdentity returns the identity persisted by the last RememberLogin.
func (r *Registry) SavedIdentity(ctx context.Context) (Identity, error) {
	blob, err := r.store.Get(ctx, savedLoginKey)
	if errors.Is(err, kv.ErrNotFound) {
		return Identity{}, ErrNotLoggedIn
	}
	if err != nil {
		return Identity{}, fmt.Errorf("load saved login: %w", err)
	}
	var saved savedLogin
	if err := json.Unmarshal(blob, &saved); err != nil {
		return Identity{}, fmt.Errorf("decode saved login: %w", err)
	}
	id, err := r.Resolve(saved.Code)
	if err != nil {
		// The code table changed underneath the saved login.
		return Identity{}, ErrNotLoggedIn
	}
	id.LastLoginAt = saved.LastLoginAt
	return id, nil
}

// Logout clears the saved login.
func (r *Registry) Logout(ctx context.Context) error {
	return r.store.Delete(ctx, savedLoginKey)
}

// Known returns every identity seen on this device.
func (r *Registry) Known(ctx context.Context) ([]Identity, error) {
	blob, err := r.store.Get(ctx, knownKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load known identities: %w", err)
	}
	var known []Identity
	if err := json.Unmarshal(blob, &known); err != nil {
		return nil, fmt.Errorf("decode known identities: %w", err)
	}
	return known, nil
}

func (r *Registry) remember(ctx context.Context, id Identity) error {
	known, err := r.Known(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range known {
		if known[i].DisplayName == id.DisplayName {
			known[i] = id
			replaced = true
			break
		}
	}
	if !replaced {
		known = append(known, id)
	}
	blob, err := json.Marshal(known)
	if err != nil {
		return fmt.Errorf("encode known identities: %w", err)
	}
	if err := r.store.Set(ctx, knownKey, blob); err != nil {
		return fmt.Errorf("persist known identities: %w", err)
	}
	return nil
}
