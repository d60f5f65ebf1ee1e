// Package storetest runs an in-process fake of the remote lease store for
// tests: a PostgREST-style CRUD surface over the claims and users tables
// with just enough filter-predicate support for the client, including the
// conditional-update path. It also injects failures so reconciler
// degradation can be exercised without a network.
package storetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/passd/api"
)

// Server is the fake store.
type Server struct {
	mu       sync.Mutex
	claims   map[string]api.ClaimRow
	users    map[string]api.UserRow
	failNext int
	// BeforeWrite runs, unlocked, before every mutation is applied; tests
	// use it to interleave a competing writer inside a read-then-write
	// window.
	BeforeWrite func(method, table string)

	httpSrv *httptest.Server
}

// New starts the fake store.
func New() *Server {
	s := &Server{
		claims: make(map[string]api.ClaimRow),
		users:  make(map[string]api.UserRow),
	}
	s.httpSrv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the base URL clients should target.
func (s *Server) URL() string { return s.httpSrv.URL }

// Close shuts the server down.
func (s *Server) Close() { s.httpSrv.Close() }

// FailNext makes the next n requests fail with a 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// SetClaim seeds or replaces a claims row directly.
func (s *Server) SetClaim(row api.ClaimRow) {
	s.mu.Lock()
	s.claims[row.CardKey] = row
	s.mu.Unlock()
}

// Claim returns the current row for key.
func (s *Server) Claim(key string) (api.ClaimRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.claims[key]
	return row, ok
}

// User returns the current users row for username.
func (s *Server) User(username string) (api.UserRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.users[username]
	return row, ok
}

// ClaimedRow is a convenience constructor for seeded claimed rows.
func ClaimedRow(key, owner string, claimedAt time.Time) api.ClaimRow {
	at := claimedAt.UTC()
	return api.ClaimRow{CardKey: key, Status: api.StatusClaimed, ClaimedBy: &owner, ClaimedAt: &at}
}

// AvailableRow is a convenience constructor for seeded available rows.
func AvailableRow(key string) api.ClaimRow {
	return api.ClaimRow{CardKey: key, Status: api.StatusAvailable}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "injected failure")
		return
	}
	s.mu.Unlock()

	switch {
	case strings.HasPrefix(r.URL.Path, "/rest/v1/claims"):
		s.handleClaims(w, r)
	case strings.HasPrefix(r.URL.Path, "/rest/v1/users"):
		s.handleUsers(w, r)
	default:
		writeError(w, http.StatusNotFound, "no such table")
	}
}

func (s *Server) handleClaims(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		rows := filterClaims(s.claims, query)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, rows)
	case http.MethodPost:
		var row api.ClaimRow
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			writeError(w, http.StatusBadRequest, "bad row")
			return
		}
		s.beforeWrite(r.Method, "claims")
		s.mu.Lock()
		if _, exists := s.claims[row.CardKey]; exists {
			s.mu.Unlock()
			writeError(w, http.StatusConflict, "duplicate key value violates unique constraint")
			return
		}
		s.claims[row.CardKey] = row
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, []api.ClaimRow{row})
	case http.MethodPatch:
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "bad patch")
			return
		}
		s.beforeWrite(r.Method, "claims")
		s.mu.Lock()
		var updated []api.ClaimRow
		for key, row := range s.claims {
			if !matchClaim(row, query) {
				continue
			}
			applyClaimPatch(&row, patch)
			s.claims[key] = row
			updated = append(updated, row)
		}
		s.mu.Unlock()
		if updated == nil {
			updated = []api.ClaimRow{}
		}
		if wantsRepresentation(r) {
			writeJSON(w, http.StatusOK, updated)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "unsupported method")
	}
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		rows := filterUsers(s.users, query)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, rows)
	case http.MethodPost:
		var row api.UserRow
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			writeError(w, http.StatusBadRequest, "bad row")
			return
		}
		s.beforeWrite(r.Method, "users")
		s.mu.Lock()
		if _, exists := s.users[row.Username]; exists {
			s.mu.Unlock()
			writeError(w, http.StatusConflict, "duplicate key value violates unique constraint")
			return
		}
		s.users[row.Username] = row
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, []api.UserRow{row})
	case http.MethodPatch:
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "bad patch")
			return
		}
		s.beforeWrite(r.Method, "users")
		s.mu.Lock()
		var updated []api.UserRow
		for name, row := range s.users {
			if !matchUser(row, query) {
				continue
			}
			if v, ok := patch["last_login"].(string); ok {
				row.LastLogin = &v
			}
			if v, ok := patch["claim_count"].(float64); ok {
				row.ClaimCount = int(v)
			}
			s.users[name] = row
			updated = append(updated, row)
		}
		s.mu.Unlock()
		if updated == nil {
			updated = []api.UserRow{}
		}
		if wantsRepresentation(r) {
			writeJSON(w, http.StatusOK, updated)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "unsupported method")
	}
}

func (s *Server) beforeWrite(method, table string) {
	if s.BeforeWrite != nil {
		s.BeforeWrite(method, table)
	}
}

func filterClaims(claims map[string]api.ClaimRow, query url.Values) []api.ClaimRow {
	rows := []api.ClaimRow{}
	for _, row := range claims {
		if matchClaim(row, query) {
			rows = append(rows, row)
		}
	}
	if limit := query.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n < len(rows) {
			rows = rows[:n]
		}
	}
	return rows
}

func matchClaim(row api.ClaimRow, query url.Values) bool {
	if v, ok := eqFilter(query, "card_key"); ok && row.CardKey != v {
		return false
	}
	if v, ok := eqFilter(query, "status"); ok && row.Status != v {
		return false
	}
	if v := query.Get("claimed_by"); v != "" {
		switch {
		case v == "is.null":
			if row.ClaimedBy != nil {
				return false
			}
		case strings.HasPrefix(v, "eq."):
			if row.ClaimedBy == nil || *row.ClaimedBy != strings.TrimPrefix(v, "eq.") {
				return false
			}
		}
	}
	return true
}

func filterUsers(users map[string]api.UserRow, query url.Values) []api.UserRow {
	rows := []api.UserRow{}
	for _, row := range users {
		if matchUser(row, query) {
			rows = append(rows, row)
		}
	}
	if strings.HasPrefix(query.Get("order"), "claim_count.desc") {
		for i := 1; i < len(rows); i++ {
			for j := i; j > 0 && rows[j].ClaimCount > rows[j-1].ClaimCount; j-- {
				rows[j], rows[j-1] = rows[j-1], rows[j]
			}
		}
	}
	if limit := query.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n < len(rows) {
			rows = rows[:n]
		}
	}
	return rows
}

func matchUser(row api.UserRow, query url.Values) bool {
	if v, ok := eqFilter(query, "username"); ok && row.Username != v {
		return false
	}
	return true
}

func eqFilter(query url.Values, column string) (string, bool) {
	v := query.Get(column)
	if !strings.HasPrefix(v, "eq.") {
		return "", false
	}
	return strings.TrimPrefix(v, "eq."), true
}

func applyClaimPatch(row *api.ClaimRow, patch map[string]any) {
	if v, ok := patch["status"].(string); ok {
		row.Status = v
	}
	if v, present := patch["claimed_by"]; present {
		if name, ok := v.(string); ok {
			row.ClaimedBy = &name
		} else {
			row.ClaimedBy = nil
		}
	}
	if v, present := patch["claimed_at"]; present {
		if stamp, ok := v.(string); ok {
			if at, err := time.Parse(time.RFC3339, stamp); err == nil {
				utc := at.UTC()
				row.ClaimedAt = &utc
			}
		} else {
			row.ClaimedAt = nil
		}
	}
}

func wantsRepresentation(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Prefer"), "return=representation")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.Error{Message: message})
}
