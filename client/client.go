// Package client implements the HTTP SDK for the remote lease store. The
// store exposes a PostgREST-style CRUD surface over the claims and users
// tables; the client adds typed rows, bounded transient retries, optional
// conditional updates, and structured logging.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/passd/api"
	"pkt.systems/passd/internal/lease"
)

const (
	// DefaultHTTPTimeout bounds one request/response round trip.
	DefaultHTTPTimeout = 10 * time.Second
	// DefaultFailureRetries is how many times a transient failure is retried
	// within one call before the error is surfaced to the tick loop.
	DefaultFailureRetries = 1

	claimsPath = "/rest/v1/claims"
	usersPath  = "/rest/v1/users"

	headerCorrelationID = "X-Correlation-ID"
)

// Client talks to one remote lease store.
type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	logger         pslog.Logger
	failureRetries int
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithAPIKey sets the shared-secret key sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

// WithLogger attaches a structured logger. Passing nil falls back to
// pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			logger = pslog.NoopLogger()
		}
		c.logger = logger
	}
}

// WithTimeout adjusts the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithFailureRetries controls in-call retries for transient failures.
// Zero disables them; the poll cadence already provides retry-on-next-tick.
func WithFailureRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.failureRetries = n
		}
	}
}

// New creates a client targeting baseURL (e.g. https://store.example.com).
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("parse baseURL: %w", err)
	}
	c := &Client{
		baseURL:        trimmed,
		httpClient:     &http.Client{Timeout: DefaultHTTPTimeout},
		logger:         pslog.NoopLogger(),
		failureRetries: DefaultFailureRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ping verifies the store is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	var rows []api.ClaimRow
	return c.get(ctx, claimsPath+"?select=card_key&limit=1", &rows)
}

// ListLeases fetches every claims row as a typed lease.
func (c *Client) ListLeases(ctx context.Context) ([]lease.Lease, error) {
	var rows []api.ClaimRow
	if err := c.get(ctx, claimsPath+"?select=*", &rows); err != nil {
		return nil, err
	}
	leases := make([]lease.Lease, 0, len(rows))
	for _, row := range rows {
		l, err := leaseFromRow(row)
		if err != nil {
			return nil, err
		}
		leases = append(leases, l)
	}
	return leases, nil
}

// GetLease fetches the row for key. The second return value reports whether
// a row exists yet.
func (c *Client) GetLease(ctx context.Context, key lease.Key) (lease.Lease, bool, error) {
	var rows []api.ClaimRow
	path := claimsPath + "?card_key=eq." + url.QueryEscape(string(key))
	if err := c.get(ctx, path, &rows); err != nil {
		return lease.Lease{}, false, err
	}
	if len(rows) == 0 {
		return lease.Lease{Key: key, Status: lease.StatusAvailable}, false, nil
	}
	l, err := leaseFromRow(rows[0])
	if err != nil {
		return lease.Lease{}, false, err
	}
	return l, true, nil
}

// PutLease writes l unconditionally: update when the row exists, insert
// otherwise. Rows are never deleted, only toggled, so the idempotent expiry
// release path uses this last-write-wins variant.
func (c *Client) PutLease(ctx context.Context, l lease.Lease) error {
	if err := l.Validate(); err != nil {
		return err
	}
	_, exists, err := c.GetLease(ctx, l.Key)
	if err != nil {
		return err
	}
	if !exists {
		return c.insertLease(ctx, l)
	}
	path := claimsPath + "?card_key=eq." + url.QueryEscape(string(l.Key))
	return c.mutate(ctx, http.MethodPatch, path, rowPatch(l), nil)
}

// Expected describes the row state a conditional update requires.
type Expected struct {
	// Status the row must still have.
	Status lease.Status
	// Owner the row must still name; empty matches the null holder of an
	// available row.
	Owner string
}

// PutLeaseIf writes l only when the current row still matches expected,
// using the store's filter predicates as an optimistic concurrency check.
// It returns ErrConflict when another writer got there first, and falls back
// to an insert when no row exists yet (insert of an existing key also
// surfaces as ErrConflict).
func (c *Client) PutLeaseIf(ctx context.Context, l lease.Lease, expected Expected) error {
	if err := l.Validate(); err != nil {
		return err
	}
	_, exists, err := c.GetLease(ctx, l.Key)
	if err != nil {
		return err
	}
	if !exists {
		if err := c.insertLease(ctx, l); err != nil {
			var apiErr *APIError
			if isConflictStatus(err, &apiErr) {
				return ErrConflict
			}
			return err
		}
		return nil
	}
	path := claimsPath + "?card_key=eq." + url.QueryEscape(string(l.Key)) +
		"&status=eq." + url.QueryEscape(string(expected.Status))
	if expected.Owner == "" {
		path += "&claimed_by=is.null"
	} else {
		path += "&claimed_by=eq." + url.QueryEscape(expected.Owner)
	}
	var updated []api.ClaimRow
	if err := c.mutate(ctx, http.MethodPatch, path, rowPatch(l), &updated); err != nil {
		return err
	}
	if len(updated) == 0 {
		// The predicate matched no row: someone else changed it since the
		// snapshot this decision was made against.
		return ErrConflict
	}
	return nil
}

func (c *Client) insertLease(ctx context.Context, l lease.Lease) error {
	row := rowFromLease(l)
	return c.mutate(ctx, http.MethodPost, claimsPath, row, nil)
}

// EnsureUser creates the users row for username when absent.
func (c *Client) EnsureUser(ctx context.Context, username string) error {
	var rows []api.UserRow
	path := usersPath + "?username=eq." + url.QueryEscape(username)
	if err := c.get(ctx, path, &rows); err != nil {
		return err
	}
	if len(rows) > 0 {
		return nil
	}
	row := api.UserRow{Username: username, ClaimCount: 0}
	return c.mutate(ctx, http.MethodPost, usersPath, row, nil)
}

// TouchLastLogin records the login time-of-day on the users row.
func (c *Client) TouchLastLogin(ctx context.Context, username string, at time.Time) error {
	path := usersPath + "?username=eq." + url.QueryEscape(username)
	patch := map[string]string{"last_login": at.Format("15:04:05")}
	return c.mutate(ctx, http.MethodPatch, path, patch, nil)
}

// RemoteLeaderboard reads the store-side usage ranking. The per-device
// tally stays local; this view exists for the privileged overview.
func (c *Client) RemoteLeaderboard(ctx context.Context, limit int) ([]api.UserRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []api.UserRow
	path := fmt.Sprintf("%s?select=username,claim_count,last_login&order=claim_count.desc&limit=%d", usersPath, limit)
	if err := c.get(ctx, path, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out, false)
}

// mutate issues a write. When out is non-nil the representation of affected
// rows is requested and decoded into it.
func (c *Client) mutate(ctx context.Context, method, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, method, path, payload, out, true)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, out any, mutation bool) error {
	correlationID := xid.New().String()
	attempts := c.failureRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := c.doOnce(ctx, method, path, payload, out, mutation, correlationID)
		if err == nil {
			return nil
		}
		lastErr = err
		if !transient(err) {
			return err
		}
		c.logger.Debug("store request failed",
			"method", method, "path", path, "attempt", attempt+1,
			"correlation_id", correlationID, "error", err)
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any, mutation bool, correlationID string) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerCorrelationID, correlationID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if mutation && out != nil {
		req.Header.Set("Prefer", "return=representation")
	} else if mutation {
		req.Header.Set("Prefer", "return=minimal")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp, method, path)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func leaseFromRow(row api.ClaimRow) (lease.Lease, error) {
	l := lease.Lease{Key: lease.Key(row.CardKey)}
	switch row.Status {
	case api.StatusClaimed:
		l.Status = lease.StatusClaimed
		if row.ClaimedBy != nil {
			l.Owner = *row.ClaimedBy
		}
		if row.ClaimedAt != nil {
			l.ClaimedAt = row.ClaimedAt.UTC()
		}
	case api.StatusAvailable, "":
		l.Status = lease.StatusAvailable
	default:
		return lease.Lease{}, fmt.Errorf("row %s: unknown status %q", row.CardKey, row.Status)
	}
	if err := l.Validate(); err != nil {
		return lease.Lease{}, err
	}
	return l, nil
}

func rowFromLease(l lease.Lease) api.ClaimRow {
	row := api.ClaimRow{CardKey: string(l.Key), Status: api.StatusAvailable}
	if l.Claimed() {
		row.Status = api.StatusClaimed
		owner := l.Owner
		claimedAt := l.ClaimedAt.UTC()
		row.ClaimedBy = &owner
		row.ClaimedAt = &claimedAt
	}
	return row
}

// rowPatch renders the mutable columns of a lease row; card_key never
// changes once inserted.
func rowPatch(l lease.Lease) map[string]any {
	if l.Claimed() {
		return map[string]any{
			"status":     api.StatusClaimed,
			"claimed_by": l.Owner,
			"claimed_at": l.ClaimedAt.UTC().Format(time.RFC3339),
		}
	}
	return map[string]any{
		"status":     api.StatusAvailable,
		"claimed_by": nil,
		"claimed_at": nil,
	}
}
