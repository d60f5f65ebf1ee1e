package passd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"pkt.systems/passd/api"
	"pkt.systems/passd/client"
	"pkt.systems/passd/internal/clock"
	"pkt.systems/passd/internal/expiry"
	"pkt.systems/passd/internal/identity"
	"pkt.systems/passd/internal/kv"
	"pkt.systems/passd/internal/leaderboard"
	"pkt.systems/passd/internal/lease"
	"pkt.systems/passd/internal/notify"
	"pkt.systems/passd/internal/policy"
	"pkt.systems/passd/internal/reconcile"
)

const deviceIDKey = "device/id"

// commitAttempts bounds how many decide-then-write cycles one user intent
// may burn before the conflict is surfaced.
const commitAttempts = 3

// Session wires the engines together over one remote store and one local
// KV. It owns the reconciler's snapshot lifecycle: created empty here,
// refreshed by Run's poll loop, discarded on Close.
type Session struct {
	cfg      Config
	logger   pslog.Logger
	clk      clock.Clock
	store    *client.Client
	local    kv.Store
	registry *identity.Registry
	board    *leaderboard.Board
	dispatch *notify.Dispatcher
	recon    *reconcile.Reconciler
	monitor  *expiry.Monitor
	metrics  *reconcile.Metrics
	promReg  *prometheus.Registry
	notifier notify.Notifier
	deviceID string

	advisoryMu    sync.Mutex
	advisoryShown bool

	telemetry *metricsServer
}

// SessionOption customises a Session.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	logger   pslog.Logger
	clk      clock.Clock
	notifier notify.Notifier
}

// WithLogger attaches a structured logger to the session and everything it
// builds. Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) SessionOption {
	return func(o *sessionOptions) {
		if logger == nil {
			logger = pslog.NoopLogger()
		}
		o.logger = logger
	}
}

// WithClock substitutes the time source; tests drive a manual clock.
func WithClock(clk clock.Clock) SessionOption {
	return func(o *sessionOptions) {
		if clk != nil {
			o.clk = clk
		}
	}
}

// WithNotifier sets the user-facing notification transport. Without one,
// notifications degrade to structured log lines.
func WithNotifier(n notify.Notifier) SessionOption {
	return func(o *sessionOptions) {
		if n != nil {
			o.notifier = n
		}
	}
}

// NewSession builds a session from cfg. The caller owns the returned
// session and must Close it.
func NewSession(cfg Config, opts ...SessionOption) (*Session, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := sessionOptions{logger: pslog.NoopLogger(), clk: clock.Real{}}
	for _, opt := range opts {
		opt(&options)
	}
	if options.notifier == nil {
		options.notifier = notify.LogNotifier{Logger: options.logger}
	}

	local, err := openLocalStore(cfg.LocalStore)
	if err != nil {
		return nil, err
	}
	store, err := client.New(cfg.StoreURL,
		client.WithAPIKey(cfg.StoreAPIKey),
		client.WithLogger(options.logger.With("sys", "client")),
	)
	if err != nil {
		local.Close()
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		logger:   options.logger,
		clk:      options.clk,
		store:    store,
		local:    local,
		registry: identity.NewRegistry(cfg.AccessCodes, cfg.PrivilegedUser, local),
		board:    leaderboard.New(local),
		notifier: options.notifier,
		promReg:  prometheus.NewRegistry(),
	}
	if err := s.ensureDeviceID(); err != nil {
		local.Close()
		return nil, err
	}
	s.logger = s.logger.With("device", s.deviceID)

	s.dispatch = notify.NewDispatcher(options.notifier, cfg.TTL,
		notify.WithLogger(s.logger.With("sys", "notify")))
	s.metrics = reconcile.NewMetrics(s.promReg)
	sink := lease.SinkFunc(s.fanout)
	s.recon = reconcile.New(store, s.clk, sink,
		reconcile.WithLogger(s.logger.With("sys", "reconcile")),
		reconcile.WithMetrics(s.metrics),
		reconcile.WithFailureThreshold(cfg.FailureThreshold),
	)
	s.monitor = expiry.New(store, s.clk, sink, cfg.TTL, cfg.WarnWindow,
		expiry.WithLogger(s.logger.With("sys", "expiry")))
	return s, nil
}

// Close releases local resources. In-flight store writes are left to
// complete; aborting a half-sent claim or release would leave ambiguous
// remote state.
func (s *Session) Close() error {
	s.stopMetricsServer()
	return s.local.Close()
}

// Registry exposes the identity registry.
func (s *Session) Registry() *identity.Registry { return s.registry }

// Store exposes the remote store client.
func (s *Session) Store() *client.Client { return s.store }

// fanout routes every transition event to the dispatcher and feeds the
// local tally: each claim or seizure observed on this device counts one use
// for its new holder.
func (s *Session) fanout(ev lease.Event) {
	s.dispatch.Emit(ev)
	switch ev.Kind {
	case lease.EventClaimed, lease.EventSeized:
		if _, err := s.board.Increment(context.Background(), ev.Owner); err != nil {
			s.logger.Warn("leaderboard increment failed", "user", ev.Owner, "error", err)
		}
	}
}

func (s *Session) ensureDeviceID() error {
	ctx := context.Background()
	blob, err := s.local.Get(ctx, deviceIDKey)
	if err == nil {
		s.deviceID = string(blob)
		return nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("load device id: %w", err)
	}
	id := uuid.NewString()
	if err := s.local.Set(ctx, deviceIDKey, []byte(id)); err != nil {
		return fmt.Errorf("persist device id: %w", err)
	}
	s.deviceID = id
	return nil
}

// Run drives the three tick loops until ctx is cancelled: reconciler polls,
// foreground expiry checks over the latest snapshot, and the background
// sweep over fresh rows. Timers stop with ctx; in-flight writes complete.
func (s *Session) Run(ctx context.Context) error {
	if err := s.startMetricsServer(); err != nil {
		return err
	}
	defer s.stopMetricsServer()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("store unreachable at startup, polling will keep retrying", "error", err)
	}
	s.logger.Info("session started",
		"poll_interval", s.cfg.PollInterval,
		"expiry_interval", s.cfg.ExpiryInterval,
		"sweep_interval", s.cfg.SweepInterval,
		"ttl", s.cfg.TTL)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.every(ctx, s.cfg.PollInterval, s.pollOnce)
	}()
	go func() {
		defer wg.Done()
		s.every(ctx, s.cfg.ExpiryInterval, s.expiryOnce)
	}()
	go func() {
		defer wg.Done()
		s.every(ctx, s.cfg.SweepInterval, s.sweepOnce)
	}()
	wg.Wait()
	s.logger.Info("session stopped")
	return ctx.Err()
}

func (s *Session) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(interval):
			fn(ctx)
		}
	}
}

func (s *Session) pollOnce(ctx context.Context) {
	if _, err := s.recon.Poll(ctx); err != nil {
		s.maybeAdviseStale()
		return
	}
	s.clearStaleAdvisory()
}

// maybeAdviseStale surfaces one non-fatal advisory per degradation episode.
// Single failed polls stay quiet; the short cadence retries on its own.
func (s *Session) maybeAdviseStale() {
	if !s.recon.Degraded() {
		return
	}
	s.advisoryMu.Lock()
	shown := s.advisoryShown
	s.advisoryShown = true
	s.advisoryMu.Unlock()
	if shown {
		return
	}
	s.logger.Warn("lease data is stale", "consecutive_failures", s.recon.ConsecutiveFailures())
	_ = s.notifier.Notify("Connection trouble",
		"The pass overview may be out of date. Reconnecting...")
}

func (s *Session) clearStaleAdvisory() {
	s.advisoryMu.Lock()
	s.advisoryShown = false
	s.advisoryMu.Unlock()
}

func (s *Session) expiryOnce(ctx context.Context) {
	snap, ok := s.recon.Snapshot()
	if !ok {
		return
	}
	s.monitor.CheckSnapshot(ctx, snap)
}

func (s *Session) sweepOnce(ctx context.Context) {
	_ = s.monitor.Sweep(ctx)
}

// Stale reports whether the latest snapshot should be distrusted.
func (s *Session) Stale() bool { return s.recon.Degraded() }

// Snapshot returns the current lease view: the reconciler's when one
// exists, otherwise a fresh fetch.
func (s *Session) Snapshot(ctx context.Context) (lease.Snapshot, error) {
	if snap, ok := s.recon.Snapshot(); ok {
		return snap, nil
	}
	return s.freshSnapshot(ctx)
}

func (s *Session) freshSnapshot(ctx context.Context) (lease.Snapshot, error) {
	leases, err := s.store.ListLeases(ctx)
	if err != nil {
		return lease.Snapshot{}, err
	}
	return lease.NewSnapshot(s.clk.Now(), leases...), nil
}

func (s *Session) requester(id identity.Identity) policy.Requester {
	return policy.Requester{Name: id.DisplayName, Privileged: s.registry.Privileged(id.DisplayName)}
}

// Claim runs the decide-then-commit cycle for who claiming key. The commit
// is a conditional write against the snapshot the decision was made on; a
// lost race re-fetches and re-decides instead of blindly overwriting.
func (s *Session) Claim(ctx context.Context, who identity.Identity, key lease.Key) (policy.Decision, error) {
	return s.commit(ctx, s.requester(who), policy.ActionClaim, key)
}

// Release runs the decide-then-commit cycle for who releasing key.
// Releasing an already-available pass is a no-op allow.
func (s *Session) Release(ctx context.Context, who identity.Identity, key lease.Key) (policy.Decision, error) {
	return s.commit(ctx, s.requester(who), policy.ActionRelease, key)
}

func (s *Session) commit(ctx context.Context, requester policy.Requester, action policy.Action, key lease.Key) (policy.Decision, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return policy.Decision{}, err
	}
	for attempt := 0; attempt < commitAttempts; attempt++ {
		decision := policy.Decide(snap, requester, action, key)
		if !decision.Allowed {
			return decision, nil
		}
		current := snap.Get(key)
		next := lease.Lease{Key: key, Status: lease.StatusAvailable}
		if action == policy.ActionClaim {
			next = lease.Lease{
				Key:       key,
				Status:    lease.StatusClaimed,
				Owner:     requester.Name,
				ClaimedAt: s.clk.Now(),
			}
		} else if !current.Claimed() {
			// Already available: idempotent no-op, nothing to write.
			return decision, nil
		}
		expected := client.Expected{Status: current.Status, Owner: current.Owner}
		// Teardown must not abort a half-committed write.
		writeCtx := context.WithoutCancel(ctx)
		err := s.store.PutLeaseIf(writeCtx, next, expected)
		if err == nil {
			s.logger.Info("commit applied",
				"action", action, "key", key, "requester", requester.Name, "attempt", attempt+1)
			return decision, nil
		}
		if !errors.Is(err, client.ErrConflict) {
			return policy.Decision{}, fmt.Errorf("commit %s %s: %w", action, key, err)
		}
		s.metrics.Conflict()
		s.logger.Warn("commit lost conditional write, re-deciding",
			"action", action, "key", key, "requester", requester.Name, "attempt", attempt+1)
		snap, err = s.freshSnapshot(ctx)
		if err != nil {
			return policy.Decision{}, err
		}
	}
	return policy.Decision{}, fmt.Errorf("commit %s %s: %w", action, key, client.ErrConflict)
}

// Login resolves an access code, persists the login locally, and ensures
// the store knows the identity. The last-login touch is advisory.
func (s *Session) Login(ctx context.Context, code string) (identity.Identity, error) {
	now := s.clk.Now()
	id, err := s.registry.RememberLogin(ctx, code, now)
	if err != nil {
		return identity.Identity{}, err
	}
	if err := s.store.EnsureUser(ctx, id.DisplayName); err != nil {
		return identity.Identity{}, fmt.Errorf("register user remotely: %w", err)
	}
	if err := s.store.TouchLastLogin(ctx, id.DisplayName, now); err != nil {
		s.logger.Warn("last-login touch failed", "user", id.DisplayName, "error", err)
	}
	s.logger.Info("logged in", "user", id.DisplayName, "privileged", id.Privileged)
	return id, nil
}

// SavedIdentity returns the identity persisted by the last Login.
func (s *Session) SavedIdentity(ctx context.Context) (identity.Identity, error) {
	return s.registry.SavedIdentity(ctx)
}

// Logout clears the saved login.
func (s *Session) Logout(ctx context.Context) error {
	return s.registry.Logout(ctx)
}

// Leaderboard returns the device-local usage ranking.
func (s *Session) Leaderboard(ctx context.Context) ([]leaderboard.Entry, error) {
	return s.board.List(ctx)
}

// RemoteLeaderboard returns the store-side ranking view.
func (s *Session) RemoteLeaderboard(ctx context.Context) ([]api.UserRow, error) {
	return s.store.RemoteLeaderboard(ctx, DefaultRemoteLeaderboardLimit)
}
