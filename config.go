package passd

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultTTL is the maximum holding duration before automatic release.
	DefaultTTL = 10 * time.Hour
	// DefaultWarnWindow is the lead time for the near-expiry warning.
	DefaultWarnWindow = 30 * time.Minute
	// DefaultPollInterval is the reconciler's polling cadence.
	DefaultPollInterval = 2 * time.Second
	// DefaultExpiryInterval is the foreground expiry tick over the latest
	// reconciled snapshot.
	DefaultExpiryInterval = 30 * time.Second
	// DefaultSweepInterval is the background expiry sweep over freshly
	// fetched rows.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultFailureThreshold is how many consecutive poll failures pass
	// before the session reports the snapshot as stale.
	DefaultFailureThreshold = 3
	// DefaultLocalStore keeps local state in process memory; the CLI
	// substitutes a durable sqlite path.
	DefaultLocalStore = "mem://"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus
	// scrape). Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPrivilegedUser names the identity allowed to seize and release
	// any pass.
	DefaultPrivilegedUser = "Daniel"
	// DefaultRemoteLeaderboardLimit caps the store-side ranking view.
	DefaultRemoteLeaderboardLimit = 20
)

// Config drives a Session. The zero value plus StoreURL is usable;
// applyDefaults fills the rest.
type Config struct {
	// StoreURL is the base URL of the remote lease store.
	StoreURL string
	// StoreAPIKey is the shared-secret key sent with every store request.
	StoreAPIKey string
	// LocalStore selects the durable local KV by URL: mem://,
	// sqlite://PATH, or redis://HOST:PORT.
	LocalStore string
	// TTL is the maximum holding duration before automatic release.
	TTL time.Duration
	// WarnWindow is the near-expiry warning lead time; must be below TTL.
	WarnWindow time.Duration
	// PollInterval is the reconciler cadence.
	PollInterval time.Duration
	// ExpiryInterval is the foreground expiry tick.
	ExpiryInterval time.Duration
	// SweepInterval is the background expiry sweep cadence.
	SweepInterval time.Duration
	// FailureThreshold gates the stale-data advisory.
	FailureThreshold int
	// AccessCodes maps shared-secret login codes to display names.
	AccessCodes map[string]string
	// PrivilegedUser names the seize-capable identity.
	PrivilegedUser string
	// MetricsListen exposes a Prometheus scrape endpoint when non-empty.
	MetricsListen string
}

func (cfg *Config) applyDefaults() {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.WarnWindow <= 0 {
		cfg.WarnWindow = DefaultWarnWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = DefaultExpiryInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if strings.TrimSpace(cfg.LocalStore) == "" {
		cfg.LocalStore = DefaultLocalStore
	}
	if strings.TrimSpace(cfg.PrivilegedUser) == "" {
		cfg.PrivilegedUser = DefaultPrivilegedUser
	}
}

// Validate checks the configuration after defaults are applied.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.StoreURL) == "" {
		return fmt.Errorf("config: store URL required")
	}
	if cfg.WarnWindow >= cfg.TTL {
		return fmt.Errorf("config: warn window %v must be shorter than ttl %v", cfg.WarnWindow, cfg.TTL)
	}
	if cfg.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("config: poll interval %v too aggressive", cfg.PollInterval)
	}
	if cfg.ExpiryInterval < cfg.PollInterval {
		return fmt.Errorf("config: expiry interval %v below poll interval %v", cfg.ExpiryInterval, cfg.PollInterval)
	}
	return nil
}
