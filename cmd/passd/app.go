package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/passd"
)

const (
	keyConfig          = "config"
	keyStore           = "store"
	keyAPIKey          = "api-key"
	keyLocalStore      = "local-store"
	keyTTL             = "ttl"
	keyWarnWindow      = "warn-window"
	keyPollInterval    = "poll-interval"
	keyExpiryInterval  = "expiry-interval"
	keySweepInterval   = "sweep-interval"
	keyMetricsListen   = "metrics-listen"
	keyPrivilegedUser  = "privileged-user"
	keyLogLevel        = "log-level"
	keyAccessCodes     = "access-codes"
	keyFailureRunGuard = "failure-threshold"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("PASSD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "passd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "passd",
		Short:         "Coordinate shared parking passes through a remote lease store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfigFile()
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "path to YAML config file")
	flags.String("store", "", "remote lease store base URL")
	flags.String("api-key", "", "remote store API key")
	flags.String("local-store", defaultLocalStore(), "local KV URL (mem://, sqlite://PATH, redis://HOST:PORT)")
	flags.Duration("ttl", passd.DefaultTTL, "maximum holding duration before auto-release")
	flags.Duration("warn-window", passd.DefaultWarnWindow, "near-expiry warning lead time")
	flags.Duration("poll-interval", passd.DefaultPollInterval, "reconciler polling cadence")
	flags.Duration("expiry-interval", passd.DefaultExpiryInterval, "foreground expiry tick")
	flags.Duration("sweep-interval", passd.DefaultSweepInterval, "background expiry sweep cadence")
	flags.Int("failure-threshold", passd.DefaultFailureThreshold, "consecutive poll failures before the stale advisory")
	flags.String("metrics-listen", passd.DefaultMetricsListen, "Prometheus metrics listen address (empty disables)")
	flags.String("privileged-user", passd.DefaultPrivilegedUser, "identity allowed to seize and release any pass")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error|none)")

	mustBindFlag(keyConfig, "PASSD_CONFIG", flags.Lookup("config"))
	mustBindFlag(keyStore, "PASSD_STORE", flags.Lookup("store"))
	mustBindFlag(keyAPIKey, "PASSD_API_KEY", flags.Lookup("api-key"))
	mustBindFlag(keyLocalStore, "PASSD_LOCAL_STORE", flags.Lookup("local-store"))
	mustBindFlag(keyTTL, "PASSD_TTL", flags.Lookup("ttl"))
	mustBindFlag(keyWarnWindow, "PASSD_WARN_WINDOW", flags.Lookup("warn-window"))
	mustBindFlag(keyPollInterval, "PASSD_POLL_INTERVAL", flags.Lookup("poll-interval"))
	mustBindFlag(keyExpiryInterval, "PASSD_EXPIRY_INTERVAL", flags.Lookup("expiry-interval"))
	mustBindFlag(keySweepInterval, "PASSD_SWEEP_INTERVAL", flags.Lookup("sweep-interval"))
	mustBindFlag(keyFailureRunGuard, "PASSD_FAILURE_THRESHOLD", flags.Lookup("failure-threshold"))
	mustBindFlag(keyMetricsListen, "PASSD_METRICS_LISTEN", flags.Lookup("metrics-listen"))
	mustBindFlag(keyPrivilegedUser, "PASSD_PRIVILEGED_USER", flags.Lookup("privileged-user"))
	mustBindFlag(keyLogLevel, "PASSD_LOG_LEVEL", flags.Lookup("log-level"))

	cmd.AddCommand(
		newWatchCommand(baseLogger),
		newClaimCommand(),
		newReleaseCommand(),
		newStatusCommand(),
		newLeaderboardCommand(),
		newLoginCommand(),
		newLogoutCommand(),
		newConfigCommand(),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func loadConfigFile() error {
	cfgPath := strings.TrimSpace(viper.GetString(keyConfig))
	if cfgPath == "" {
		return nil
	}
	viper.SetConfigFile(cfgPath)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", cfgPath, err)
	}
	return nil
}

func buildConfig() passd.Config {
	return passd.Config{
		StoreURL:         viper.GetString(keyStore),
		StoreAPIKey:      viper.GetString(keyAPIKey),
		LocalStore:       viper.GetString(keyLocalStore),
		TTL:              viper.GetDuration(keyTTL),
		WarnWindow:       viper.GetDuration(keyWarnWindow),
		PollInterval:     viper.GetDuration(keyPollInterval),
		ExpiryInterval:   viper.GetDuration(keyExpiryInterval),
		SweepInterval:    viper.GetDuration(keySweepInterval),
		FailureThreshold: viper.GetInt(keyFailureRunGuard),
		AccessCodes:      viper.GetStringMapString(keyAccessCodes),
		PrivilegedUser:   viper.GetString(keyPrivilegedUser),
		MetricsListen:    viper.GetString(keyMetricsListen),
	}
}

func cliLogger() pslog.Logger {
	levelStr := strings.TrimSpace(viper.GetString(keyLogLevel))
	if levelStr == "" || levelStr == "none" {
		return pslog.NoopLogger()
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		level = pslog.InfoLevel
	}
	return pslog.NewStructured(os.Stderr).LogLevel(level).With("app", "passd")
}

func defaultLocalStore() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mem://"
	}
	return "sqlite://" + filepath.Join(home, ".passd", "local.db")
}

func newCLISession() (*passd.Session, error) {
	return passd.NewSession(buildConfig(), passd.WithLogger(cliLogger()))
}

// oneShotTimeout guards one-shot commands against hanging on a dead store.
const oneShotTimeout = 30 * time.Second

func oneShotContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, oneShotTimeout)
}
