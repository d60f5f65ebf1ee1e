package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// effectiveConfig is the YAML rendering of the resolved configuration.
// Secrets are masked; durations render in Go syntax so the output can be
// fed back as a config file.
type effectiveConfig struct {
	Store            string            `yaml:"store"`
	APIKey           string            `yaml:"api-key,omitempty"`
	LocalStore       string            `yaml:"local-store"`
	TTL              time.Duration     `yaml:"ttl"`
	WarnWindow       time.Duration     `yaml:"warn-window"`
	PollInterval     time.Duration     `yaml:"poll-interval"`
	ExpiryInterval   time.Duration     `yaml:"expiry-interval"`
	SweepInterval    time.Duration     `yaml:"sweep-interval"`
	FailureThreshold int               `yaml:"failure-threshold"`
	MetricsListen    string            `yaml:"metrics-listen,omitempty"`
	PrivilegedUser   string            `yaml:"privileged-user"`
	AccessCodes      map[string]string `yaml:"access-codes,omitempty"`
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg := buildConfig()
			rendered := effectiveConfig{
				Store:            cfg.StoreURL,
				LocalStore:       cfg.LocalStore,
				TTL:              cfg.TTL,
				WarnWindow:       cfg.WarnWindow,
				PollInterval:     cfg.PollInterval,
				ExpiryInterval:   cfg.ExpiryInterval,
				SweepInterval:    cfg.SweepInterval,
				FailureThreshold: cfg.FailureThreshold,
				MetricsListen:    cfg.MetricsListen,
				PrivilegedUser:   cfg.PrivilegedUser,
			}
			if cfg.StoreAPIKey != "" {
				rendered.APIKey = "********"
			}
			if len(cfg.AccessCodes) > 0 {
				// Codes are shared secrets; show only how many exist.
				rendered.AccessCodes = map[string]string{
					fmt.Sprintf("(%d codes)", len(cfg.AccessCodes)): "********",
				}
			}
			return yaml.NewEncoder(os.Stdout).Encode(rendered)
		},
	})
	return cmd
}
