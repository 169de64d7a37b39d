package agent

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/syncwatch/internal/api"
	"github.com/ethpandaops/syncwatch/internal/cache"
	"github.com/ethpandaops/syncwatch/internal/collector"
	"github.com/ethpandaops/syncwatch/internal/export"
	httpexport "github.com/ethpandaops/syncwatch/internal/export/http"
	"github.com/ethpandaops/syncwatch/internal/supervisor"
	"github.com/ethpandaops/syncwatch/internal/telemetry"
)

// Environment variables that override the worker identity.
const (
	EnvSyncName      = "SYNC_NAME"
	EnvAPIKey        = "SYNQ_KEY"
	EnvWalletAddress = "WALLET_ADDRESS"
	EnvDepinEndpoint = "DEPIN_ENDPOINT"
)

// SyncNameFiles are read in order when no sync name is configured.
var SyncNameFiles = []string{
	"/share/multisynq_sync_name.txt",
	"/data/sync_name.txt",
}

// Config is the top-level configuration for the syncwatch agent.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Environment is reported on the dashboard config endpoint.
	Environment string `yaml:"environment"`

	// Worker configures the supervised synchronizer process.
	Worker supervisor.Config `yaml:"worker"`

	// Collector configures instance discovery and metric sources.
	Collector collector.Config `yaml:"collector"`

	// Cache configures collection coalescing.
	Cache cache.Config `yaml:"cache"`

	// Dashboard configures view building and the live refresh.
	Dashboard telemetry.Config `yaml:"dashboard"`

	// API configures the dashboard HTTP API.
	API api.Config `yaml:"api"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`

	// Export configures snapshot forwarding.
	Export httpexport.Config `yaml:"export"`

	// Source describes where the configuration came from.
	Source string `yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "info",
		Environment: "production",
		Worker:      supervisor.DefaultConfig(),
		Collector:   collector.DefaultConfig(),
		Cache:       cache.DefaultConfig(),
		Dashboard:   telemetry.DefaultConfig(),
		API:         api.DefaultConfig(),
		Health: export.HealthConfig{
			Addr: ":9091",
		},
		Export: httpexport.DefaultConfig(),
		Source: "defaults",
	}
}

// LoadConfig reads and parses a YAML configuration file, then applies
// environment overrides. An empty path uses the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}

		cfg.Source = path
	}

	cfg.ApplyEnv(os.LookupEnv)
	cfg.ApplySyncNameFiles(SyncNameFiles)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides the worker identity from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	overrides := []struct {
		key string
		dst *string
	}{
		{EnvSyncName, &c.Worker.SyncName},
		{EnvAPIKey, &c.Worker.APIKey},
		{EnvWalletAddress, &c.Worker.WalletAddress},
		{EnvDepinEndpoint, &c.Worker.DepinEndpoint},
	}

	applied := false

	for _, o := range overrides {
		if v, ok := lookup(o.key); ok && v != "" {
			*o.dst = v
			applied = true
		}
	}

	if applied {
		c.Source += "+env"
	}
}

// ApplySyncNameFiles sets the sync name from the first readable,
// non-empty file when none is configured.
func (c *Config) ApplySyncNameFiles(paths []string) {
	if c.Worker.SyncName != "" {
		return
	}

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		if name := strings.TrimSpace(string(data)); name != "" {
			c.Worker.SyncName = name

			return
		}
	}
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	if c.Health.Addr == "" {
		return fmt.Errorf("health.addr is required")
	}

	if err := c.Worker.Validate(); err != nil {
		return err
	}

	if err := c.Collector.Validate(); err != nil {
		return err
	}

	if err := c.Cache.Validate(); err != nil {
		return err
	}

	if err := c.Dashboard.Validate(); err != nil {
		return err
	}

	if err := c.API.Validate(); err != nil {
		return err
	}

	return c.Export.Validate()
}
