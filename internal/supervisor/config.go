package supervisor

import (
	"fmt"
	"time"
)

// Config configures the worker process and its supervision.
type Config struct {
	// Runtime is the interpreter the wrapper runs under. Defaults to "node".
	Runtime string `yaml:"runtime"`

	// WrapperPath is the worker entrypoint.
	WrapperPath string `yaml:"wrapper_path"`

	// SyncName identifies this synchronizer to the network.
	SyncName string `yaml:"sync_name"`

	// APIKey and WalletAddress are required for the worker to start.
	APIKey        string `yaml:"api_key"`
	WalletAddress string `yaml:"wallet_address"`

	// DepinEndpoint is the network endpoint passed to the worker.
	DepinEndpoint string `yaml:"depin_endpoint"`

	// RestartDelay is the fixed wait before relaunching a crashed
	// worker. Defaults to 5s.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// HealthInterval is the health check period. Defaults to 30s.
	HealthInterval time.Duration `yaml:"health_interval"`

	// HeartbeatTimeout is how long the worker may stay silent before
	// it is reported unhealthy. Defaults to 60s.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// KillTimeout is how long Stop waits for the worker to exit after
	// the stop signal before killing it. Defaults to 10s.
	KillTimeout time.Duration `yaml:"kill_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Runtime:          "node",
		WrapperPath:      "/usr/src/synchronizer/wrapper.js",
		DepinEndpoint:    "wss://api.multisynq.io/depin",
		RestartDelay:     5 * time.Second,
		HealthInterval:   30 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		KillTimeout:      10 * time.Second,
	}
}

// Validate checks the configuration for consistency. Credentials are
// checked at Start so that a missing key disables supervision without
// failing the whole process.
func (c *Config) Validate() error {
	if c.Runtime == "" {
		return fmt.Errorf("worker.runtime is required")
	}

	if c.WrapperPath == "" {
		return fmt.Errorf("worker.wrapper_path is required")
	}

	if c.RestartDelay <= 0 {
		return fmt.Errorf("worker.restart_delay must be positive")
	}

	if c.HealthInterval <= 0 {
		return fmt.Errorf("worker.health_interval must be positive")
	}

	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("worker.heartbeat_timeout must be positive")
	}

	return nil
}

// HasCredentials reports whether both the API key and the wallet
// address are set.
func (c *Config) HasCredentials() bool {
	return c.APIKey != "" && c.WalletAddress != ""
}

// Args returns the worker's command line after the runtime.
func (c *Config) Args() []string {
	return []string{
		c.WrapperPath,
		"--sync-name", c.SyncName,
		"--key", c.APIKey,
		"--wallet", c.WalletAddress,
		"--depin", c.DepinEndpoint,
	}
}
