package collector

import (
	"fmt"
	"time"
)

// MaxInstanceNames bounds how many instance names are probed per
// collection attempt.
const MaxInstanceNames = 2

// DefaultInstanceNames are the container names the synchronizer is
// usually deployed under.
var DefaultInstanceNames = []string{
	"synchronizer-cli",
	"synchronizer-nightly",
}

// Config holds configuration for telemetry collection.
type Config struct {
	// ContainerBinary is the container CLI used for discovery and log
	// scraping. Defaults to "docker".
	ContainerBinary string `yaml:"container_binary"`

	// InstanceNames is the allow-list of instance names probed in
	// order. At most MaxInstanceNames entries.
	InstanceNames []string `yaml:"instance_names"`

	// MetricsPort is the port of the instance's metrics endpoint.
	// Defaults to 9090.
	MetricsPort int `yaml:"metrics_port"`

	// MetricsPath is the path of the instance's metrics endpoint.
	// Defaults to "/metrics".
	MetricsPath string `yaml:"metrics_path"`

	// HTTPTimeout bounds the metrics endpoint probe. Defaults to 5s.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// CommandTimeout bounds ps/inspect commands. Defaults to 5s.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// LogsTimeout bounds the log tail command. Defaults to 10s.
	LogsTimeout time.Duration `yaml:"logs_timeout"`

	// TailLines is how many log lines are scraped. Defaults to 100.
	TailLines int `yaml:"tail_lines"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ContainerBinary: "docker",
		InstanceNames:   append([]string(nil), DefaultInstanceNames...),
		MetricsPort:     9090,
		MetricsPath:     "/metrics",
		HTTPTimeout:     5 * time.Second,
		CommandTimeout:  5 * time.Second,
		LogsTimeout:     10 * time.Second,
		TailLines:       100,
	}
}

// ApplyDefaults fills unset fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.ContainerBinary == "" {
		c.ContainerBinary = defaults.ContainerBinary
	}

	if len(c.InstanceNames) == 0 {
		c.InstanceNames = defaults.InstanceNames
	}

	if c.MetricsPort <= 0 {
		c.MetricsPort = defaults.MetricsPort
	}

	if c.MetricsPath == "" {
		c.MetricsPath = defaults.MetricsPath
	}

	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaults.HTTPTimeout
	}

	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaults.CommandTimeout
	}

	if c.LogsTimeout <= 0 {
		c.LogsTimeout = defaults.LogsTimeout
	}

	if c.TailLines <= 0 {
		c.TailLines = defaults.TailLines
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if len(c.InstanceNames) > MaxInstanceNames {
		return fmt.Errorf(
			"collector.instance_names allows at most %d entries, got %d",
			MaxInstanceNames, len(c.InstanceNames),
		)
	}

	for _, name := range c.InstanceNames {
		if name == "" {
			return fmt.Errorf("collector.instance_names must not contain empty names")
		}
	}

	if c.MetricsPort > 65535 {
		return fmt.Errorf("collector.metrics_port %d out of range", c.MetricsPort)
	}

	return nil
}
