package http

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config configures snapshot forwarding. The zero value is disabled.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Address is the collector URL each batch is POSTed to, for example
	// a Vector http_server source.
	Address string `yaml:"address"`

	// Headers are set on every request, typically for collector auth.
	Headers map[string]string `yaml:"headers"`

	// Labels are stamped on every forwarded record so one collector can
	// tell synchronizers apart beyond their sync name.
	Labels map[string]string `yaml:"labels"`

	// Compression: none, gzip (default), zstd, zlib or snappy.
	Compression string `yaml:"compression"`

	// A batch is sent when BatchSize records are queued or BatchTimeout
	// elapses, whichever comes first.
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	ExportTimeout time.Duration `yaml:"export_timeout"`

	// MaxQueueSize records may wait for export; Publish drops beyond it.
	MaxQueueSize int `yaml:"max_queue_size"`

	Workers   int   `yaml:"workers"`
	KeepAlive *bool `yaml:"keep_alive"`
}

// DefaultConfig returns the forwarding defaults. Snapshots arrive at
// most once per collection cooldown, so small batches and a long batch
// timeout are enough.
func DefaultConfig() Config {
	keepAlive := true

	return Config{
		Compression:   CompressionGzip,
		BatchSize:     64,
		BatchTimeout:  10 * time.Second,
		ExportTimeout: 30 * time.Second,
		MaxQueueSize:  1024,
		Workers:       1,
		KeepAlive:     &keepAlive,
	}
}

// Validate reports every problem with an enabled configuration at once.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Address == "" {
		errs = append(errs, errors.New("export.address is required when enabled"))
	} else if u, err := url.Parse(c.Address); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("export.address %q is not an absolute URL", c.Address))
	}

	if _, err := codecFor(c.Compression); err != nil {
		errs = append(errs, fmt.Errorf("export.compression: %w", err))
	}

	switch {
	case c.BatchSize <= 0:
		errs = append(errs, errors.New("export.batch_size must be greater than 0"))
	case c.MaxQueueSize <= 0:
		errs = append(errs, errors.New("export.max_queue_size must be greater than 0"))
	case c.BatchSize > c.MaxQueueSize:
		errs = append(errs, fmt.Errorf(
			"export.batch_size %d exceeds export.max_queue_size %d", c.BatchSize, c.MaxQueueSize,
		))
	}

	if c.Workers <= 0 {
		errs = append(errs, errors.New("export.workers must be greater than 0"))
	}

	return errors.Join(errs...)
}

// ApplyDefaults fills unset fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()

	setDefault(&c.Compression, d.Compression)
	setDefault(&c.BatchSize, d.BatchSize)
	setDefault(&c.BatchTimeout, d.BatchTimeout)
	setDefault(&c.ExportTimeout, d.ExportTimeout)
	setDefault(&c.MaxQueueSize, d.MaxQueueSize)
	setDefault(&c.Workers, d.Workers)

	if c.KeepAlive == nil {
		c.KeepAlive = d.KeepAlive
	}
}

func setDefault[T comparable](dst *T, def T) {
	var zero T
	if *dst == zero {
		*dst = def
	}
}

func (c *Config) keepAlive() bool {
	return c.KeepAlive == nil || *c.KeepAlive
}
