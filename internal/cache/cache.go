package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/syncwatch/internal/export"
	"github.com/ethpandaops/syncwatch/internal/metrics"
)

// Fetcher performs one collection attempt. A nil record means no data.
type Fetcher func(ctx context.Context) *metrics.Record

// Config configures the telemetry cache.
type Config struct {
	// TTL is how long a stored record is served without new work.
	// Defaults to 60s.
	TTL time.Duration `yaml:"ttl"`

	// Cooldown is the minimum spacing between collection attempts.
	// Defaults to 60s.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:      60 * time.Second,
		Cooldown: 60 * time.Second,
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}

	if c.Cooldown < 0 {
		return fmt.Errorf("cache.cooldown must not be negative")
	}

	return nil
}

// call is a collection attempt that other callers can wait on.
type call struct {
	done chan struct{}
	rec  *metrics.Record
}

// Cache rate-limits and coalesces collection attempts. At most one
// attempt is outstanding at any time and attempts start no more often
// than once per cooldown.
type Cache struct {
	log      logrus.FieldLogger
	fetch    Fetcher
	ttl      time.Duration
	cooldown time.Duration
	health   *export.HealthMetrics
	now      func() time.Time

	mu        sync.Mutex
	value     *metrics.Record
	fetchedAt time.Time
	inflight  *call
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithHealth instruments the cache.
func WithHealth(h *export.HealthMetrics) Option {
	return func(c *Cache) {
		c.health = h
	}
}

// New creates a Cache around fetch.
func New(
	log logrus.FieldLogger,
	cfg Config,
	fetch Fetcher,
	opts ...Option,
) *Cache {
	c := &Cache{
		log:      log.WithField("component", "cache"),
		fetch:    fetch,
		ttl:      cfg.TTL,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get returns the current record, starting or joining a collection
// attempt only when the cached value has expired and the cooldown has
// passed. A caller whose context ends while waiting gets the last
// stored value; the attempt itself continues for the other waiters.
func (c *Cache) Get(ctx context.Context) *metrics.Record {
	c.mu.Lock()

	now := c.now()

	if c.value != nil && now.Sub(c.fetchedAt) < c.ttl {
		rec := c.value
		c.mu.Unlock()
		c.health.ObserveCache("hit")

		return rec
	}

	if !c.fetchedAt.IsZero() && now.Sub(c.fetchedAt) < c.cooldown {
		rec := c.value
		c.mu.Unlock()
		c.health.ObserveCache("stale")

		return rec
	}

	if cl := c.inflight; cl != nil {
		stale := c.value
		c.mu.Unlock()
		c.health.ObserveCache("coalesced")

		select {
		case <-cl.done:
			return cl.rec
		case <-ctx.Done():
			return stale
		}
	}

	cl := &call{done: make(chan struct{})}
	c.inflight = cl
	c.mu.Unlock()

	c.health.ObserveCache("fetch")
	c.log.Debug("Starting collection attempt")

	// The attempt outlives any single caller so that waiters still get
	// its result.
	go c.run(context.WithoutCancel(ctx), cl, now)

	select {
	case <-cl.done:
		return cl.rec
	case <-ctx.Done():
		c.mu.Lock()
		defer c.mu.Unlock()

		return c.value
	}
}

// Peek returns the stored record and when it was collected without
// triggering any work.
func (c *Cache) Peek() (*metrics.Record, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.value, c.fetchedAt
}

func (c *Cache) run(ctx context.Context, cl *call, started time.Time) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("Collection attempt panicked")
			cl.rec = nil
		}

		c.mu.Lock()
		c.value = cl.rec
		c.fetchedAt = started
		c.inflight = nil
		c.mu.Unlock()

		close(cl.done)
	}()

	cl.rec = c.fetch(ctx)
}
