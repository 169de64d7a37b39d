package collector

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/syncwatch/internal/export"
	"github.com/ethpandaops/syncwatch/internal/metrics"
)

// Discoverer finds running instances.
type Discoverer interface {
	FindRunning(ctx context.Context, names []string) (string, bool)
	StartedAt(ctx context.Context, name string) (time.Time, error)
}

// Collector discovers a running instance and walks its sources in
// order until one yields a record.
type Collector struct {
	log     logrus.FieldLogger
	disc    Discoverer
	names   []string
	sources []Source
	health  *export.HealthMetrics
}

// New creates a Collector backed by the container CLI, trying the
// metrics endpoint first and the log tail second.
func New(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
) *Collector {
	cfg.ApplyDefaults()

	inspector := NewInspector(log, cfg, ExecRunner{}, health)

	return NewWithSources(log, inspector, cfg.InstanceNames, health,
		NewHTTPSource(log, cfg, inspector),
		NewLogSource(inspector, cfg.TailLines),
	)
}

// NewWithSources creates a Collector with explicit discovery and
// sources. Sources are tried in the given order.
func NewWithSources(
	log logrus.FieldLogger,
	disc Discoverer,
	names []string,
	health *export.HealthMetrics,
	sources ...Source,
) *Collector {
	if len(names) > MaxInstanceNames {
		names = names[:MaxInstanceNames]
	}

	return &Collector{
		log:     log.WithField("component", "collector"),
		disc:    disc,
		names:   names,
		sources: sources,
		health:  health,
	}
}

// Collect returns a record from the first source that yields one, or
// nil when no instance is running or every source came up empty.
func (c *Collector) Collect(ctx context.Context) *metrics.Record {
	start := time.Now()
	defer func() {
		c.health.ObserveCollectionDuration(time.Since(start).Seconds())
	}()

	name, ok := c.disc.FindRunning(ctx, c.names)
	if !ok {
		c.health.ObserveCollection("discovery", "no_instance")
		c.log.Debug("No running synchronizer instance found")

		return nil
	}

	inst := Instance{Name: name}

	started, err := c.disc.StartedAt(ctx, name)
	if err != nil {
		c.log.WithError(err).WithField("instance", name).
			Debug("Could not determine instance start time")
	} else {
		inst.StartedAt = started
	}

	for _, src := range c.sources {
		log := c.log.WithFields(logrus.Fields{
			"instance": name,
			"source":   src.Name(),
		})

		rec, err := src.Fetch(ctx, inst)
		if err != nil || rec == nil {
			result := "error"
			if err == nil || errors.Is(err, ErrNoData) {
				result = "no_data"
			}

			c.health.ObserveCollection(src.Name(), result)
			log.WithError(err).Debug("Source yielded no record")

			continue
		}

		c.health.ObserveCollection(src.Name(), "ok")

		out := *rec
		out.Instance = name
		out.StartedAt = inst.StartedAt

		if out.SyncLifeTraffic == 0 {
			out.SyncLifeTraffic = out.TotalTraffic()
		}

		log.WithFields(logrus.Fields{
			"sessions": out.Sessions,
			"users":    out.Users,
			"points":   out.TotalPoints(),
		}).Debug("Collected telemetry")

		return &out
	}

	c.log.WithField("instance", name).Debug("All sources exhausted")

	return nil
}
