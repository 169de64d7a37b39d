package agent

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/syncwatch/internal/api"
	"github.com/ethpandaops/syncwatch/internal/cache"
	"github.com/ethpandaops/syncwatch/internal/collector"
	"github.com/ethpandaops/syncwatch/internal/export"
	httpexport "github.com/ethpandaops/syncwatch/internal/export/http"
	"github.com/ethpandaops/syncwatch/internal/supervisor"
	"github.com/ethpandaops/syncwatch/internal/telemetry"
)

// shutdownTimeout bounds the API drain and the final export flush.
const shutdownTimeout = 10 * time.Second

// Agent is the top-level orchestrator for syncwatch.
type Agent interface {
	// Start initializes all components and begins supervision.
	Start(ctx context.Context) error
	// Stop shuts down all components gracefully.
	Stop() error
}

type agent struct {
	log       logrus.FieldLogger
	cfg       *Config
	health    *export.HealthMetrics
	collector *collector.Collector
	cache     *cache.Cache
	worker    supervisor.Supervisor
	service   *telemetry.Service
	forwarder *httpexport.Forwarder
	api       *api.Server

	cancel context.CancelFunc
}

// Options overrides agent collaborators. Zero values use the defaults.
type Options struct {
	Launcher supervisor.Launcher
}

// New creates a new Agent.
func New(log logrus.FieldLogger, cfg *Config, opts Options) (Agent, error) {
	health := export.NewHealthMetrics(log, cfg.Health)

	a := &agent{
		log:       log.WithField("component", "agent"),
		cfg:       cfg,
		health:    health,
		collector: collector.New(log, cfg.Collector, health),
		worker:    supervisor.New(log, cfg.Worker, opts.Launcher, health),
	}

	a.cache = cache.New(log, cfg.Cache, a.collector.Collect, cache.WithHealth(health))

	svcOpts := []telemetry.Option{
		telemetry.WithWorker(a.worker),
		telemetry.WithHealth(health),
	}

	if cfg.Export.Enabled {
		fwd, err := httpexport.NewForwarder(log, cfg.Export, cfg.Worker.SyncName, health)
		if err != nil {
			return nil, fmt.Errorf("creating forwarder: %w", err)
		}

		a.forwarder = fwd
		svcOpts = append(svcOpts, telemetry.WithPublisher(fwd))
	}

	a.service = telemetry.NewService(log, cfg.Dashboard, telemetry.Identity{
		SyncName:      cfg.Worker.SyncName,
		WalletAddress: cfg.Worker.WalletAddress,
	}, a.cache, svcOpts...)

	server, err := api.NewServer(log, cfg.API, a.service, configView(cfg), health)
	if err != nil {
		return nil, fmt.Errorf("creating api server: %w", err)
	}

	a.api = server

	return a, nil
}

func configView(cfg *Config) api.ConfigView {
	return api.ConfigView{
		SyncName:      cfg.Worker.SyncName,
		WalletAddress: api.Mask(cfg.Worker.WalletAddress, 8),
		APIKey:        api.Mask(cfg.Worker.APIKey, 4),
		DepinEndpoint: cfg.Worker.DepinEndpoint,
		Environment:   cfg.Environment,
		ConfigSource:  cfg.Source,
	}
}

func (a *agent) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// 1. Start health metrics server.
	if err := a.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	a.log.Info("Health metrics server started")

	// 2. Start forwarding before anything can publish. The queue
	// outlives ctx so Stop can flush it.
	if a.forwarder != nil {
		a.forwarder.Start(context.WithoutCancel(ctx))
		a.log.WithField("address", a.cfg.Export.Address).Info("Snapshot forwarding enabled")
	}

	// 3. Route worker output into the live record, then launch the
	// worker. Missing credentials leave the dashboard running.
	a.worker.OnLine(a.service.HandleLine)

	if err := a.worker.Start(ctx); err != nil {
		if !errors.Is(err, supervisor.ErrMissingCredentials) {
			return a.abort(fmt.Errorf("starting worker: %w", err))
		}
	}

	// 4. Start the periodic live refresh.
	if err := a.service.Start(ctx); err != nil {
		return a.abort(fmt.Errorf("starting telemetry service: %w", err))
	}

	// 5. Serve the dashboard API.
	if err := a.api.Start(ctx); err != nil {
		return a.abort(fmt.Errorf("starting api server: %w", err))
	}

	a.log.Info("Agent fully started")

	return nil
}

// abort tears down whatever Start brought up so a failed start leaves
// no worker process behind.
func (a *agent) abort(err error) error {
	if stopErr := a.Stop(); stopErr != nil {
		return errors.Join(err, stopErr)
	}

	return err
}

func (a *agent) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error

	// Stop in reverse order.
	if err := a.api.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping api server: %w", err))
	}

	a.service.Stop()

	if err := a.worker.Stop(syscall.SIGTERM); err != nil {
		errs = append(errs, fmt.Errorf("stopping worker: %w", err))
	}

	if a.forwarder != nil {
		if err := a.forwarder.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping forwarder: %w", err))
		}
	}

	if err := a.health.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping health metrics: %w", err))
	}

	return errors.Join(errs...)
}
