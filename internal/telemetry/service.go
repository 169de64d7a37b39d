package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/syncwatch/internal/export"
	"github.com/ethpandaops/syncwatch/internal/metrics"
	"github.com/ethpandaops/syncwatch/internal/supervisor"
)

// Config configures the dashboard views.
type Config struct {
	// RefreshInterval is how often the live record is refreshed from
	// the collector. Defaults to 30s.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// ViewTTL is how long a built view is reused when fresh telemetry
	// is unavailable. Defaults to 30s.
	ViewTTL time.Duration `yaml:"view_ttl"`

	// InstanceLabel names the worker in the points error marker.
	InstanceLabel string `yaml:"instance_label"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: 30 * time.Second,
		ViewTTL:         30 * time.Second,
		InstanceLabel:   "Synchronizer container",
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("dashboard.refresh_interval must be positive")
	}

	if c.ViewTTL < 0 {
		return fmt.Errorf("dashboard.view_ttl must not be negative")
	}

	return nil
}

// RecordSource yields the current collected record, or nil.
type RecordSource interface {
	Get(ctx context.Context) *metrics.Record
}

// Worker reports the supervised worker's state.
type Worker interface {
	IsHealthy() bool
	State() supervisor.State
}

// Publisher receives every newly collected record.
type Publisher interface {
	Publish(ctx context.Context, rec metrics.Record)
}

// Identity is the operator-facing identity of the synchronizer.
type Identity struct {
	SyncName      string
	WalletAddress string
}

type snapshot[T any] struct {
	view T
	at   time.Time
	set  bool
}

func (s *snapshot[T]) fresh(now time.Time, ttl time.Duration) bool {
	return s.set && now.Sub(s.at) < ttl
}

// Service owns the live record and builds the dashboard views.
type Service struct {
	log       logrus.FieldLogger
	cfg       Config
	id        Identity
	source    RecordSource
	worker    Worker
	publisher Publisher
	health    *export.HealthMetrics
	now       func() time.Time
	startTime time.Time

	mu            sync.Mutex
	live          metrics.Record
	lastPublished *metrics.Record
	performance   snapshot[PerformanceView]
	points        snapshot[PointsView]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithWorker reports liveness from a supervised worker.
func WithWorker(w Worker) Option {
	return func(s *Service) {
		s.worker = w
	}
}

// WithPublisher forwards newly collected records.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithHealth mirrors telemetry into self-metrics.
func WithHealth(h *export.HealthMetrics) Option {
	return func(s *Service) {
		s.health = h
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service reading collected records from source.
func NewService(
	log logrus.FieldLogger,
	cfg Config,
	id Identity,
	source RecordSource,
	opts ...Option,
) *Service {
	s := &Service{
		log:    log.WithField("component", "telemetry"),
		cfg:    cfg,
		id:     id,
		source: source,
		now:    time.Now,
		live:   metrics.NewRecord(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cfg.InstanceLabel == "" {
		s.cfg.InstanceLabel = DefaultConfig().InstanceLabel
	}

	s.startTime = s.now()

	return s
}

// Start runs the periodic refresh until Stop or ctx is done.
func (s *Service) Start(ctx context.Context) error {
	interval := s.cfg.RefreshInterval
	if interval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", interval)
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()

	return nil
}

// Stop halts the periodic refresh.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	s.wg.Wait()
}

// HandleLine merges any telemetry found in a line of worker output
// into the live record.
func (s *Service) HandleLine(_ supervisor.Stream, line string) {
	p, ok := metrics.ParseOutputLine(line)
	if !ok {
		return
	}

	s.mu.Lock()
	s.live = metrics.Merge(s.live, p)
	live := s.live
	s.mu.Unlock()

	s.health.ObserveInlineUpdate()
	s.mirror(live)
}

// Refresh replaces the live record with the collector's current record
// when one is available.
func (s *Service) Refresh(ctx context.Context) {
	rec := s.source.Get(ctx)
	if rec == nil {
		return
	}

	s.mu.Lock()
	s.live = *rec
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"instance":    rec.Instance,
		"data_source": rec.DataSource,
	}).Debug("Live metrics updated from collector")

	s.mirror(*rec)
	s.publish(ctx, rec)
}

// Live returns a copy of the live record.
func (s *Service) Live() metrics.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.live
}

// StatusView reports whether the worker is online.
func (s *Service) StatusView() StatusView {
	now := s.now()
	live := s.Live()

	view := StatusView{
		SyncName:      s.id.SyncName,
		WalletAddress: s.id.WalletAddress,
		StartTime:     s.startTime.UnixMilli(),
		Uptime:        now.Sub(s.startTime).Milliseconds(),
		Online:        live.ProxyConnectionState == metrics.StateConnected,
	}

	if s.worker != nil {
		st := s.worker.State()

		view.Online = (view.Online || s.worker.IsHealthy()) && !workerDown(st)
		view.Phase = string(st.Phase)
		view.Restarts = st.Restarts

		if !st.LastHeartbeat.IsZero() {
			hb := st.LastHeartbeat.UnixMilli()
			view.LastHeartbeat = &hb
		}
	}

	return view
}

// workerDown reports a worker that crashed, or exited after having run.
// A stale CONNECTED state in the live record must not keep it online.
func workerDown(st supervisor.State) bool {
	switch st.Phase {
	case supervisor.PhaseCrashed:
		return true
	case supervisor.PhaseStopped:
		return !st.StartedAt.IsZero()
	default:
		return false
	}
}

// MetricsView returns the live counters.
func (s *Service) MetricsView() MetricsView {
	return newMetricsView(s.Live())
}

// PerformanceView returns traffic and quality, preferring fresh
// telemetry, then a recent view, then a placeholder.
func (s *Service) PerformanceView(ctx context.Context) PerformanceView {
	rec := s.source.Get(ctx)
	if rec != nil {
		s.publish(ctx, rec)
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec != nil {
		view := newPerformanceView(*rec, now)
		s.performance = snapshot[PerformanceView]{view: view, at: now, set: true}

		return view
	}

	if s.performance.fresh(now, s.cfg.ViewTTL) {
		return s.performance.view
	}

	return placeholderPerformanceView(now)
}

// PointsView returns reward data. Fresh telemetry carrying point data
// wins, then a recent non-error view, then fresh telemetry without
// point data. Without any telemetry an error marker is returned.
func (s *Service) PointsView(ctx context.Context) PointsView {
	rec := s.source.Get(ctx)
	if rec != nil {
		s.publish(ctx, rec)
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec != nil && rec.HasPoints() {
		return s.storePoints(newPointsView(*rec, SourceLiveStats, now), now)
	}

	if s.points.fresh(now, s.cfg.ViewTTL) && s.points.view.Error == "" {
		return s.points.view
	}

	if rec != nil {
		return s.storePoints(newPointsView(*rec, SourceContainerStats, now), now)
	}

	return s.storePoints(errorPointsView(s.cfg.InstanceLabel, now), now)
}

// storePoints must be called with mu held.
func (s *Service) storePoints(view PointsView, now time.Time) PointsView {
	s.points = snapshot[PointsView]{view: view, at: now, set: true}

	return view
}

func (s *Service) mirror(r metrics.Record) {
	s.health.SetWorkerTelemetry(
		r.Sessions, r.Users, r.SyncLifePoints, r.WalletLifePoints, r.TotalTraffic(),
	)
}

// publish forwards rec once per collection; cached repeats are skipped.
func (s *Service) publish(ctx context.Context, rec *metrics.Record) {
	if s.publisher == nil {
		return
	}

	s.mu.Lock()
	if s.lastPublished == rec {
		s.mu.Unlock()

		return
	}

	s.lastPublished = rec
	s.mu.Unlock()

	s.publisher.Publish(ctx, *rec)
}
