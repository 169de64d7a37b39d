package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "syncwatch"

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9091" (the worker itself serves on 9090).
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics about syncwatch itself and
// the worker it supervises. All helper methods are safe on a nil
// receiver so components can run without instrumentation in tests.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Collection
	CollectionsTotal   *prometheus.CounterVec // source, result
	CollectionDuration prometheus.Histogram
	DiscoveryErrors    *prometheus.CounterVec // command

	// Cache
	CacheRequests *prometheus.CounterVec // result

	// Supervisor
	SupervisorPhase    *prometheus.GaugeVec // phase
	SupervisorRestarts prometheus.Counter
	WorkerHealthy      prometheus.Gauge
	WorkerLines        *prometheus.CounterVec // stream
	InlineUpdates      prometheus.Counter

	// Worker telemetry
	WorkerSessions prometheus.Gauge
	WorkerUsers    prometheus.Gauge
	WorkerPoints   *prometheus.GaugeVec // kind
	WorkerTraffic  prometheus.Gauge

	// API and export
	APIRequests     *prometheus.CounterVec // path
	ExportedRecords prometheus.Counter
	ExportErrors    prometheus.Counter

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		CollectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collections_total",
				Help:      "Collection attempts by source and result.",
			},
			[]string{"source", "result"},
		),
		CollectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_duration_seconds",
			Help:      "Duration of a full collection attempt including discovery.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 20}, // 50ms-20s
		}),
		DiscoveryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discovery_errors_total",
				Help:      "Failed container inspection commands by command.",
			},
			[]string{"command"},
		),
		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_requests_total",
				Help:      "Telemetry cache lookups by outcome (hit, stale, coalesced, fetch).",
			},
			[]string{"result"},
		),
		SupervisorPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "supervisor_phase",
				Help:      "Current supervisor phase (1 for the active phase).",
			},
			[]string{"phase"},
		),
		SupervisorRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_restarts_total",
			Help:      "Worker restarts after an unexpected exit.",
		}),
		WorkerHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_healthy",
			Help:      "Whether the worker passed its last health check (1=yes, 0=no).",
		}),
		WorkerLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_output_lines_total",
				Help:      "Lines of worker output by stream.",
			},
			[]string{"stream"},
		),
		InlineUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inline_updates_total",
			Help:      "Metric updates extracted from worker output.",
		}),
		WorkerSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_sessions",
			Help:      "Current worker sessions.",
		}),
		WorkerUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_users",
			Help:      "Current worker users.",
		}),
		WorkerPoints: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_lifetime_points",
				Help:      "Lifetime points reported by the worker by kind (sync, wallet).",
			},
			[]string{"kind"},
		),
		WorkerTraffic: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_lifetime_traffic_bytes",
			Help:      "Lifetime traffic reported by the worker.",
		}),
		APIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Dashboard API requests by path.",
			},
			[]string{"path"},
		),
		ExportedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exported_records_total",
			Help:      "Records queued for HTTP forwarding.",
		}),
		ExportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_errors_total",
			Help:      "Records that could not be queued for forwarding.",
		}),
	}

	reg.MustRegister(
		h.CollectionsTotal,
		h.CollectionDuration,
		h.DiscoveryErrors,
		h.CacheRequests,
	)

	reg.MustRegister(
		h.SupervisorPhase,
		h.SupervisorRestarts,
		h.WorkerHealthy,
		h.WorkerLines,
		h.InlineUpdates,
	)

	reg.MustRegister(
		h.WorkerSessions,
		h.WorkerUsers,
		h.WorkerPoints,
		h.WorkerTraffic,
		h.APIRequests,
		h.ExportedRecords,
		h.ExportErrors,
	)

	return h
}

// ObserveCollection counts one source outcome.
func (h *HealthMetrics) ObserveCollection(source, result string) {
	if h == nil {
		return
	}

	h.CollectionsTotal.WithLabelValues(source, result).Inc()
}

// ObserveCollectionDuration records the duration of a collection attempt.
func (h *HealthMetrics) ObserveCollectionDuration(seconds float64) {
	if h == nil {
		return
	}

	h.CollectionDuration.Observe(seconds)
}

// ObserveDiscoveryError counts a failed inspection command.
func (h *HealthMetrics) ObserveDiscoveryError(command string) {
	if h == nil {
		return
	}

	h.DiscoveryErrors.WithLabelValues(command).Inc()
}

// ObserveCache counts one cache lookup outcome.
func (h *HealthMetrics) ObserveCache(result string) {
	if h == nil {
		return
	}

	h.CacheRequests.WithLabelValues(result).Inc()
}

// SetPhase marks phase as the only active supervisor phase.
func (h *HealthMetrics) SetPhase(phase string, all []string) {
	if h == nil {
		return
	}

	for _, p := range all {
		v := 0.0
		if p == phase {
			v = 1
		}

		h.SupervisorPhase.WithLabelValues(p).Set(v)
	}
}

// ObserveRestart counts a worker restart.
func (h *HealthMetrics) ObserveRestart() {
	if h == nil {
		return
	}

	h.SupervisorRestarts.Inc()
}

// SetHealthy records the result of a health check.
func (h *HealthMetrics) SetHealthy(healthy bool) {
	if h == nil {
		return
	}

	if healthy {
		h.WorkerHealthy.Set(1)
	} else {
		h.WorkerHealthy.Set(0)
	}
}

// ObserveLine counts one line of worker output.
func (h *HealthMetrics) ObserveLine(stream string) {
	if h == nil {
		return
	}

	h.WorkerLines.WithLabelValues(stream).Inc()
}

// ObserveInlineUpdate counts an update parsed from worker output.
func (h *HealthMetrics) ObserveInlineUpdate() {
	if h == nil {
		return
	}

	h.InlineUpdates.Inc()
}

// SetWorkerTelemetry mirrors the worker's current counters.
func (h *HealthMetrics) SetWorkerTelemetry(
	sessions, users, syncPoints, walletPoints, traffic uint64,
) {
	if h == nil {
		return
	}

	h.WorkerSessions.Set(float64(sessions))
	h.WorkerUsers.Set(float64(users))
	h.WorkerPoints.WithLabelValues("sync").Set(float64(syncPoints))
	h.WorkerPoints.WithLabelValues("wallet").Set(float64(walletPoints))
	h.WorkerTraffic.Set(float64(traffic))
}

// ObserveAPIRequest counts a dashboard API request.
func (h *HealthMetrics) ObserveAPIRequest(path string) {
	if h == nil {
		return
	}

	h.APIRequests.WithLabelValues(path).Inc()
}

// ObserveExport counts a forwarding attempt.
func (h *HealthMetrics) ObserveExport(err error) {
	if h == nil {
		return
	}

	if err != nil {
		h.ExportErrors.Inc()

		return
	}

	h.ExportedRecords.Inc()
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9091"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h == nil || h.server == nil {
		return nil
	}

	return h.server.Close()
}
