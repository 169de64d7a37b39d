package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/syncwatch/internal/export"
	"github.com/ethpandaops/syncwatch/internal/telemetry"
)

// Config configures the dashboard API.
type Config struct {
	// Addr is the listen address. Defaults to ":8099".
	Addr string `yaml:"addr"`

	// RequestTimeout bounds collection work done on behalf of one
	// request. Defaults to 20s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// GzipMinSize is the smallest response body that is compressed.
	// Defaults to 1024 bytes.
	GzipMinSize int `yaml:"gzip_min_size"`

	// StaticDir, when set, serves dashboard assets from this directory.
	StaticDir string `yaml:"static_dir"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8099",
		RequestTimeout: 20 * time.Second,
		GzipMinSize:    1024,
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("api.addr is required")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("api.request_timeout must be positive")
	}

	if c.GzipMinSize < 0 {
		return fmt.Errorf("api.gzip_min_size must not be negative")
	}

	return nil
}

// Views builds the dashboard payloads.
type Views interface {
	StatusView() telemetry.StatusView
	MetricsView() telemetry.MetricsView
	PerformanceView(ctx context.Context) telemetry.PerformanceView
	PointsView(ctx context.Context) telemetry.PointsView
}

// ConfigView is the operator-facing configuration summary. Secrets
// are masked.
type ConfigView struct {
	SyncName      string `json:"syncName"`
	WalletAddress string `json:"walletAddress"`
	APIKey        string `json:"apiKey"`
	DepinEndpoint string `json:"depinEndpoint"`
	Environment   string `json:"environment"`
	ConfigSource  string `json:"configSource"`
}

// Mask keeps the first keep characters of s and elides the rest.
func Mask(s string, keep int) string {
	if s == "" {
		return ""
	}

	r := []rune(s)
	if len(r) > keep {
		r = r[:keep]
	}

	return string(r) + "..."
}

// Server serves the dashboard API.
type Server struct {
	log      logrus.FieldLogger
	cfg      Config
	views    Views
	config   ConfigView
	health   *export.HealthMetrics
	handler  http.Handler
	server   *http.Server
	listener net.Listener
}

// NewServer creates a Server.
func NewServer(
	log logrus.FieldLogger,
	cfg Config,
	views Views,
	config ConfigView,
	health *export.HealthMetrics,
) (*Server, error) {
	s := &Server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		views:  views,
		config: config,
		health: health,
	}

	if s.cfg.RequestTimeout <= 0 {
		s.cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/performance", s.handlePerformance)
	mux.HandleFunc("GET /api/points", s.handlePoints)
	mux.HandleFunc("GET /api/config", s.handleConfig)

	if cfg.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	gzip, err := gzhttp.NewWrapper(gzhttp.MinSize(cfg.GzipMinSize))
	if err != nil {
		return nil, fmt.Errorf("creating gzip wrapper: %w", err)
	}

	s.handler = cors(gzip(mux))

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving the API.
func (s *Server) Start(_ context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.RequestTimeout + 10*time.Second,
	}

	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("Dashboard API started")

		if err := s.server.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Dashboard API error")
		}
	}()

	return nil
}

// Addr returns the actual listener address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.cfg.Addr
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.health.ObserveAPIRequest(r.URL.Path)
	s.writeJSON(w, s.views.StatusView())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.health.ObserveAPIRequest(r.URL.Path)
	s.writeJSON(w, s.views.MetricsView())
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	s.health.ObserveAPIRequest(r.URL.Path)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	s.writeJSON(w, s.views.PerformanceView(ctx))
}

func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	s.health.ObserveAPIRequest(r.URL.Path)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	s.writeJSON(w, s.views.PointsView(ctx))
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.health.ObserveAPIRequest(r.URL.Path)
	s.writeJSON(w, s.config)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Debug("Failed to write response")
	}
}

// cors allows any origin and answers preflight requests directly.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)

			return
		}

		next.ServeHTTP(w, r)
	})
}
