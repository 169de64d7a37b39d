package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/syncwatch/internal/metrics"
	"github.com/ethpandaops/syncwatch/internal/version"
)

// maxMetricsBody caps how much of a metrics response is read.
const maxMetricsBody = 1 << 20

// ErrNoData is returned by a Source that reached the instance but
// found nothing it recognises.
var ErrNoData = errors.New("no telemetry data")

// Instance identifies a running synchronizer instance.
type Instance struct {
	Name      string
	StartedAt time.Time
}

// Source retrieves a telemetry record from a running instance.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string
	// Fetch returns a record, ErrNoData, or a transport error.
	Fetch(ctx context.Context, inst Instance) (*metrics.Record, error)
}

// AddressResolver maps an instance name to a reachable host.
type AddressResolver interface {
	IPAddress(ctx context.Context, name string) string
}

// LogReader returns the tail of an instance's output.
type LogReader interface {
	Logs(ctx context.Context, name string, tail int) ([]string, error)
}

// HTTPSource reads the instance's Prometheus-style metrics endpoint.
type HTTPSource struct {
	log      logrus.FieldLogger
	resolver AddressResolver
	port     int
	path     string
	http     *http.Client
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource creates an HTTPSource from cfg.
func NewHTTPSource(
	log logrus.FieldLogger,
	cfg Config,
	resolver AddressResolver,
) *HTTPSource {
	cfg.ApplyDefaults()

	return &HTTPSource{
		log:      log.WithField("source", string(metrics.SourceHTTPMetrics)),
		resolver: resolver,
		port:     cfg.MetricsPort,
		path:     "/" + strings.TrimPrefix(cfg.MetricsPath, "/"),
		http: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
	}
}

func (s *HTTPSource) Name() string {
	return string(metrics.SourceHTTPMetrics)
}

func (s *HTTPSource) Fetch(
	ctx context.Context,
	inst Instance,
) (*metrics.Record, error) {
	host := s.resolver.IPAddress(ctx, inst.Name)
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(s.port)) + s.path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", url, err)
	}

	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request for %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMetricsBody))

		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetricsBody))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	rec := metrics.ParseExposition(string(body))
	if rec == nil {
		return nil, ErrNoData
	}

	return rec, nil
}

// LogSource scrapes the tail of the instance's output.
type LogSource struct {
	reader LogReader
	tail   int
}

var _ Source = (*LogSource)(nil)

// NewLogSource creates a LogSource reading tail lines.
func NewLogSource(reader LogReader, tail int) *LogSource {
	if tail <= 0 {
		tail = DefaultConfig().TailLines
	}

	return &LogSource{reader: reader, tail: tail}
}

func (s *LogSource) Name() string {
	return string(metrics.SourceLogParsing)
}

func (s *LogSource) Fetch(
	ctx context.Context,
	inst Instance,
) (*metrics.Record, error) {
	lines, err := s.reader.Logs(ctx, inst.Name, s.tail)
	if err != nil {
		return nil, fmt.Errorf("reading logs of %s: %w", inst.Name, err)
	}

	rec := metrics.ParseLogStats(lines)
	if rec == nil {
		return nil, ErrNoData
	}

	return rec, nil
}
