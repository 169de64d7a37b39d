// Package http forwards collected telemetry records to an HTTP
// collector as batched NDJSON.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/syncwatch/internal/export"
	"github.com/ethpandaops/syncwatch/internal/metrics"
	"github.com/ethpandaops/syncwatch/internal/version"
)

// Envelope is one forwarded record with its origin.
type Envelope struct {
	metrics.Record

	SyncName    string            `json:"syncName,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	CollectedAt time.Time         `json:"collectedAt"`
	Agent       string            `json:"agent"`
}

// exporter posts batches of envelopes as NDJSON.
type exporter struct {
	log    logrus.FieldLogger
	cfg    Config
	client *http.Client
	codec  codec
}

var _ processor.ItemExporter[Envelope] = (*exporter)(nil)

func newExporter(log logrus.FieldLogger, cfg Config) (*exporter, error) {
	c, err := codecFor(cfg.Compression)
	if err != nil {
		return nil, err
	}

	return &exporter{
		log: log,
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Workers * 2,
				MaxIdleConnsPerHost: cfg.Workers * 2,
				IdleConnTimeout:     90 * time.Second,
				DisableKeepAlives:   !cfg.keepAlive(),
			},
			Timeout: cfg.ExportTimeout,
		},
		codec: c,
	}, nil
}

func (e *exporter) ExportItems(ctx context.Context, items []*Envelope) error {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	count := 0

	for _, item := range items {
		if item == nil {
			continue
		}

		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}

		count++
	}

	if count == 0 {
		return nil
	}

	body, err := e.codec.encode(buf.Bytes())
	if err != nil {
		return fmt.Errorf("compressing batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Address, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("User-Agent", version.UserAgent())

	if e.codec.encoding != "" {
		req.Header.Set("Content-Encoding", e.codec.encoding)
	}

	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending batch: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	e.log.WithFields(logrus.Fields{
		"records":    count,
		"bytes":      buf.Len(),
		"compressed": len(body),
	}).Debug("Forwarded batch")

	return nil
}

func (e *exporter) Shutdown(_ context.Context) error {
	e.client.CloseIdleConnections()

	return nil
}

// Forwarder queues collected records for batched export.
type Forwarder struct {
	log      logrus.FieldLogger
	syncName string
	labels   map[string]string
	health   *export.HealthMetrics
	proc     *processor.BatchItemProcessor[Envelope]
	now      func() time.Time
}

// NewForwarder creates a Forwarder. Call Start before Publish.
func NewForwarder(
	log logrus.FieldLogger,
	cfg Config,
	syncName string,
	health *export.HealthMetrics,
) (*Forwarder, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log = log.WithField("component", "forwarder")

	exp, err := newExporter(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	proc, err := processor.NewBatchItemProcessor[Envelope](
		exp,
		"snapshot_http",
		log,
		processor.WithMaxQueueSize(cfg.MaxQueueSize),
		processor.WithBatchTimeout(cfg.BatchTimeout),
		processor.WithExportTimeout(cfg.ExportTimeout),
		processor.WithMaxExportBatchSize(cfg.BatchSize),
		processor.WithWorkers(cfg.Workers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processor: %w", err)
	}

	return &Forwarder{
		log:      log,
		syncName: syncName,
		labels:   cfg.Labels,
		health:   health,
		proc:     proc,
		now:      time.Now,
	}, nil
}

// Start begins exporting queued records.
func (f *Forwarder) Start(ctx context.Context) {
	f.proc.Start(ctx)
}

// Publish queues rec for export. A full queue drops the record.
func (f *Forwarder) Publish(ctx context.Context, rec metrics.Record) {
	env := &Envelope{
		Record:      rec,
		SyncName:    f.syncName,
		Labels:      f.labels,
		CollectedAt: f.now().UTC(),
		Agent:       version.UserAgent(),
	}

	err := f.proc.Write(ctx, []*Envelope{env})
	f.health.ObserveExport(err)

	if err != nil {
		f.log.WithError(err).Debug("Record not queued for export")
	}
}

// Stop flushes queued records and stops exporting.
func (f *Forwarder) Stop(ctx context.Context) error {
	return f.proc.Shutdown(ctx)
}
