package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

func startHealth(t *testing.T) *HealthMetrics {
	t.Helper()

	h := NewHealthMetrics(testLog(), HealthConfig{
		Addr: "127.0.0.1:0",
	})

	ctx := context.Background()
	require.NoError(t, h.Start(ctx))

	t.Cleanup(func() {
		h.Stop()
	})

	// Give server a moment to start serving.
	time.Sleep(50 * time.Millisecond)

	return h
}

func scrape(t *testing.T, h *HealthMetrics) string {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", h.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return string(body)
}

func TestHealthMetrics_StartStop(t *testing.T) {
	h := startHealth(t)
	assert.True(t, h.running.Load())
	assert.NotEmpty(t, h.Addr())
}

func TestHealthMetrics_Helpers(t *testing.T) {
	h := startHealth(t)

	h.ObserveCollection("http_metrics", "ok")
	h.ObserveCollection("http_metrics", "ok")
	h.ObserveCollection("log_parsing", "no_data")
	h.ObserveCache("hit")
	h.ObserveRestart()
	h.SetHealthy(true)
	h.SetPhase("RUNNING", []string{"STOPPED", "RUNNING"})
	h.SetWorkerTelemetry(3, 7, 10, 42, 1000)
	h.ObserveExport(nil)
	h.ObserveExport(errors.New("queue full"))

	body := scrape(t, h)

	assert.Contains(t, body, `syncwatch_collections_total{result="ok",source="http_metrics"} 2`)
	assert.Contains(t, body, `syncwatch_collections_total{result="no_data",source="log_parsing"} 1`)
	assert.Contains(t, body, `syncwatch_cache_requests_total{result="hit"} 1`)
	assert.Contains(t, body, "syncwatch_supervisor_restarts_total 1")
	assert.Contains(t, body, "syncwatch_worker_healthy 1")
	assert.Contains(t, body, `syncwatch_supervisor_phase{phase="RUNNING"} 1`)
	assert.Contains(t, body, `syncwatch_supervisor_phase{phase="STOPPED"} 0`)
	assert.Contains(t, body, "syncwatch_worker_sessions 3")
	assert.Contains(t, body, `syncwatch_worker_lifetime_points{kind="wallet"} 42`)
	assert.Contains(t, body, "syncwatch_exported_records_total 1")
	assert.Contains(t, body, "syncwatch_export_errors_total 1")
}

func TestHealthMetrics_NilReceiver(t *testing.T) {
	var h *HealthMetrics

	assert.NotPanics(t, func() {
		h.ObserveCollection("x", "y")
		h.ObserveCache("hit")
		h.SetPhase("RUNNING", []string{"RUNNING"})
		h.SetHealthy(false)
		h.ObserveLine("stdout")
		h.ObserveExport(nil)
	})
	assert.NoError(t, h.Stop())
}

func TestHealthMetrics_HealthzResponse(t *testing.T) {
	h := startHealth(t)

	url := fmt.Sprintf("http://%s/healthz", h.Addr())

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestHealthMetrics_StopIdempotent(t *testing.T) {
	h := NewHealthMetrics(testLog(), HealthConfig{})

	assert.NoError(t, h.Stop())
	assert.NoError(t, h.Stop())
}

func TestHealthMetrics_AddrBeforeStart(t *testing.T) {
	h := NewHealthMetrics(testLog(), HealthConfig{
		Addr: ":9999",
	})

	assert.Equal(t, ":9999", h.Addr())
}
