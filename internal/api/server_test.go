package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/syncwatch/internal/metrics"
	"github.com/ethpandaops/syncwatch/internal/telemetry"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

type fakeViews struct {
	deadline bool
}

func (f *fakeViews) StatusView() telemetry.StatusView {
	return telemetry.StatusView{Online: true, SyncName: "sync-1"}
}

func (f *fakeViews) MetricsView() telemetry.MetricsView {
	return telemetry.MetricsView{
		Sessions:             3,
		ProxyConnectionState: metrics.StateConnected,
	}
}

func (f *fakeViews) PerformanceView(ctx context.Context) telemetry.PerformanceView {
	_, f.deadline = ctx.Deadline()

	return telemetry.PerformanceView{QoS: telemetry.QoS{Score: 100}}
}

func (f *fakeViews) PointsView(_ context.Context) telemetry.PointsView {
	return telemetry.PointsView{
		Error:    "Synchronizer container not running - start it first",
		Fallback: true,
	}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *fakeViews) {
	t.Helper()

	views := &fakeViews{}

	s, err := NewServer(testLog(), cfg, views, ConfigView{
		SyncName:      "sync-1",
		WalletAddress: Mask("0x1234567890abcdef", 8),
		APIKey:        Mask("secret-key", 4),
	}, nil)
	require.NoError(t, err)

	return s, views
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestEndpoints(t *testing.T) {
	s, views := newTestServer(t, DefaultConfig())

	tests := []struct {
		path string
		want string
	}{
		{path: "/api/status", want: `"online":true`},
		{path: "/api/metrics", want: `"proxyConnectionState":"CONNECTED"`},
		{path: "/api/performance", want: `"score":100`},
		{path: "/api/points", want: `"fallback":true`},
		{path: "/api/config", want: `"walletAddress":"0x123456..."`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, s.Handler(), tt.path)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}

	assert.True(t, views.deadline, "collection work runs under the request timeout")
}

func TestPreflight(t *testing.T) {
	s, _ := newTestServer(t, DefaultConfig())

	req := httptest.NewRequest(http.MethodOptions, "/api/points", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "GET, POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", rec.Header().Get("Access-Control-Allow-Headers"))
}

func TestGzipResponses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GzipMinSize = 0

	s, _ := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)

	body, err := io.ReadAll(zr)
	require.NoError(t, err)

	var view telemetry.StatusView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "sync-1", view.SyncName)
}

func TestStaticDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>dash</html>"), 0o600))

	cfg := DefaultConfig()
	cfg.StaticDir = dir

	s, _ := newTestServer(t, cfg)

	rec := get(t, s.Handler(), "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dash")
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"

	s, _ := newTestServer(t, cfg)
	require.NoError(t, s.Start(context.Background()))

	resp, err := http.Get(fmt.Sprintf("http://%s/api/metrics", s.Addr()))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, s.Stop(ctx))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "0xabcdef...", Mask("0xabcdef0123", 8))
	assert.Equal(t, "0xab...", Mask("0xab", 8))
	assert.Equal(t, "", Mask("", 8))
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.RequestTimeout = 0
	assert.Error(t, cfg.Validate())
}
