package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpexport "github.com/ethpandaops/syncwatch/internal/export/http"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":9091", cfg.Health.Addr)
	assert.Equal(t, ":8099", cfg.API.Addr)
	assert.Equal(t, 60*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "defaults", cfg.Source)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	t.Setenv(EnvSyncName, "")
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvWalletAddress, "")
	t.Setenv(EnvDepinEndpoint, "")

	yaml := `
log_level: debug
worker:
  sync_name: edge-1
  api_key: key-123
  wallet_address: "0xabc"
  restart_delay: 2s
collector:
  instance_names:
    - synq-a
  metrics_port: 9191
cache:
  ttl: 15s
  cooldown: 45s
dashboard:
  view_ttl: 10s
api:
  addr: ":8100"
health:
  addr: ":9092"
export:
  enabled: true
  address: "http://vector:8686/ingest"
  compression: zstd
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "edge-1", cfg.Worker.SyncName)
	assert.Equal(t, 2*time.Second, cfg.Worker.RestartDelay)
	assert.Equal(t, 60*time.Second, cfg.Worker.HeartbeatTimeout, "unset fields keep defaults")
	assert.Equal(t, []string{"synq-a"}, cfg.Collector.InstanceNames)
	assert.Equal(t, 9191, cfg.Collector.MetricsPort)
	assert.Equal(t, 15*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 45*time.Second, cfg.Cache.Cooldown)
	assert.Equal(t, 10*time.Second, cfg.Dashboard.ViewTTL)
	assert.Equal(t, ":8100", cfg.API.Addr)
	assert.Equal(t, ":9092", cfg.Health.Addr)
	assert.True(t, cfg.Export.Enabled)
	assert.Equal(t, httpexport.CompressionZstd, cfg.Export.Compression)
	assert.Equal(t, path, cfg.Source)
}

func TestLoadConfig_NoPathUsesDefaults(t *testing.T) {
	t.Setenv(EnvSyncName, "from-env")
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvWalletAddress, "")
	t.Setenv(EnvDepinEndpoint, "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Worker.SyncName)
	assert.Equal(t, "defaults+env", cfg.Source)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	// Use a tab character at the start which is invalid YAML indentation.
	require.NoError(t, os.WriteFile(path, []byte("\t- bad"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvAPIKey:        "env-key",
		EnvWalletAddress: "0xenv",
		EnvDepinEndpoint: "",
	}

	cfg := DefaultConfig()
	cfg.Worker.APIKey = "file-key"
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "env-key", cfg.Worker.APIKey)
	assert.Equal(t, "0xenv", cfg.Worker.WalletAddress)
	assert.Equal(t, "wss://api.multisynq.io/depin", cfg.Worker.DepinEndpoint, "empty values are ignored")
	assert.Equal(t, "defaults+env", cfg.Source)
}

func TestApplySyncNameFiles(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.txt")
	named := filepath.Join(dir, "name.txt")

	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o644))
	require.NoError(t, os.WriteFile(named, []byte("synq-from-file\n"), 0o644))

	cfg := DefaultConfig()
	cfg.ApplySyncNameFiles([]string{filepath.Join(dir, "missing.txt"), empty, named})
	assert.Equal(t, "synq-from-file", cfg.Worker.SyncName)

	cfg = DefaultConfig()
	cfg.Worker.SyncName = "configured"
	cfg.ApplySyncNameFiles([]string{named})
	assert.Equal(t, "configured", cfg.Worker.SyncName)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, errMsg: "log_level"},
		{name: "no health addr", mutate: func(c *Config) { c.Health.Addr = "" }, errMsg: "health.addr"},
		{name: "worker", mutate: func(c *Config) { c.Worker.RestartDelay = 0 }, errMsg: "worker.restart_delay"},
		{name: "collector", mutate: func(c *Config) {
			c.Collector.InstanceNames = []string{"a", "b", "c"}
		}, errMsg: "collector.instance_names"},
		{name: "cache", mutate: func(c *Config) { c.Cache.TTL = -time.Second }, errMsg: "cache.ttl"},
		{name: "dashboard", mutate: func(c *Config) { c.Dashboard.RefreshInterval = 0 }, errMsg: "dashboard.refresh_interval"},
		{name: "api", mutate: func(c *Config) { c.API.Addr = "" }, errMsg: "api.addr"},
		{name: "export", mutate: func(c *Config) { c.Export.Enabled = true }, errMsg: "export.address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
