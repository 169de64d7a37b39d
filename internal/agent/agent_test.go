package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/syncwatch/internal/api"
	"github.com/ethpandaops/syncwatch/internal/supervisor"
	"github.com/ethpandaops/syncwatch/internal/telemetry"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Health.Addr = "127.0.0.1:0"
	cfg.API.Addr = "127.0.0.1:0"
	cfg.Worker.SyncName = "sync-test"
	cfg.Worker.WalletAddress = "0x1234567890abcdef"

	return cfg
}

func TestAgent_StartsWithoutCredentials(t *testing.T) {
	a, err := New(testLog(), testConfig(), Options{})
	require.NoError(t, err)

	require.NoError(t, a.Start(t.Context()))

	impl := a.(*agent)

	resp, err := http.Get(fmt.Sprintf("http://%s/api/status", impl.api.Addr()))
	require.NoError(t, err)

	var status telemetry.StatusView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()

	assert.Equal(t, "sync-test", status.SyncName)
	assert.False(t, status.Online)
	assert.Equal(t, "STOPPED", status.Phase)

	resp, err = http.Get(fmt.Sprintf("http://%s/healthz", impl.health.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NoError(t, a.Stop())
}

func TestAgent_ForwarderOnlyWhenEnabled(t *testing.T) {
	a, err := New(testLog(), testConfig(), Options{})
	require.NoError(t, err)
	assert.Nil(t, a.(*agent).forwarder)

	cfg := testConfig()
	cfg.Export.Enabled = true
	cfg.Export.Address = "http://127.0.0.1:1/ingest"

	a, err = New(testLog(), cfg, Options{})
	require.NoError(t, err)
	assert.NotNil(t, a.(*agent).forwarder)
}

func TestConfigView_MasksSecrets(t *testing.T) {
	cfg := testConfig()
	cfg.Worker.APIKey = "secret-api-key"
	cfg.Source = "/etc/syncwatch.yaml"

	view := configView(cfg)

	assert.Equal(t, api.ConfigView{
		SyncName:      "sync-test",
		WalletAddress: "0x123456...",
		APIKey:        "secr...",
		DepinEndpoint: "wss://api.multisynq.io/depin",
		Environment:   "production",
		ConfigSource:  "/etc/syncwatch.yaml",
	}, view)
}

// blockingProcess runs until it is signalled.
type blockingProcess struct {
	out  *io.PipeReader
	outW *io.PipeWriter
	err  *io.PipeReader
	errW *io.PipeWriter
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	signals []os.Signal
}

func newBlockingProcess() *blockingProcess {
	p := &blockingProcess{done: make(chan struct{})}
	p.out, p.outW = io.Pipe()
	p.err, p.errW = io.Pipe()

	return p
}

func (p *blockingProcess) Pid() int          { return 4242 }
func (p *blockingProcess) Stdout() io.Reader { return p.out }
func (p *blockingProcess) Stderr() io.Reader { return p.err }

func (p *blockingProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *blockingProcess) Wait() (int, error) {
	<-p.done

	return -1, nil
}

func (p *blockingProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()

	p.once.Do(func() {
		p.outW.Close()
		p.errW.Close()
		close(p.done)
	})

	return nil
}

func (p *blockingProcess) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]os.Signal(nil), p.signals...)
}

type singleLauncher struct {
	proc *blockingProcess
}

func (l *singleLauncher) Launch(_ string, _ []string) (supervisor.Process, error) {
	return l.proc, nil
}

func TestAgent_FailedStartStopsWorker(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { busy.Close() })

	cfg := testConfig()
	cfg.API.Addr = busy.Addr().String()
	cfg.Worker.APIKey = "key"

	proc := newBlockingProcess()

	a, err := New(testLog(), cfg, Options{Launcher: &singleLauncher{proc: proc}})
	require.NoError(t, err)

	err = a.Start(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting api server")

	assert.Equal(t, []os.Signal{syscall.SIGTERM}, proc.Signals())
	assert.False(t, proc.Alive())

	impl := a.(*agent)
	assert.Equal(t, supervisor.PhaseStopped, impl.worker.State().Phase)

	_, err = http.Get(fmt.Sprintf("http://%s/healthz", impl.health.Addr()))
	assert.Error(t, err, "health server is shut down")
}
