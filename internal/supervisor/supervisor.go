package supervisor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/syncwatch/internal/export"
)

// Phase is the lifecycle phase of the worker.
type Phase string

const (
	PhaseStopped  Phase = "STOPPED"
	PhaseStarting Phase = "STARTING"
	PhaseRunning  Phase = "RUNNING"
	PhaseCrashed  Phase = "CRASHED"
)

var allPhases = []string{
	string(PhaseStopped),
	string(PhaseStarting),
	string(PhaseRunning),
	string(PhaseCrashed),
}

// Stream names a worker output stream.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// maxLineSize bounds a single line of worker output.
const maxLineSize = 1 << 20

// ErrMissingCredentials is returned by Start when the API key or the
// wallet address is not configured.
var ErrMissingCredentials = errors.New("missing API key or wallet address")

// LineHandler receives every non-empty line of worker output.
// Handlers may be called concurrently for different streams.
type LineHandler func(stream Stream, line string)

// State is a point-in-time view of the supervisor.
type State struct {
	Phase         Phase
	PID           int
	Healthy       bool
	LastHeartbeat time.Time
	StartedAt     time.Time
	Restarts      int
}

// Supervisor keeps one worker process running.
type Supervisor interface {
	// OnLine registers a handler for worker output. Register before Start.
	OnLine(handler LineHandler)
	// Start launches the worker and the health check loop.
	Start(ctx context.Context) error
	// Stop disables restarts and delivers sig to the worker, waiting
	// for it to exit.
	Stop(sig os.Signal) error
	// IsHealthy reports the result of the latest health evaluation.
	IsHealthy() bool
	// State returns a snapshot of the supervisor.
	State() State
}

type supervisor struct {
	log      logrus.FieldLogger
	cfg      Config
	launcher Launcher
	health   *export.HealthMetrics
	now      func() time.Time

	mu            sync.Mutex
	phase         Phase
	proc          Process
	healthy       bool
	lastHeartbeat time.Time
	startedAt     time.Time
	restarts      int
	stopping      bool
	restartTimer  *time.Timer
	handlers      []LineHandler
	cancel        context.CancelFunc

	credsOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Supervisor. A nil launcher uses ExecLauncher.
func New(
	log logrus.FieldLogger,
	cfg Config,
	launcher Launcher,
	health *export.HealthMetrics,
) Supervisor {
	if launcher == nil {
		launcher = ExecLauncher{}
	}

	return &supervisor{
		log:      log.WithField("component", "supervisor"),
		cfg:      cfg,
		launcher: launcher,
		health:   health,
		now:      time.Now,
		phase:    PhaseStopped,
	}
}

func (s *supervisor) OnLine(handler LineHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers = append(s.handlers, handler)
}

func (s *supervisor) Start(ctx context.Context) error {
	if !s.cfg.HasCredentials() {
		s.credsOnce.Do(func() {
			s.log.Error("Missing API key or wallet address, worker not started")
		})

		return ErrMissingCredentials
	}

	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.stopping = false
	s.wg.Add(1)
	s.mu.Unlock()

	go s.healthLoop(ctx)

	s.log.WithFields(logrus.Fields{
		"sync_name": s.cfg.SyncName,
		"runtime":   s.cfg.Runtime,
		"wrapper":   s.cfg.WrapperPath,
		"endpoint":  s.cfg.DepinEndpoint,
	}).Info("Starting worker supervision")

	s.launch()

	return nil
}

func (s *supervisor) Stop(sig os.Signal) error {
	s.mu.Lock()
	s.stopping = true

	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}

	proc := s.proc
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error

	if proc != nil {
		s.log.WithField("signal", sig.String()).Info("Stopping worker")

		if sigErr := proc.Signal(sig); sigErr != nil &&
			!errors.Is(sigErr, os.ErrProcessDone) {
			err = sigErr
		}
	}

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	killTimeout := s.cfg.KillTimeout
	if killTimeout <= 0 {
		killTimeout = DefaultConfig().KillTimeout
	}

	select {
	case <-done:
	case <-time.After(killTimeout):
		if proc != nil {
			s.log.Warn("Worker did not exit in time, killing it")

			_ = proc.Signal(os.Kill)
		}

		select {
		case <-done:
		case <-time.After(killTimeout):
			err = errors.Join(err, errors.New("worker did not exit after kill"))
		}
	}

	s.mu.Lock()
	s.setPhase(PhaseStopped)
	s.mu.Unlock()

	return err
}

func (s *supervisor) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.healthy
}

func (s *supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Phase:         s.phase,
		Healthy:       s.healthy,
		LastHeartbeat: s.lastHeartbeat,
		StartedAt:     s.startedAt,
		Restarts:      s.restarts,
	}

	if s.proc != nil {
		st.PID = s.proc.Pid()
	}

	return st
}

// launch spawns one worker. A launch failure is handled as a crash.
func (s *supervisor) launch() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()

		return
	}

	s.setPhase(PhaseStarting)
	s.mu.Unlock()

	proc, err := s.launcher.Launch(s.cfg.Runtime, s.cfg.Args())
	if err != nil {
		s.log.WithError(err).Error("Failed to launch worker")
		s.handleExit(nil, -1)

		return
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()

		// Stop raced the launch. Reap the worker without tracking it.
		_ = proc.Signal(os.Kill)

		go func() {
			_, _ = io.Copy(io.Discard, proc.Stdout())
			_, _ = io.Copy(io.Discard, proc.Stderr())
			_, _ = proc.Wait()
		}()

		return
	}

	now := s.now()
	s.proc = proc
	s.startedAt = now
	s.lastHeartbeat = now
	s.healthy = true
	s.setPhase(PhaseRunning)
	s.wg.Add(1)
	s.mu.Unlock()

	s.health.SetHealthy(true)
	s.log.WithField("pid", proc.Pid()).Info("Worker started")

	go s.watch(proc)
}

// watch forwards the worker's output and reports its exit.
func (s *supervisor) watch(proc Process) {
	defer s.wg.Done()

	var streams sync.WaitGroup

	streams.Add(2)

	go s.scan(&streams, StreamStdout, proc.Stdout())
	go s.scan(&streams, StreamStderr, proc.Stderr())

	streams.Wait()

	code, err := proc.Wait()
	if err != nil {
		s.log.WithError(err).Warn("Error waiting for worker")
	}

	s.handleExit(proc, code)
}

func (s *supervisor) scan(wg *sync.WaitGroup, stream Stream, r io.Reader) {
	defer wg.Done()

	log := s.log.WithField("stream", stream)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		s.mu.Lock()
		s.lastHeartbeat = s.now()
		handlers := s.handlers
		s.mu.Unlock()

		s.health.ObserveLine(string(stream))

		if stream == StreamStderr {
			log.Warn(line)
		} else {
			log.Info(line)
		}

		for _, h := range handlers {
			h(stream, line)
		}
	}

	if err := scanner.Err(); err != nil {
		log.WithError(err).Warn("Stopped reading worker output")

		// Keep the pipe drained so the worker never blocks on a write.
		_, _ = io.Copy(io.Discard, r)
	}
}

func (s *supervisor) handleExit(proc Process, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == proc {
		s.proc = nil
	}

	s.healthy = false
	s.health.SetHealthy(false)

	log := s.log.WithField("exit_code", code)

	if code == 0 || s.stopping {
		log.Info("Worker exited")
		s.setPhase(PhaseStopped)

		return
	}

	log.WithField("restart_in", s.cfg.RestartDelay).Warn("Worker crashed")
	s.setPhase(PhaseCrashed)

	s.restartTimer = time.AfterFunc(s.cfg.RestartDelay, s.restart)
}

func (s *supervisor) restart() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()

		return
	}

	s.restartTimer = nil
	s.restarts++
	s.mu.Unlock()

	s.health.ObserveRestart()
	s.log.Info("Restarting worker")

	s.launch()
}

func (s *supervisor) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth()
		}
	}
}

// checkHealth marks the worker healthy when it is alive and produced
// output within the heartbeat timeout.
func (s *supervisor) checkHealth() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.proc == nil:
		s.healthy = false
	case !s.proc.Alive():
		s.log.WithField("pid", s.proc.Pid()).Warn("Worker process is gone")
		s.healthy = false
		s.proc = nil
	default:
		s.healthy = s.now().Sub(s.lastHeartbeat) < s.cfg.HeartbeatTimeout
	}

	s.health.SetHealthy(s.healthy)
}

// setPhase must be called with mu held.
func (s *supervisor) setPhase(p Phase) {
	if s.phase != p {
		s.log.WithFields(logrus.Fields{
			"from": s.phase,
			"to":   p,
		}).Debug("Phase transition")
	}

	s.phase = p
	s.health.SetPhase(string(p), allPhases)
}
