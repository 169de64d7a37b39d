package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/syncwatch/internal/export"
)

// Runner executes external commands. Implementations must honour the
// context deadline.
type Runner interface {
	// Output returns the command's stdout.
	Output(ctx context.Context, name string, args ...string) (string, error)
	// CombinedOutput returns stdout and stderr interleaved.
	CombinedOutput(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

var _ Runner = ExecRunner{}

func (ExecRunner) Output(
	ctx context.Context,
	name string,
	args ...string,
) (string, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", commandError(ctx, name, args, err, stderr.String())
	}

	return stdout.String(), nil
}

func (ExecRunner) CombinedOutput(
	ctx context.Context,
	name string,
	args ...string,
) (string, error) {
	var out bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return "", commandError(ctx, name, args, err, "")
	}

	return out.String(), nil
}

func commandError(
	ctx context.Context,
	name string,
	args []string,
	err error,
	stderr string,
) error {
	sub := ""
	if len(args) > 0 {
		sub = " " + args[0]
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s%s timed out: %w", name, sub, ctx.Err())
	}

	if stderr = strings.TrimSpace(stderr); stderr != "" {
		return fmt.Errorf("running %s%s: %w: %s", name, sub, err, stderr)
	}

	return fmt.Errorf("running %s%s: %w", name, sub, err)
}

// Inspector wraps the container CLI queries used for discovery and
// log scraping. Every query runs under its own hard timeout.
type Inspector struct {
	log         logrus.FieldLogger
	runner      Runner
	binary      string
	timeout     time.Duration
	logsTimeout time.Duration
	health      *export.HealthMetrics
}

// NewInspector creates an Inspector from cfg.
func NewInspector(
	log logrus.FieldLogger,
	cfg Config,
	runner Runner,
	health *export.HealthMetrics,
) *Inspector {
	cfg.ApplyDefaults()

	if runner == nil {
		runner = ExecRunner{}
	}

	return &Inspector{
		log:         log.WithField("component", "inspector"),
		runner:      runner,
		binary:      cfg.ContainerBinary,
		timeout:     cfg.CommandTimeout,
		logsTimeout: cfg.LogsTimeout,
		health:      health,
	}
}

// FindRunning probes names in order and returns the first one with a
// running instance. At most MaxInstanceNames names are probed.
func (i *Inspector) FindRunning(
	ctx context.Context,
	names []string,
) (string, bool) {
	if len(names) > MaxInstanceNames {
		names = names[:MaxInstanceNames]
	}

	for _, name := range names {
		out, err := i.output(ctx, i.timeout,
			"ps", "--filter", "name="+name, "--format", "{{.Names}}",
		)
		if err != nil {
			i.health.ObserveDiscoveryError("ps")
			i.log.WithError(err).WithField("instance", name).
				Debug("Instance probe failed")

			continue
		}

		for _, line := range strings.Split(out, "\n") {
			if strings.TrimSpace(line) == name {
				return name, true
			}
		}
	}

	return "", false
}

// StartedAt returns when the named instance was started.
func (i *Inspector) StartedAt(
	ctx context.Context,
	name string,
) (time.Time, error) {
	out, err := i.output(ctx, i.timeout,
		"inspect", name, "--format", "{{.State.StartedAt}}",
	)
	if err != nil {
		i.health.ObserveDiscoveryError("inspect")

		return time.Time{}, err
	}

	raw := strings.TrimSpace(out)

	started, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing start time %q: %w", raw, err)
	}

	return started, nil
}

// IPAddress returns the instance's first network address, or
// "localhost" when it cannot be determined.
func (i *Inspector) IPAddress(ctx context.Context, name string) string {
	out, err := i.output(ctx, i.timeout,
		"inspect", name,
		"--format", "{{range .NetworkSettings.Networks}}{{.IPAddress}} {{end}}",
	)
	if err != nil {
		i.health.ObserveDiscoveryError("inspect")
		i.log.WithError(err).WithField("instance", name).
			Debug("Address lookup failed, using localhost")

		return "localhost"
	}

	for _, field := range strings.Fields(out) {
		if field != "<no value>" {
			return field
		}
	}

	return "localhost"
}

// Logs returns the last tail lines of the instance's output.
func (i *Inspector) Logs(
	ctx context.Context,
	name string,
	tail int,
) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, i.logsTimeout)
	defer cancel()

	out, err := i.runner.CombinedOutput(ctx, i.binary,
		"logs", name, "--tail", fmt.Sprintf("%d", tail),
	)
	if err != nil {
		i.health.ObserveDiscoveryError("logs")

		return nil, err
	}

	return strings.Split(strings.TrimRight(out, "\n"), "\n"), nil
}

func (i *Inspector) output(
	ctx context.Context,
	timeout time.Duration,
	args ...string,
) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return i.runner.Output(ctx, i.binary, args...)
}
