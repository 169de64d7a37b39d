package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Process is a running worker.
type Process interface {
	// Pid returns the OS process id.
	Pid() int
	// Stdout and Stderr stream the worker's output until it exits.
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the worker exits and returns its exit code.
	// Callers must drain Stdout and Stderr first.
	Wait() (int, error)
	// Signal delivers sig to the worker.
	Signal(sig os.Signal) error
	// Alive reports whether the OS still knows the process.
	Alive() bool
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(name string, args []string) (Process, error)
}

// ExecLauncher starts workers as child processes inheriting the
// current environment.
type ExecLauncher struct{}

var _ Launcher = ExecLauncher{}

func (ExecLauncher) Launch(name string, args []string) (Process, error) {
	cmd := exec.Command(name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	return &execProcess{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *execProcess) Stderr() io.Reader {
	return p.stderr
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// ExitCode is -1 when the worker was killed by a signal.
		return exitErr.ExitCode(), nil
	}

	return -1, fmt.Errorf("waiting for worker: %w", err)
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Alive() bool {
	return processAlive(p.Pid())
}

// processAlive probes pid with signal 0. EPERM means the process
// exists but belongs to someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := unix.Kill(pid, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}
