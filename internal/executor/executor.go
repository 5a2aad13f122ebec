package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const defaultPollInterval = 500 * time.Millisecond

// ErrProcessGone is returned by Attach when the pid no longer names a live process.
var ErrProcessGone = errors.New("process is not running")

// SpawnError reports that a step's process could not be created at all.
type SpawnError struct {
	Command []string
	Err     error
}

func (e *SpawnError) Error() string {
	name := ""
	if len(e.Command) > 0 {
		name = e.Command[0]
	}
	return fmt.Sprintf("failed to start %q: %v", name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitStatus describes how a process ended. Known is false for processes
// that were attached by pid, whose exit code cannot be observed.
type ExitStatus struct {
	Code       int    `json:"code"`
	Signal     string `json:"signal,omitempty"`
	Signaled   bool   `json:"signaled"`
	Terminated bool   `json:"terminated"`
	Known      bool   `json:"known"`
}

func (s ExitStatus) Success() bool {
	return s.Known && !s.Signaled && s.Code == 0
}

func (s ExitStatus) String() string {
	switch {
	case !s.Known:
		return "exit status unknown"
	case s.Signaled:
		return "killed by " + s.Signal
	default:
		return fmt.Sprintf("exit code %d", s.Code)
	}
}

// Process is a running external command, either started here or attached by pid.
type Process interface {
	Pid() int
	// Wait blocks until the process exits or ctx is done. Cancelling ctx
	// does not touch the process.
	Wait(ctx context.Context) (ExitStatus, error)
	// Terminate asks the process group to exit (SIGTERM).
	Terminate() error
	// Kill forces the process group down (SIGKILL).
	Kill() error
}

// Runner starts step commands from a fixed working directory.
type Runner struct {
	Dir string
	Env []string
	// PollInterval is how often an attached process is checked for liveness.
	PollInterval time.Duration
}

func NewRunner(dir string) *Runner {
	return &Runner{Dir: dir, PollInterval: defaultPollInterval}
}

// Start spawns command with its stdout and stderr appended to logPath. The
// child gets its own process group.
func (r *Runner) Start(command []string, logPath string) (Process, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, &SpawnError{Command: command, Err: errors.New("empty command")}
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &SpawnError{Command: command, Err: fmt.Errorf("open log: %w", err)}
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = r.Dir
	cmd.Env = append(append(os.Environ(), r.Env...), "PYTHONUNBUFFERED=1")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureProcess(cmd)
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, &SpawnError{Command: command, Err: err}
	}

	p := &child{cmd: cmd, done: make(chan struct{})}
	go func() {
		werr := cmd.Wait()
		_ = logFile.Close()
		var exitErr *exec.ExitError
		if werr == nil || errors.As(werr, &exitErr) {
			p.status = exitStatusOf(cmd.ProcessState)
		} else {
			p.err = werr
		}
		close(p.done)
	}()
	return p, nil
}

// Attach returns a handle for a process this instance did not start.
func (r *Runner) Attach(pid int) (Process, error) {
	if !Alive(pid) {
		return nil, fmt.Errorf("attach pid %d: %w", pid, ErrProcessGone)
	}
	interval := r.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &attached{pid: pid, interval: interval}, nil
}

func (r *Runner) Alive(pid int) bool { return Alive(pid) }

type child struct {
	cmd    *exec.Cmd
	done   chan struct{}
	status ExitStatus
	err    error
}

func (p *child) Pid() int { return p.cmd.Process.Pid }

func (p *child) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		return p.status, p.err
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (p *child) Terminate() error { return terminateGroup(p.Pid()) }

func (p *child) Kill() error { return killGroup(p.Pid()) }

type attached struct {
	pid      int
	interval time.Duration
}

func (p *attached) Pid() int { return p.pid }

func (p *attached) Wait(ctx context.Context) (ExitStatus, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if !Alive(p.pid) {
			return ExitStatus{Code: -1}, nil
		}
		select {
		case <-ctx.Done():
			return ExitStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *attached) Terminate() error { return terminateGroup(p.pid) }

func (p *attached) Kill() error { return killGroup(p.pid) }
