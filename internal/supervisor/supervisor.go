package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"tuner/internal/executor"
	"tuner/internal/logger"
	"tuner/internal/metrics"
	"tuner/internal/pipeline"
	"tuner/internal/state"
	"tuner/internal/tailer"
)

const (
	DefaultLogFile   = "training.log"
	DefaultStopGrace = 30 * time.Second

	persistTimeout = 5 * time.Second
)

// Runner spawns step processes and re-attaches to ones left by a previous
// instance.
type Runner interface {
	Start(command []string, logPath string) (executor.Process, error)
	Attach(pid int) (executor.Process, error)
	Alive(pid int) bool
}

type Builder interface {
	Build(cfg pipeline.Config) ([]pipeline.Step, error)
}

// History records one row per run. It is optional.
type History interface {
	RunStarted(ctx context.Context, id string, steps []string, at time.Time) error
	RunFinished(ctx context.Context, id, status, errMsg string, at time.Time) error
}

type Options struct {
	Runner  Runner
	Store   state.Store
	Builder Builder
	History History
	Logger  *log.Logger

	LogPath       string
	LogCapacity   int
	BackfillLines int
	PollInterval  time.Duration
	StopGrace     time.Duration
}

// run is the per-pipeline part of the supervisor state.
type run struct {
	id      string
	tail    *tailer.Tailer
	tasks   *taskGroup
	metrics *metrics.RunMetrics
}

// Supervisor runs at most one pipeline at a time and keeps its Recovery
// Record current. All state below mu is only touched with mu held; methods
// ending in Locked expect the caller to hold it.
type Supervisor struct {
	runner  Runner
	store   state.Store
	builder Builder
	history History
	log     *log.Logger

	logPath       string
	logCapacity   int
	backfillLines int
	pollInterval  time.Duration
	stopGrace     time.Duration
	now           func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	saves      *persister

	mu            sync.Mutex
	closed        bool
	status        Status
	logs          *tailer.Buffer
	run           *run
	steps         []string
	stepIndex     int
	queue         []pipeline.Step
	current       string
	proc          executor.Process
	stopRequested bool
	lastErr       error
}

func New(opts Options) (*Supervisor, error) {
	if opts.Runner == nil {
		return nil, errors.New("supervisor: runner is required")
	}
	if opts.Store == nil {
		return nil, errors.New("supervisor: state store is required")
	}
	if opts.Builder == nil {
		return nil, errors.New("supervisor: pipeline builder is required")
	}
	l := opts.Logger
	if l == nil {
		l = logger.Log
	}
	if opts.LogPath == "" {
		opts.LogPath = DefaultLogFile
	}
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = tailer.DefaultCapacity
	}
	if opts.BackfillLines <= 0 {
		opts.BackfillLines = tailer.DefaultBackfill
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = tailer.DefaultInterval
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		runner:        opts.Runner,
		store:         opts.Store,
		builder:       opts.Builder,
		history:       opts.History,
		log:           l,
		logPath:       opts.LogPath,
		logCapacity:   opts.LogCapacity,
		backfillLines: opts.BackfillLines,
		pollInterval:  opts.PollInterval,
		stopGrace:     opts.StopGrace,
		now:           time.Now,
		baseCtx:       ctx,
		baseCancel:    cancel,
		saves:         newPersister(opts.Store, l),
		status:        StatusIdle,
		logs:          tailer.NewBuffer(opts.LogCapacity),
	}, nil
}

// Start builds the pipeline for cfg and begins running it. It returns the new
// run id, ErrAlreadyRunning, or the builder's error; in both error cases the
// state is unchanged and no process is spawned.
func (s *Supervisor) Start(ctx context.Context, cfg pipeline.Config) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if s.status.Active() {
		return "", ErrAlreadyRunning
	}
	steps, err := s.builder.Build(cfg)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(s.logPath, nil, 0o644); err != nil {
		return "", fmt.Errorf("reset log file: %w", err)
	}

	id := uuid.New().String()
	now := s.now()
	s.logs = tailer.NewBuffer(s.logCapacity)
	tl := tailer.New(s.logPath, 0, s.logs)
	tl.Interval = s.pollInterval
	r := &run{
		id:      id,
		tail:    tl,
		tasks:   newTaskGroup(s.baseCtx),
		metrics: metrics.NewRun(id, now),
	}
	s.run = r
	s.steps = pipeline.Names(steps)
	s.stepIndex = 0
	s.queue = append([]pipeline.Step(nil), steps...)
	s.current = ""
	s.proc = nil
	s.stopRequested = false
	s.lastErr = nil
	s.status = StatusRunning

	s.log.Printf("[Supervisor] Starting run %s: %v", id, s.steps)
	s.systemLocked("Pipeline started.")
	s.persistLocked()
	if s.history != nil {
		if err := s.history.RunStarted(ctx, id, s.steps, now); err != nil {
			s.log.Printf("[Supervisor] Failed to record run %s: %v", id, err)
		}
	}

	r.tasks.Go(tl.Run)
	r.tasks.Go(func(context.Context) error {
		s.dispatch(r)
		return nil
	})
	s.trackLocked(r.tasks)
	return id, nil
}

// Stop cancels the active pipeline: the queue is dropped and the current
// process group gets SIGTERM, then SIGKILL after the grace period. It never
// fails; with nothing running it only leaves a note in the log buffer.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusRunning:
	case StatusStopping:
		s.systemLocked("Pipeline is already stopping.")
		return nil
	default:
		s.systemLocked("No running pipeline to stop.")
		return nil
	}

	s.systemLocked("Stopping pipeline...")
	s.queue = nil
	s.stopRequested = true
	s.status = StatusStopping
	s.persistLocked()
	if s.proc != nil {
		s.terminateLocked(s.run, s.proc)
	}
	return nil
}

// Status returns a copy of the current state. It never blocks on a process.
func (s *Supervisor) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Status:     s.status,
		Steps:      append([]string{}, s.steps...),
		TotalSteps: len(s.steps),
		Logs:       s.logs.Lines(),
		LogTotal:   s.logs.Total(),
	}
	if s.run != nil {
		snap.RunID = s.run.id
		snap.Metrics = s.run.metrics.Snapshot()
	}
	if s.status.Active() {
		if s.current != "" {
			task := s.current
			snap.CurrentTask = &task
		}
		idx := s.stepIndex
		snap.CurrentStepIndex = &idx
		if s.proc != nil {
			pid := s.proc.Pid()
			snap.PID = &pid
		}
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}

// Close stops the background tasks and waits for them, then writes the
// last pending record. Step processes are left running so the next instance
// can recover them.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.baseCancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.saves.close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch starts the next queued step of r, or finishes the run when the
// queue is empty or a stop was requested.
func (s *Supervisor) dispatch(r *run) {
	s.mu.Lock()
	if s.run != r || !s.status.Active() {
		s.mu.Unlock()
		return
	}
	if s.stopRequested {
		s.systemLocked("Pipeline stopped.")
		s.finishLocked(StatusStopped, nil)
		s.mu.Unlock()
		return
	}
	if len(s.queue) == 0 {
		s.systemLocked("All tasks finished successfully.")
		s.finishLocked(StatusCompleted, nil)
		s.mu.Unlock()
		return
	}

	step := s.queue[0]
	s.queue = s.queue[1:]
	s.current = step.Name
	s.systemLocked("Starting task: %s", step.Name)
	s.systemLocked("Command: %s", step.Redacted())
	s.mu.Unlock()

	proc, err := s.runner.Start(step.Command, s.logPath)

	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.log.Printf("[Supervisor] Task '%s' could not start: %v", step.Name, err)
		s.systemLocked("Task '%s' failed to start: %v", step.Name, err)
		r.metrics.StartStep(s.stepIndex, step.Name, 0, s.now())
		r.metrics.EndStep("failed", -1, s.now())
		s.finishLocked(StatusError, err)
		s.mu.Unlock()
		return
	}

	s.proc = proc
	r.metrics.StartStep(s.stepIndex, step.Name, proc.Pid(), s.now())
	saved := s.persistLocked()
	s.log.Printf("[Supervisor] Task '%s' started (PID: %d)", step.Name, proc.Pid())
	if s.stopRequested {
		s.terminateLocked(r, proc)
	}
	s.mu.Unlock()

	// The pid must be durable before anything waits on it.
	s.saves.wait(saved)
	r.tasks.Go(func(ctx context.Context) error {
		s.monitor(ctx, r, proc, step.Name)
		return nil
	})
}

// monitor waits for proc and decides what comes next. A cancelled ctx means
// the supervisor is shutting down; the process is left alone.
func (s *Supervisor) monitor(ctx context.Context, r *run, proc executor.Process, name string) {
	st, err := proc.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	// Flush the step's output so it precedes the system line.
	_ = r.tail.Poll()

	s.mu.Lock()
	if s.run != r || s.proc != proc {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	next := s.handleExitLocked(r, name, st, err)
	s.mu.Unlock()

	if next {
		s.dispatch(r)
	}
}

// handleExitLocked classifies a step exit. It returns true when the next
// step should be dispatched.
func (s *Supervisor) handleExitLocked(r *run, name string, st executor.ExitStatus, err error) bool {
	now := s.now()
	switch {
	case err != nil:
		r.metrics.EndStep("failed", -1, now)
		s.systemLocked("Monitoring task '%s' failed: %v", name, err)
		s.finishLocked(StatusError, fmt.Errorf("wait for task '%s': %w", name, err))
		return false

	case s.stopRequested || st.Terminated:
		r.metrics.EndStep("stopped", st.Code, now)
		s.systemLocked("Task '%s' stopped by user.", name)
		s.finishLocked(StatusStopped, nil)
		return false

	case st.Success():
		r.metrics.EndStep("succeeded", st.Code, now)
		s.systemLocked("Task '%s' finished successfully.", name)

	case !st.Known:
		// Attached after a restart: the exit code is lost.
		r.metrics.EndStep("unknown", st.Code, now)
		s.systemLocked("Recovered task '%s' finished.", name)

	default:
		failure := &StepFailure{Step: name, Code: st.Code, Signal: st.Signal}
		r.metrics.EndStep("failed", st.Code, now)
		s.systemLocked("Task '%s' failed with return code %d.", name, st.Code)
		s.log.Printf("[Supervisor] %v", failure)
		s.finishLocked(StatusError, failure)
		return false
	}

	s.stepIndex++
	s.current = ""
	s.persistLocked()
	return true
}

func (s *Supervisor) terminateLocked(r *run, proc executor.Process) {
	s.log.Printf("[Supervisor] Sending SIGTERM to task '%s' (PID: %d)", s.current, proc.Pid())
	if err := proc.Terminate(); err != nil && !errors.Is(err, executor.ErrProcessGone) {
		s.log.Printf("[Supervisor] Terminate PID %d: %v", proc.Pid(), err)
	}
	grace := s.stopGrace
	r.tasks.Go(func(ctx context.Context) error {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		s.mu.Lock()
		still := s.run == r && s.proc == proc
		if still {
			s.systemLocked("Task did not exit after %s, killing it.", grace)
		}
		s.mu.Unlock()
		if still {
			s.log.Printf("[Supervisor] Escalating to SIGKILL for PID %d", proc.Pid())
			if err := proc.Kill(); err != nil && !errors.Is(err, executor.ErrProcessGone) {
				s.log.Printf("[Supervisor] Kill PID %d: %v", proc.Pid(), err)
			}
		}
		return nil
	})
}

// finishLocked moves to a terminal status and writes the neutral record:
// no pid, no current task, empty queue.
func (s *Supervisor) finishLocked(status Status, err error) {
	s.status = status
	s.queue = nil
	s.proc = nil
	s.current = ""
	s.stopRequested = false
	s.lastErr = err
	s.persistLocked()

	r := s.run
	if r == nil {
		return
	}
	now := s.now()
	if r.metrics != nil {
		r.metrics.Finish(string(status), now)
	}
	if s.history != nil {
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if herr := s.history.RunFinished(ctx, r.id, string(status), errMsg, now); herr != nil {
			s.log.Printf("[Supervisor] Failed to record end of run %s: %v", r.id, herr)
		}
		cancel()
	}
	if r.tasks != nil {
		r.tasks.Stop()
	}
	s.log.Printf("[Supervisor] Run %s finished: %s", r.id, status)
}

// persistLocked snapshots the record and hands it to the persister. It
// returns the save's sequence number; the write itself happens off the lock.
func (s *Supervisor) persistLocked() uint64 {
	rec := state.Record{
		Status:    string(s.status),
		Queue:     append([]pipeline.Step{}, s.queue...),
		Steps:     append([]string(nil), s.steps...),
		StepIndex: s.stepIndex,
		UpdatedAt: s.now().UTC(),
	}
	if s.run != nil {
		rec.RunID = s.run.id
	}
	if s.status.Active() {
		rec.CurrentTask = s.current
		if s.proc != nil {
			pid := s.proc.Pid()
			rec.PID = &pid
		}
	}
	if s.lastErr != nil {
		rec.Error = s.lastErr.Error()
	}

	return s.saves.submit(rec)
}

// flush waits until every record submitted so far has been handled.
func (s *Supervisor) flush() {
	s.saves.wait(s.saves.latest())
}

// systemLocked adds an operator-facing line to the log buffer.
func (s *Supervisor) systemLocked(format string, args ...any) {
	s.logs.Append("[SYSTEM] " + fmt.Sprintf(format, args...))
}

// trackLocked lets Close wait for tg. It must be called after the group's
// first tasks were added.
func (s *Supervisor) trackLocked(tg *taskGroup) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := tg.Wait(); err != nil {
			s.log.Printf("[Supervisor] Background task failed: %v", err)
		}
	}()
}
