package supervisor

import (
	"context"
	"errors"
	"fmt"

	"tuner/internal/metrics"
	"tuner/internal/pipeline"
	"tuner/internal/state"
	"tuner/internal/tailer"
)

// Recover restores the supervisor from the Recovery Record. It is meant to
// run once, before the first Start.
//
// An active record whose process is still alive is re-attached and monitored
// by pid; its remaining queue continues afterwards. An active record whose
// process is gone cannot be resolved (it may have finished or crashed), so
// the pipeline ends in error. Terminal records are restored as they are.
// The restored record is durable when Recover returns.
func (s *Supervisor) Recover(ctx context.Context) error {
	rec, ok, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load recovery record: %w", err)
	}

	s.mu.Lock()
	err = s.recoverLocked(rec, ok)
	s.mu.Unlock()
	s.flush()
	return err
}

func (s *Supervisor) recoverLocked(rec state.Record, ok bool) error {
	if s.closed {
		return ErrClosed
	}
	if s.status.Active() {
		return ErrAlreadyRunning
	}
	if !ok {
		s.status = StatusIdle
		return nil
	}
	status, known := parseStatus(rec.Status)
	if !known {
		return fmt.Errorf("recovery record has unknown status %q", rec.Status)
	}

	lines, offset, err := tailer.Backfill(s.logPath, s.backfillLines)
	if err != nil {
		s.log.Printf("[Supervisor] Could not read previous log %s: %v", s.logPath, err)
	}
	s.logs = tailer.NewBuffer(s.logCapacity)
	s.logs.Append(lines...)
	s.steps = append([]string(nil), rec.Steps...)
	s.stepIndex = rec.StepIndex
	s.queue = nil
	s.current = ""
	s.proc = nil
	s.stopRequested = false
	s.lastErr = nil

	// An id is only reported when the record carried one.
	id := rec.RunID

	if !status.Active() {
		s.status = status
		s.run = nil
		if id != "" {
			s.run = &run{id: id}
		}
		if rec.Error != "" {
			s.lastErr = errors.New(rec.Error)
		}
		s.log.Printf("[Supervisor] Restored %s run %q", status, id)
		return nil
	}

	now := s.now()
	r := &run{id: id, metrics: metrics.NewRun(id, now)}
	s.run = r

	if rec.PID == nil || !s.runner.Alive(*rec.PID) {
		s.status = status
		s.systemLocked("Previous session crashed or disappeared.")
		s.log.Printf("[Supervisor] Run %q: recorded PID %s is gone", id, pidString(rec.PID))
		s.finishLocked(StatusError, fmt.Errorf("%w (task '%s', PID %s)", ErrRecoveryAmbiguous, rec.CurrentTask, pidString(rec.PID)))
		return nil
	}
	proc, err := s.runner.Attach(*rec.PID)
	if err != nil {
		s.status = status
		s.systemLocked("Previous session crashed or disappeared.")
		s.finishLocked(StatusError, fmt.Errorf("%w: %v", ErrRecoveryAmbiguous, err))
		return nil
	}

	tl := tailer.New(s.logPath, offset, s.logs)
	tl.Interval = s.pollInterval
	r.tail = tl
	r.tasks = newTaskGroup(s.baseCtx)

	s.status = status
	s.queue = append([]pipeline.Step(nil), rec.Queue...)
	s.current = rec.CurrentTask
	s.proc = proc
	s.stopRequested = status == StatusStopping
	r.metrics.StartStep(s.stepIndex, s.current, proc.Pid(), now)

	s.systemLocked("Recovered training session (PID: %d)", proc.Pid())
	s.log.Printf("[Supervisor] Recovered run %q, task '%s' (PID: %d)", id, s.current, proc.Pid())
	s.persistLocked()

	name := s.current
	r.tasks.Go(tl.Run)
	r.tasks.Go(func(ctx context.Context) error {
		s.monitor(ctx, r, proc, name)
		return nil
	})
	if s.stopRequested {
		s.terminateLocked(r, proc)
	}
	s.trackLocked(r.tasks)
	return nil
}

func pidString(pid *int) string {
	if pid == nil {
		return "none"
	}
	return fmt.Sprint(*pid)
}
