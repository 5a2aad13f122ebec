package metrics

import "time"

type StepMetrics struct {
	Index      int       `json:"index"`
	Step       string    `json:"step"`
	Pid        int       `json:"pid,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Outcome    string    `json:"outcome,omitempty"`
	ExitCode   int       `json:"exit_code"`
}

type RunMetrics struct {
	RunID      string        `json:"run_id"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end,omitempty"`
	DurationMs int64         `json:"duration_ms"`
	Status     string        `json:"status"`
	Steps      []StepMetrics `json:"steps"`
}

func NewRun(runID string, at time.Time) *RunMetrics {
	return &RunMetrics{RunID: runID, Start: at, Status: "running"}
}

// StartStep opens a new step entry. An unfinished previous entry is closed
// with an unknown outcome first.
func (m *RunMetrics) StartStep(index int, name string, pid int, at time.Time) {
	if s := m.current(); s != nil {
		s.End = at
		s.Outcome = "unknown"
		s.Finalize()
	}
	m.Steps = append(m.Steps, StepMetrics{Index: index, Step: name, Pid: pid, Start: at})
}

// EndStep closes the open step entry, if any.
func (m *RunMetrics) EndStep(outcome string, exitCode int, at time.Time) {
	s := m.current()
	if s == nil {
		return
	}
	s.End = at
	s.Outcome = outcome
	s.ExitCode = exitCode
	s.Finalize()
}

func (m *RunMetrics) Finish(status string, at time.Time) {
	m.End = at
	m.Status = status
	m.DurationMs = m.End.Sub(m.Start).Milliseconds()
}

// Snapshot returns a deep copy safe to hand to readers.
func (m *RunMetrics) Snapshot() *RunMetrics {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Steps = append([]StepMetrics(nil), m.Steps...)
	if cp.End.IsZero() {
		cp.DurationMs = time.Since(cp.Start).Milliseconds()
	}
	return &cp
}

func (m *RunMetrics) current() *StepMetrics {
	if len(m.Steps) == 0 {
		return nil
	}
	s := &m.Steps[len(m.Steps)-1]
	if !s.End.IsZero() {
		return nil
	}
	return s
}

// Compute derived fields for a step.
func (s *StepMetrics) Finalize() {
	s.DurationMs = s.End.Sub(s.Start).Milliseconds()
}
