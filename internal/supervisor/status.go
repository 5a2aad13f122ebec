package supervisor

import "tuner/internal/metrics"

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Active reports whether a pipeline owns a process (or is about to).
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusStopping
}

func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusError
}

func parseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusIdle, StatusRunning, StatusStopping, StatusStopped, StatusCompleted, StatusError:
		return st, true
	}
	return "", false
}

// Snapshot is a consistent copy of the supervisor state. CurrentTask and
// CurrentStepIndex are only set while a pipeline is active.
type Snapshot struct {
	Status           Status              `json:"status"`
	CurrentTask      *string             `json:"current_task"`
	Steps            []string            `json:"steps"`
	CurrentStepIndex *int                `json:"current_step_index"`
	TotalSteps       int                 `json:"total_steps"`
	Logs             []string            `json:"logs"`
	LogTotal         int                 `json:"log_total"`
	RunID            string              `json:"run_id,omitempty"`
	PID              *int                `json:"pid,omitempty"`
	Error            string              `json:"error,omitempty"`
	Metrics          *metrics.RunMetrics `json:"metrics,omitempty"`
}
