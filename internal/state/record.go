package state

import (
	"time"

	"tuner/internal/pipeline"
)

// Record is everything a fresh process needs to pick up a pipeline that was
// in flight when the previous one died.
type Record struct {
	RunID       string          `json:"run_id,omitempty"`
	Status      string          `json:"status"`
	CurrentTask string          `json:"current_task,omitempty"`
	PID         *int            `json:"pid"`
	Queue       []pipeline.Step `json:"queue"`
	Steps       []string        `json:"steps,omitempty"`
	StepIndex   int             `json:"step_index"`
	Error       string          `json:"error,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
