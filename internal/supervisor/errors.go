package supervisor

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning    = errors.New("training is already running")
	ErrRecoveryAmbiguous = errors.New("previous session crashed or disappeared")
	ErrClosed            = errors.New("supervisor is closed")
)

// StepFailure is a step that exited on its own with a non-zero status.
type StepFailure struct {
	Step   string
	Code   int
	Signal string
}

func (e *StepFailure) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("task '%s' was killed by %s", e.Step, e.Signal)
	}
	return fmt.Sprintf("task '%s' failed with return code %d", e.Step, e.Code)
}
