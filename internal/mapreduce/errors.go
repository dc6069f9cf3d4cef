package mapreduce

import (
	"errors"
	"fmt"

	"yqhp/taskfarm/pkg/types"
)

// Phase names a MapReduce phase.
type Phase string

const (
	PhaseMap    Phase = "map"
	PhaseReduce Phase = "reduce"
)

// Sentinels for errors.Is.
var (
	ErrMapPhaseFailed    = errors.New("map phase failed")
	ErrReducePhaseFailed = errors.New("reduce phase failed")
)

// PhaseError aborts a MapReduce run. It carries the first failed task of
// the phase; Cause is the scheduler's TASK_FAILED error for that task, or
// the wait error when the phase did not finish.
type PhaseError struct {
	Phase  Phase
	Index  int
	TaskID string
	Info   *types.ErrorInfo
	Cause  error
}

func (e *PhaseError) Error() string {
	if e.Info != nil {
		return fmt.Sprintf("%s phase failed: task %d (%s): %s", e.Phase, e.Index, e.TaskID, e.Info)
	}
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Cause)
}

func (e *PhaseError) Unwrap() error {
	return e.Cause
}

func (e *PhaseError) Is(target error) bool {
	switch target {
	case ErrMapPhaseFailed:
		return e.Phase == PhaseMap
	case ErrReducePhaseFailed:
		return e.Phase == PhaseReduce
	}
	return false
}
