package master

import (
	"errors"
	"fmt"
	"time"

	"yqhp/taskfarm/pkg/types"
)

// ErrorCode classifies scheduler errors.
type ErrorCode string

const (
	// ErrCodeInvalidTask indicates a submission was rejected.
	ErrCodeInvalidTask ErrorCode = "INVALID_TASK"
	// ErrCodeTimeout indicates a blocking wait elapsed before the task was terminal.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeTransient indicates a retryable worker-side failure.
	ErrCodeTransient ErrorCode = "TRANSIENT_WORKER_FAILURE"
	// ErrCodeTaskFailed indicates the task finished in the failed state.
	ErrCodeTaskFailed ErrorCode = "TASK_FAILED"
	// ErrCodeDoubleCompletion indicates a second terminal transition was attempted.
	ErrCodeDoubleCompletion ErrorCode = "DOUBLE_COMPLETION"
	// ErrCodeUnknownTask indicates no result exists for the task ID.
	ErrCodeUnknownTask ErrorCode = "UNKNOWN_TASK"
	// ErrCodeFinalized indicates the scheduler no longer accepts work.
	ErrCodeFinalized ErrorCode = "FINALIZED"
)

// Sentinels for errors.Is. Matching compares codes only.
var (
	ErrInvalidTask      = &SchedulerError{Code: ErrCodeInvalidTask}
	ErrTimeout          = &SchedulerError{Code: ErrCodeTimeout}
	ErrTransient        = &SchedulerError{Code: ErrCodeTransient}
	ErrTaskFailed       = &SchedulerError{Code: ErrCodeTaskFailed}
	ErrDoubleCompletion = &SchedulerError{Code: ErrCodeDoubleCompletion}
	ErrUnknownTask      = &SchedulerError{Code: ErrCodeUnknownTask}
	ErrFinalized        = &SchedulerError{Code: ErrCodeFinalized}
)

// SchedulerError is the error type returned by the scheduler and result store.
type SchedulerError struct {
	Code    ErrorCode
	Message string
	TaskID  string
	Info    *types.ErrorInfo
	Cause   error
}

// Error implements the error interface.
func (e *SchedulerError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.TaskID != "" {
		msg = fmt.Sprintf("[%s] task %s: %s", e.Code, e.TaskID, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *SchedulerError) Unwrap() error {
	return e.Cause
}

// Is matches another SchedulerError with the same code.
func (e *SchedulerError) Is(target error) bool {
	t, ok := target.(*SchedulerError)
	return ok && t.Code == e.Code
}

// NewInvalidTaskError creates an error for a rejected submission.
func NewInvalidTaskError(cause error) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeInvalidTask,
		Message: "invalid task",
		Cause:   cause,
	}
}

// NewTimeoutError creates an error for a wait that elapsed.
func NewTimeoutError(taskID string, timeout time.Duration) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeTimeout,
		Message: fmt.Sprintf("not terminal after %v", timeout),
		TaskID:  taskID,
	}
}

// NewTaskFailedError creates an error carrying a backend's failure verbatim.
func NewTaskFailedError(taskID string, info *types.ErrorInfo) *SchedulerError {
	msg := "task failed"
	if info != nil {
		msg = info.Error()
	}
	return &SchedulerError{
		Code:    ErrCodeTaskFailed,
		Message: msg,
		TaskID:  taskID,
		Info:    info,
	}
}

// NewDoubleCompletionError creates an error for a repeated terminal transition.
func NewDoubleCompletionError(taskID string, existing types.ResultStatus) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeDoubleCompletion,
		Message: fmt.Sprintf("result already terminal (%s)", existing),
		TaskID:  taskID,
	}
}

// NewUnknownTaskError creates an error for an ID with no result.
func NewUnknownTaskError(taskID string) *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeUnknownTask,
		Message: "no such task",
		TaskID:  taskID,
	}
}

// NewFinalizedError creates an error for work offered after Finalize.
func NewFinalizedError() *SchedulerError {
	return &SchedulerError{
		Code:    ErrCodeFinalized,
		Message: "scheduler is finalized",
	}
}

// ResultError converts a failed result into a TASK_FAILED error.
// It returns nil for any other status.
func ResultError(r types.Result) error {
	if r.Status != types.StatusFailed {
		return nil
	}
	return NewTaskFailedError(r.TaskID, r.Error)
}

// IsTimeoutError checks if the error is a wait timeout.
func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsTaskFailedError checks if the error reports a failed task.
func IsTaskFailedError(err error) bool {
	return errors.Is(err, ErrTaskFailed)
}

// IsDoubleCompletionError checks if the error reports a repeated completion.
func IsDoubleCompletionError(err error) bool {
	return errors.Is(err, ErrDoubleCompletion)
}
