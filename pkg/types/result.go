package types

import (
	"fmt"
	"time"
)

// Failure kinds produced by the scheduler and the bundled adapters.
// Backends may report any other kind; the retry policy decides what is transient.
const (
	KindWorkerLost     = "worker_lost"
	KindUnreachable    = "unreachable"
	KindDispatchFailed = "dispatch_failed"
	KindTimeout        = "timeout"
	KindCancelled      = "cancelled"
	KindFinalized      = "finalized"
	KindPanic          = "panic"
	KindError          = "error"
	KindNotFound       = "not_found"
	KindScriptError    = "script_error"
	KindWasmError      = "wasm_error"
	KindJobFailed      = "job_failed"
)

// ErrorInfo describes why a task attempt failed. Traceback is opaque text
// captured on the worker.
type ErrorInfo struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ResultStatus is the lifecycle state of a Result.
type ResultStatus string

const (
	StatusPending ResultStatus = "pending"
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
)

// Result is the outcome record of a task. It is created pending at
// submission and becomes terminal exactly once.
type Result struct {
	TaskID     string       `json:"task_id"`
	Name       string       `json:"name,omitempty"`
	Status     ResultStatus `json:"status"`
	Value      any          `json:"value,omitempty"`
	Error      *ErrorInfo   `json:"error,omitempty"`
	Attempts   int          `json:"attempts"`
	WorkerID   string       `json:"worker_id,omitempty"`
	SubmitTime time.Time    `json:"submit_time"`
	StartTime  time.Time    `json:"start_time,omitempty"`
	FinishTime time.Time    `json:"finish_time,omitempty"`
}

// IsTerminal reports whether the result will no longer change.
func (r *Result) IsTerminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusFailed
}

// TotalTime is the time from submission to the terminal transition.
func (r *Result) TotalTime() time.Duration {
	if r.FinishTime.IsZero() {
		return 0
	}
	return r.FinishTime.Sub(r.SubmitTime)
}

// ExecutionTime is the time the final attempt spent on its worker.
func (r *Result) ExecutionTime() time.Duration {
	if r.FinishTime.IsZero() || r.StartTime.IsZero() {
		return 0
	}
	return r.FinishTime.Sub(r.StartTime)
}
