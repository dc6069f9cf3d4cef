package types

import "time"

// AssignmentToken is the opaque handle a backend returns for one execution.
type AssignmentToken string

// Assignment binds one task attempt to one worker.
type Assignment struct {
	TaskID    string          `json:"task_id"`
	WorkerID  string          `json:"worker_id"`
	Token     AssignmentToken `json:"token"`
	StartTime time.Time       `json:"start_time"`
	Attempt   int             `json:"attempt"`
}

// OutcomeState is the state of an execution as reported by a backend.
type OutcomeState string

const (
	OutcomeRunning   OutcomeState = "running"
	OutcomeSucceeded OutcomeState = "succeeded"
	OutcomeFailed    OutcomeState = "failed"
)

// ExecutionOutcome is what a backend reports when polled.
// WorkerGone marks the worker as permanently lost; the scheduler removes it.
type ExecutionOutcome struct {
	State      OutcomeState `json:"state"`
	Value      any          `json:"value,omitempty"`
	Error      *ErrorInfo   `json:"error,omitempty"`
	WorkerGone bool         `json:"worker_gone,omitempty"`
}

// Running reports an execution still in progress.
func Running() ExecutionOutcome {
	return ExecutionOutcome{State: OutcomeRunning}
}

// Succeeded reports a finished execution with its value.
func Succeeded(value any) ExecutionOutcome {
	return ExecutionOutcome{State: OutcomeSucceeded, Value: value}
}

// Failed reports a failed execution.
func Failed(info *ErrorInfo) ExecutionOutcome {
	return ExecutionOutcome{State: OutcomeFailed, Error: info}
}

// Lost reports that the worker running the execution is gone.
func Lost(message string) ExecutionOutcome {
	return ExecutionOutcome{
		State:      OutcomeFailed,
		Error:      &ErrorInfo{Kind: KindWorkerLost, Message: message},
		WorkerGone: true,
	}
}
