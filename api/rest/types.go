package rest

import (
	"time"

	"yqhp/taskfarm/pkg/types"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SuccessResponse represents a generic success response.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

// TaskRequest is the body of a task submission.
type TaskRequest struct {
	Name         string             `json:"name,omitempty"`
	Payload      types.Payload      `json:"payload"`
	Input        any                `json:"input,omitempty"`
	Attachments  []types.Attachment `json:"attachments,omitempty"`
	Requirements []string           `json:"requirements,omitempty"`
	Priority     int                `json:"priority,omitempty"`
}

func (r *TaskRequest) toTask() *types.Task {
	return &types.Task{
		Name:         r.Name,
		Payload:      r.Payload,
		Input:        r.Input,
		Attachments:  r.Attachments,
		Requirements: r.Requirements,
		Priority:     r.Priority,
	}
}

// BatchRequest submits several tasks at once.
type BatchRequest struct {
	Tasks []TaskRequest `json:"tasks"`
}

// TaskSubmitResponse represents a task submission response.
type TaskSubmitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// BatchSubmitResponse lists the IDs of a batch in submission order.
type BatchSubmitResponse struct {
	IDs []string `json:"ids"`
}

// TaskResponse wraps a result with its derived timings.
type TaskResponse struct {
	types.Result
	TotalTime     string `json:"total_time,omitempty"`
	ExecutionTime string `json:"execution_time,omitempty"`
}

func newTaskResponse(r types.Result) TaskResponse {
	resp := TaskResponse{Result: r}
	if d := r.TotalTime(); d > 0 {
		resp.TotalTime = d.String()
	}
	if d := r.ExecutionTime(); d > 0 {
		resp.ExecutionTime = d.String()
	}
	return resp
}

// WaitRequest waits on several tasks. Mode is "all" (default) or "any".
type WaitRequest struct {
	IDs     []string `json:"ids"`
	Mode    string   `json:"mode,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

// WaitResponse carries the results of a wait request.
type WaitResponse struct {
	Results  []TaskResponse `json:"results"`
	TimedOut bool           `json:"timed_out"`
}

// WorkersResponse lists the workers currently known to the master.
type WorkersResponse struct {
	Workers []*types.WorkerHandle `json:"workers"`
	Total   int                   `json:"total"`
}

// StatusResponse is the scheduler status plus identity.
type StatusResponse struct {
	ID string `json:"id"`
	types.SchedulerStatus
	Timestamp time.Time `json:"timestamp"`
}
