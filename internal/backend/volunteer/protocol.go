package volunteer

import "yqhp/taskfarm/pkg/types"

// RegisterRequest is sent by a volunteer when it joins.
type RegisterRequest struct {
	Platform   string   `json:"platform"`
	Tags       []string `json:"tags,omitempty"`
	Slots      int      `json:"slots"`
	SpeedClass string   `json:"speed_class,omitempty"`
}

// RegisterResponse carries the volunteer's ID and how long it may stay silent.
type RegisterResponse struct {
	ID                  string  `json:"id"`
	LeaseTimeoutSeconds float64 `json:"lease_timeout_seconds"`
}

// AttachmentData is an attachment shipped inline with a work unit.
type AttachmentData struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// WorkUnit is one task attempt leased to a volunteer.
type WorkUnit struct {
	Token       types.AssignmentToken `json:"token"`
	TaskID      string                `json:"task_id"`
	Payload     types.Payload         `json:"payload"`
	Input       any                   `json:"input,omitempty"`
	Attachments []AttachmentData      `json:"attachments,omitempty"`
}

// WorkResponse lists the units leased by one work request.
type WorkResponse struct {
	Units []WorkUnit `json:"units"`
}

// Result statuses reported by volunteers.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// ResultRequest reports the outcome of a work unit.
type ResultRequest struct {
	Status string           `json:"status"`
	Value  any              `json:"value,omitempty"`
	Error  *types.ErrorInfo `json:"error,omitempty"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
