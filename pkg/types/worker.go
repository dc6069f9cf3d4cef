package types

import (
	"fmt"
	"time"
)

// BackendKind names a family of execution resources.
type BackendKind string

const (
	BackendLocal BackendKind = "local"
	BackendMPI   BackendKind = "mpi"
	BackendBOINC BackendKind = "boinc"
	BackendGrid  BackendKind = "grid"
)

// WorkerState is the scheduler's view of a worker.
type WorkerState string

const (
	WorkerIdle        WorkerState = "idle"
	WorkerBusy        WorkerState = "busy"
	WorkerUnreachable WorkerState = "unreachable"
)

// WorkerHandle describes one execution slot on some backend.
type WorkerHandle struct {
	ID         string      `json:"id"`
	Backend    BackendKind `json:"backend"`
	Tags       []string    `json:"tags"`
	Platform   string      `json:"platform,omitempty"`
	SpeedClass string      `json:"speed_class,omitempty"`
	Cores      int         `json:"cores,omitempty"`
	State      WorkerState `json:"state"`
	IdleSince  time.Time   `json:"idle_since"`
}

// BackendTag is the implicit capability tag every worker of a backend carries.
func BackendTag(kind BackendKind) string {
	return "backend=" + string(kind)
}

// PlatformTag returns the capability tag for a platform string.
func PlatformTag(platform string) string {
	return "platform=" + platform
}

// SpeedTag returns the capability tag for a speed class.
func SpeedTag(speed string) string {
	return "speed=" + speed
}

// CapabilityTags returns the implicit tags derived from the handle's fields.
func (w *WorkerHandle) CapabilityTags() []string {
	tags := []string{BackendTag(w.Backend)}
	if w.Platform != "" {
		tags = append(tags, PlatformTag(w.Platform))
	}
	if w.SpeedClass != "" {
		tags = append(tags, SpeedTag(w.SpeedClass))
	}
	return tags
}

// Clone returns a copy of the handle with its own tag slice.
func (w *WorkerHandle) Clone() *WorkerHandle {
	c := *w
	c.Tags = append([]string(nil), w.Tags...)
	return &c
}

func (w *WorkerHandle) String() string {
	return fmt.Sprintf("%s[%s/%s]", w.ID, w.Backend, w.State)
}

// WorkerEventType names a worker pool change.
type WorkerEventType string

const (
	WorkerEventAdded   WorkerEventType = "added"
	WorkerEventRemoved WorkerEventType = "removed"
	WorkerEventState   WorkerEventType = "state"
)

// WorkerEvent is delivered to pool watchers.
type WorkerEvent struct {
	Type   WorkerEventType `json:"type"`
	Worker *WorkerHandle   `json:"worker"`
}
