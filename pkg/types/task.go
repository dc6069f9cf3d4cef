package types

import (
	"fmt"
	"strings"
	"time"
)

// PayloadKind identifies how a worker runs a task payload.
type PayloadKind string

const (
	// PayloadFunc runs a Go function registered under Payload.Ref.
	PayloadFunc PayloadKind = "func"
	// PayloadScript runs JavaScript. Ref is a file path unless Source is set.
	PayloadScript PayloadKind = "script"
	// PayloadWasm calls the Entry export of the WebAssembly module at Ref.
	PayloadWasm PayloadKind = "wasm"
)

// Payload references the code a worker executes for a task.
type Payload struct {
	Kind   PayloadKind `json:"kind" yaml:"kind"`
	Ref    string      `json:"ref" yaml:"ref"`
	Entry  string      `json:"entry,omitempty" yaml:"entry,omitempty"`
	Source string      `json:"source,omitempty" yaml:"source,omitempty"`
	Args   []string    `json:"args,omitempty" yaml:"args,omitempty"`
}

// Func builds a payload that calls a registered function.
func Func(name string, args ...string) Payload {
	return Payload{Kind: PayloadFunc, Ref: name, Args: args}
}

// Script builds a payload that runs inline JavaScript. ref names the script
// in logs and error messages.
func Script(ref, source string) Payload {
	return Payload{Kind: PayloadScript, Ref: ref, Source: source}
}

// Attachment is a file shipped with a task to the worker.
type Attachment struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// Task is one independently executable unit of work.
// A task is immutable once submitted; the scheduler keeps its own copy.
type Task struct {
	ID           string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	Payload      Payload      `json:"payload"`
	Input        any          `json:"input,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	Requirements []string     `json:"requirements,omitempty"`
	Priority     int          `json:"priority,omitempty"`
	SubmitTime   time.Time    `json:"submit_time"`
}

// Validate checks the fields a task must carry before it can be queued.
func (t *Task) Validate() error {
	if t == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if strings.TrimSpace(t.Payload.Ref) == "" {
		return fmt.Errorf("payload reference is required")
	}
	switch t.Payload.Kind {
	case PayloadFunc, PayloadScript:
	case PayloadWasm:
		if t.Payload.Entry == "" {
			return fmt.Errorf("wasm payload %s requires an entry export", t.Payload.Ref)
		}
	default:
		return fmt.Errorf("unknown payload kind %q", t.Payload.Kind)
	}
	for i, a := range t.Attachments {
		if strings.TrimSpace(a.Path) == "" {
			return fmt.Errorf("attachment %d has an empty path", i)
		}
	}
	for _, req := range t.Requirements {
		if strings.TrimSpace(req) == "" {
			return fmt.Errorf("requirements cannot contain empty tags")
		}
	}
	return nil
}

// Clone returns a copy whose slices are not shared with t.
// Input is copied by reference.
func (t *Task) Clone() *Task {
	c := *t
	c.Payload.Args = append([]string(nil), t.Payload.Args...)
	c.Attachments = append([]Attachment(nil), t.Attachments...)
	c.Requirements = append([]string(nil), t.Requirements...)
	return &c
}

// AttachmentName returns the file name an attachment is delivered under.
func (a Attachment) AttachmentName() string {
	if a.Name != "" {
		return a.Name
	}
	if i := strings.LastIndexAny(a.Path, `/\`); i >= 0 {
		return a.Path[i+1:]
	}
	return a.Path
}
