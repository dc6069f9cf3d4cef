package payload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"yqhp/taskfarm/pkg/types"
)

// Runner executes payloads in-process.
type Runner struct {
	registry *Registry
	timeout  time.Duration
}

// NewRunner creates a runner resolving function payloads in registry.
// A nil registry uses DefaultRegistry. A positive timeout bounds every run.
func NewRunner(registry *Registry, timeout time.Duration) *Runner {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &Runner{registry: registry, timeout: timeout}
}

// Registry returns the function registry.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Run executes the task's payload with its input. Failures are returned as
// *types.ErrorInfo; a panic in the payload becomes kind "panic" with the
// goroutine stack as traceback.
func (r *Runner) Run(ctx context.Context, task *types.Task) (value any, err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	ctx = withAttachments(ctx, task.Attachments)

	defer func() {
		if rec := recover(); rec != nil {
			value = nil
			err = &types.ErrorInfo{
				Kind:      types.KindPanic,
				Message:   fmt.Sprint(rec),
				Traceback: string(debug.Stack()),
			}
		}
	}()

	switch task.Payload.Kind {
	case types.PayloadFunc:
		fn, ok := r.registry.Get(task.Payload.Ref)
		if !ok {
			return nil, &types.ErrorInfo{Kind: types.KindNotFound, Message: fmt.Sprintf("no function registered as %q", task.Payload.Ref)}
		}
		value, err = fn(ctx, task.Input, task.Payload.Args)
		if err != nil {
			return nil, withFuncTraceback(task.Payload.Ref, ToErrorInfo(err), err)
		}
	case types.PayloadScript:
		source := task.Payload.Source
		if source == "" {
			data, readErr := os.ReadFile(task.Payload.Ref)
			if readErr != nil {
				return nil, &types.ErrorInfo{Kind: types.KindNotFound, Message: fmt.Sprintf("read script: %v", readErr)}
			}
			source = string(data)
		}
		value, err = runScript(ctx, task.Payload.Ref, source, task.Payload.Entry, task.Input, task.Payload.Args, Attachments(ctx))
	case types.PayloadWasm:
		value, err = runWasm(ctx, task.Payload.Ref, task.Payload.Entry, task.Input)
	default:
		return nil, &types.ErrorInfo{Kind: types.KindError, Message: fmt.Sprintf("unsupported payload kind %q", task.Payload.Kind)}
	}

	if err != nil {
		return nil, ToErrorInfo(err)
	}
	return value, nil
}

// withFuncTraceback fills in a traceback for an error returned by a
// registered function: the wrapped error chain followed by the runner stack.
func withFuncTraceback(name string, info *types.ErrorInfo, err error) *types.ErrorInfo {
	if info.Traceback != "" {
		return info
	}
	var b strings.Builder
	fmt.Fprintf(&b, "function %q returned an error:\n", name)
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "  %T: %+v\n", e, e)
	}
	b.Write(debug.Stack())

	out := *info
	out.Traceback = b.String()
	return &out
}

// ToErrorInfo converts any error into the failure record reported to the master.
func ToErrorInfo(err error) *types.ErrorInfo {
	if err == nil {
		return nil
	}
	var info *types.ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &types.ErrorInfo{Kind: types.KindTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &types.ErrorInfo{Kind: types.KindCancelled, Message: err.Error()}
	default:
		return &types.ErrorInfo{Kind: types.KindError, Message: err.Error()}
	}
}
