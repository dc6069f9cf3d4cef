// Package backend defines the contract between the scheduler and the
// execution resources it drives. Each family of resources (local cores,
// volunteer machines, batch clusters) is reached through one Adapter.
package backend

import (
	"context"

	"yqhp/taskfarm/pkg/types"
)

// Adapter starts and observes task executions on one backend.
//
// Execute must return as soon as the execution has been initiated. Poll
// reports running, succeeded or failed; an outcome with WorkerGone set tells
// the scheduler to drop the worker. Cancel is best effort.
type Adapter interface {
	Kind() types.BackendKind
	DiscoverWorkers(ctx context.Context) ([]*types.WorkerHandle, error)
	Execute(ctx context.Context, worker *types.WorkerHandle, task *types.Task) (types.AssignmentToken, error)
	Poll(ctx context.Context, token types.AssignmentToken) (types.ExecutionOutcome, error)
	Cancel(ctx context.Context, token types.AssignmentToken) error
	ReleaseAttachments(ctx context.Context, task *types.Task) error
}

// Shutdowner is implemented by adapters holding resources that outlive a run.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Notifying is implemented by adapters that can tell the scheduler an
// execution changed state, so it polls without waiting for the next tick.
type Notifying interface {
	SetNotify(fn func())
}

// ErrUnknownToken is returned by Poll and Cancel for tokens the adapter does not hold.
type ErrUnknownToken struct {
	Token types.AssignmentToken
}

func (e *ErrUnknownToken) Error() string {
	return "unknown assignment token: " + string(e.Token)
}
