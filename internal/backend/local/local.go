// Package local runs tasks on the master's own cores through a bounded
// goroutine pool.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"yqhp/taskfarm/internal/backend"
	"yqhp/taskfarm/internal/payload"
	"yqhp/taskfarm/pkg/types"
)

// Config configures the local adapter.
type Config struct {
	// Workers is the number of execution slots. Zero means one per CPU.
	Workers int
	// Tags are extra capability tags advertised by every slot.
	Tags []string
	// SpeedClass is advertised as speed=<class> when set.
	SpeedClass string
	// RemoveAttachments deletes a task's attachment files once its Result is terminal.
	RemoveAttachments bool
}

type run struct {
	taskID   string
	cancel   context.CancelFunc
	finished bool
	outcome  types.ExecutionOutcome
}

// Adapter executes payloads in-process.
type Adapter struct {
	config Config
	runner *payload.Runner
	logger *zap.Logger
	pool   *ants.Pool

	mu     sync.Mutex
	runs   map[types.AssignmentToken]*run
	notify func()
}

// NewAdapter creates a local adapter. A nil runner uses the default function
// registry without a timeout.
func NewAdapter(config Config, runner *payload.Runner, logger *zap.Logger) (*Adapter, error) {
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if runner == nil {
		runner = payload.NewRunner(nil, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Slots are accounted by the scheduler. The pool keeps headroom because a
	// goroutine returns to it only after its outcome is recorded, and a
	// cancelled payload may outlive its slot.
	pool, err := ants.NewPool(2*config.Workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create goroutine pool: %w", err)
	}

	return &Adapter{
		config: config,
		runner: runner,
		logger: logger.Named("local"),
		pool:   pool,
		runs:   make(map[types.AssignmentToken]*run),
	}, nil
}

func (a *Adapter) Kind() types.BackendKind {
	return types.BackendLocal
}

// DiscoverWorkers reports one worker per pool slot. The set never changes.
func (a *Adapter) DiscoverWorkers(ctx context.Context) ([]*types.WorkerHandle, error) {
	platform := runtime.GOOS + "/" + runtime.GOARCH
	workers := make([]*types.WorkerHandle, a.config.Workers)
	for i := range workers {
		workers[i] = &types.WorkerHandle{
			ID:         fmt.Sprintf("local-%d", i),
			Backend:    types.BackendLocal,
			Tags:       append([]string(nil), a.config.Tags...),
			Platform:   platform,
			SpeedClass: a.config.SpeedClass,
			Cores:      1,
		}
	}
	return workers, nil
}

// Execute hands the task to the pool and returns immediately. The execution
// is detached from ctx; only Cancel or Shutdown stop it.
func (a *Adapter) Execute(ctx context.Context, worker *types.WorkerHandle, task *types.Task) (types.AssignmentToken, error) {
	token := types.AssignmentToken(uuid.NewString())
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{taskID: task.ID, cancel: cancel}

	a.mu.Lock()
	a.runs[token] = r
	a.mu.Unlock()

	err := a.pool.Submit(func() {
		value, err := a.runner.Run(runCtx, task)
		outcome := types.Succeeded(value)
		if err != nil {
			outcome = types.Failed(payload.ToErrorInfo(err))
		}
		a.finish(token, outcome)
	})
	if err != nil {
		cancel()
		a.mu.Lock()
		delete(a.runs, token)
		a.mu.Unlock()
		if errors.Is(err, ants.ErrPoolOverload) {
			return "", fmt.Errorf("no free slot for task %s on %s: %w", task.ID, worker.ID, err)
		}
		return "", fmt.Errorf("submit task %s: %w", task.ID, err)
	}

	a.logger.Debug("task started", zap.String("task_id", task.ID), zap.String("worker_id", worker.ID), zap.String("token", string(token)))
	return token, nil
}

func (a *Adapter) finish(token types.AssignmentToken, outcome types.ExecutionOutcome) {
	a.mu.Lock()
	r, ok := a.runs[token]
	if ok {
		r.finished = true
		r.outcome = outcome
		r.cancel()
	}
	notify := a.notify
	a.mu.Unlock()

	if ok && notify != nil {
		notify()
	}
}

// Poll reports the execution state. A finished execution is forgotten once
// its outcome has been read.
func (a *Adapter) Poll(ctx context.Context, token types.AssignmentToken) (types.ExecutionOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.runs[token]
	if !ok {
		return types.ExecutionOutcome{}, &backend.ErrUnknownToken{Token: token}
	}
	if !r.finished {
		return types.Running(), nil
	}
	delete(a.runs, token)
	return r.outcome, nil
}

// Cancel cancels the execution's context. Payloads that ignore their
// context keep their slot until they return.
func (a *Adapter) Cancel(ctx context.Context, token types.AssignmentToken) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.runs[token]
	if !ok {
		return &backend.ErrUnknownToken{Token: token}
	}
	r.cancel()
	return nil
}

func (a *Adapter) ReleaseAttachments(ctx context.Context, task *types.Task) error {
	if !a.config.RemoveAttachments {
		return nil
	}
	var errs []error
	for _, att := range task.Attachments {
		if err := os.Remove(att.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Adapter) SetNotify(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notify = fn
}

// Running returns the number of executions occupying a slot.
func (a *Adapter) Running() int {
	return a.pool.Running()
}

// Shutdown cancels outstanding executions and releases the pool.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	for _, r := range a.runs {
		r.cancel()
	}
	a.mu.Unlock()

	a.pool.Release()
	return nil
}
