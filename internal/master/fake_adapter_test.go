package master

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"yqhp/taskfarm/internal/backend"
	"yqhp/taskfarm/pkg/types"
)

type fakeRun struct {
	task    *types.Task
	worker  string
	outcome types.ExecutionOutcome
}

// fakeAdapter is a scripted backend. behavior decides the outcome of each
// execution at Execute time; a Running outcome stays running until complete
// is called for the task.
type fakeAdapter struct {
	kind types.BackendKind

	mu         sync.Mutex
	workers    []*types.WorkerHandle
	behavior   func(task *types.Task, attempt int) types.ExecutionOutcome
	executeErr error
	pollErr    func(token types.AssignmentToken) error
	pollPanic  bool
	runs       map[types.AssignmentToken]*fakeRun
	attempts   map[string]int
	executed   []string
	cancelled  []types.AssignmentToken
	released   []string
	shutdown   bool
	notify     func()
	tokenSeq   int
}

func newFakeAdapter(kind types.BackendKind, workers int) *fakeAdapter {
	a := &fakeAdapter{
		kind:     kind,
		runs:     make(map[types.AssignmentToken]*fakeRun),
		attempts: make(map[string]int),
		behavior: func(task *types.Task, attempt int) types.ExecutionOutcome {
			return types.Succeeded(task.Input)
		},
	}
	for i := 0; i < workers; i++ {
		a.workers = append(a.workers, &types.WorkerHandle{ID: fmt.Sprintf("%s-%d", kind, i), Backend: kind})
	}
	return a
}

func (a *fakeAdapter) Kind() types.BackendKind { return a.kind }

func (a *fakeAdapter) DiscoverWorkers(ctx context.Context) ([]*types.WorkerHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*types.WorkerHandle, len(a.workers))
	for i, w := range a.workers {
		out[i] = w.Clone()
	}
	return out, nil
}

func (a *fakeAdapter) Execute(ctx context.Context, worker *types.WorkerHandle, task *types.Task) (types.AssignmentToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.executeErr != nil {
		return "", a.executeErr
	}
	a.tokenSeq++
	a.attempts[task.ID]++
	token := types.AssignmentToken(fmt.Sprintf("tok-%d", a.tokenSeq))
	a.runs[token] = &fakeRun{task: task, worker: worker.ID, outcome: a.behavior(task, a.attempts[task.ID])}
	a.executed = append(a.executed, task.ID)
	return token, nil
}

func (a *fakeAdapter) Poll(ctx context.Context, token types.AssignmentToken) (types.ExecutionOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pollPanic {
		panic("poll exploded")
	}
	if a.pollErr != nil {
		if err := a.pollErr(token); err != nil {
			return types.ExecutionOutcome{}, err
		}
	}
	run, ok := a.runs[token]
	if !ok {
		return types.ExecutionOutcome{}, &backend.ErrUnknownToken{Token: token}
	}
	if run.outcome.State != types.OutcomeRunning {
		delete(a.runs, token)
	}
	return run.outcome, nil
}

func (a *fakeAdapter) Cancel(ctx context.Context, token types.AssignmentToken) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = append(a.cancelled, token)
	return nil
}

func (a *fakeAdapter) ReleaseAttachments(ctx context.Context, task *types.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = append(a.released, task.ID)
	return nil
}

func (a *fakeAdapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = true
	return nil
}

func (a *fakeAdapter) SetNotify(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notify = fn
}

// complete finishes every running execution of the task.
func (a *fakeAdapter) complete(taskID string, outcome types.ExecutionOutcome) {
	a.mu.Lock()
	var notify func()
	for _, run := range a.runs {
		if run.task.ID == taskID && run.outcome.State == types.OutcomeRunning {
			run.outcome = outcome
		}
	}
	notify = a.notify
	a.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (a *fakeAdapter) setWorkers(ids ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workers = nil
	for _, id := range ids {
		a.workers = append(a.workers, &types.WorkerHandle{ID: id, Backend: a.kind})
	}
}

func (a *fakeAdapter) executions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.executed...)
}

func (a *fakeAdapter) wasCancelled(token types.AssignmentToken) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.cancelled {
		if c == token {
			return true
		}
	}
	return false
}

func (a *fakeAdapter) cancels() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cancelled)
}

func toAdapters(fakes []*fakeAdapter) []backend.Adapter {
	out := make([]backend.Adapter, len(fakes))
	for i, f := range fakes {
		out[i] = f
	}
	return out
}

// newManualScheduler builds a scheduler driven by explicit runRound calls.
func newManualScheduler(cfg *Config, adapters ...backend.Adapter) (*Scheduler, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Clock = clock
	cfg.Logger = zap.NewNop()
	s, err := NewScheduler(cfg, adapters...)
	if err != nil {
		panic(err)
	}
	return s, clock
}

// rounds runs n dispatch rounds, advancing the clock by step before each.
func rounds(s *Scheduler, clock *clockwork.FakeClock, n int, step time.Duration) {
	for i := 0; i < n; i++ {
		clock.Advance(step)
		s.runRound(context.Background())
	}
}

func funcTask(input any) *types.Task {
	return &types.Task{Payload: types.Func("echo"), Input: input}
}
