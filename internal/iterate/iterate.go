// Package iterate drives simulate-then-submit-next-batch workflows: each
// round fans the current state out as tasks, waits for all of them and
// folds their values into the next state.
package iterate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"yqhp/taskfarm/internal/master"
	"yqhp/taskfarm/pkg/types"
)

// Runner is the part of the scheduler the helper needs.
type Runner interface {
	SubmitBatch(tasks []*types.Task) ([]string, error)
	WaitAll(ctx context.Context, ids []string, timeout time.Duration) ([]types.Result, error)
	Cancel(taskID string) error
	Release(taskID string) error
}

// Spec describes an iterative computation over a state of type S.
type Spec[S any] struct {
	Initial S
	// Step is the payload run for every unit of work.
	Step types.Payload
	// Split derives the task inputs of a round from the current state.
	Split func(state S, round int) []any
	// Combine folds the round's values, in Split order, into the next state.
	Combine func(state S, values []any, round int) (S, error)
	// Converged reports whether the state is final. It is checked before
	// every round.
	Converged func(state S, round int) bool
	MaxRounds int

	// RoundTimeout bounds each round. Zero waits without limit.
	RoundTimeout time.Duration
	Requirements []string
	Priority     int
}

// Outcome is the final state and how it was reached.
type Outcome[S any] struct {
	State     S
	Rounds    int
	Converged bool
}

// ErrRoundFailed is matched by every RoundError.
var ErrRoundFailed = errors.New("iteration round failed")

// RoundError aborts a run. Cause is the first failed task's TASK_FAILED
// error, the wait error, or the error returned by Combine.
type RoundError struct {
	Round  int
	TaskID string
	Info   *types.ErrorInfo
	Cause  error
}

func (e *RoundError) Error() string {
	if e.Info != nil {
		return fmt.Sprintf("round %d failed: task %s: %s", e.Round, e.TaskID, e.Info)
	}
	return fmt.Sprintf("round %d failed: %v", e.Round, e.Cause)
}

func (e *RoundError) Unwrap() error {
	return e.Cause
}

func (e *RoundError) Is(target error) bool {
	return target == ErrRoundFailed
}

// Run iterates until Converged reports true or MaxRounds rounds have run.
// On failure the state reached before the failing round is returned with
// the error.
func Run[S any](ctx context.Context, runner Runner, spec Spec[S]) (Outcome[S], error) {
	out := Outcome[S]{State: spec.Initial}
	if spec.MaxRounds < 1 {
		return out, fmt.Errorf("MaxRounds must be at least 1, got %d", spec.MaxRounds)
	}
	if spec.Split == nil || spec.Combine == nil {
		return out, errors.New("split and combine functions are required")
	}

	for round := 0; round < spec.MaxRounds; round++ {
		if spec.Converged != nil && spec.Converged(out.State, round) {
			out.Converged = true
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		values, err := runRound(ctx, runner, spec, round, spec.Split(out.State, round))
		if err != nil {
			return out, err
		}
		next, err := spec.Combine(out.State, values, round)
		if err != nil {
			return out, &RoundError{Round: round, Cause: err}
		}
		out.State = next
		out.Rounds = round + 1
	}

	if spec.Converged != nil && spec.Converged(out.State, out.Rounds) {
		out.Converged = true
	}
	return out, nil
}

func runRound[S any](ctx context.Context, runner Runner, spec Spec[S], round int, inputs []any) ([]any, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	tasks := make([]*types.Task, len(inputs))
	for i, input := range inputs {
		tasks[i] = &types.Task{
			Payload:      spec.Step,
			Input:        input,
			Requirements: spec.Requirements,
			Priority:     spec.Priority,
		}
	}

	ids, err := runner.SubmitBatch(tasks)
	defer func() {
		for _, id := range ids {
			_ = runner.Release(id)
		}
	}()
	if err != nil {
		cancelAll(runner, ids)
		return nil, &RoundError{Round: round, Cause: err}
	}

	results, err := runner.WaitAll(ctx, ids, spec.RoundTimeout)
	if err != nil {
		cancelAll(runner, ids)
		return nil, &RoundError{Round: round, Cause: err}
	}

	values := make([]any, len(results))
	for i, r := range results {
		if r.Status != types.StatusSuccess {
			cancelAll(runner, ids)
			return nil, &RoundError{Round: round, TaskID: r.TaskID, Info: r.Error, Cause: master.ResultError(r)}
		}
		values[i] = r.Value
	}
	return values, nil
}

func cancelAll(runner Runner, ids []string) {
	for _, id := range ids {
		_ = runner.Cancel(id)
	}
}
