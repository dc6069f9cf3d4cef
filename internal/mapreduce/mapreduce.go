// Package mapreduce runs a two-phase MapReduce on top of the scheduler.
// Every input item becomes one map task; the emitted pairs are partitioned
// by key hash into buckets, and every bucket becomes one reduce task.
package mapreduce

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"yqhp/taskfarm/internal/master"
	"yqhp/taskfarm/pkg/types"
)

// Runner is the part of the scheduler MapReduce needs.
type Runner interface {
	SubmitBatch(tasks []*types.Task) ([]string, error)
	WaitAll(ctx context.Context, ids []string, timeout time.Duration) ([]types.Result, error)
	Cancel(taskID string) error
	Release(taskID string) error
}

// Options tunes a MapReduce run. The zero value is usable.
type Options struct {
	// Timeout bounds each phase. Zero waits without limit.
	Timeout      time.Duration
	Requirements []string
	Priority     int
	MapArgs      []string
	ReduceArgs   []string
	// Attachments are shipped with every map task.
	Attachments []types.Attachment
}

// Partition returns the reduce bucket of a key.
func Partition(key string, numReducers int) int {
	return int(xxhash.Sum64String(key) % uint64(numReducers))
}

// Buckets groups pairs into numReducers buckets, keeping emission order
// within each bucket.
func Buckets(pairs []types.KeyValue, numReducers int) [][]types.KeyValue {
	buckets := make([][]types.KeyValue, numReducers)
	for _, kv := range pairs {
		b := Partition(kv.Key, numReducers)
		buckets[b] = append(buckets[b], kv)
	}
	return buckets
}

// MapReduce runs mapFn over every item and reduceFn over every bucket, both
// as registered function payloads, and returns the reduce outputs in bucket
// order. A reduce output that is a list is flattened into the result.
func MapReduce(ctx context.Context, runner Runner, items []any, mapFn, reduceFn string, numReducers int, opts *Options) ([]any, error) {
	if numReducers < 1 {
		return nil, fmt.Errorf("numReducers must be at least 1, got %d", numReducers)
	}
	if opts == nil {
		opts = &Options{}
	}

	mapTasks := make([]*types.Task, len(items))
	for i, item := range items {
		mapTasks[i] = &types.Task{
			Payload:      types.Func(mapFn, opts.MapArgs...),
			Input:        item,
			Attachments:  opts.Attachments,
			Requirements: opts.Requirements,
			Priority:     opts.Priority,
		}
	}
	mapped, err := runPhase(ctx, runner, PhaseMap, mapTasks, opts.Timeout)
	if err != nil {
		return nil, err
	}

	var pairs []types.KeyValue
	for i, r := range mapped {
		kvs, err := types.AsKeyValues(r.Value)
		if err != nil {
			return nil, &PhaseError{
				Phase:  PhaseMap,
				Index:  i,
				TaskID: r.TaskID,
				Info:   &types.ErrorInfo{Kind: types.KindError, Message: err.Error()},
				Cause:  err,
			}
		}
		pairs = append(pairs, kvs...)
	}

	buckets := Buckets(pairs, numReducers)
	reduceTasks := make([]*types.Task, numReducers)
	for i, bucket := range buckets {
		if bucket == nil {
			bucket = []types.KeyValue{}
		}
		reduceTasks[i] = &types.Task{
			Payload:      types.Func(reduceFn, opts.ReduceArgs...),
			Input:        bucket,
			Requirements: opts.Requirements,
			Priority:     opts.Priority,
		}
	}
	reduced, err := runPhase(ctx, runner, PhaseReduce, reduceTasks, opts.Timeout)
	if err != nil {
		return nil, err
	}

	output := make([]any, 0, len(reduced))
	for _, r := range reduced {
		output = appendFlat(output, r.Value)
	}
	return output, nil
}

// runPhase submits the tasks, waits for all of them and releases their
// results. Unfinished tasks are cancelled when the phase aborts.
func runPhase(ctx context.Context, runner Runner, phase Phase, tasks []*types.Task, timeout time.Duration) ([]types.Result, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	ids, err := runner.SubmitBatch(tasks)
	defer func() {
		for _, id := range ids {
			_ = runner.Release(id)
		}
	}()
	if err != nil {
		cancelAll(runner, ids)
		return nil, &PhaseError{Phase: phase, Index: len(ids), Cause: err}
	}

	results, err := runner.WaitAll(ctx, ids, timeout)
	if err != nil {
		cancelAll(runner, ids)
		return nil, &PhaseError{Phase: phase, Index: -1, Cause: err}
	}

	for i, r := range results {
		if r.Status != types.StatusSuccess {
			cancelAll(runner, ids)
			return nil, &PhaseError{
				Phase:  phase,
				Index:  i,
				TaskID: r.TaskID,
				Info:   r.Error,
				Cause:  master.ResultError(r),
			}
		}
	}
	return results, nil
}

func cancelAll(runner Runner, ids []string) {
	for _, id := range ids {
		_ = runner.Cancel(id)
	}
}

func appendFlat(out []any, v any) []any {
	switch list := v.(type) {
	case []any:
		return append(out, list...)
	case []types.KeyValue:
		for _, kv := range list {
			out = append(out, kv)
		}
		return out
	default:
		return append(out, v)
	}
}
