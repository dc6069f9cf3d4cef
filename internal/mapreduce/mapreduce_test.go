package mapreduce

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"yqhp/taskfarm/internal/backend/local"
	"yqhp/taskfarm/internal/master"
	"yqhp/taskfarm/internal/payload"
	"yqhp/taskfarm/pkg/types"
)

// inlineRunner executes every task synchronously at submission.
type inlineRunner struct {
	runner  *payload.Runner
	waitErr error

	mu        sync.Mutex
	seq       int
	results   map[string]types.Result
	submitted []*types.Task
	cancelled []string
	released  []string
}

func newInlineRunner() *inlineRunner {
	return &inlineRunner{
		runner:  payload.NewRunner(nil, 0),
		results: make(map[string]types.Result),
	}
}

func (r *inlineRunner) SubmitBatch(tasks []*types.Task) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return ids, master.NewInvalidTaskError(err)
		}
		r.seq++
		id := fmt.Sprintf("task-%d", r.seq)
		task := t.Clone()
		task.ID = id
		r.submitted = append(r.submitted, task)

		res := types.Result{TaskID: id, Status: types.StatusSuccess, Attempts: 1}
		value, err := r.runner.Run(context.Background(), task)
		if err != nil {
			res.Status = types.StatusFailed
			res.Error = payload.ToErrorInfo(err)
		} else {
			res.Value = value
		}
		r.results[id] = res
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *inlineRunner) WaitAll(ctx context.Context, ids []string, timeout time.Duration) ([]types.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Result, len(ids))
	for i, id := range ids {
		out[i] = r.results[id]
	}
	return out, r.waitErr
}

func (r *inlineRunner) Cancel(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, taskID)
	return nil
}

func (r *inlineRunner) Release(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, taskID)
	delete(r.results, taskID)
	return nil
}

// sequentialSum computes MapReduce(items, emit-self, sum, n) without tasks.
func sequentialSum(items []int, numReducers int) []any {
	sums := make([]float64, numReducers)
	for _, item := range items {
		sums[Partition(fmt.Sprint(item), numReducers)] += float64(item)
	}
	out := make([]any, numReducers)
	for i, s := range sums {
		out[i] = s
	}
	return out
}

func toAny(items []int) []any {
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = v
	}
	return out
}

func TestMapReduceEmitSelfSum(t *testing.T) {
	runner := newInlineRunner()

	out, err := MapReduce(context.Background(), runner, toAny([]int{1, 2, 3, 4}), "emit-self", "sum", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, sequentialSum([]int{1, 2, 3, 4}, 2), out)

	total := 0.0
	for _, v := range out {
		total += v.(float64)
	}
	assert.Equal(t, 10.0, total)
	assert.Len(t, runner.submitted, 6)
	assert.Len(t, runner.released, 6)
	assert.Empty(t, runner.cancelled)
}

func TestMapReduceMatchesSequentialProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		items := rapid.SliceOf(rapid.IntRange(-1000, 1000)).Draw(t, "items")
		numReducers := rapid.IntRange(1, 6).Draw(t, "reducers")

		out, err := MapReduce(context.Background(), newInlineRunner(), toAny(items), "emit-self", "sum", numReducers, nil)
		if err != nil {
			t.Fatalf("map reduce: %v", err)
		}
		want := sequentialSum(items, numReducers)
		if len(out) != len(want) {
			t.Fatalf("got %d outputs, want %d", len(out), len(want))
		}
		for i := range want {
			if out[i] != want[i] {
				t.Fatalf("bucket %d: got %v, want %v", i, out[i], want[i])
			}
		}
	})
}

func TestBucketsPreserveEmissionOrder(t *testing.T) {
	pairs := []types.KeyValue{
		{Key: "a", Value: 1}, {Key: "b", Value: 2}, {Key: "a", Value: 3}, {Key: "c", Value: 4}, {Key: "a", Value: 5},
	}
	buckets := Buckets(pairs, 3)
	require.Len(t, buckets, 3)

	var aValues []any
	for _, kv := range buckets[Partition("a", 3)] {
		if kv.Key == "a" {
			aValues = append(aValues, kv.Value)
		}
	}
	assert.Equal(t, []any{1, 3, 5}, aValues)

	total := 0
	for _, b := range buckets {
		total += len(b)
	}
	assert.Equal(t, len(pairs), total)
}

func TestMapPhaseFailure(t *testing.T) {
	runner := newInlineRunner()

	_, err := MapReduce(context.Background(), runner, toAny([]int{1, 2}), "fail", "sum", 2, &Options{MapArgs: []string{"ValueError"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMapPhaseFailed))
	assert.False(t, errors.Is(err, ErrReducePhaseFailed))
	assert.True(t, master.IsTaskFailedError(err))

	var pe *PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 0, pe.Index)
	assert.Equal(t, "ValueError", pe.Info.Kind)
	assert.Len(t, runner.submitted, 2, "no reduce task runs after a map failure")
	assert.Len(t, runner.cancelled, 2)
}

func TestReducePhaseFailure(t *testing.T) {
	runner := newInlineRunner()

	_, err := MapReduce(context.Background(), runner, toAny([]int{1, 2, 3}), "emit-self", "fail", 2, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReducePhaseFailed))

	var pe *PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, PhaseReduce, pe.Phase)
	assert.Equal(t, types.KindError, pe.Info.Kind)
}

func TestMapOutputMustBePairs(t *testing.T) {
	_, err := MapReduce(context.Background(), newInlineRunner(), toAny([]int{4}), "square", "sum", 1, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMapPhaseFailed))
}

func TestWaitErrorAbortsPhase(t *testing.T) {
	runner := newInlineRunner()
	runner.waitErr = master.NewTimeoutError("task-1", time.Second)

	_, err := MapReduce(context.Background(), runner, toAny([]int{1}), "emit-self", "sum", 1, &Options{Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMapPhaseFailed))
	assert.True(t, master.IsTimeoutError(err))
	assert.Equal(t, []string{"task-1"}, runner.cancelled)
}

func TestInvalidArguments(t *testing.T) {
	_, err := MapReduce(context.Background(), newInlineRunner(), toAny([]int{1}), "emit-self", "sum", 0, nil)
	assert.Error(t, err)

	_, err = MapReduce(context.Background(), newInlineRunner(), toAny([]int{1}), "", "sum", 1, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, master.ErrInvalidTask))
}

func TestEmptyInputStillRunsReducers(t *testing.T) {
	runner := newInlineRunner()
	out, err := MapReduce(context.Background(), runner, nil, "emit-self", "sum", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{0.0, 0.0, 0.0}, out)
	assert.Len(t, runner.submitted, 3)
}

func TestWordCountOnScheduler(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.txt": "the quick brown fox",
		"b.txt": "the lazy dog and the fox",
	}
	var items []any
	for name, text := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
		items = append(items, path)
	}

	adapter, err := local.NewAdapter(local.Config{Workers: 2}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	cfg := master.DefaultConfig()
	cfg.DispatchInterval = 5 * time.Millisecond
	cfg.Logger = zaptest.NewLogger(t)
	s, err := master.NewScheduler(cfg, adapter)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	out, err := MapReduce(context.Background(), s, items, "wordcount.map", "wordcount.reduce", 3, &Options{Timeout: 10 * time.Second})
	require.NoError(t, err)

	counts := make(map[string]any)
	for _, v := range out {
		kv, ok := v.(types.KeyValue)
		require.True(t, ok, "output %T", v)
		counts[kv.Key] = kv.Value
	}
	assert.Equal(t, map[string]any{
		"the": 3, "quick": 1, "brown": 1, "fox": 2, "lazy": 1, "dog": 1, "and": 1,
	}, counts)
}

func TestEmitSelfSumOnScheduler(t *testing.T) {
	adapter, err := local.NewAdapter(local.Config{Workers: 3}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	cfg := master.DefaultConfig()
	cfg.DispatchInterval = 5 * time.Millisecond
	cfg.Logger = zaptest.NewLogger(t)
	s, err := master.NewScheduler(cfg, adapter)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	out, err := MapReduce(context.Background(), s, toAny([]int{1, 2, 3, 4}), "emit-self", "sum", 2, &Options{Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, sequentialSum([]int{1, 2, 3, 4}, 2), out)
}
