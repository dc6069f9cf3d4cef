package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/taskfarm/pkg/types"
)

func worker(id string, idle time.Time, tags ...string) *types.WorkerHandle {
	return &types.WorkerHandle{ID: id, Backend: types.BackendLocal, Tags: tags, State: types.WorkerIdle, IdleSince: idle}
}

func task(id string, reqs ...string) *types.Task {
	return &types.Task{ID: id, Payload: types.Func("f"), Requirements: reqs}
}

func TestMatchEmpty(t *testing.T) {
	assert.Empty(t, Match(nil, []*types.Task{task("t1")}))
	assert.Empty(t, Match([]*types.WorkerHandle{worker("w1", time.Now())}, nil))
}

func TestMatchPrefersLongestIdle(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	workers := []*types.WorkerHandle{
		worker("w-new", base.Add(time.Minute)),
		worker("w-old", base),
	}
	pairs := Match(workers, []*types.Task{task("t1")})
	require.Len(t, pairs, 1)
	assert.Equal(t, "w-old", pairs[0].Worker.ID)
}

func TestMatchTieBreaksOnID(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pairs := Match([]*types.WorkerHandle{worker("b", base), worker("a", base)}, []*types.Task{task("t1"), task("t2")})
	require.Len(t, pairs, 2)
	assert.Equal(t, "a", pairs[0].Worker.ID)
	assert.Equal(t, "t1", pairs[0].Task.ID)
	assert.Equal(t, "b", pairs[1].Worker.ID)
}

func TestMatchRespectsRequirements(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	workers := []*types.WorkerHandle{
		worker("cpu", base),
		worker("gpu", base.Add(time.Second), "gpu", "cuda12"),
	}
	tasks := []*types.Task{
		task("needs-gpu", "gpu", "cuda12"),
		task("needs-tpu", "tpu"),
		task("anything"),
	}

	pairs := Match(workers, tasks)
	require.Len(t, pairs, 2)
	assert.Equal(t, "needs-gpu", pairs[0].Task.ID)
	assert.Equal(t, "gpu", pairs[0].Worker.ID)
	assert.Equal(t, "anything", pairs[1].Task.ID)
	assert.Equal(t, "cpu", pairs[1].Worker.ID)
}

func TestMatchDoesNotReorderInput(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	workers := []*types.WorkerHandle{worker("z", base.Add(time.Hour)), worker("a", base)}
	Match(workers, []*types.Task{task("t1")})
	assert.Equal(t, "z", workers[0].ID)
}
