package master

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/taskfarm/pkg/types"
)

func TestWorkerPoolAddMergesImplicitTags(t *testing.T) {
	pool := NewWorkerPool()
	now := time.Now()

	require.NoError(t, pool.Add(&types.WorkerHandle{
		ID:         "w1",
		Backend:    types.BackendGrid,
		Platform:   "linux/amd64",
		SpeedClass: "fast",
		Tags:       []string{"gpu", "gpu"},
		State:      types.WorkerBusy,
	}, now))

	w, ok := pool.Get("w1")
	require.True(t, ok)
	assert.Equal(t, types.WorkerIdle, w.State)
	assert.Equal(t, now, w.IdleSince)
	assert.Equal(t, []string{"backend=grid", "gpu", "platform=linux/amd64", "speed=fast"}, w.Tags)

	assert.Error(t, pool.Add(&types.WorkerHandle{ID: "w1"}, now))
	assert.Error(t, pool.Add(&types.WorkerHandle{}, now))
	assert.Error(t, pool.Add(nil, now))
}

func TestWorkerPoolStateTransitions(t *testing.T) {
	pool := NewWorkerPool()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, pool.Add(&types.WorkerHandle{ID: "w1", Backend: types.BackendLocal}, base))
	require.NoError(t, pool.Add(&types.WorkerHandle{ID: "w2", Backend: types.BackendBOINC}, base))

	require.NoError(t, pool.SetState("w1", types.WorkerBusy, base.Add(time.Second)))
	assert.Len(t, pool.Idle(), 1)

	require.NoError(t, pool.SetState("w1", types.WorkerIdle, base.Add(time.Minute)))
	w, _ := pool.Get("w1")
	assert.Equal(t, base.Add(time.Minute), w.IdleSince)

	assert.Equal(t, map[types.WorkerState]int{types.WorkerIdle: 2}, pool.CountByState())
	assert.Equal(t, []string{"w2"}, pool.IDsByBackend(types.BackendBOINC))
	assert.Equal(t, 1, pool.CountByBackend()[types.BackendLocal])

	assert.Error(t, pool.SetState("missing", types.WorkerBusy, base))
	require.NoError(t, pool.Remove("w2"))
	assert.False(t, pool.Has("w2"))
	assert.Error(t, pool.Remove("w2"))
}

func TestWorkerPoolWatch(t *testing.T) {
	pool := NewWorkerPool()
	ctx, cancel := context.WithCancel(context.Background())
	events := pool.Watch(ctx)

	require.NoError(t, pool.Add(&types.WorkerHandle{ID: "w1", Backend: types.BackendLocal}, time.Now()))
	require.NoError(t, pool.SetState("w1", types.WorkerBusy, time.Now()))
	pool.Clear()

	want := []types.WorkerEventType{types.WorkerEventAdded, types.WorkerEventState, types.WorkerEventRemoved}
	for _, typ := range want {
		select {
		case ev := <-events:
			assert.Equal(t, typ, ev.Type)
			assert.Equal(t, "w1", ev.Worker.ID)
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", typ)
		}
	}

	cancel()
	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
