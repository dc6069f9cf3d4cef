package master

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/taskfarm/pkg/types"
)

func TestFileCheckpointerRoundTrip(t *testing.T) {
	cp, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)
	defer cp.Close()
	ctx := context.Background()

	_, ok, err := cp.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	saved := types.Result{
		TaskID:   "t1",
		Name:     "population/7",
		Status:   types.StatusSuccess,
		Value:    map[string]any{"fitness": 0.5},
		Attempts: 2,
	}
	require.NoError(t, cp.Save(ctx, saved.Name, saved))

	got, ok, err := cp.Load(ctx, "population/7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StatusSuccess, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, map[string]any{"fitness": 0.5}, got.Value)
}

func TestFileCheckpointerRequiresDir(t *testing.T) {
	_, err := NewFileCheckpointer("")
	assert.Error(t, err)
}

func TestRedisCheckpointerReportsConnectionErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	cp := NewRedisCheckpointer(client, "")
	defer cp.Close()

	err := cp.Save(context.Background(), "n", types.Result{Status: types.StatusSuccess})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save checkpoint n")

	_, ok, err := cp.Load(context.Background(), "n")
	assert.Error(t, err)
	assert.False(t, ok)
}

// hashHook serves HSET and HGET from memory so the checkpointer can be
// exercised without a Redis server. Every other command fails.
type hashHook struct {
	mu     sync.Mutex
	fields map[string]string
}

func (h *hashHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, fmt.Errorf("dial %s: no server in tests", addr)
	}
}

func (h *hashHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		args := cmd.Args()
		switch cmd.Name() {
		case "hset":
			for i := 2; i+1 < len(args); i += 2 {
				h.fields[fmt.Sprint(args[1])+"/"+fmt.Sprint(args[i])] = toString(args[i+1])
			}
			cmd.(*redis.IntCmd).SetVal(int64((len(args) - 2) / 2))
			return nil
		case "hget":
			v, ok := h.fields[fmt.Sprint(args[1])+"/"+fmt.Sprint(args[2])]
			if !ok {
				cmd.SetErr(redis.Nil)
				return redis.Nil
			}
			cmd.(*redis.StringCmd).SetVal(v)
			return nil
		default:
			err := fmt.Errorf("unsupported command %s", cmd.Name())
			cmd.SetErr(err)
			return err
		}
	}
}

func (h *hashHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func toString(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

func TestRedisCheckpointerRoundTrip(t *testing.T) {
	hook := &hashHook{fields: make(map[string]string)}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	client.AddHook(hook)
	cp := NewRedisCheckpointer(client, "tf:test")
	defer cp.Close()
	ctx := context.Background()

	_, ok, err := cp.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	saved := types.Result{
		TaskID:   "t1",
		Name:     "population/7",
		Status:   types.StatusSuccess,
		Value:    []any{1.0, "two"},
		Attempts: 3,
	}
	require.NoError(t, cp.Save(ctx, saved.Name, saved))
	assert.Contains(t, hook.fields, "tf:test/population/7")

	got, ok, err := cp.Load(ctx, "population/7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, types.StatusSuccess, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, []any{1.0, "two"}, got.Value)
}

func TestSchedulerRestoresFromRedisCheckpoint(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	client.AddHook(&hashHook{fields: make(map[string]string)})
	cp := NewRedisCheckpointer(client, "")
	defer cp.Close()
	require.NoError(t, cp.Save(context.Background(), "step-1", types.Result{Status: types.StatusSuccess, Value: "cached"}))

	adapter := newFakeAdapter(types.BackendLocal, 1)
	cfg := DefaultConfig()
	cfg.Checkpointer = cp
	s, clock := newManualScheduler(cfg, adapter)

	id, err := s.Submit(&types.Task{Name: "step-1", Payload: types.Func("echo"), Input: "fresh"})
	require.NoError(t, err)
	rounds(s, clock, 2, 10*time.Millisecond)

	r, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, r.Status)
	assert.Equal(t, "cached", r.Value)
	assert.Empty(t, adapter.executions())
}
