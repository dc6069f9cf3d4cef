package iterate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"yqhp/taskfarm/internal/backend/local"
	"yqhp/taskfarm/internal/master"
	"yqhp/taskfarm/internal/payload"
	"yqhp/taskfarm/pkg/types"
)

func newScheduler(t *testing.T) *master.Scheduler {
	t.Helper()
	adapter, err := local.NewAdapter(local.Config{Workers: 2}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	cfg := master.DefaultConfig()
	cfg.DispatchInterval = 5 * time.Millisecond
	cfg.Logger = zaptest.NewLogger(t)
	s, err := master.NewScheduler(cfg, adapter)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func squaresSpec() Spec[[]float64] {
	return Spec[[]float64]{
		Initial: []float64{2, 3},
		Step:    types.Func("square"),
		Split: func(state []float64, round int) []any {
			inputs := make([]any, len(state))
			for i, v := range state {
				inputs[i] = v
			}
			return inputs
		},
		Combine: func(state []float64, values []any, round int) ([]float64, error) {
			next := make([]float64, len(values))
			for i, v := range values {
				n, err := payload.ToFloat(v)
				if err != nil {
					return nil, err
				}
				next[i] = n
			}
			return next, nil
		},
		Converged: func(state []float64, round int) bool {
			for _, v := range state {
				if v > 1000 {
					return true
				}
			}
			return false
		},
		MaxRounds:    10,
		RoundTimeout: 10 * time.Second,
	}
}

func TestRunConverges(t *testing.T) {
	out, err := Run(context.Background(), newScheduler(t), squaresSpec())
	require.NoError(t, err)
	assert.True(t, out.Converged)
	assert.Equal(t, 3, out.Rounds)
	assert.Equal(t, []float64{256, 6561}, out.State)
}

func TestRunStopsAtMaxRounds(t *testing.T) {
	spec := squaresSpec()
	spec.MaxRounds = 2

	out, err := Run(context.Background(), newScheduler(t), spec)
	require.NoError(t, err)
	assert.False(t, out.Converged)
	assert.Equal(t, 2, out.Rounds)
	assert.Equal(t, []float64{16, 81}, out.State)
}

func TestRunAlreadyConverged(t *testing.T) {
	s := newScheduler(t)
	spec := squaresSpec()
	spec.Initial = []float64{5000}

	out, err := Run(context.Background(), s, spec)
	require.NoError(t, err)
	assert.True(t, out.Converged)
	assert.Equal(t, 0, out.Rounds)
	assert.Equal(t, int64(0), s.Status().Submitted)
}

func TestRunScriptStep(t *testing.T) {
	spec := Spec[float64]{
		Initial: 0,
		Step:    types.Script("step.js", "input + 1"),
		Split: func(state float64, round int) []any {
			return []any{state, state, state}
		},
		Combine: func(state float64, values []any, round int) (float64, error) {
			total := 0.0
			for _, v := range values {
				n, err := payload.ToFloat(v)
				if err != nil {
					return 0, err
				}
				total += n
			}
			return total, nil
		},
		MaxRounds: 3,
	}

	out, err := Run(context.Background(), newScheduler(t), spec)
	require.NoError(t, err)
	// 0 -> 3 -> 12 -> 39
	assert.Equal(t, 39.0, out.State)
	assert.Equal(t, 3, out.Rounds)
}

func TestRunTaskFailure(t *testing.T) {
	spec := squaresSpec()
	spec.Step = types.Func("fail", "OverflowError")

	out, err := Run(context.Background(), newScheduler(t), spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRoundFailed))
	assert.True(t, master.IsTaskFailedError(err))

	var re *RoundError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 0, re.Round)
	assert.Equal(t, "OverflowError", re.Info.Kind)
	assert.Equal(t, []float64{2, 3}, out.State)
}

func TestRunCombineError(t *testing.T) {
	spec := squaresSpec()
	boom := errors.New("diverged")
	spec.Combine = func(state []float64, values []any, round int) ([]float64, error) {
		return nil, boom
	}

	_, err := Run(context.Background(), newScheduler(t), spec)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrRoundFailed)
}

func TestRunValidatesSpec(t *testing.T) {
	spec := squaresSpec()
	spec.MaxRounds = 0
	_, err := Run(context.Background(), nil, spec)
	assert.Error(t, err)

	spec = squaresSpec()
	spec.Split = nil
	_, err = Run(context.Background(), nil, spec)
	assert.Error(t, err)
}
