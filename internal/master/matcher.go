package master

import (
	"sort"

	"github.com/duke-git/lancet/v2/slice"

	"yqhp/taskfarm/pkg/types"
)

// Pair is one worker-task pairing proposed by Match.
type Pair struct {
	Worker *types.WorkerHandle
	Task   *types.Task
}

// Eligible reports whether the worker's tags satisfy every requirement of the task.
// A task without requirements runs anywhere.
func Eligible(worker *types.WorkerHandle, task *types.Task) bool {
	if len(task.Requirements) == 0 {
		return true
	}
	return slice.ContainSubSlice(worker.Tags, task.Requirements)
}

// Match pairs idle workers with pending tasks.
//
// Tasks are taken in the order given. Each task gets the eligible worker that
// has been idle longest, ties broken by worker ID. Every worker and every task
// appears in at most one pair. Match does not modify its arguments and returns
// the same pairs for the same inputs.
func Match(idle []*types.WorkerHandle, pending []*types.Task) []Pair {
	if len(idle) == 0 || len(pending) == 0 {
		return nil
	}

	workers := make([]*types.WorkerHandle, len(idle))
	copy(workers, idle)
	sort.SliceStable(workers, func(i, j int) bool {
		if !workers[i].IdleSince.Equal(workers[j].IdleSince) {
			return workers[i].IdleSince.Before(workers[j].IdleSince)
		}
		return workers[i].ID < workers[j].ID
	})

	used := make([]bool, len(workers))
	remaining := len(workers)
	var pairs []Pair
	for _, task := range pending {
		if remaining == 0 {
			break
		}
		for i, w := range workers {
			if used[i] || !Eligible(w, task) {
				continue
			}
			used[i] = true
			remaining--
			pairs = append(pairs, Pair{Worker: w, Task: task})
			break
		}
	}
	return pairs
}
