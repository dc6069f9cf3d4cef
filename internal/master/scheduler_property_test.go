// Property 2: under any interleaving of successes, transient failures,
// permanent failures, lost workers, failed polls and cancellations, no task
// ever has two live assignments, no worker carries two executions, every
// abandoned execution is cancelled on the backend, every task ends terminal,
// and no task is dispatched more than MaxAttempts times.
package master

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"yqhp/taskfarm/pkg/types"
)

func checkSchedulerInvariants(t *rapid.T, s *Scheduler) {
	workersSeen := make(map[string]string)
	for id, la := range s.inflight {
		if la.TaskID != id {
			t.Fatalf("in-flight entry %s holds assignment for %s", id, la.TaskID)
		}
		if other, ok := workersSeen[la.WorkerID]; ok {
			t.Fatalf("worker %s runs %s and %s", la.WorkerID, other, id)
		}
		workersSeen[la.WorkerID] = id
		if s.byWorker[la.WorkerID] != id {
			t.Fatalf("worker index out of sync for %s", la.WorkerID)
		}
		w, ok := s.pool.Get(la.WorkerID)
		if !ok || w.State != types.WorkerBusy {
			t.Fatalf("worker %s of live assignment is not busy", la.WorkerID)
		}
	}
	for _, d := range s.draining {
		if other, ok := workersSeen[d.WorkerID]; ok {
			t.Fatalf("draining worker %s also runs %s", d.WorkerID, other)
		}
		workersSeen[d.WorkerID] = "draining"
	}
	for _, st := range s.queue {
		if _, ok := s.inflight[st.task.ID]; ok {
			t.Fatalf("task %s is both queued and in flight", st.task.ID)
		}
		if st.attempts >= s.config.MaxAttempts {
			t.Fatalf("task %s requeued after %d attempts", st.task.ID, st.attempts)
		}
	}
	for _, w := range s.pool.List(nil) {
		if w.State == types.WorkerBusy {
			if _, ok := workersSeen[w.ID]; !ok {
				t.Fatalf("worker %s busy without an execution", w.ID)
			}
		}
	}
}

func TestSchedulerInvariantsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		workerCount := rapid.IntRange(1, 4).Draw(t, "workers")
		taskCount := rapid.IntRange(1, 12).Draw(t, "tasks")
		maxAttempts := rapid.IntRange(1, 4).Draw(t, "maxAttempts")

		adapter := newFakeAdapter(types.BackendLocal, workerCount)
		draws := 0
		adapter.behavior = func(task *types.Task, attempt int) types.ExecutionOutcome {
			draws++
			switch rapid.IntRange(0, 5).Draw(t, fmt.Sprintf("outcome%d", draws)) {
			case 0:
				return types.Failed(&types.ErrorInfo{Kind: types.KindUnreachable, Message: "flaky"})
			case 1:
				return types.Failed(&types.ErrorInfo{Kind: "ZeroDivisionError", Message: "boom"})
			case 2:
				return types.Lost("node rebooted")
			case 3:
				return types.Running()
			default:
				return types.Succeeded(attempt)
			}
		}

		polls := 0
		adapter.pollErr = func(token types.AssignmentToken) error {
			polls++
			if rapid.IntRange(0, 7).Draw(t, fmt.Sprintf("pollErr%d", polls)) == 0 {
				return errors.New("api server hiccup")
			}
			return nil
		}

		cfg := DefaultConfig()
		cfg.MaxAttempts = maxAttempts
		cfg.TaskTimeout = 50 * time.Millisecond
		cfg.DiscoveryInterval = 30 * time.Millisecond
		cfg.CancelGrace = 40 * time.Millisecond
		s, clock := newManualScheduler(cfg, adapter)

		ids := make([]string, taskCount)
		for i := range ids {
			id, err := s.Submit(funcTask(i))
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			ids[i] = id
		}
		cancelAt := rapid.IntRange(-1, taskCount-1).Draw(t, "cancel")

		for round := 0; round < 1000; round++ {
			if round == 2 && cancelAt >= 0 {
				_ = s.Cancel(ids[cancelAt])
			}
			rounds(s, clock, 1, 10*time.Millisecond)
			checkSchedulerInvariants(t, s)
			for token := range s.draining {
				if !adapter.wasCancelled(token) {
					t.Fatalf("abandoned execution %s was never cancelled", token)
				}
			}

			if s.results.Counts()[types.StatusPending] == 0 {
				break
			}
		}

		for _, id := range ids {
			r, err := s.Get(id)
			if err != nil {
				t.Fatalf("get %s: %v", id, err)
			}
			if !r.IsTerminal() {
				t.Fatalf("task %s still %s", id, r.Status)
			}
			if r.Attempts > maxAttempts {
				t.Fatalf("task %s dispatched %d times, limit %d", id, r.Attempts, maxAttempts)
			}
			if r.Status == types.StatusFailed && r.Error.Kind == types.KindUnreachable && r.Attempts != maxAttempts {
				t.Fatalf("task %s gave up on a transient failure after %d of %d attempts", id, r.Attempts, maxAttempts)
			}
		}
	})
}

func TestRetryBoundProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxAttempts := rapid.IntRange(1, 6).Draw(t, "maxAttempts")
		kind := rapid.SampledFrom(DefaultTransientKinds).Draw(t, "kind")

		adapter := newFakeAdapter(types.BackendLocal, 1)
		adapter.behavior = func(task *types.Task, attempt int) types.ExecutionOutcome {
			return types.Failed(&types.ErrorInfo{Kind: kind, Message: "always"})
		}
		cfg := DefaultConfig()
		cfg.MaxAttempts = maxAttempts
		s, clock := newManualScheduler(cfg, adapter)

		id, _ := s.Submit(funcTask(nil))
		rounds(s, clock, 2*maxAttempts+2, 10*time.Millisecond)

		r, _ := s.Get(id)
		if r.Status != types.StatusFailed || r.Attempts != maxAttempts {
			t.Fatalf("status %s after %d attempts, want failed after %d", r.Status, r.Attempts, maxAttempts)
		}
		if got := len(adapter.executions()); got != maxAttempts {
			t.Fatalf("executed %d times, want %d", got, maxAttempts)
		}
	})
}
