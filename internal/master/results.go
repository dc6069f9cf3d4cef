package master

import (
	"sync"
	"time"

	"yqhp/taskfarm/pkg/types"
)

type resultEntry struct {
	result types.Result
	done   chan struct{}
}

// ResultStore maps task IDs to results. Reads never block; each result
// becomes terminal at most once.
type ResultStore struct {
	entries map[string]*resultEntry
	mu      sync.RWMutex
}

// NewResultStore creates an empty store.
func NewResultStore() *ResultStore {
	return &ResultStore{
		entries: make(map[string]*resultEntry),
	}
}

// Open creates the pending result for a submitted task.
func (s *ResultStore) Open(taskID, name string, submitTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[taskID]; exists {
		return
	}
	s.entries[taskID] = &resultEntry{
		result: types.Result{
			TaskID:     taskID,
			Name:       name,
			Status:     types.StatusPending,
			SubmitTime: submitTime,
		},
		done: make(chan struct{}),
	}
}

// Get returns the current result. It returns the pending record when the
// task is not terminal yet.
func (s *ResultStore) Get(taskID string) (types.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entries[taskID]
	if !exists {
		return types.Result{}, NewUnknownTaskError(taskID)
	}
	return e.result, nil
}

// SetTerminal records the final outcome. A second call fails with
// DOUBLE_COMPLETION and leaves the first outcome in place.
func (s *ResultStore) SetTerminal(taskID string, r types.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[taskID]
	if !exists {
		return NewUnknownTaskError(taskID)
	}
	if e.result.IsTerminal() {
		return NewDoubleCompletionError(taskID, e.result.Status)
	}
	if !r.IsTerminal() {
		return &SchedulerError{Code: ErrCodeInvalidTask, Message: "result status is not terminal", TaskID: taskID}
	}

	r.TaskID = taskID
	if r.SubmitTime.IsZero() {
		r.SubmitTime = e.result.SubmitTime
	}
	if r.Name == "" {
		r.Name = e.result.Name
	}
	e.result = r
	close(e.done)
	return nil
}

// Touch updates the non-terminal bookkeeping of a pending result.
func (s *ResultStore) Touch(taskID string, attempts int, workerID string, start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[taskID]
	if !exists || e.result.IsTerminal() {
		return
	}
	e.result.Attempts = attempts
	e.result.WorkerID = workerID
	e.result.StartTime = start
}

// Done returns a channel closed when the result becomes terminal.
func (s *ResultStore) Done(taskID string) (<-chan struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entries[taskID]
	if !exists {
		return nil, NewUnknownTaskError(taskID)
	}
	return e.done, nil
}

// Release forgets a result. Later lookups fail with UNKNOWN_TASK.
func (s *ResultStore) Release(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[taskID]; !exists {
		return NewUnknownTaskError(taskID)
	}
	delete(s.entries, taskID)
	return nil
}

// Counts returns how many results are in each status.
func (s *ResultStore) Counts() map[types.ResultStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[types.ResultStatus]int)
	for _, e := range s.entries {
		counts[e.result.Status]++
	}
	return counts
}

// Len returns the number of results held.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
