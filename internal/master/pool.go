package master

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/slice"

	"yqhp/taskfarm/pkg/types"
)

// WorkerPool holds the worker handles known to the scheduler.
// Only the dispatch loop mutates it; other goroutines read snapshots.
type WorkerPool struct {
	workers map[string]*types.WorkerHandle

	subscribers []chan *types.WorkerEvent
	subMu       sync.RWMutex

	mu sync.RWMutex
}

// NewWorkerPool creates an empty pool.
func NewWorkerPool() *WorkerPool {
	return &WorkerPool{
		workers:     make(map[string]*types.WorkerHandle),
		subscribers: make([]chan *types.WorkerEvent, 0),
	}
}

// Add inserts a newly discovered worker in the idle state.
// The implicit backend, platform and speed tags are merged into its tag set.
func (p *WorkerPool) Add(w *types.WorkerHandle, now time.Time) error {
	if w == nil {
		return fmt.Errorf("worker cannot be nil")
	}
	if w.ID == "" {
		return fmt.Errorf("worker ID cannot be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.workers[w.ID]; exists {
		return fmt.Errorf("worker already in pool: %s", w.ID)
	}

	h := w.Clone()
	h.Tags = slice.Unique(append(h.Tags, h.CapabilityTags()...))
	sort.Strings(h.Tags)
	h.State = types.WorkerIdle
	if h.IdleSince.IsZero() {
		h.IdleSince = now
	}
	p.workers[h.ID] = h

	p.notifyEvent(&types.WorkerEvent{Type: types.WorkerEventAdded, Worker: h.Clone()})
	return nil
}

// Remove drops a worker from the pool.
func (p *WorkerPool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, exists := p.workers[id]
	if !exists {
		return fmt.Errorf("worker not found: %s", id)
	}
	delete(p.workers, id)

	p.notifyEvent(&types.WorkerEvent{Type: types.WorkerEventRemoved, Worker: w.Clone()})
	return nil
}

// SetState transitions a worker. Moving to idle resets IdleSince.
func (p *WorkerPool) SetState(id string, state types.WorkerState, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, exists := p.workers[id]
	if !exists {
		return fmt.Errorf("worker not found: %s", id)
	}
	if w.State == state {
		return nil
	}
	w.State = state
	if state == types.WorkerIdle {
		w.IdleSince = now
	}

	p.notifyEvent(&types.WorkerEvent{Type: types.WorkerEventState, Worker: w.Clone()})
	return nil
}

// Get returns a copy of one worker.
func (p *WorkerPool) Get(id string) (*types.WorkerHandle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	w, exists := p.workers[id]
	if !exists {
		return nil, false
	}
	return w.Clone(), true
}

// Has reports whether the worker is in the pool.
func (p *WorkerPool) Has(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.workers[id]
	return exists
}

// List returns copies of all workers sorted by ID. A nil filter matches everything.
func (p *WorkerPool) List(filter func(*types.WorkerHandle) bool) []*types.WorkerHandle {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*types.WorkerHandle, 0, len(p.workers))
	for _, w := range p.workers {
		if filter != nil && !filter(w) {
			continue
		}
		result = append(result, w.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Idle returns the idle workers.
func (p *WorkerPool) Idle() []*types.WorkerHandle {
	return p.List(func(w *types.WorkerHandle) bool { return w.State == types.WorkerIdle })
}

// IDsByBackend returns the IDs of all workers on one backend.
func (p *WorkerPool) IDsByBackend(kind types.BackendKind) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var ids []string
	for id, w := range p.workers {
		if w.Backend == kind {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of workers.
func (p *WorkerPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// CountByState returns the number of workers per state.
func (p *WorkerPool) CountByState() map[types.WorkerState]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	counts := make(map[types.WorkerState]int)
	for _, w := range p.workers {
		counts[w.State]++
	}
	return counts
}

// CountByBackend returns the number of workers per backend.
func (p *WorkerPool) CountByBackend() map[types.BackendKind]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	counts := make(map[types.BackendKind]int)
	for _, w := range p.workers {
		counts[w.Backend]++
	}
	return counts
}

// Clear removes every worker.
func (p *WorkerPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, w := range p.workers {
		delete(p.workers, id)
		p.notifyEvent(&types.WorkerEvent{Type: types.WorkerEventRemoved, Worker: w.Clone()})
	}
}

// Watch streams pool events until ctx is done. Slow readers miss events.
func (p *WorkerPool) Watch(ctx context.Context) <-chan *types.WorkerEvent {
	ch := make(chan *types.WorkerEvent, 100)

	p.subMu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.subMu.Unlock()

	go func() {
		<-ctx.Done()
		p.removeSubscriber(ch)
		close(ch)
	}()

	return ch
}

func (p *WorkerPool) notifyEvent(event *types.WorkerEvent) {
	p.subMu.RLock()
	defer p.subMu.RUnlock()

	for _, ch := range p.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (p *WorkerPool) removeSubscriber(ch chan *types.WorkerEvent) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	for i, sub := range p.subscribers {
		if sub == ch {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			break
		}
	}
}
