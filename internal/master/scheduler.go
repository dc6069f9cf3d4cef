package master

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"yqhp/taskfarm/internal/backend"
	"yqhp/taskfarm/pkg/types"
)

// SchedulerState is the lifecycle state of a Scheduler.
type SchedulerState string

const (
	StateCreated    SchedulerState = "created"
	StateRunning    SchedulerState = "running"
	StateFinalizing SchedulerState = "finalizing"
	StateFinalized  SchedulerState = "finalized"
)

// Config holds scheduler settings.
type Config struct {
	ID                string
	MaxAttempts       int
	DispatchInterval  time.Duration
	DiscoveryInterval time.Duration
	// TaskTimeout bounds one attempt on a worker. Zero disables it.
	TaskTimeout   time.Duration
	FinalizeGrace time.Duration
	// CancelGrace bounds how long a worker stays reserved after its
	// execution was cancelled and the backend still reports it running.
	CancelGrace    time.Duration
	BackendTimeout time.Duration
	TransientKinds []string
	Clock          clockwork.Clock
	Logger         *zap.Logger
	Checkpointer   Checkpointer
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		ID:                uuid.New().String(),
		MaxAttempts:       3,
		DispatchInterval:  100 * time.Millisecond,
		DiscoveryInterval: 5 * time.Second,
		FinalizeGrace:     30 * time.Second,
		CancelGrace:       30 * time.Second,
		BackendTimeout:    10 * time.Second,
		TransientKinds:    append([]string(nil), DefaultTransientKinds...),
	}
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	def := DefaultConfig()
	if cfg.ID == "" {
		cfg.ID = def.ID
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = def.DispatchInterval
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = def.DiscoveryInterval
	}
	if cfg.FinalizeGrace < 0 {
		cfg.FinalizeGrace = 0
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = def.BackendTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &cfg
}

type taskState struct {
	task     *types.Task
	seq      uint64
	attempts int
	backends map[types.BackendKind]backend.Adapter
}

type liveAssignment struct {
	types.Assignment
	state   *taskState
	adapter backend.Adapter
}

type drainingAssignment struct {
	*liveAssignment
	since time.Time
}

type commandKind int

const (
	cmdSubmit commandKind = iota
	cmdCancel
	cmdFinalize
)

type command struct {
	kind     commandKind
	task     *taskState
	restored *types.Result
	taskID   string
}

type workerFate int

const (
	fateIdle workerFate = iota
	fateRemove
)

// Scheduler dispatches tasks to workers provided by backend adapters.
type Scheduler struct {
	config   *Config
	adapters map[types.BackendKind]backend.Adapter
	kinds    []types.BackendKind
	pool     *WorkerPool
	results  *ResultStore
	policy   RetryPolicy
	clock    clockwork.Clock
	log      *zap.Logger
	stats    *executionStats

	// owned by the dispatch loop
	tasks            map[string]*taskState
	queue            []*taskState
	inflight         map[string]*liveAssignment
	byWorker         map[string]string
	draining         map[types.AssignmentToken]*drainingAssignment
	lastDiscovery    time.Time
	finalizing       bool
	finalizeDeadline time.Time

	mailMu  sync.Mutex
	mailbox []command
	wake    chan struct{}
	seq     atomic.Uint64

	state        atomic.Value
	accepting    atomic.Bool
	started      atomic.Bool
	finalizeOnce sync.Once
	done         chan struct{}

	// guards cancel together with the started transition
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	queuedCount   atomic.Int64
	inflightCount atomic.Int64
	drainingCount atomic.Int64
	submitted     atomic.Int64
	dispatched    atomic.Int64
	retried       atomic.Int64
}

// NewScheduler creates a scheduler driving the given adapters.
// At most one adapter per backend kind is allowed.
func NewScheduler(config *Config, adapters ...backend.Adapter) (*Scheduler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := config.withDefaults()

	s := &Scheduler{
		config:   cfg,
		adapters: make(map[types.BackendKind]backend.Adapter),
		pool:     NewWorkerPool(),
		results:  NewResultStore(),
		policy:   NewRetryPolicy(cfg.MaxAttempts, cfg.TransientKinds),
		clock:    cfg.Clock,
		log:      cfg.Logger.Named("scheduler").With(zap.String("scheduler_id", cfg.ID)),
		stats:    newExecutionStats(),
		tasks:    make(map[string]*taskState),
		inflight: make(map[string]*liveAssignment),
		byWorker: make(map[string]string),
		draining: make(map[types.AssignmentToken]*drainingAssignment),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	for _, a := range adapters {
		if a == nil {
			return nil, fmt.Errorf("adapter cannot be nil")
		}
		kind := a.Kind()
		if _, exists := s.adapters[kind]; exists {
			return nil, fmt.Errorf("duplicate adapter for backend %s", kind)
		}
		s.adapters[kind] = a
		s.kinds = append(s.kinds, kind)
		if n, ok := a.(backend.Notifying); ok {
			n.SetNotify(s.signal)
		}
	}
	sort.Slice(s.kinds, func(i, j int) bool { return s.kinds[i] < s.kinds[j] })

	s.state.Store(StateCreated)
	s.accepting.Store(true)
	return s, nil
}

// ID returns the scheduler ID.
func (s *Scheduler) ID() string {
	return s.config.ID
}

// State returns the lifecycle state.
func (s *Scheduler) State() SchedulerState {
	return s.state.Load().(SchedulerState)
}

// Results exposes the result store.
func (s *Scheduler) Results() *ResultStore {
	return s.results
}

// Pool exposes the worker pool for read access and watching.
func (s *Scheduler) Pool() *WorkerPool {
	return s.pool
}

// Workers returns a snapshot of all known workers.
func (s *Scheduler) Workers() []*types.WorkerHandle {
	return s.pool.List(nil)
}

// Start discovers workers and launches the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelMu.Lock()
	if !s.started.CompareAndSwap(false, true) {
		s.cancelMu.Unlock()
		cancel()
		return fmt.Errorf("scheduler already started")
	}
	s.cancel = cancel
	s.cancelMu.Unlock()

	s.discover(loopCtx)
	if s.State() == StateCreated {
		s.state.Store(StateRunning)
	}
	s.log.Info("scheduler started",
		zap.Int("workers", s.pool.Count()),
		zap.Int("backends", len(s.adapters)),
	)

	go s.run(loopCtx)
	return nil
}

// Stop aborts the dispatch loop without a grace period. Unfinished tasks
// fail with kind "finalized".
func (s *Scheduler) Stop() {
	s.mailMu.Lock()
	s.accepting.Store(false)
	s.mailMu.Unlock()

	s.cancelMu.Lock()
	running := !s.started.CompareAndSwap(false, true)
	cancel := s.cancel
	s.cancelMu.Unlock()

	if running {
		if cancel != nil {
			cancel()
		}
		<-s.done
		return
	}
	// never started: nothing runs the loop, finish inline
	s.abort(context.Background())
	close(s.done)
}

// Submit validates and enqueues a task and returns its ID.
func (s *Scheduler) Submit(task *types.Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", NewInvalidTaskError(err)
	}
	if !s.accepting.Load() {
		return "", NewFinalizedError()
	}

	t := task.Clone()
	t.ID = uuid.New().String()
	t.SubmitTime = s.clock.Now()
	c := command{kind: cmdSubmit, task: &taskState{task: t}}

	if t.Name != "" && s.config.Checkpointer != nil {
		r, ok, err := s.config.Checkpointer.Load(context.Background(), t.Name)
		if err != nil {
			s.log.Warn("checkpoint lookup failed", zap.String("name", t.Name), zap.Error(err))
		} else if ok {
			c.restored = r
		}
	}

	s.results.Open(t.ID, t.Name, t.SubmitTime)
	if !s.post(c, true) {
		_ = s.results.Release(t.ID)
		return "", NewFinalizedError()
	}
	s.submitted.Add(1)
	return t.ID, nil
}

// SubmitBatch submits tasks in order. All tasks are validated before any
// is enqueued.
func (s *Scheduler) SubmitBatch(tasks []*types.Task) ([]string, error) {
	for i, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, NewInvalidTaskError(fmt.Errorf("task %d: %w", i, err))
		}
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		id, err := s.Submit(t)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Get returns the current result without blocking.
func (s *Scheduler) Get(taskID string) (types.Result, error) {
	return s.results.Get(taskID)
}

// Release forgets a task's result.
func (s *Scheduler) Release(taskID string) error {
	return s.results.Release(taskID)
}

// Cancel requests cancellation. It is a no-op for terminal tasks.
func (s *Scheduler) Cancel(taskID string) error {
	r, err := s.results.Get(taskID)
	if err != nil {
		return err
	}
	if r.IsTerminal() {
		return nil
	}
	s.post(command{kind: cmdCancel, taskID: taskID}, false)
	return nil
}

// PollOrWait returns the task's result. With block set it waits until the
// result is terminal, the timeout elapses (TIMEOUT error) or ctx is done.
// A zero timeout waits without limit.
func (s *Scheduler) PollOrWait(ctx context.Context, taskID string, block bool, timeout time.Duration) (types.Result, error) {
	r, err := s.results.Get(taskID)
	if err != nil || !block || r.IsTerminal() {
		return r, err
	}

	done, err := s.results.Done(taskID)
	if err != nil {
		return r, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := s.clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.Chan()
	}

	select {
	case <-done:
		return s.results.Get(taskID)
	case <-expired:
		r, _ = s.results.Get(taskID)
		return r, NewTimeoutError(taskID, timeout)
	case <-ctx.Done():
		r, _ = s.results.Get(taskID)
		return r, ctx.Err()
	}
}

// WaitAll waits for every task under one shared timeout and returns the
// results in the order of ids. On timeout the returned slice holds the
// current records.
func (s *Scheduler) WaitAll(ctx context.Context, ids []string, timeout time.Duration) ([]types.Result, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := s.clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.Chan()
	}

	results := make([]types.Result, len(ids))
	var waitErr error
	for i, id := range ids {
		done, err := s.results.Done(id)
		if err != nil {
			return nil, err
		}
		if waitErr == nil {
			select {
			case <-done:
			case <-expired:
				waitErr = NewTimeoutError(id, timeout)
			case <-ctx.Done():
				waitErr = ctx.Err()
			}
		}
		r, err := s.results.Get(id)
		if err != nil {
			return nil, err
		}
		results[i] = r
	}
	return results, waitErr
}

// WaitAny returns the first of the given tasks to become terminal. Tasks
// already terminal win in the order given.
func (s *Scheduler) WaitAny(ctx context.Context, ids []string, timeout time.Duration) (types.Result, error) {
	if len(ids) == 0 {
		return types.Result{}, fmt.Errorf("no task IDs given")
	}

	dones := make([]<-chan struct{}, len(ids))
	for i, id := range ids {
		done, err := s.results.Done(id)
		if err != nil {
			return types.Result{}, err
		}
		select {
		case <-done:
			return s.results.Get(id)
		default:
		}
		dones[i] = done
	}

	first := make(chan string, len(ids))
	stop := make(chan struct{})
	defer close(stop)
	for i, done := range dones {
		go func(id string, done <-chan struct{}) {
			select {
			case <-done:
				first <- id
			case <-stop:
			}
		}(ids[i], done)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := s.clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.Chan()
	}

	select {
	case id := <-first:
		return s.results.Get(id)
	case <-expired:
		return types.Result{}, NewTimeoutError("", timeout)
	case <-ctx.Done():
		return types.Result{}, ctx.Err()
	}
}

// Finalize stops accepting submissions and drains: tasks keep running
// until all are terminal or FinalizeGrace elapses, after which the rest
// fail with kind "finalized". Worker handles are released and adapters
// shut down before Finalize returns.
func (s *Scheduler) Finalize(ctx context.Context) error {
	s.finalizeOnce.Do(func() {
		s.mailMu.Lock()
		s.accepting.Store(false)
		s.mailMu.Unlock()
		s.post(command{kind: cmdFinalize}, false)
	})

	if !s.started.Load() {
		if err := s.Start(ctx); err != nil && !s.started.Load() {
			return err
		}
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the dispatch loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Status returns a point-in-time summary.
func (s *Scheduler) Status() types.SchedulerStatus {
	counts := s.results.Counts()
	return types.SchedulerStatus{
		State:      string(s.State()),
		Queued:     int(s.queuedCount.Load()),
		InFlight:   int(s.inflightCount.Load()),
		Draining:   int(s.drainingCount.Load()),
		Succeeded:  counts[types.StatusSuccess],
		Failed:     counts[types.StatusFailed],
		Pending:    counts[types.StatusPending],
		Workers:    s.pool.CountByState(),
		Backends:   s.pool.CountByBackend(),
		Submitted:  s.submitted.Load(),
		Dispatched: s.dispatched.Load(),
		Retried:    s.retried.Load(),
		Execution:  s.stats.summary(),
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// post appends to the mailbox. With gated set the command is refused once
// the scheduler stops accepting work.
func (s *Scheduler) post(c command, gated bool) bool {
	s.mailMu.Lock()
	if gated && !s.accepting.Load() {
		s.mailMu.Unlock()
		return false
	}
	if c.kind == cmdSubmit {
		c.task.seq = s.seq.Add(1)
	}
	s.mailbox = append(s.mailbox, c)
	s.mailMu.Unlock()
	s.signal()
	return true
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := s.clock.NewTicker(s.config.DispatchInterval)
	defer ticker.Stop()

	for {
		s.runRound(ctx)
		if s.finalizing && len(s.queue) == 0 && len(s.inflight) == 0 {
			s.shutdown(ctx)
			return
		}

		select {
		case <-ctx.Done():
			s.abort(context.Background())
			return
		case <-ticker.Chan():
		case <-s.wake:
		}
	}
}

// runRound performs one bounded pass of the dispatch loop.
func (s *Scheduler) runRound(ctx context.Context) {
	s.applyCommands(ctx)

	now := s.clock.Now()
	if s.lastDiscovery.IsZero() || now.Sub(s.lastDiscovery) >= s.config.DiscoveryInterval {
		s.discover(ctx)
	}

	s.pollInflight(ctx)
	s.pollDraining(ctx)
	s.dispatch(ctx)

	if s.finalizing && !s.clock.Now().Before(s.finalizeDeadline) {
		s.failRemaining(ctx, types.KindFinalized, "finalize grace period elapsed")
	}
	s.publishCounts()
}

func (s *Scheduler) applyCommands(ctx context.Context) {
	s.mailMu.Lock()
	cmds := s.mailbox
	s.mailbox = nil
	s.mailMu.Unlock()

	for _, c := range cmds {
		switch c.kind {
		case cmdSubmit:
			if c.restored != nil {
				s.restore(ctx, c.task, c.restored)
				continue
			}
			s.tasks[c.task.task.ID] = c.task
			s.enqueue(c.task)
		case cmdCancel:
			s.cancelTask(ctx, c.taskID)
		case cmdFinalize:
			if !s.finalizing {
				s.finalizing = true
				s.finalizeDeadline = s.clock.Now().Add(s.config.FinalizeGrace)
				s.state.Store(StateFinalizing)
				s.log.Info("finalizing",
					zap.Int("queued", len(s.queue)),
					zap.Int("in_flight", len(s.inflight)),
					zap.Duration("grace", s.config.FinalizeGrace),
				)
			}
		}
	}
}

func (s *Scheduler) restore(ctx context.Context, st *taskState, prev *types.Result) {
	now := s.clock.Now()
	r := types.Result{
		Status:     types.StatusSuccess,
		Value:      prev.Value,
		Attempts:   prev.Attempts,
		WorkerID:   prev.WorkerID,
		StartTime:  now,
		FinishTime: now,
	}
	s.log.Info("restored from checkpoint", zap.String("task_id", st.task.ID), zap.String("name", st.task.Name))
	s.tasks[st.task.ID] = st
	s.terminal(ctx, st, r)
}

// enqueue inserts by priority (higher first), then submission order.
func (s *Scheduler) enqueue(st *taskState) {
	i := sort.Search(len(s.queue), func(i int) bool {
		q := s.queue[i]
		if q.task.Priority != st.task.Priority {
			return q.task.Priority < st.task.Priority
		}
		return q.seq > st.seq
	})
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = st
}

func (s *Scheduler) dequeue(taskID string) bool {
	for i, st := range s.queue {
		if st.task.ID == taskID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// discover reconciles the pool with what each adapter reports.
func (s *Scheduler) discover(ctx context.Context) {
	now := s.clock.Now()
	s.lastDiscovery = now

	for _, kind := range s.kinds {
		adapter := s.adapters[kind]
		var workers []*types.WorkerHandle
		err := s.guard(ctx, "discover", func(ctx context.Context) error {
			var err error
			workers, err = adapter.DiscoverWorkers(ctx)
			return err
		})
		if err != nil {
			s.log.Warn("worker discovery failed", zap.String("backend", string(kind)), zap.Error(err))
			continue
		}

		seen := make(map[string]bool, len(workers))
		for _, w := range workers {
			if w == nil || w.ID == "" {
				continue
			}
			w.Backend = kind
			seen[w.ID] = true

			existing, ok := s.pool.Get(w.ID)
			if !ok {
				if err := s.pool.Add(w, now); err != nil {
					s.log.Warn("add worker failed", zap.String("worker_id", w.ID), zap.Error(err))
					continue
				}
				s.log.Debug("worker discovered", zap.String("worker_id", w.ID), zap.String("backend", string(kind)))
				continue
			}
			if existing.State == types.WorkerUnreachable && !s.reserved(w.ID) {
				_ = s.pool.SetState(w.ID, types.WorkerIdle, now)
			}
		}

		for _, id := range s.pool.IDsByBackend(kind) {
			if !seen[id] {
				s.workerGone(ctx, id, "no longer reported by backend")
			}
		}
	}
}

func (s *Scheduler) reserved(workerID string) bool {
	if _, ok := s.byWorker[workerID]; ok {
		return true
	}
	for _, d := range s.draining {
		if d.WorkerID == workerID {
			return true
		}
	}
	return false
}

func (s *Scheduler) workerGone(ctx context.Context, workerID, reason string) {
	now := s.clock.Now()
	if taskID, ok := s.byWorker[workerID]; ok {
		la := s.inflight[taskID]
		s.closeAssignment(la, fateRemove, now)
		s.afterFailure(ctx, la.state, &types.ErrorInfo{Kind: types.KindWorkerLost, Message: reason}, now)
	}
	for token, d := range s.draining {
		if d.WorkerID == workerID {
			delete(s.draining, token)
		}
	}
	if s.pool.Has(workerID) {
		_ = s.pool.Remove(workerID)
		s.log.Info("worker removed", zap.String("worker_id", workerID), zap.String("reason", reason))
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	if len(s.queue) == 0 {
		return
	}
	idle := s.pool.Idle()
	if len(idle) == 0 {
		return
	}

	pending := make([]*types.Task, len(s.queue))
	for i, st := range s.queue {
		pending[i] = st.task
	}

	pairs := Match(idle, pending)
	for _, p := range pairs {
		s.dequeue(p.Task.ID)
	}
	for _, p := range pairs {
		s.assign(ctx, p.Worker, s.tasks[p.Task.ID])
	}
}

func (s *Scheduler) assign(ctx context.Context, worker *types.WorkerHandle, st *taskState) {
	adapter, ok := s.adapters[worker.Backend]
	if !ok {
		s.enqueue(st)
		return
	}

	now := s.clock.Now()
	st.attempts++
	if st.backends == nil {
		st.backends = make(map[types.BackendKind]backend.Adapter)
	}
	st.backends[worker.Backend] = adapter
	_ = s.pool.SetState(worker.ID, types.WorkerBusy, now)
	s.dispatched.Add(1)

	var token types.AssignmentToken
	err := s.guard(ctx, "execute", func(ctx context.Context) error {
		var err error
		token, err = adapter.Execute(ctx, worker, st.task)
		return err
	})
	if err != nil {
		s.log.Warn("dispatch failed",
			zap.String("task_id", st.task.ID),
			zap.String("worker_id", worker.ID),
			zap.Int("attempt", st.attempts),
			zap.Error(err),
		)
		_ = s.pool.SetState(worker.ID, types.WorkerIdle, s.clock.Now())
		s.afterFailure(ctx, st, failureInfo(err, types.KindDispatchFailed), s.clock.Now())
		return
	}

	la := &liveAssignment{
		Assignment: types.Assignment{
			TaskID:    st.task.ID,
			WorkerID:  worker.ID,
			Token:     token,
			StartTime: now,
			Attempt:   st.attempts,
		},
		state:   st,
		adapter: adapter,
	}
	s.inflight[st.task.ID] = la
	s.byWorker[worker.ID] = st.task.ID
	s.results.Touch(st.task.ID, st.attempts, worker.ID, now)

	s.log.Debug("task dispatched",
		zap.String("task_id", st.task.ID),
		zap.String("worker_id", worker.ID),
		zap.Int("attempt", st.attempts),
	)
}

func (s *Scheduler) pollInflight(ctx context.Context) {
	ids := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		la, ok := s.inflight[id]
		if !ok {
			continue
		}
		outcome, err := s.poll(ctx, la.adapter, la.Token)
		now := s.clock.Now()
		if err != nil {
			s.log.Warn("poll failed",
				zap.String("task_id", id),
				zap.String("worker_id", la.WorkerID),
				zap.Error(err),
			)
			// the execution may still be alive: stop it and keep the worker
			// reserved until the backend lets go of the token
			s.cancelOnBackend(ctx, la)
			s.moveToDraining(la, now)
			s.afterFailure(ctx, la.state, &types.ErrorInfo{Kind: types.KindUnreachable, Message: err.Error()}, now)
			continue
		}

		switch outcome.State {
		case types.OutcomeRunning:
			if s.config.TaskTimeout > 0 && now.Sub(la.StartTime) >= s.config.TaskTimeout {
				s.cancelOnBackend(ctx, la)
				s.moveToDraining(la, now)
				s.afterFailure(ctx, la.state, &types.ErrorInfo{
					Kind:    types.KindTimeout,
					Message: fmt.Sprintf("attempt exceeded task timeout %v", s.config.TaskTimeout),
				}, now)
			}
		case types.OutcomeSucceeded:
			s.closeAssignment(la, fateIdle, now)
			s.stats.record(now.Sub(la.StartTime))
			s.terminal(ctx, la.state, types.Result{
				Status:     types.StatusSuccess,
				Value:      outcome.Value,
				Attempts:   la.Attempt,
				WorkerID:   la.WorkerID,
				StartTime:  la.StartTime,
				FinishTime: now,
			})
		default:
			info := outcome.Error
			if info == nil {
				info = &types.ErrorInfo{Kind: types.KindError, Message: fmt.Sprintf("backend reported state %q without details", outcome.State)}
			}
			fate := fateIdle
			if outcome.WorkerGone {
				fate = fateRemove
			}
			s.closeAssignment(la, fate, now)
			s.afterFailure(ctx, la.state, info, now)
		}
	}
}

// pollDraining frees workers whose cancelled executions have stopped.
// Whatever those executions report is discarded.
func (s *Scheduler) pollDraining(ctx context.Context) {
	tokens := make([]types.AssignmentToken, 0, len(s.draining))
	for token := range s.draining {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	for _, token := range tokens {
		d := s.draining[token]
		outcome, err := s.poll(ctx, d.adapter, token)
		now := s.clock.Now()

		var unknown *backend.ErrUnknownToken
		switch {
		case err != nil && !errors.As(err, &unknown):
			if now.Sub(d.since) < s.config.CancelGrace {
				continue
			}
			delete(s.draining, token)
			_ = s.pool.SetState(d.WorkerID, types.WorkerUnreachable, now)
		case err == nil && outcome.State == types.OutcomeRunning && now.Sub(d.since) < s.config.CancelGrace:
			continue
		default:
			if err == nil && outcome.State == types.OutcomeSucceeded {
				s.log.Info("discarding late completion",
					zap.String("task_id", d.TaskID),
					zap.String("worker_id", d.WorkerID),
				)
			}
			delete(s.draining, token)
			if err == nil && outcome.WorkerGone {
				s.workerGone(ctx, d.WorkerID, "lost while cancelling")
				continue
			}
			_ = s.pool.SetState(d.WorkerID, types.WorkerIdle, now)
		}
	}
}

func (s *Scheduler) closeAssignment(la *liveAssignment, fate workerFate, now time.Time) {
	delete(s.inflight, la.TaskID)
	delete(s.byWorker, la.WorkerID)

	switch fate {
	case fateIdle:
		_ = s.pool.SetState(la.WorkerID, types.WorkerIdle, now)
	case fateRemove:
		if s.pool.Has(la.WorkerID) {
			_ = s.pool.Remove(la.WorkerID)
			s.log.Info("worker removed", zap.String("worker_id", la.WorkerID), zap.String("reason", "reported gone"))
		}
	}
}

// moveToDraining closes the assignment but keeps its worker busy until the
// backend stops reporting the execution as running.
func (s *Scheduler) moveToDraining(la *liveAssignment, now time.Time) {
	delete(s.inflight, la.TaskID)
	delete(s.byWorker, la.WorkerID)
	s.draining[la.Token] = &drainingAssignment{liveAssignment: la, since: now}
}

func (s *Scheduler) afterFailure(ctx context.Context, st *taskState, info *types.ErrorInfo, now time.Time) {
	if s.policy.ShouldRetry(info, st.attempts) {
		s.retried.Add(1)
		s.log.Info("retrying task",
			zap.String("task_id", st.task.ID),
			zap.Int("attempts", st.attempts),
			zap.String("kind", info.Kind),
			zap.String("message", info.Message),
		)
		s.enqueue(st)
		return
	}

	r := types.Result{
		Status:     types.StatusFailed,
		Error:      info,
		Attempts:   st.attempts,
		FinishTime: now,
	}
	if prev, err := s.results.Get(st.task.ID); err == nil {
		r.WorkerID = prev.WorkerID
		r.StartTime = prev.StartTime
	}
	s.terminal(ctx, st, r)
}

// terminal records the final outcome and forgets the task.
func (s *Scheduler) terminal(ctx context.Context, st *taskState, r types.Result) {
	id := st.task.ID
	delete(s.tasks, id)

	if err := s.results.SetTerminal(id, r); err != nil {
		switch {
		case IsDoubleCompletionError(err):
			s.log.Error("double completion", zap.String("task_id", id), zap.Error(err))
		case errors.Is(err, ErrUnknownTask):
			s.log.Debug("result released before completion", zap.String("task_id", id))
		default:
			s.log.Error("record result failed", zap.String("task_id", id), zap.Error(err))
		}
	} else if r.Status == types.StatusSuccess {
		s.log.Debug("task succeeded", zap.String("task_id", id), zap.Int("attempts", r.Attempts))
	} else {
		s.log.Info("task failed",
			zap.String("task_id", id),
			zap.Int("attempts", r.Attempts),
			zap.String("kind", r.Error.Kind),
			zap.String("message", r.Error.Message),
		)
	}

	if r.Status == types.StatusSuccess && st.task.Name != "" && s.config.Checkpointer != nil {
		r.TaskID = id
		r.Name = st.task.Name
		if err := s.config.Checkpointer.Save(ctx, st.task.Name, r); err != nil {
			s.log.Warn("checkpoint save failed", zap.String("name", st.task.Name), zap.Error(err))
		}
	}

	for kind, adapter := range st.backends {
		err := s.guard(ctx, "release attachments", func(ctx context.Context) error {
			return adapter.ReleaseAttachments(ctx, st.task)
		})
		if err != nil {
			s.log.Warn("release attachments failed",
				zap.String("task_id", id),
				zap.String("backend", string(kind)),
				zap.Error(err),
			)
		}
	}
}

func (s *Scheduler) cancelTask(ctx context.Context, taskID string) {
	st, ok := s.tasks[taskID]
	if !ok {
		return
	}
	now := s.clock.Now()
	if la, ok := s.inflight[taskID]; ok {
		s.cancelOnBackend(ctx, la)
		s.moveToDraining(la, now)
	} else {
		s.dequeue(taskID)
	}
	s.terminal(ctx, st, types.Result{
		Status:     types.StatusFailed,
		Error:      &types.ErrorInfo{Kind: types.KindCancelled, Message: "cancelled by caller"},
		Attempts:   st.attempts,
		FinishTime: now,
	})
}

func (s *Scheduler) cancelOnBackend(ctx context.Context, la *liveAssignment) {
	err := s.guard(ctx, "cancel", func(ctx context.Context) error {
		return la.adapter.Cancel(ctx, la.Token)
	})
	if err != nil {
		s.log.Warn("backend cancel failed",
			zap.String("task_id", la.TaskID),
			zap.String("worker_id", la.WorkerID),
			zap.Error(err),
		)
	}
}

// failRemaining fails every queued and in-flight task.
func (s *Scheduler) failRemaining(ctx context.Context, kind, message string) {
	now := s.clock.Now()

	ids := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		la := s.inflight[id]
		s.cancelOnBackend(ctx, la)
		s.moveToDraining(la, now)
		s.terminal(ctx, la.state, types.Result{
			Status:     types.StatusFailed,
			Error:      &types.ErrorInfo{Kind: kind, Message: message},
			Attempts:   la.Attempt,
			WorkerID:   la.WorkerID,
			StartTime:  la.StartTime,
			FinishTime: now,
		})
	}

	queue := s.queue
	s.queue = nil
	for _, st := range queue {
		s.terminal(ctx, st, types.Result{
			Status:     types.StatusFailed,
			Error:      &types.ErrorInfo{Kind: kind, Message: message},
			Attempts:   st.attempts,
			FinishTime: now,
		})
	}
}

func (s *Scheduler) abort(ctx context.Context) {
	s.applyCommands(ctx)
	s.failRemaining(ctx, types.KindFinalized, "scheduler stopped")
	s.shutdown(ctx)
}

// shutdown releases all worker handles and shuts adapters down.
func (s *Scheduler) shutdown(ctx context.Context) {
	s.draining = make(map[types.AssignmentToken]*drainingAssignment)
	s.pool.Clear()

	for _, kind := range s.kinds {
		sd, ok := s.adapters[kind].(backend.Shutdowner)
		if !ok {
			continue
		}
		if err := s.guard(ctx, "shutdown", sd.Shutdown); err != nil {
			s.log.Warn("adapter shutdown failed", zap.String("backend", string(kind)), zap.Error(err))
		}
	}

	s.publishCounts()
	s.state.Store(StateFinalized)
	s.log.Info("scheduler finalized",
		zap.Int64("submitted", s.submitted.Load()),
		zap.Int64("dispatched", s.dispatched.Load()),
		zap.Int64("retried", s.retried.Load()),
	)
}

func (s *Scheduler) poll(ctx context.Context, adapter backend.Adapter, token types.AssignmentToken) (types.ExecutionOutcome, error) {
	var outcome types.ExecutionOutcome
	err := s.guard(ctx, "poll", func(ctx context.Context) error {
		var err error
		outcome, err = adapter.Poll(ctx, token)
		return err
	})
	return outcome, err
}

// guard runs one adapter call with a deadline and turns panics into errors.
func (s *Scheduler) guard(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	callCtx, cancel := context.WithTimeout(ctx, s.config.BackendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("adapter panic", zap.String("op", op), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%s panicked: %v", op, r)
		}
	}()
	return fn(callCtx)
}

func (s *Scheduler) publishCounts() {
	s.queuedCount.Store(int64(len(s.queue)))
	s.inflightCount.Store(int64(len(s.inflight)))
	s.drainingCount.Store(int64(len(s.draining)))
}

// failureInfo extracts an ErrorInfo carried by err, or wraps err with kind.
func failureInfo(err error, kind string) *types.ErrorInfo {
	var info *types.ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	return &types.ErrorInfo{Kind: kind, Message: err.Error()}
}
