// Package volunteer implements a BOINC-style backend: volunteer machines
// register over HTTP, pull leased work units, and post results back. A
// volunteer that stays silent longer than the lease timeout is dropped
// together with its slots.
package volunteer

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"yqhp/taskfarm/internal/backend"
	"yqhp/taskfarm/pkg/types"
)

// Config configures the volunteer adapter.
type Config struct {
	LeaseTimeout time.Duration
	// MaxUnits bounds the units handed out per work request.
	MaxUnits int
	Clock    clockwork.Clock
}

type volunteer struct {
	id       string
	platform string
	speed    string
	tags     []string
	slots    int
	lastSeen time.Time
}

func (v *volunteer) workerID(slot int) string {
	return fmt.Sprintf("%s/%d", v.id, slot)
}

type unit struct {
	seq         uint64
	token       types.AssignmentToken
	volunteerID string
	task        *types.Task
	leased      bool
	done        bool
	lost        bool
	cancelled   bool
	returned    bool
	outcome     types.ExecutionOutcome
}

// Adapter is both the backend adapter and the HTTP work-unit server.
type Adapter struct {
	config Config
	clock  clockwork.Clock
	logger *zap.Logger

	mu         sync.Mutex
	volunteers map[string]*volunteer
	workers    map[string]string // worker ID -> volunteer ID
	units      map[types.AssignmentToken]*unit
	seq        uint64
	notify     func()
}

// NewAdapter creates a volunteer adapter.
func NewAdapter(config Config, logger *zap.Logger) *Adapter {
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = time.Minute
	}
	if config.MaxUnits <= 0 {
		config.MaxUnits = 16
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		config:     config,
		clock:      config.Clock,
		logger:     logger.Named("volunteer"),
		volunteers: make(map[string]*volunteer),
		workers:    make(map[string]string),
		units:      make(map[types.AssignmentToken]*unit),
	}
}

func (a *Adapter) Kind() types.BackendKind {
	return types.BackendBOINC
}

// DiscoverWorkers reports one worker per slot of every live volunteer.
func (a *Adapter) DiscoverWorkers(ctx context.Context) ([]*types.WorkerHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked()

	ids := make([]string, 0, len(a.volunteers))
	for id := range a.volunteers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var workers []*types.WorkerHandle
	for _, id := range ids {
		v := a.volunteers[id]
		for slot := 0; slot < v.slots; slot++ {
			workers = append(workers, &types.WorkerHandle{
				ID:         v.workerID(slot),
				Backend:    types.BackendBOINC,
				Tags:       append([]string(nil), v.tags...),
				Platform:   v.platform,
				SpeedClass: v.speed,
				Cores:      1,
			})
		}
	}
	return workers, nil
}

// Execute queues a work unit for the worker's volunteer. It is handed out on
// the volunteer's next work request.
func (a *Adapter) Execute(ctx context.Context, worker *types.WorkerHandle, task *types.Task) (types.AssignmentToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked()

	volunteerID, ok := a.workers[worker.ID]
	if !ok {
		return "", fmt.Errorf("volunteer for worker %s is gone", worker.ID)
	}

	a.seq++
	u := &unit{
		seq:         a.seq,
		token:       types.AssignmentToken(uuid.NewString()),
		volunteerID: volunteerID,
		task:        task,
	}
	a.units[u.token] = u
	a.logger.Debug("work unit queued", zap.String("task_id", task.ID), zap.String("worker_id", worker.ID), zap.String("token", string(u.token)))
	return u.token, nil
}

func (a *Adapter) Poll(ctx context.Context, token types.AssignmentToken) (types.ExecutionOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked()

	u, ok := a.units[token]
	if !ok {
		return types.ExecutionOutcome{}, &backend.ErrUnknownToken{Token: token}
	}
	switch {
	case u.lost:
		delete(a.units, token)
		return types.Lost(fmt.Sprintf("volunteer %s missed its lease", u.volunteerID)), nil
	case u.cancelled:
		// a leased unit occupies the volunteer's slot until it reports back
		if u.leased && !u.done && !u.returned {
			return types.Running(), nil
		}
		delete(a.units, token)
		return types.Failed(&types.ErrorInfo{Kind: types.KindCancelled, Message: "work unit cancelled"}), nil
	case u.done:
		delete(a.units, token)
		return u.outcome, nil
	default:
		return types.Running(), nil
	}
}

// Cancel withdraws the unit. A result posted for it later is refused. A unit
// already leased keeps polling as running until its volunteer reports back
// or misses its lease.
func (a *Adapter) Cancel(ctx context.Context, token types.AssignmentToken) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, ok := a.units[token]
	if !ok {
		return &backend.ErrUnknownToken{Token: token}
	}
	u.cancelled = true
	return nil
}

// ReleaseAttachments has nothing to do: attachments travel inline.
func (a *Adapter) ReleaseAttachments(ctx context.Context, task *types.Task) error {
	return nil
}

func (a *Adapter) SetNotify(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notify = fn
}

// Volunteers returns the number of live volunteers.
func (a *Adapter) Volunteers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked()
	return len(a.volunteers)
}

func (a *Adapter) register(req RegisterRequest) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Slots <= 0 {
		req.Slots = 1
	}
	v := &volunteer{
		id:       uuid.NewString(),
		platform: req.Platform,
		speed:    req.SpeedClass,
		tags:     append([]string(nil), req.Tags...),
		slots:    req.Slots,
		lastSeen: a.clock.Now(),
	}
	a.volunteers[v.id] = v
	for slot := 0; slot < v.slots; slot++ {
		a.workers[v.workerID(slot)] = v.id
	}
	a.logger.Info("volunteer registered", zap.String("volunteer_id", v.id), zap.String("platform", v.platform), zap.Int("slots", v.slots))
	return v.id
}

// touch renews the volunteer's lease. It reports false for unknown volunteers.
func (a *Adapter) touch(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked()

	v, ok := a.volunteers[id]
	if !ok {
		return false
	}
	v.lastSeen = a.clock.Now()
	return true
}

// lease hands out the volunteer's queued units, oldest first.
func (a *Adapter) lease(id string) ([]WorkUnit, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked()

	v, ok := a.volunteers[id]
	if !ok {
		return nil, false
	}
	v.lastSeen = a.clock.Now()

	var pending []*unit
	for _, u := range a.units {
		if u.volunteerID == id && !u.leased && !u.done && !u.cancelled {
			pending = append(pending, u)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	if len(pending) > a.config.MaxUnits {
		pending = pending[:a.config.MaxUnits]
	}

	units := make([]WorkUnit, 0, len(pending))
	failed := false
	for _, u := range pending {
		u.leased = true
		wu := WorkUnit{Token: u.token, TaskID: u.task.ID, Payload: u.task.Payload, Input: u.task.Input}
		if err := attachInline(&wu, u.task); err != nil {
			u.done = true
			u.outcome = types.Failed(&types.ErrorInfo{Kind: types.KindNotFound, Message: err.Error()})
			failed = true
			continue
		}
		units = append(units, wu)
	}
	if failed && a.notify != nil {
		go a.notify()
	}
	return units, true
}

func attachInline(wu *WorkUnit, task *types.Task) error {
	for _, att := range task.Attachments {
		data, err := os.ReadFile(att.Path)
		if err != nil {
			return fmt.Errorf("read attachment %s: %w", att.Path, err)
		}
		wu.Attachments = append(wu.Attachments, AttachmentData{Name: att.AttachmentName(), Data: data})
	}
	return nil
}

type completeStatus int

const (
	completeOK completeStatus = iota
	completeGone
	completeDuplicate
)

// complete records a volunteer's result for a unit.
func (a *Adapter) complete(token types.AssignmentToken, outcome types.ExecutionOutcome) completeStatus {
	a.mu.Lock()
	u, ok := a.units[token]
	switch {
	case ok && u.cancelled && !u.returned:
		u.returned = true
		notify := a.notify
		a.mu.Unlock()
		if notify != nil {
			notify()
		}
		return completeGone
	case !ok || u.cancelled || u.lost:
		a.mu.Unlock()
		return completeGone
	case u.done:
		a.mu.Unlock()
		return completeDuplicate
	}
	u.done = true
	u.outcome = outcome
	notify := a.notify
	a.mu.Unlock()

	if notify != nil {
		notify()
	}
	return completeOK
}

// expireLocked drops volunteers whose lease ran out and marks their
// outstanding units lost.
func (a *Adapter) expireLocked() {
	now := a.clock.Now()
	for id, v := range a.volunteers {
		if now.Sub(v.lastSeen) <= a.config.LeaseTimeout {
			continue
		}
		delete(a.volunteers, id)
		for slot := 0; slot < v.slots; slot++ {
			delete(a.workers, v.workerID(slot))
		}
		for _, u := range a.units {
			if u.volunteerID == id && !u.done {
				u.lost = true
			}
		}
		a.logger.Warn("volunteer lease expired", zap.String("volunteer_id", id), zap.Duration("silent_for", now.Sub(v.lastSeen)))
	}
}
