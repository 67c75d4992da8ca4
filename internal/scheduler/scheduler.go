package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gantryhq/gantry/internal/api"
	"github.com/gantryhq/gantry/internal/engine"
	"github.com/gantryhq/gantry/internal/notify"
	"github.com/gantryhq/gantry/internal/plan"
	"github.com/gantryhq/gantry/internal/store"
)

var (
	// ErrQueueFull is returned by Submit once the waiting queue hits capacity.
	ErrQueueFull = errors.New("task queue full")
	// ErrEmptyRequest rejects submissions without request text.
	ErrEmptyRequest = errors.New("empty request")
)

// Config tunes admission behavior.
type Config struct {
	// MaxAdmitted bounds how many tasks run concurrently system-wide.
	MaxAdmitted   int
	QueueCapacity int
}

func (c Config) withDefaults() Config {
	if c.MaxAdmitted <= 0 {
		c.MaxAdmitted = 3
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	return c
}

// Scheduler admits tasks under a concurrency cap and orders waiting work by
// priority, FIFO within equal priority. The admitted counter is the single
// piece of shared mutable state and is only moved via compare-and-swap.
type Scheduler struct {
	store   *store.Store
	planner plan.Planner
	engine  *engine.Engine
	sink    notify.Sink
	log     *logrus.Logger
	cfg     Config

	admitted atomic.Int64
	mu       sync.Mutex
	active   map[string]bool
}

func New(s *store.Store, planner plan.Planner, eng *engine.Engine, sink notify.Sink, log *logrus.Logger, cfg Config) *Scheduler {
	return &Scheduler{
		store:   s,
		planner: planner,
		engine:  eng,
		sink:    sink,
		log:     log,
		cfg:     cfg.withDefaults(),
		active:  map[string]bool{},
	}
}

// Submit stores a new task as queued. Planning happens at admission time, so
// a full system accepts work without burning planner calls up front.
func (s *Scheduler) Submit(req *api.SubmitTaskRequest) (*api.Task, error) {
	if strings.TrimSpace(req.Request) == "" {
		return nil, ErrEmptyRequest
	}
	queued, err := s.store.CountQueued()
	if err != nil {
		return nil, err
	}
	if queued >= s.cfg.QueueCapacity {
		return nil, ErrQueueFull
	}

	t := &api.Task{
		ID:            uuid.NewString(),
		Request:       req.Request,
		Status:        api.TaskQueued,
		Priority:      req.Priority,
		Owner:         req.Owner,
		OnStepFailure: req.OnStepFailure,
		InFlightLimit: req.InFlightLimit,
	}
	if err := s.store.CreateTask(t); err != nil {
		return nil, err
	}
	s.sink.TaskStatusChanged(t)
	return t, nil
}

// Cancel removes a queued task without side effects, or cancels an admitted
// one leaving completed steps and checkpoints intact for rollback. Returns
// true when the task's status changed.
func (s *Scheduler) Cancel(taskID string) (bool, error) {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return false, err
	}
	switch {
	case t.Status.Terminal():
		return false, nil
	case t.Status == api.TaskQueued:
		if err := s.store.UpdateTaskStatus(taskID, api.TaskCancelled, ""); err != nil {
			return false, err
		}
		if ct, gerr := s.store.GetTask(taskID); gerr == nil {
			s.sink.TaskStatusChanged(ct)
		}
		return true, nil
	default:
		if err := s.engine.CancelRunning(taskID); err != nil {
			return false, err
		}
		return true, nil
	}
}

// Reconcile adopts tasks that were admitted before a daemon restart and fails
// steps stranded in running. Call once before Start.
func (s *Scheduler) Reconcile() error {
	ids, err := s.store.ReconcileRunningSteps()
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		s.log.WithField("steps", len(ids)).Warn("reconciled in-flight steps after restart")
	}

	for _, status := range []api.TaskStatus{api.TaskPlanning, api.TaskRunning, api.TaskPaused} {
		tasks, err := s.store.ListTasksByStatus(status)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			s.adopt(t.ID)
		}
	}
	return nil
}

func (s *Scheduler) adopt(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[taskID] {
		return
	}
	s.active[taskID] = true
	s.admitted.Add(1)
}

// Start begins the admission loop. Each tick releases slots of tasks that
// reached a terminal status and admits queued tasks while the counter stays
// under the cap. Returns a cancel func. If interval is zero, defaults to
// 100ms.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		if interval <= 0 {
			interval = 100 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.AdmitNow(ctx)
			}
		}
	}()
	return cancel
}

// AdmitNow runs one admission pass immediately: finished tasks release their
// slots, then queued tasks fill the free ones.
func (s *Scheduler) AdmitNow(ctx context.Context) {
	s.releaseFinished()
	s.admitQueued(ctx)
}

func (s *Scheduler) releaseFinished() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		t, err := s.store.GetTask(id)
		if err != nil {
			continue
		}
		if !t.Status.Terminal() {
			continue
		}
		s.mu.Lock()
		stillActive := s.active[id]
		delete(s.active, id)
		s.mu.Unlock()
		if stillActive {
			s.admitted.Add(-1)
		}
	}
}

func (s *Scheduler) admitQueued(ctx context.Context) {
	for {
		if !s.tryAcquireSlot() {
			return
		}
		t, err := s.store.NextQueuedTask()
		if err != nil {
			s.admitted.Add(-1)
			if !errors.Is(err, store.ErrNotFound) {
				s.log.WithError(err).Warn("queue poll failed")
			}
			return
		}
		s.mu.Lock()
		s.active[t.ID] = true
		s.mu.Unlock()
		s.admit(ctx, t)
	}
}

// tryAcquireSlot bumps the admitted counter via CAS, never exceeding the cap
// under any interleaving of admission and completion.
func (s *Scheduler) tryAcquireSlot() bool {
	for {
		n := s.admitted.Load()
		if n >= int64(s.cfg.MaxAdmitted) {
			return false
		}
		if s.admitted.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// admit plans a task and moves it to running. A PlanningError fails the task
// before any step runs and is never retried by the core.
func (s *Scheduler) admit(ctx context.Context, t *api.Task) {
	release := func() {
		s.mu.Lock()
		delete(s.active, t.ID)
		s.mu.Unlock()
		s.admitted.Add(-1)
	}

	if err := s.store.UpdateTaskStatus(t.ID, api.TaskPlanning, ""); err != nil {
		s.log.WithError(err).WithField("task", t.ID).Warn("planning transition failed")
		release()
		return
	}
	s.notifyTask(t.ID)

	planned, err := s.planner.Plan(ctx, t.Request)
	if err != nil {
		s.failPlanning(t.ID, err)
		release()
		return
	}
	if err := plan.ValidateGraph(planned); err != nil {
		s.failPlanning(t.ID, &plan.PlanningError{Reason: err.Error()})
		release()
		return
	}

	ids := make([]string, len(planned))
	for i := range planned {
		ids[i] = uuid.NewString()
	}
	steps := make([]*api.Step, len(planned))
	for i, ps := range planned {
		deps := make([]string, 0, len(ps.DependsOn))
		for _, d := range ps.DependsOn {
			deps = append(deps, ids[d])
		}
		steps[i] = &api.Step{
			ID:         ids[i],
			TaskID:     t.ID,
			Ordinal:    i,
			DependsOn:  deps,
			Tool:       ps.Tool,
			Params:     ps.Params,
			Resource:   ps.Resource,
			Sensitive:  ps.Sensitive,
			Reversible: ps.Reversible,
			Critical:   ps.Critical,
			Status:     api.StepPending,
		}
	}
	if err := s.store.InsertSteps(t.ID, steps); err != nil {
		s.failPlanning(t.ID, err)
		release()
		return
	}

	if err := s.store.UpdateTaskStatus(t.ID, api.TaskRunning, ""); err != nil {
		s.log.WithError(err).WithField("task", t.ID).Warn("running transition failed")
		release()
		return
	}
	s.notifyTask(t.ID)
	s.log.WithFields(logrus.Fields{"task": t.ID, "steps": len(steps)}).Info("task admitted")
}

func (s *Scheduler) failPlanning(taskID string, err error) {
	if uerr := s.store.UpdateTaskStatus(taskID, api.TaskFailed, err.Error()); uerr != nil {
		s.log.WithError(uerr).WithField("task", taskID).Warn("planning failure transition failed")
	}
	s.notifyTask(taskID)
	s.log.WithError(err).WithField("task", taskID).Info("planning failed")
}

func (s *Scheduler) notifyTask(taskID string) {
	if t, err := s.store.GetTask(taskID); err == nil {
		s.sink.TaskStatusChanged(t)
	}
}

// Admitted reports the current admitted count, for tests and introspection.
func (s *Scheduler) Admitted() int {
	return int(s.admitted.Load())
}
