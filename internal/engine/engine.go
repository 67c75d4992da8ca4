package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gantryhq/gantry/internal/api"
	"github.com/gantryhq/gantry/internal/approval"
	"github.com/gantryhq/gantry/internal/checkpoint"
	"github.com/gantryhq/gantry/internal/notify"
	"github.com/gantryhq/gantry/internal/store"
	"github.com/gantryhq/gantry/internal/telemetry"
	"github.com/gantryhq/gantry/internal/tool"
)

// Config tunes engine behavior. Zero values fall back to safe defaults.
type Config struct {
	// InFlightLimit is the default per-task concurrent step bound for tasks
	// that don't declare their own. 1 keeps dispatch serial in declared order.
	InFlightLimit int
	// ToolRetries is the retry budget for idempotent tools.
	ToolRetries  int
	RetryBackoff time.Duration
	ToolTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.InFlightLimit <= 0 {
		c.InFlightLimit = 1
	}
	if c.ToolRetries <= 0 {
		c.ToolRetries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 2 * time.Minute
	}
	return c
}

// Engine advances tasks through their step graphs: dependency gating,
// approval hand-off, checkpoint capture, tool invocation, retry policy, and
// pause/takeover controls.
type Engine struct {
	store       *store.Store
	tools       *tool.Registry
	gate        *approval.Gate
	checkpoints *checkpoint.Manager
	sink        notify.Sink
	log         *logrus.Logger
	cfg         Config
	controls    *controlRegistry
}

func New(s *store.Store, tools *tool.Registry, gate *approval.Gate, cps *checkpoint.Manager, sink notify.Sink, log *logrus.Logger, cfg Config) *Engine {
	return &Engine{
		store:       s,
		tools:       tools,
		gate:        gate,
		checkpoints: cps,
		sink:        sink,
		log:         log,
		cfg:         cfg.withDefaults(),
		controls:    newControlRegistry(),
	}
}

// Start begins the background advance loop: each tick lists running tasks and
// advances each in its own goroutine, one advance per task at a time. Returns
// a cancel func to stop the worker. If interval is zero, defaults to 100ms.
func (e *Engine) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
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
				tasks, err := e.store.ListTasksByStatus(api.TaskRunning)
				if err != nil {
					continue
				}
				for _, t := range tasks {
					if !e.controls.tryAcquire(t.ID) {
						continue
					}
					go func(taskID string) {
						defer e.controls.release(taskID)
						if err := e.Advance(ctx, taskID); err != nil {
							e.log.WithError(err).WithField("task", taskID).Warn("advance failed")
						}
					}(t.ID)
				}
			}
		}
	}()
	return cancel
}

// Advance runs one pass over a task's step graph: propagates failures to
// dependents, dispatches eligible steps up to the in-flight limit, and closes
// the task out when no work remains. Steps are dispatched synchronously, so
// with the default serial limit one call runs at most one step to completion.
func (e *Engine) Advance(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status != api.TaskRunning {
		return nil
	}
	if e.controls.isPaused(task.ID) || e.controls.isTakenOver(task.ID) || task.TakenOver {
		return nil
	}

	steps, err := e.store.ListSteps(task.ID)
	if err != nil {
		return err
	}

	if e.propagateFailures(task, steps) {
		// task aborted; reload below would show terminal status
		return nil
	}

	limit := task.InFlightLimit
	if limit <= 0 {
		limit = e.cfg.InFlightLimit
	}
	inflight := countByStatus(steps, api.StepRunning)

	for _, st := range steps {
		if e.controls.isPaused(task.ID) || e.controls.isTakenOver(task.ID) {
			return nil
		}
		switch st.Status {
		case api.StepPending:
			if !depsSatisfied(st, steps) {
				continue
			}
			if st.Sensitive {
				if err := e.requestApproval(st); err != nil {
					return err
				}
				// independent branches keep going
				continue
			}
			if inflight >= limit {
				continue
			}
			inflight++
			e.dispatch(ctx, task, st)
		case api.StepAwaitingApproval:
			req, err := e.store.ActiveApprovalForStep(st.ID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			if req.Decision != api.DecisionApproved {
				continue
			}
			if inflight >= limit {
				continue
			}
			inflight++
			e.dispatch(ctx, task, st)
		}
	}

	return e.finishIfDone(task.ID)
}

// propagateFailures skips dependents of failed steps and aborts the task when
// a critical step failed, the task policy is fail_task, or a sensitive step's
// approval window expired. Returns true when the task was aborted.
func (e *Engine) propagateFailures(task *api.Task, steps []*api.Step) bool {
	byID := map[string]*api.Step{}
	for _, st := range steps {
		byID[st.ID] = st
	}

	abort := false
	var abortErr string
	for _, st := range steps {
		if st.Status != api.StepFailed {
			continue
		}
		// an expired approval window fails the task under any policy;
		// sensitive work never counts as partial success
		if st.Critical || task.OnStepFailure == api.FailTask || st.Reason == api.ReasonApprovalTimeout {
			abort = true
			abortErr = fmt.Sprintf("step %d (%s) failed: %s", st.Ordinal, st.Tool, st.Error)
		}
	}

	if abort {
		for _, st := range steps {
			if st.Status == api.StepPending || st.Status == api.StepAwaitingApproval {
				if err := e.store.UpdateStepStatus(st.ID, api.StepSkipped, "", api.ReasonTaskFailed); err != nil {
					e.log.WithError(err).WithField("step", st.ID).Warn("skip on abort failed")
				}
			}
		}
		e.finishTask(task.ID, api.TaskFailed, abortErr)
		return true
	}

	// dependents of a failed non-critical step are skipped, preserving
	// partial progress
	changed := true
	for changed {
		changed = false
		for _, st := range steps {
			if st.Status != api.StepPending {
				continue
			}
			for _, dep := range st.DependsOn {
				d, ok := byID[dep]
				if !ok {
					continue
				}
				if d.Status == api.StepFailed {
					if err := e.store.UpdateStepStatus(st.ID, api.StepSkipped, "", api.ReasonDependencyFailed); err != nil {
						e.log.WithError(err).WithField("step", st.ID).Warn("skip failed")
					} else {
						st.Status = api.StepSkipped
						changed = true
					}
					break
				}
			}
		}
	}
	return false
}

// depsSatisfied reports whether every dependency reached succeeded or was
// explicitly skipped. A step never starts before that holds.
func depsSatisfied(st *api.Step, steps []*api.Step) bool {
	byID := map[string]api.StepStatus{}
	for _, s := range steps {
		byID[s.ID] = s.Status
	}
	for _, dep := range st.DependsOn {
		status, ok := byID[dep]
		if !ok {
			return false
		}
		if status != api.StepSucceeded && status != api.StepSkipped {
			return false
		}
	}
	return true
}

func countByStatus(steps []*api.Step, status api.StepStatus) int {
	n := 0
	for _, st := range steps {
		if st.Status == status {
			n++
		}
	}
	return n
}

func (e *Engine) requestApproval(st *api.Step) error {
	preview := fmt.Sprintf("run tool %q", st.Tool)
	if st.Resource != "" {
		preview += fmt.Sprintf(" mutating %q", st.Resource)
	}
	if len(st.Params) > 0 && string(st.Params) != "{}" {
		preview += " with params " + string(st.Params)
	}
	if _, err := e.gate.RequestApproval(st, preview); err != nil {
		return err
	}
	return e.store.UpdateStepStatus(st.ID, api.StepAwaitingApproval, "", "")
}

// dispatch runs one step to completion: checkpoint capture, tool invocation
// with the retry policy, checkpoint finalize, status recording. Engine-internal
// faults (checkpoint writes) are fatal to the step and force the task failed;
// tool errors only fail the step.
func (e *Engine) dispatch(ctx context.Context, task *api.Task, st *api.Step) {
	tr := telemetry.Tracer()
	ctx, span := tr.Start(
		ctx,
		"gantry.step",
		trace.WithNewRoot(),
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("step.id", st.ID),
			attribute.String("step.tool", st.Tool),
		),
	)
	defer span.End()

	var cp *api.Checkpoint
	if st.Resource != "" {
		var err error
		cp, err = e.checkpoints.Capture(st)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.failStepFatal(task.ID, st, "checkpoint capture: "+err.Error())
			return
		}
		span.AddEvent("checkpoint.captured")
	}

	if err := e.store.UpdateStepStatus(st.ID, api.StepRunning, "", ""); err != nil {
		e.log.WithError(err).WithField("step", st.ID).Warn("step start transition failed")
		return
	}
	span.AddEvent("step.started")

	result, invokeErr := e.invoke(ctx, task, st)

	if cp != nil {
		if err := e.checkpoints.Finalize(cp); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.failStepFatal(task.ID, st, "checkpoint finalize: "+err.Error())
			return
		}
		span.AddEvent("checkpoint.finalized")
	}

	if invokeErr != nil {
		span.RecordError(invokeErr)
		span.SetStatus(codes.Error, invokeErr.Error())
		span.AddEvent("step.failed")
		if err := e.store.UpdateStepStatus(st.ID, api.StepFailed, invokeErr.Error(), api.ReasonToolError); err != nil {
			e.log.WithError(err).WithField("step", st.ID).Warn("step fail transition failed")
		}
		e.log.WithFields(logrus.Fields{"task": task.ID, "step": st.ID, "tool": st.Tool}).WithError(invokeErr).Info("step failed")
		return
	}

	if len(result) > 0 {
		if err := e.store.SetStepResult(st.ID, result); err != nil {
			e.log.WithError(err).WithField("step", st.ID).Warn("result write failed")
		}
	}
	if err := e.store.UpdateStepStatus(st.ID, api.StepSucceeded, "", ""); err != nil {
		e.log.WithError(err).WithField("step", st.ID).Warn("step success transition failed")
		return
	}
	span.AddEvent("step.succeeded")
	span.SetStatus(codes.Ok, "")
	e.log.WithFields(logrus.Fields{"task": task.ID, "step": st.ID, "tool": st.Tool}).Info("step succeeded")
}

// invoke runs the tool with the idempotency-aware retry policy: idempotent
// tools get e.cfg.ToolRetries retries with a short constant backoff,
// non-idempotent tools fail on the first error.
func (e *Engine) invoke(ctx context.Context, task *api.Task, st *api.Step) (json.RawMessage, error) {
	// reload params: an approval may have merged an operator override
	fresh, err := e.store.GetStep(st.ID)
	if err == nil {
		st = fresh
	}

	inv, err := e.tools.Get(st.Tool)
	if err != nil {
		return nil, err
	}

	call := func() (json.RawMessage, error) {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
		defer cancel()
		return inv.Invoke(cctx, tool.Invocation{
			TaskID:   task.ID,
			StepID:   st.ID,
			Tool:     st.Tool,
			Params:   st.Params,
			Resource: st.Resource,
			Guidance: task.Guidance,
		})
	}

	if !inv.Idempotent() {
		return call()
	}

	var result json.RawMessage
	attempt := 0
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.RetryBackoff), uint64(e.cfg.ToolRetries))
	err = backoff.Retry(func() error {
		if attempt > 0 {
			if _, rerr := e.store.IncrementStepRetries(st.ID); rerr != nil {
				e.log.WithError(rerr).WithField("step", st.ID).Warn("retry counter update failed")
			}
		}
		attempt++
		var callErr error
		result, callErr = call()
		return callErr
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// failStepFatal handles engine-internal faults: the step fails without retry
// and the task is forced failed. Data safety takes priority over progress.
func (e *Engine) failStepFatal(taskID string, st *api.Step, msg string) {
	if err := e.store.UpdateStepStatus(st.ID, api.StepFailed, msg, api.ReasonCheckpointError); err != nil {
		e.log.WithError(err).WithField("step", st.ID).Warn("fatal step transition failed")
	}
	e.finishTask(taskID, api.TaskFailed, msg)
}

// finishIfDone closes a task out once no runnable work remains.
func (e *Engine) finishIfDone(taskID string) error {
	steps, err := e.store.ListSteps(taskID)
	if err != nil {
		return err
	}
	for _, st := range steps {
		switch st.Status {
		case api.StepPending, api.StepAwaitingApproval, api.StepRunning:
			return nil
		}
	}

	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	status := api.TaskSucceeded
	errMsg := ""
	for _, st := range steps {
		if st.Status != api.StepFailed {
			continue
		}
		if st.Critical || task.OnStepFailure == api.FailTask || st.Reason == api.ReasonApprovalTimeout {
			status = api.TaskFailed
			errMsg = fmt.Sprintf("step %d (%s) failed: %s", st.Ordinal, st.Tool, st.Error)
			break
		}
		// non-critical tool failures under skip_dependents preserve
		// partial progress; the task can still succeed
	}
	e.finishTask(taskID, status, errMsg)
	return nil
}

// finishTask moves a task to a terminal status, stamps the rollback window on
// its checkpoints and notifies the sink.
func (e *Engine) finishTask(taskID string, status api.TaskStatus, errMsg string) {
	if err := e.store.UpdateTaskStatus(taskID, status, errMsg); err != nil {
		if !errors.Is(err, store.ErrBadTransition) {
			e.log.WithError(err).WithField("task", taskID).Warn("terminal transition failed")
		}
		return
	}
	if err := e.checkpoints.ExpireTask(taskID, time.Now()); err != nil {
		e.log.WithError(err).WithField("task", taskID).Warn("checkpoint expiry stamp failed")
	}
	e.controls.forget(taskID)
	if t, err := e.store.GetTask(taskID); err == nil {
		e.sink.TaskStatusChanged(t)
	}
	e.log.WithFields(logrus.Fields{"task": taskID, "status": status}).Info("task finished")
}
