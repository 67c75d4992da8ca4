package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gantryhq/gantry/internal/api"
	"github.com/gantryhq/gantry/internal/store"
)

// Pause stops further step dispatch for a task. In-flight tool invocations
// run to completion; the pause is honored at the next dispatch boundary.
func (e *Engine) Pause(taskID string) error {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status != api.TaskRunning {
		return fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrNotRunning)
	}
	// flip the in-memory flag first so the boundary check fires immediately
	e.controls.setPaused(taskID, true)
	if err := e.store.UpdateTaskStatus(taskID, api.TaskPaused, ""); err != nil {
		e.controls.setPaused(taskID, false)
		return err
	}
	if t, gerr := e.store.GetTask(taskID); gerr == nil {
		e.sink.TaskStatusChanged(t)
	}
	return nil
}

// Resume reverses Pause.
func (e *Engine) Resume(taskID string) error {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status != api.TaskPaused {
		return fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrNotPaused)
	}
	if err := e.store.UpdateTaskStatus(taskID, api.TaskRunning, ""); err != nil {
		return err
	}
	e.controls.setPaused(taskID, false)
	if t, gerr := e.store.GetTask(taskID); gerr == nil {
		e.sink.TaskStatusChanged(t)
	}
	return nil
}

// Takeover suspends automatic dispatch indefinitely and enables the manual
// step controls until ReturnControl.
func (e *Engine) Takeover(taskID string) error {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status != api.TaskRunning && task.Status != api.TaskPaused {
		return fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrNotRunning)
	}
	e.controls.setTakenOver(taskID, true)
	if err := e.store.SetTaskTakenOver(taskID, true); err != nil {
		e.controls.setTakenOver(taskID, false)
		return err
	}
	return nil
}

// ReturnControl hands a taken-over task back to automatic dispatch.
func (e *Engine) ReturnControl(taskID string) error {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if !task.TakenOver {
		return fmt.Errorf("task %s: %w", taskID, ErrNotTakenOver)
	}
	if err := e.store.SetTaskTakenOver(taskID, false); err != nil {
		return err
	}
	e.controls.setTakenOver(taskID, false)
	return nil
}

// StepOnce manually advances one step of a taken-over task. A sensitive step
// without an approval gets an ApprovalRequest instead of running; approved or
// non-sensitive steps run to completion synchronously. Returns the step acted
// on, or ErrNoEligible.
func (e *Engine) StepOnce(ctx context.Context, taskID string) (*api.Step, error) {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if !task.TakenOver {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotTakenOver)
	}

	steps, err := e.store.ListSteps(taskID)
	if err != nil {
		return nil, err
	}
	for _, st := range steps {
		switch st.Status {
		case api.StepPending:
			if !depsSatisfied(st, steps) {
				continue
			}
			if st.Sensitive {
				if err := e.requestApproval(st); err != nil {
					return nil, err
				}
				return e.store.GetStep(st.ID)
			}
			e.dispatch(ctx, task, st)
			return e.store.GetStep(st.ID)
		case api.StepAwaitingApproval:
			req, err := e.store.ActiveApprovalForStep(st.ID)
			if err != nil || req.Decision != api.DecisionApproved {
				continue
			}
			e.dispatch(ctx, task, st)
			return e.store.GetStep(st.ID)
		}
	}
	return nil, ErrNoEligible
}

// SkipStep marks an undispatched step skipped during takeover.
func (e *Engine) SkipStep(taskID, stepID string) error {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if !task.TakenOver {
		return fmt.Errorf("task %s: %w", taskID, ErrNotTakenOver)
	}
	st, err := e.store.GetStep(stepID)
	if err != nil {
		return err
	}
	if st.TaskID != taskID {
		return store.ErrNotFound
	}
	return e.store.UpdateStepStatus(stepID, api.StepSkipped, "", "operator_skip")
}

// InjectGuidance attaches an operator note passed to every subsequent tool
// invocation of the task.
func (e *Engine) InjectGuidance(taskID, guidance string) error {
	return e.store.SetTaskGuidance(taskID, guidance)
}

// CancelRunning cancels an admitted task: dispatch stops at the boundary,
// undispatched steps are forced failed, completed steps and their checkpoints
// stay intact for rollback. Open approval requests on cancelled steps are
// superseded. In-flight invocations run to completion.
func (e *Engine) CancelRunning(taskID string) error {
	e.controls.setPaused(taskID, true)

	steps, err := e.store.ListSteps(taskID)
	if err != nil {
		return err
	}
	for _, st := range steps {
		if st.Status == api.StepPending || st.Status == api.StepAwaitingApproval {
			if st.Status == api.StepAwaitingApproval {
				if serr := e.store.SupersedePendingForStep(st.ID); serr != nil {
					e.log.WithError(serr).WithField("step", st.ID).Warn("supersede approval on cancel failed")
				}
			}
			if uerr := e.store.UpdateStepStatus(st.ID, api.StepFailed, "task cancelled", api.ReasonCancelled); uerr != nil && !errors.Is(uerr, store.ErrBadTransition) {
				e.log.WithError(uerr).WithField("step", st.ID).Warn("cancel step transition failed")
			}
		}
	}

	if err := e.store.UpdateTaskStatus(taskID, api.TaskCancelled, ""); err != nil {
		return err
	}
	if err := e.checkpoints.ExpireTask(taskID, time.Now()); err != nil {
		e.log.WithError(err).WithField("task", taskID).Warn("checkpoint expiry stamp failed")
	}
	e.controls.forget(taskID)
	if t, err := e.store.GetTask(taskID); err == nil {
		e.sink.TaskStatusChanged(t)
	}
	return nil
}
