package rollback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gantryhq/gantry/internal/api"
	"github.com/gantryhq/gantry/internal/checkpoint"
	"github.com/gantryhq/gantry/internal/store"
)

var (
	// ErrDependentsNotIncluded rejects a selective rollback while a
	// still-succeeded dependent relies on a target's effect. Validated before
	// any mutation.
	ErrDependentsNotIncluded = errors.New("succeeded dependent not included in rollback")
)

// Engine reverses completed steps using their checkpoints, detecting
// conflicts and refusing unsafe operations.
type Engine struct {
	store *store.Store
	snap  checkpoint.Snapshotter
	log   *logrus.Logger
}

func New(s *store.Store, snap checkpoint.Snapshotter, log *logrus.Logger) *Engine {
	return &Engine{store: s, snap: snap, log: log}
}

// Rollback undoes steps of a task. With no stepIDs every succeeded step is
// rolled back in reverse completion order; with stepIDs only those steps,
// after validating that no succeeded dependent outside the set remains. Each
// target yields one RollbackRecord; already-rolled-back steps return their
// existing record without re-mutating state.
func (e *Engine) Rollback(ctx context.Context, taskID string, stepIDs []string, force bool, performedBy string) ([]*api.RollbackRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := e.store.GetTask(taskID); err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(taskID)
	if err != nil {
		return nil, err
	}
	byID := map[string]*api.Step{}
	for _, st := range steps {
		byID[st.ID] = st
	}

	var targets []*api.Step
	if len(stepIDs) == 0 {
		for _, st := range steps {
			if st.Status == api.StepSucceeded || st.Status == api.StepRolledBack {
				targets = append(targets, st)
			}
		}
	} else {
		set := map[string]bool{}
		for _, id := range stepIDs {
			set[id] = true
		}
		for _, id := range stepIDs {
			st, ok := byID[id]
			if !ok || st.TaskID != taskID {
				return nil, fmt.Errorf("step %s: %w", id, store.ErrNotFound)
			}
			targets = append(targets, st)
		}
		// a step cannot be rolled back while a still-succeeded dependent
		// relies on its effect
		for _, target := range targets {
			for _, st := range steps {
				if st.Status != api.StepSucceeded || set[st.ID] {
					continue
				}
				for _, dep := range st.DependsOn {
					if dep == target.ID {
						return nil, fmt.Errorf("step %s depends on %s: %w", st.ID, target.ID, ErrDependentsNotIncluded)
					}
				}
			}
		}
	}

	// reverse completion order
	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].EndedAt > targets[j].EndedAt
	})

	var records []*api.RollbackRecord
	for _, st := range targets {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		rec := e.rollbackStep(st, force, performedBy)
		records = append(records, rec)
	}
	return records, nil
}

func (e *Engine) rollbackStep(st *api.Step, force bool, performedBy string) *api.RollbackRecord {
	// idempotent: an already-rolled-back step yields its existing record
	if st.Status == api.StepRolledBack {
		if prev, err := e.store.LatestRollbackForStep(st.ID); err == nil {
			return prev
		}
	}

	rec := &api.RollbackRecord{
		ID:          uuid.NewString(),
		StepID:      st.ID,
		TaskID:      st.TaskID,
		Forced:      force,
		PerformedBy: performedBy,
	}

	if st.Status != api.StepSucceeded {
		rec.Outcome = api.RollbackFailed
		rec.Reason = api.RollbackReasonNoCheckpoint
		e.write(rec)
		return rec
	}

	// irreversible steps are refused outright, no partial attempt
	if !st.Reversible {
		rec.Outcome = api.RollbackFailed
		rec.Reason = api.RollbackReasonIrreversible
		e.write(rec)
		return rec
	}

	cp, err := e.store.GetCheckpointByStep(st.ID)
	if errors.Is(err, store.ErrNotFound) {
		rec.Outcome = api.RollbackFailed
		rec.Reason = api.RollbackReasonNoCheckpoint
		e.write(rec)
		return rec
	}
	if err != nil {
		rec.Outcome = api.RollbackFailed
		rec.Reason = err.Error()
		e.write(rec)
		return rec
	}
	rec.CheckpointID = cp.ID

	if cp.Expired || windowExpired(cp) {
		rec.Outcome = api.RollbackFailed
		rec.Reason = api.RollbackReasonWindowExpired
		e.write(rec)
		return rec
	}
	if cp.FinalizedAt == "" {
		rec.Outcome = api.RollbackFailed
		rec.Reason = api.RollbackReasonNoCheckpoint
		e.write(rec)
		return rec
	}

	before, berr := checkpoint.DecodeSnapshot(cp.Before)
	after, aerr := checkpoint.DecodeSnapshot(cp.After)
	if berr != nil || aerr != nil {
		rec.Outcome = api.RollbackFailed
		rec.Reason = "corrupt snapshot"
		e.write(rec)
		return rec
	}

	live, err := e.snap.Read(cp.Resource)
	if err != nil {
		rec.Outcome = api.RollbackFailed
		rec.Reason = fmt.Sprintf("read live state: %v", err)
		e.write(rec)
		return rec
	}

	// conflict: the resource changed since the step completed; only an
	// explicit force overrides, and the destructive intent is recorded
	if !live.Equal(after) && !force {
		rec.Outcome = api.RollbackConflict
		rec.Reason = api.RollbackReasonConflict
		e.write(rec)
		return rec
	}

	if err := e.snap.Restore(cp.Resource, before); err != nil {
		rec.Outcome = api.RollbackPartial
		rec.Reason = fmt.Sprintf("restore: %v", err)
		e.write(rec)
		return rec
	}

	rec.Outcome = api.RollbackSuccess
	rec.Diff = describeDiff(cp.Resource, live, before)
	if err := e.store.UpdateStepStatus(st.ID, api.StepRolledBack, "", ""); err != nil {
		e.log.WithError(err).WithField("step", st.ID).Warn("rolled_back transition failed")
	}
	e.write(rec)
	return rec
}

func (e *Engine) write(rec *api.RollbackRecord) {
	if err := e.store.CreateRollbackRecord(rec); err != nil {
		e.log.WithError(err).WithField("step", rec.StepID).Warn("rollback record write failed")
	}
}

func windowExpired(cp *api.Checkpoint) bool {
	if cp.ExpiresAt == "" {
		return false
	}
	exp, err := time.Parse(time.RFC3339Nano, cp.ExpiresAt)
	if err != nil {
		return false
	}
	return !time.Now().Before(exp)
}

func describeDiff(resource string, from, to checkpoint.Snapshot) string {
	switch {
	case !from.Exists && to.Exists:
		return fmt.Sprintf("%s: recreated (%d bytes)", resource, len(to.Data))
	case from.Exists && !to.Exists:
		return fmt.Sprintf("%s: removed (%d bytes)", resource, len(from.Data))
	default:
		return fmt.Sprintf("%s: %d bytes -> %d bytes", resource, len(from.Data), len(to.Data))
	}
}
