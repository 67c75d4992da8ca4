package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gantryhq/gantry/internal/api"
)

const stepCols = `id, task_id, ordinal, depends_on, tool, params, resource, sensitive, reversible, critical, status, retries, COALESCE(result, ''), error, reason, COALESCE(started_at, ''), COALESCE(ended_at, '')`

func scanStep(row interface{ Scan(...any) error }) (*api.Step, error) {
	var st api.Step
	var deps, params, result string
	var sensitive, reversible, critical int
	if err := row.Scan(&st.ID, &st.TaskID, &st.Ordinal, &deps, &st.Tool, &params, &st.Resource, &sensitive, &reversible, &critical, &st.Status, &st.Retries, &result, &st.Error, &st.Reason, &st.StartedAt, &st.EndedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(deps), &st.DependsOn); err != nil {
		return nil, fmt.Errorf("step %s: bad depends_on: %w", st.ID, err)
	}
	st.Params = json.RawMessage(params)
	if result != "" {
		st.Result = json.RawMessage(result)
	}
	st.Sensitive = sensitive != 0
	st.Reversible = reversible != 0
	st.Critical = critical != 0
	return &st, nil
}

// InsertSteps stores a planned step list for a task in one transaction.
func (s *Store) InsertSteps(taskID string, steps []*api.Step) error {
	return withBusyRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, st := range steps {
			deps, err := json.Marshal(st.DependsOn)
			if err != nil {
				return err
			}
			params := string(st.Params)
			if params == "" {
				params = "{}"
			}
			if st.Status == "" {
				st.Status = api.StepPending
			}
			if _, err := tx.Exec(
				`INSERT INTO steps (id, task_id, ordinal, depends_on, tool, params, resource, sensitive, reversible, critical, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				st.ID, taskID, st.Ordinal, string(deps), st.Tool, params, st.Resource, b2i(st.Sensitive), b2i(st.Reversible), b2i(st.Critical), st.Status,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) GetStep(stepID string) (*api.Step, error) {
	row := s.db.QueryRow(`SELECT `+stepCols+` FROM steps WHERE id = ?`, stepID)
	return scanStep(row)
}

// ListSteps returns a task's steps ordered by ordinal.
func (s *Store) ListSteps(taskID string) ([]*api.Step, error) {
	rows, err := s.db.Query(`SELECT `+stepCols+` FROM steps WHERE task_id = ? ORDER BY ordinal ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// stepTransitionAllowed validates forward-only step status updates per the
// step state machine. Terminal steps admit nothing, including same-status
// updates that would rewrite error and reason.
func stepTransitionAllowed(from, to api.StepStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case api.StepPending:
		return to == api.StepAwaitingApproval || to == api.StepRunning || to == api.StepSkipped || to == api.StepFailed
	case api.StepAwaitingApproval:
		return to == api.StepRunning || to == api.StepFailed || to == api.StepSkipped
	case api.StepRunning:
		return to == api.StepSucceeded || to == api.StepFailed
	case api.StepSucceeded:
		return to == api.StepRolledBack
	}
	return false
}

// UpdateStepStatus moves a step along its state machine. Invalid transitions
// return ErrBadTransition.
func (s *Store) UpdateStepStatus(stepID string, status api.StepStatus, errMsg, reason string) error {
	return withBusyRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var cur api.StepStatus
		if err := tx.QueryRow(`SELECT status FROM steps WHERE id = ?`, stepID).Scan(&cur); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !stepTransitionAllowed(cur, status) {
			return fmt.Errorf("step %s: %s -> %s: %w", stepID, cur, status, ErrBadTransition)
		}

		ts := now()
		if _, err := tx.Exec(`UPDATE steps SET status = ?, error = ?, reason = ? WHERE id = ?`, status, errMsg, reason, stepID); err != nil {
			return err
		}
		if status == api.StepRunning {
			if _, err := tx.Exec(`UPDATE steps SET started_at = ? WHERE id = ? AND started_at IS NULL`, ts, stepID); err != nil {
				return err
			}
		}
		if status.Terminal() {
			if _, err := tx.Exec(`UPDATE steps SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, ts, stepID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// SetStepResult records a tool result payload on a step.
func (s *Store) SetStepResult(stepID string, result json.RawMessage) error {
	return withBusyRetry(func() error {
		res, err := s.db.Exec(`UPDATE steps SET result = ? WHERE id = ?`, string(result), stepID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// SetStepParams replaces a step's params, used when an approval carries a
// parameter override.
func (s *Store) SetStepParams(stepID string, params json.RawMessage) error {
	return withBusyRetry(func() error {
		res, err := s.db.Exec(`UPDATE steps SET params = ? WHERE id = ?`, string(params), stepID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// IncrementStepRetries bumps the retry counter and returns the new value.
func (s *Store) IncrementStepRetries(stepID string) (int, error) {
	var v int
	err := withBusyRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.Exec(`UPDATE steps SET retries = retries + 1 WHERE id = ?`, stepID); err != nil {
			return err
		}
		if err := tx.QueryRow(`SELECT retries FROM steps WHERE id = ?`, stepID).Scan(&v); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return tx.Commit()
	})
	return v, err
}

// ListStepsByStatus returns steps of a task in the given status, ordered by
// ordinal.
func (s *Store) ListStepsByStatus(taskID string, status api.StepStatus) ([]*api.Step, error) {
	rows, err := s.db.Query(`SELECT `+stepCols+` FROM steps WHERE task_id = ? AND status = ? ORDER BY ordinal ASC`, taskID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
