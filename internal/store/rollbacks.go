package store

import (
	"database/sql"

	"github.com/gantryhq/gantry/internal/api"
)

const rollbackCols = `id, checkpoint_id, step_id, task_id, outcome, reason, diff, forced, performed_by, performed_at`

func scanRollback(row interface{ Scan(...any) error }) (*api.RollbackRecord, error) {
	var r api.RollbackRecord
	var forced int
	if err := row.Scan(&r.ID, &r.CheckpointID, &r.StepID, &r.TaskID, &r.Outcome, &r.Reason, &r.Diff, &forced, &r.PerformedBy, &r.PerformedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Forced = forced != 0
	return &r, nil
}

// CreateRollbackRecord appends an audit record. Records are retained
// permanently and never updated.
func (s *Store) CreateRollbackRecord(r *api.RollbackRecord) error {
	if r.PerformedAt == "" {
		r.PerformedAt = now()
	}
	return withBusyRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO rollback_records (id, checkpoint_id, step_id, task_id, outcome, reason, diff, forced, performed_by, performed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.CheckpointID, r.StepID, r.TaskID, r.Outcome, r.Reason, r.Diff, b2i(r.Forced), r.PerformedBy, r.PerformedAt,
		)
		return err
	})
}

// ListRollbackRecords returns a task's rollback audit trail, newest first.
func (s *Store) ListRollbackRecords(taskID string) ([]*api.RollbackRecord, error) {
	rows, err := s.db.Query(`SELECT `+rollbackCols+` FROM rollback_records WHERE task_id = ? ORDER BY performed_at DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.RollbackRecord
	for rows.Next() {
		r, err := scanRollback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRollbackForStep returns the most recent record for a step, or
// ErrNotFound.
func (s *Store) LatestRollbackForStep(stepID string) (*api.RollbackRecord, error) {
	row := s.db.QueryRow(`SELECT `+rollbackCols+` FROM rollback_records WHERE step_id = ? ORDER BY performed_at DESC LIMIT 1`, stepID)
	return scanRollback(row)
}
