package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/gantryhq/gantry/internal/api"
)

var (
	// ErrCheckpointExists is returned when capturing a second checkpoint for a
	// step. A step gets at most one before/after pair.
	ErrCheckpointExists = errors.New("checkpoint already exists for step")
	// ErrCheckpointFinal is returned on writes to a finalized checkpoint.
	ErrCheckpointFinal = errors.New("checkpoint already finalized")
)

const checkpointCols = `id, step_id, task_id, resource, before_state, after_state, safe, created_at, COALESCE(finalized_at, ''), COALESCE(expires_at, ''), expired`

func scanCheckpoint(row interface{ Scan(...any) error }) (*api.Checkpoint, error) {
	var c api.Checkpoint
	var safe, expired int
	if err := row.Scan(&c.ID, &c.StepID, &c.TaskID, &c.Resource, &c.Before, &c.After, &safe, &c.CreatedAt, &c.FinalizedAt, &c.ExpiresAt, &expired); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Safe = safe != 0
	c.Expired = expired != 0
	return &c, nil
}

// CreateCheckpoint inserts a before-snapshot for a step. The after-snapshot
// and expiry are set later by FinalizeCheckpoint and SetCheckpointExpiry.
func (s *Store) CreateCheckpoint(c *api.Checkpoint) error {
	if c.CreatedAt == "" {
		c.CreatedAt = now()
	}
	return withBusyRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		err = tx.QueryRow(`SELECT 1 FROM checkpoints WHERE step_id = ?`, c.StepID).Scan(&exists)
		if err == nil {
			return ErrCheckpointExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if _, err := tx.Exec(
			`INSERT INTO checkpoints (id, step_id, task_id, resource, before_state, safe, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.StepID, c.TaskID, c.Resource, c.Before, b2i(c.Safe), c.CreatedAt,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// FinalizeCheckpoint records the after-snapshot. Checkpoints are append-only:
// a second finalize returns ErrCheckpointFinal.
func (s *Store) FinalizeCheckpoint(checkpointID string, after []byte) error {
	return withBusyRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var finalized sql.NullString
		if err := tx.QueryRow(`SELECT finalized_at FROM checkpoints WHERE id = ?`, checkpointID).Scan(&finalized); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if finalized.Valid {
			return ErrCheckpointFinal
		}
		if _, err := tx.Exec(`UPDATE checkpoints SET after_state = ?, finalized_at = ? WHERE id = ?`, after, now(), checkpointID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) GetCheckpoint(checkpointID string) (*api.Checkpoint, error) {
	row := s.db.QueryRow(`SELECT `+checkpointCols+` FROM checkpoints WHERE id = ?`, checkpointID)
	return scanCheckpoint(row)
}

func (s *Store) GetCheckpointByStep(stepID string) (*api.Checkpoint, error) {
	row := s.db.QueryRow(`SELECT `+checkpointCols+` FROM checkpoints WHERE step_id = ?`, stepID)
	return scanCheckpoint(row)
}

// ListCheckpointsByTask returns a task's checkpoints in finalization order
// (oldest first). Unfinalized checkpoints sort last.
func (s *Store) ListCheckpointsByTask(taskID string) ([]*api.Checkpoint, error) {
	rows, err := s.db.Query(`SELECT `+checkpointCols+` FROM checkpoints WHERE task_id = ? ORDER BY COALESCE(finalized_at, '9999') ASC, created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCheckpointExpiry stamps an expiry on every checkpoint of a task that
// doesn't have one yet. Called when the task reaches a terminal status.
func (s *Store) SetCheckpointExpiry(taskID string, expiresAt time.Time) error {
	ts := expiresAt.UTC().Format(time.RFC3339Nano)
	return withBusyRetry(func() error {
		_, err := s.db.Exec(`UPDATE checkpoints SET expires_at = ? WHERE task_id = ? AND expires_at IS NULL`, ts, taskID)
		return err
	})
}

// SweepExpiredCheckpoints marks checkpoints past their expiry. Advisory
// cleanup: expired checkpoints simply make rollback unavailable.
func (s *Store) SweepExpiredCheckpoints(cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(time.RFC3339Nano)
	var n int64
	err := withBusyRetry(func() error {
		res, err := s.db.Exec(`UPDATE checkpoints SET expired = 1, before_state = NULL, after_state = NULL WHERE expired = 0 AND expires_at IS NOT NULL AND expires_at <= ?`, ts)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
