package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gantryhq/gantry/internal/api"
)

type Store struct {
	db *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrBadTransition is returned when a status update would move a task or
	// step backwards along its state machine.
	ErrBadTransition = errors.New("bad status transition")
)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  request TEXT NOT NULL,
  status TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  owner TEXT NOT NULL DEFAULT '',
  on_step_failure TEXT NOT NULL DEFAULT 'skip_dependents',
  in_flight_limit INTEGER NOT NULL DEFAULT 1,
  guidance TEXT NOT NULL DEFAULT '',
  taken_over INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  started_at TEXT,
  ended_at TEXT
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS steps (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  ordinal INTEGER NOT NULL,
  depends_on TEXT NOT NULL DEFAULT '[]',
  tool TEXT NOT NULL,
  params TEXT NOT NULL DEFAULT '{}',
  resource TEXT NOT NULL DEFAULT '',
  sensitive INTEGER NOT NULL DEFAULT 0,
  reversible INTEGER NOT NULL DEFAULT 0,
  critical INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  retries INTEGER NOT NULL DEFAULT 0,
  result TEXT,
  error TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL DEFAULT '',
  started_at TEXT,
  ended_at TEXT
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS approvals (
  id TEXT PRIMARY KEY,
  step_id TEXT NOT NULL REFERENCES steps(id) ON DELETE CASCADE,
  task_id TEXT NOT NULL,
  preview TEXT NOT NULL,
  created_at TEXT NOT NULL,
  expires_at TEXT NOT NULL,
  decision TEXT NOT NULL DEFAULT 'pending',
  decided_by TEXT NOT NULL DEFAULT '',
  decided_at TEXT,
  rationale TEXT NOT NULL DEFAULT '',
  params_override TEXT,
  superseded INTEGER NOT NULL DEFAULT 0
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS checkpoints (
  id TEXT PRIMARY KEY,
  step_id TEXT NOT NULL UNIQUE REFERENCES steps(id) ON DELETE CASCADE,
  task_id TEXT NOT NULL,
  resource TEXT NOT NULL,
  before_state BLOB,
  after_state BLOB,
  safe INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL,
  finalized_at TEXT,
  expires_at TEXT,
  expired INTEGER NOT NULL DEFAULT 0
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS rollback_records (
  id TEXT PRIMARY KEY,
  checkpoint_id TEXT NOT NULL DEFAULT '',
  step_id TEXT NOT NULL,
  task_id TEXT NOT NULL,
  outcome TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  diff TEXT NOT NULL DEFAULT '',
  forced INTEGER NOT NULL DEFAULT 0,
  performed_by TEXT NOT NULL DEFAULT '',
  performed_at TEXT NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}

	return tx.Commit()
}

// isSqliteBusy reports whether err represents a busy/locked sqlite condition.
func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return msg == "database is locked" || msg == "database is busy" || strings.Contains(msg, "SQLITE_BUSY")
}

// withBusyRetry runs fn, retrying a few times with a small backoff when sqlite
// reports contention.
func withBusyRetry(fn func() error) error {
	const maxRetries = 5
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isSqliteBusy(lastErr) {
			return lastErr
		}
		time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
	}
	return lastErr
}

func (s *Store) String() string {
	return fmt.Sprintf("store(%p)", s)
}

const taskCols = `id, request, status, priority, owner, on_step_failure, in_flight_limit, guidance, taken_over, error, created_at, COALESCE(started_at, ''), COALESCE(ended_at, '')`

func scanTask(row interface{ Scan(...any) error }) (*api.Task, error) {
	var t api.Task
	var takenOver int
	if err := row.Scan(&t.ID, &t.Request, &t.Status, &t.Priority, &t.Owner, &t.OnStepFailure, &t.InFlightLimit, &t.Guidance, &takenOver, &t.Error, &t.CreatedAt, &t.StartedAt, &t.EndedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.TakenOver = takenOver != 0
	return &t, nil
}

// CreateTask inserts a new task row. The caller assigns the id.
func (s *Store) CreateTask(t *api.Task) error {
	if t.CreatedAt == "" {
		t.CreatedAt = now()
	}
	if t.Status == "" {
		t.Status = api.TaskQueued
	}
	if t.OnStepFailure == "" {
		t.OnStepFailure = api.SkipDependents
	}
	if t.InFlightLimit <= 0 {
		t.InFlightLimit = 1
	}
	return withBusyRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO tasks (id, request, status, priority, owner, on_step_failure, in_flight_limit, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Request, t.Status, t.Priority, t.Owner, t.OnStepFailure, t.InFlightLimit, t.CreatedAt,
		)
		return err
	})
}

func (s *Store) GetTask(taskID string) (*api.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskCols+` FROM tasks WHERE id = ?`, taskID)
	return scanTask(row)
}

// GetTaskWithSteps loads a task and its steps ordered by ordinal.
func (s *Store) GetTaskWithSteps(taskID string) (*api.Task, error) {
	t, err := s.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	steps, err := s.ListSteps(taskID)
	if err != nil {
		return nil, err
	}
	t.Steps = steps
	return t, nil
}

// ListTasks returns tasks ordered newest first. If limit <= 0, return all.
func (s *Store) ListTasks(limit int) ([]*api.Task, error) {
	q := `SELECT ` + taskCols + ` FROM tasks ORDER BY created_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(q+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasksByStatus returns tasks in a given status, oldest first.
func (s *Store) ListTasksByStatus(status api.TaskStatus) ([]*api.Task, error) {
	rows, err := s.db.Query(`SELECT `+taskCols+` FROM tasks WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// NextQueuedTask returns the highest-priority queued task, FIFO within equal
// priority. Returns ErrNotFound when the queue is empty.
func (s *Store) NextQueuedTask() (*api.Task, error) {
	row := s.db.QueryRow(`SELECT ` + taskCols + ` FROM tasks WHERE status = 'queued' ORDER BY priority DESC, created_at ASC LIMIT 1`)
	return scanTask(row)
}

// CountQueued returns the number of queued tasks.
func (s *Store) CountQueued() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status = 'queued'`).Scan(&n)
	return n, err
}

// CountAdmitted returns the number of tasks currently holding an admission
// slot (planning, running or paused).
func (s *Store) CountAdmitted() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status IN ('planning', 'running', 'paused')`).Scan(&n)
	return n, err
}

// taskTransitionAllowed validates forward-only task status updates.
// paused <-> running is the one legal oscillation.
func taskTransitionAllowed(from, to api.TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case api.TaskQueued:
		return to == api.TaskPlanning || to == api.TaskFailed || to == api.TaskCancelled
	case api.TaskPlanning:
		return to == api.TaskRunning || to == api.TaskFailed || to == api.TaskCancelled
	case api.TaskRunning:
		return to == api.TaskPaused || to == api.TaskSucceeded || to == api.TaskFailed || to == api.TaskCancelled
	case api.TaskPaused:
		return to == api.TaskRunning || to == api.TaskFailed || to == api.TaskCancelled
	}
	return false
}

// UpdateTaskStatus moves a task along its state machine, maintaining
// started_at/ended_at. Invalid transitions return ErrBadTransition.
func (s *Store) UpdateTaskStatus(taskID string, status api.TaskStatus, errMsg string) error {
	return withBusyRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var cur api.TaskStatus
		if err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&cur); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !taskTransitionAllowed(cur, status) {
			return fmt.Errorf("task %s: %s -> %s: %w", taskID, cur, status, ErrBadTransition)
		}

		ts := now()
		if _, err := tx.Exec(`UPDATE tasks SET status = ?, error = ? WHERE id = ?`, status, errMsg, taskID); err != nil {
			return err
		}
		if status == api.TaskRunning && cur == api.TaskPlanning {
			if _, err := tx.Exec(`UPDATE tasks SET started_at = ? WHERE id = ? AND started_at IS NULL`, ts, taskID); err != nil {
				return err
			}
		}
		if status.Terminal() {
			if _, err := tx.Exec(`UPDATE tasks SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, ts, taskID); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// SetTaskGuidance replaces the operator guidance note on a task.
func (s *Store) SetTaskGuidance(taskID, guidance string) error {
	return withBusyRetry(func() error {
		res, err := s.db.Exec(`UPDATE tasks SET guidance = ? WHERE id = ?`, guidance, taskID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// SetTaskTakenOver flips manual takeover mode for a task.
func (s *Store) SetTaskTakenOver(taskID string, takenOver bool) error {
	v := 0
	if takenOver {
		v = 1
	}
	return withBusyRetry(func() error {
		res, err := s.db.Exec(`UPDATE tasks SET taken_over = ? WHERE id = ?`, v, taskID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
