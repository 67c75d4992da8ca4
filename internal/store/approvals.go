package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gantryhq/gantry/internal/api"
)

var (
	// ErrAlreadyDecided is returned when deciding a request that is no longer
	// pending.
	ErrAlreadyDecided = errors.New("approval already decided")
)

const approvalCols = `id, step_id, task_id, preview, created_at, expires_at, decision, decided_by, COALESCE(decided_at, ''), rationale, COALESCE(params_override, ''), superseded`

func scanApproval(row interface{ Scan(...any) error }) (*api.ApprovalRequest, error) {
	var a api.ApprovalRequest
	var override string
	var superseded int
	if err := row.Scan(&a.ID, &a.StepID, &a.TaskID, &a.Preview, &a.CreatedAt, &a.ExpiresAt, &a.Decision, &a.DecidedBy, &a.DecidedAt, &a.Rationale, &override, &superseded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if override != "" {
		a.ParamsOverride = json.RawMessage(override)
	}
	a.Superseded = superseded != 0
	return &a, nil
}

// CreateApproval inserts a pending approval request, marking any previous
// pending request for the same step superseded. Superseded rows are kept as
// immutable history.
func (s *Store) CreateApproval(a *api.ApprovalRequest) error {
	if a.CreatedAt == "" {
		a.CreatedAt = now()
	}
	if a.Decision == "" {
		a.Decision = api.DecisionPending
	}
	return withBusyRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.Exec(`UPDATE approvals SET superseded = 1 WHERE step_id = ? AND decision = 'pending'`, a.StepID); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO approvals (id, step_id, task_id, preview, created_at, expires_at, decision) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.StepID, a.TaskID, a.Preview, a.CreatedAt, a.ExpiresAt, a.Decision,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) GetApproval(requestID string) (*api.ApprovalRequest, error) {
	row := s.db.QueryRow(`SELECT `+approvalCols+` FROM approvals WHERE id = ?`, requestID)
	return scanApproval(row)
}

// ActiveApprovalForStep returns the one non-superseded request for a step,
// whatever its decision. ErrNotFound when the step never requested approval.
func (s *Store) ActiveApprovalForStep(stepID string) (*api.ApprovalRequest, error) {
	row := s.db.QueryRow(`SELECT `+approvalCols+` FROM approvals WHERE step_id = ? AND superseded = 0 ORDER BY created_at DESC LIMIT 1`, stepID)
	return scanApproval(row)
}

// ListApprovals returns approval requests, newest first. pendingOnly filters
// to undecided, non-superseded requests.
func (s *Store) ListApprovals(pendingOnly bool, limit int) ([]*api.ApprovalRequest, error) {
	q := `SELECT ` + approvalCols + ` FROM approvals`
	if pendingOnly {
		q += ` WHERE decision = 'pending' AND superseded = 0`
	}
	q += ` ORDER BY created_at DESC`
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

	var out []*api.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DecideApproval records an operator decision on a pending request. Decided,
// expired or superseded requests return ErrAlreadyDecided.
func (s *Store) DecideApproval(requestID string, decision api.Decision, decidedBy, rationale string, paramsOverride json.RawMessage) (*api.ApprovalRequest, error) {
	if decision != api.DecisionApproved && decision != api.DecisionRejected {
		return nil, fmt.Errorf("decision must be approved or rejected, got %q", decision)
	}
	err := withBusyRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var cur api.Decision
		var superseded int
		if err := tx.QueryRow(`SELECT decision, superseded FROM approvals WHERE id = ?`, requestID).Scan(&cur, &superseded); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if cur != api.DecisionPending || superseded != 0 {
			return ErrAlreadyDecided
		}

		override := sql.NullString{}
		if len(paramsOverride) > 0 {
			override = sql.NullString{String: string(paramsOverride), Valid: true}
		}
		if _, err := tx.Exec(
			`UPDATE approvals SET decision = ?, decided_by = ?, decided_at = ?, rationale = ?, params_override = ? WHERE id = ?`,
			decision, decidedBy, now(), rationale, override, requestID,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetApproval(requestID)
}

// SupersedePendingForStep marks any pending request for a step superseded, so
// it leaves the pending queue and can no longer be decided or swept. Used when
// a step is forced terminal with the request still open.
func (s *Store) SupersedePendingForStep(stepID string) error {
	return withBusyRetry(func() error {
		_, err := s.db.Exec(`UPDATE approvals SET superseded = 1 WHERE step_id = ? AND decision = 'pending'`, stepID)
		return err
	})
}

// ExpirePendingApprovals flips pending, non-superseded requests whose deadline
// has passed to expired and returns them so the caller can fail their steps.
func (s *Store) ExpirePendingApprovals(cutoff time.Time) ([]*api.ApprovalRequest, error) {
	ts := cutoff.UTC().Format(time.RFC3339Nano)
	var expired []*api.ApprovalRequest
	err := withBusyRetry(func() error {
		expired = expired[:0]
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.Query(`SELECT `+approvalCols+` FROM approvals WHERE decision = 'pending' AND superseded = 0 AND expires_at <= ?`, ts)
		if err != nil {
			return err
		}
		for rows.Next() {
			a, err := scanApproval(rows)
			if err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, a := range expired {
			if _, err := tx.Exec(`UPDATE approvals SET decision = 'expired', decided_at = ? WHERE id = ?`, now(), a.ID); err != nil {
				return err
			}
			a.Decision = api.DecisionExpired
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}
