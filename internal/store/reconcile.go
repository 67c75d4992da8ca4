package store

import (
	"github.com/gantryhq/gantry/internal/api"
)

// ReconcileRunningSteps marks steps that were left in-flight by a daemon
// crash as failed so their tasks can settle instead of hanging in running.
// Safe to run multiple times; it only touches steps still in status running.
// Returns the ids of the reconciled steps.
func (s *Store) ReconcileRunningSteps() ([]string, error) {
	const crashMsg = "crash recovery: gantryd restart"

	rows, err := s.db.Query(`SELECT id FROM steps WHERE status = 'running'`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.UpdateStepStatus(id, api.StepFailed, crashMsg, api.ReasonToolError); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
