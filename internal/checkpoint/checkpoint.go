package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gantryhq/gantry/internal/api"
	"github.com/gantryhq/gantry/internal/store"
)

// Manager captures before/after resource snapshots around mutating steps and
// sweeps checkpoints past their retention window.
type Manager struct {
	store     *store.Store
	snap      Snapshotter
	retention time.Duration
	log       *logrus.Logger
}

func NewManager(s *store.Store, snap Snapshotter, retention time.Duration, log *logrus.Logger) *Manager {
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &Manager{store: s, snap: snap, retention: retention, log: log}
}

// Capture serializes the current state of the step's resource into a
// before-snapshot. Call immediately before invoking the tool.
func (m *Manager) Capture(step *api.Step) (*api.Checkpoint, error) {
	snap, err := m.snap.Read(step.Resource)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", step.Resource, err)
	}
	cp := &api.Checkpoint{
		ID:       uuid.NewString(),
		StepID:   step.ID,
		TaskID:   step.TaskID,
		Resource: step.Resource,
		Before:   snap.Encode(),
		Safe:     step.Reversible,
	}
	if err := m.store.CreateCheckpoint(cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Finalize records the after-snapshot once the step has completed.
func (m *Manager) Finalize(cp *api.Checkpoint) error {
	snap, err := m.snap.Read(cp.Resource)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", cp.Resource, err)
	}
	return m.store.FinalizeCheckpoint(cp.ID, snap.Encode())
}

// ExpireTask stamps the rollback deadline on every checkpoint of a task that
// just reached a terminal status.
func (m *Manager) ExpireTask(taskID string, endedAt time.Time) error {
	return m.store.SetCheckpointExpiry(taskID, endedAt.Add(m.retention))
}

// Retention returns the configured rollback window.
func (m *Manager) Retention() time.Duration {
	return m.retention
}

// StartSweeper starts a background goroutine that marks checkpoints past
// their expiry. Advisory cleanup, not safety-critical: an expired checkpoint
// simply makes rollback unavailable. Returns a cancel func to stop the
// sweeper. If interval is zero, defaults to 1s.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		if interval <= 0 {
			interval = 1 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := m.store.SweepExpiredCheckpoints(time.Now())
				if err != nil {
					m.log.WithError(err).Warn("checkpoint sweep failed")
					continue
				}
				if n > 0 {
					m.log.WithField("count", n).Debug("expired checkpoints swept")
				}
			}
		}
	}()
	return cancel
}
