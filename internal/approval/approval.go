package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gantryhq/gantry/internal/api"
	"github.com/gantryhq/gantry/internal/notify"
	"github.com/gantryhq/gantry/internal/store"
)

// TTLFunc returns the approval window for a step's sensitivity class.
type TTLFunc func(class string) time.Duration

// Gate mediates operator approval for sensitive steps without blocking
// unrelated work. Requests fail closed: no decision within the window means
// the step never executes.
type Gate struct {
	store *store.Store
	sink  notify.Sink
	audit *AuditLog
	ttl   TTLFunc
	log   *logrus.Logger
}

func NewGate(s *store.Store, sink notify.Sink, audit *AuditLog, ttl TTLFunc, log *logrus.Logger) *Gate {
	if ttl == nil {
		ttl = func(string) time.Duration { return 5 * time.Minute }
	}
	return &Gate{store: s, sink: sink, audit: audit, ttl: ttl, log: log}
}

// RequestApproval creates a pending request for a sensitive step and returns
// immediately. Any previous pending request for the step becomes immutable
// superseded history.
func (g *Gate) RequestApproval(step *api.Step, preview string) (*api.ApprovalRequest, error) {
	ttl := g.ttl("default")
	req := &api.ApprovalRequest{
		ID:        uuid.NewString(),
		StepID:    step.ID,
		TaskID:    step.TaskID,
		Preview:   preview,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		ExpiresAt: time.Now().UTC().Add(ttl).Format(time.RFC3339Nano),
		Decision:  api.DecisionPending,
	}
	if err := g.store.CreateApproval(req); err != nil {
		return nil, err
	}
	g.appendAudit(AuditEntry{Event: "requested", RequestID: req.ID, StepID: req.StepID, TaskID: req.TaskID})
	g.sink.ApprovalCreated(req)
	return req, nil
}

// Decide records an operator decision. An approved request may carry a
// parameter override, shallow-merged into the step params before execution.
// A rejected request fails the step immediately with reason
// approval_rejected.
func (g *Gate) Decide(requestID string, decision api.Decision, decidedBy, rationale string, paramsOverride json.RawMessage) (*api.ApprovalRequest, error) {
	req, err := g.store.DecideApproval(requestID, decision, decidedBy, rationale, paramsOverride)
	if err != nil {
		return nil, err
	}

	if decision == api.DecisionApproved && len(paramsOverride) > 0 {
		step, err := g.store.GetStep(req.StepID)
		if err != nil {
			return nil, err
		}
		merged, err := mergeParams(step.Params, paramsOverride)
		if err != nil {
			return nil, fmt.Errorf("params override: %w", err)
		}
		if err := g.store.SetStepParams(req.StepID, merged); err != nil {
			return nil, err
		}
	}

	if decision == api.DecisionRejected {
		if err := g.store.UpdateStepStatus(req.StepID, api.StepFailed, "operator rejected", api.ReasonApprovalRejected); err != nil {
			g.log.WithError(err).WithField("step", req.StepID).Warn("failed to fail rejected step")
		}
	}

	g.appendAudit(AuditEntry{Event: string(decision), RequestID: req.ID, StepID: req.StepID, TaskID: req.TaskID, Actor: decidedBy, Rationale: rationale})
	g.sink.ApprovalResolved(req)
	return req, nil
}

// StartSweeper starts a background goroutine that expires undecided requests
// past their deadline and fails their steps with reason approval_timeout.
// Returns a cancel func. If interval is zero, defaults to 1s.
func (g *Gate) StartSweeper(ctx context.Context, interval time.Duration) context.CancelFunc {
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
				if err := g.Sweep(time.Now()); err != nil {
					g.log.WithError(err).Warn("approval sweep failed")
				}
			}
		}
	}()
	return cancel
}

// Sweep expires undecided requests whose deadline has passed as of cutoff and
// fails their steps with reason approval_timeout. Steps already terminal are
// left alone.
func (g *Gate) Sweep(cutoff time.Time) error {
	expired, err := g.store.ExpirePendingApprovals(cutoff)
	if err != nil {
		return err
	}
	for _, req := range expired {
		if err := g.store.UpdateStepStatus(req.StepID, api.StepFailed, "no decision before deadline", api.ReasonApprovalTimeout); err != nil && !errors.Is(err, store.ErrBadTransition) {
			g.log.WithError(err).WithField("step", req.StepID).Warn("failed to fail timed-out step")
		}
		g.appendAudit(AuditEntry{Event: "expired", RequestID: req.ID, StepID: req.StepID, TaskID: req.TaskID})
		g.sink.ApprovalResolved(req)
	}
	return nil
}

func (g *Gate) appendAudit(e AuditEntry) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Append(e); err != nil {
		g.log.WithError(err).Warn("audit append failed")
	}
}

// mergeParams shallow-merges override keys into base. Both must be JSON
// objects (or empty).
func mergeParams(base, override json.RawMessage) (json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &out); err != nil {
			return nil, err
		}
	}
	ov := map[string]json.RawMessage{}
	if err := json.Unmarshal(override, &ov); err != nil {
		return nil, err
	}
	for k, v := range ov {
		out[k] = v
	}
	return json.Marshal(out)
}
