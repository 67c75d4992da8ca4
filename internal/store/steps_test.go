package store

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/gantryhq/gantry/internal/api"
)

func insertTestSteps(t *testing.T, s *Store, taskID string, steps []*api.Step) {
	t.Helper()
	mustCreateTask(t, s, &api.Task{ID: taskID, Request: "r"})
	if err := s.InsertSteps(taskID, steps); err != nil {
		t.Fatalf("insert steps: %v", err)
	}
}

func TestInsertAndListSteps(t *testing.T) {
	s := newTestStore(t)
	insertTestSteps(t, s, "t1", []*api.Step{
		{ID: "s1", Ordinal: 0, Tool: "echo", Params: json.RawMessage(`{"msg":"hi"}`)},
		{ID: "s2", Ordinal: 1, Tool: "write_file", DependsOn: []string{"s1"}, Resource: "out.txt", Sensitive: true, Reversible: true},
	})

	steps, err := s.ListSteps("t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].ID != "s1" || steps[1].ID != "s2" {
		t.Fatalf("ordinal ordering broken: %s %s", steps[0].ID, steps[1].ID)
	}
	if steps[0].Status != api.StepPending {
		t.Fatalf("expected pending, got %s", steps[0].Status)
	}
	if string(steps[0].Params) != `{"msg":"hi"}` {
		t.Fatalf("params mismatch: %s", steps[0].Params)
	}
	if len(steps[1].DependsOn) != 1 || steps[1].DependsOn[0] != "s1" {
		t.Fatalf("deps mismatch: %v", steps[1].DependsOn)
	}
	if !steps[1].Sensitive || !steps[1].Reversible {
		t.Fatalf("flags lost on round trip")
	}
}

func TestStepStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	insertTestSteps(t, s, "t1", []*api.Step{{ID: "s1", Ordinal: 0, Tool: "echo"}})

	for _, status := range []api.StepStatus{api.StepAwaitingApproval, api.StepRunning, api.StepSucceeded, api.StepRolledBack} {
		if err := s.UpdateStepStatus("s1", status, "", ""); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	got, err := s.GetStep("s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.StartedAt == "" || got.EndedAt == "" {
		t.Fatalf("start/end not stamped")
	}

	// rolled_back is final
	if err := s.UpdateStepStatus("s1", api.StepRunning, "", ""); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}

func TestStepBackwardTransitionRejected(t *testing.T) {
	s := newTestStore(t)
	insertTestSteps(t, s, "t1", []*api.Step{{ID: "s1", Ordinal: 0, Tool: "echo"}})

	// pending cannot complete without running
	if err := s.UpdateStepStatus("s1", api.StepSucceeded, "", ""); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("pending->succeeded: expected ErrBadTransition, got %v", err)
	}

	if err := s.UpdateStepStatus("s1", api.StepFailed, "boom", api.ReasonToolError); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ := s.GetStep("s1")
	if got.Error != "boom" || got.Reason != api.ReasonToolError {
		t.Fatalf("error/reason not recorded: %q %q", got.Error, got.Reason)
	}

	// failed admits nothing further
	if err := s.UpdateStepStatus("s1", api.StepRunning, "", ""); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("failed->running: expected ErrBadTransition, got %v", err)
	}
}

func TestTerminalStepRejectsSameStatusRewrite(t *testing.T) {
	s := newTestStore(t)
	insertTestSteps(t, s, "t1", []*api.Step{
		{ID: "s1", Ordinal: 0, Tool: "echo"},
		{ID: "s2", Ordinal: 1, Tool: "echo"},
	})

	if err := s.UpdateStepStatus("s1", api.StepFailed, "task cancelled", api.ReasonCancelled); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// error and reason on a terminal step are frozen; a repeated failed
	// update must not overwrite them
	if err := s.UpdateStepStatus("s1", api.StepFailed, "no decision before deadline", api.ReasonApprovalTimeout); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("failed->failed: expected ErrBadTransition, got %v", err)
	}
	got, _ := s.GetStep("s1")
	if got.Error != "task cancelled" || got.Reason != api.ReasonCancelled {
		t.Fatalf("terminal step rewritten: %q %q", got.Error, got.Reason)
	}

	// same-status updates on a live step still pass
	if err := s.UpdateStepStatus("s2", api.StepRunning, "", ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := s.UpdateStepStatus("s2", api.StepRunning, "", ""); err != nil {
		t.Fatalf("running->running: %v", err)
	}
}

func TestStepResultParamsRetries(t *testing.T) {
	s := newTestStore(t)
	insertTestSteps(t, s, "t1", []*api.Step{{ID: "s1", Ordinal: 0, Tool: "echo"}})

	if err := s.SetStepResult("s1", json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("result: %v", err)
	}
	if err := s.SetStepParams("s1", json.RawMessage(`{"msg":"replaced"}`)); err != nil {
		t.Fatalf("params: %v", err)
	}

	for i := 1; i <= 2; i++ {
		n, err := s.IncrementStepRetries("s1")
		if err != nil {
			t.Fatalf("retries: %v", err)
		}
		if n != i {
			t.Fatalf("expected %d retries, got %d", i, n)
		}
	}

	got, _ := s.GetStep("s1")
	if string(got.Result) != `{"ok":true}` {
		t.Fatalf("result mismatch: %s", got.Result)
	}
	if string(got.Params) != `{"msg":"replaced"}` {
		t.Fatalf("params mismatch: %s", got.Params)
	}
	if got.Retries != 2 {
		t.Fatalf("retries mismatch: %d", got.Retries)
	}
}

func TestListStepsByStatus(t *testing.T) {
	s := newTestStore(t)
	insertTestSteps(t, s, "t1", []*api.Step{
		{ID: "s1", Ordinal: 0, Tool: "echo"},
		{ID: "s2", Ordinal: 1, Tool: "echo"},
	})
	if err := s.UpdateStepStatus("s2", api.StepRunning, "", ""); err != nil {
		t.Fatalf("run: %v", err)
	}

	pending, err := s.ListStepsByStatus("t1", api.StepPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "s1" {
		t.Fatalf("expected s1 pending, got %+v", pending)
	}
}

func TestReconcileRunningSteps(t *testing.T) {
	s := newTestStore(t)
	insertTestSteps(t, s, "t1", []*api.Step{
		{ID: "s1", Ordinal: 0, Tool: "echo"},
		{ID: "s2", Ordinal: 1, Tool: "echo"},
	})
	if err := s.UpdateStepStatus("s1", api.StepRunning, "", ""); err != nil {
		t.Fatalf("run: %v", err)
	}

	ids, err := s.ReconcileRunningSteps()
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("expected [s1], got %v", ids)
	}

	got, _ := s.GetStep("s1")
	if got.Status != api.StepFailed || got.Reason != api.ReasonToolError {
		t.Fatalf("not reconciled: %s %s", got.Status, got.Reason)
	}
	untouched, _ := s.GetStep("s2")
	if untouched.Status != api.StepPending {
		t.Fatalf("pending step touched: %s", untouched.Status)
	}

	// second pass is a no-op
	ids, err = s.ReconcileRunningSteps()
	if err != nil {
		t.Fatalf("reconcile again: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no further reconciliation, got %v", ids)
	}
}
