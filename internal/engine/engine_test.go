package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gantryhq/gantry/internal/api"
	"github.com/gantryhq/gantry/internal/approval"
	"github.com/gantryhq/gantry/internal/checkpoint"
	"github.com/gantryhq/gantry/internal/store"
	"github.com/gantryhq/gantry/internal/tool"
	_ "modernc.org/sqlite"
)

type nopSink struct{}

func (nopSink) TaskStatusChanged(*api.Task)           {}
func (nopSink) ApprovalCreated(*api.ApprovalRequest)  {}
func (nopSink) ApprovalResolved(*api.ApprovalRequest) {}

type fixture struct {
	store  *store.Store
	tools  *tool.Registry
	gate   *approval.Gate
	engine *Engine
	ws     string

	mu    sync.Mutex
	calls []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	td := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(td, "gantry.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := store.New(db)
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	f := &fixture{store: s, tools: tool.NewRegistry(), ws: filepath.Join(td, "ws")}
	f.gate = approval.NewGate(s, nopSink{}, nil, func(string) time.Duration { return time.Hour }, log)
	cps := checkpoint.NewManager(s, &checkpoint.FileSnapshotter{Root: f.ws}, time.Minute, log)
	f.engine = New(s, f.tools, f.gate, cps, nopSink{}, log, Config{RetryBackoff: time.Millisecond, ToolTimeout: time.Second})
	return f
}

// registerTool wires a recording tool whose behavior per call is given by fn.
func (f *fixture) registerTool(t *testing.T, name string, idempotent bool, fn func(inv tool.Invocation) (json.RawMessage, error)) {
	t.Helper()
	err := f.tools.Register(name, tool.Func{
		Idemp: idempotent,
		Fn: func(ctx context.Context, inv tool.Invocation) (json.RawMessage, error) {
			f.mu.Lock()
			f.calls = append(f.calls, inv.StepID)
			f.mu.Unlock()
			if fn == nil {
				return json.RawMessage(`{"ok":true}`), nil
			}
			return fn(inv)
		},
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func (f *fixture) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fixture) seedTask(t *testing.T, task *api.Task, steps []*api.Step) {
	t.Helper()
	if err := f.store.CreateTask(task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := f.store.InsertSteps(task.ID, steps); err != nil {
		t.Fatalf("insert steps: %v", err)
	}
	for _, status := range []api.TaskStatus{api.TaskPlanning, api.TaskRunning} {
		if err := f.store.UpdateTaskStatus(task.ID, status, ""); err != nil {
			t.Fatalf("to %s: %v", status, err)
		}
	}
}

// advance runs Advance passes until the task leaves running or n passes
// elapse.
func (f *fixture) advance(t *testing.T, taskID string, n int) *api.Task {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := f.engine.Advance(context.Background(), taskID); err != nil {
			t.Fatalf("advance: %v", err)
		}
		task, err := f.store.GetTask(taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status != api.TaskRunning {
			return task
		}
	}
	task, _ := f.store.GetTask(taskID)
	return task
}

func TestLinearTaskSucceeds(t *testing.T) {
	f := newFixture(t)
	f.registerTool(t, "echo", true, nil)

	f.seedTask(t, &api.Task{ID: "t1", Request: "r"}, []*api.Step{
		{ID: "a", Ordinal: 0, Tool: "echo"},
		{ID: "b", Ordinal: 1, Tool: "echo", DependsOn: []string{"a"}},
		{ID: "c", Ordinal: 2, Tool: "echo", DependsOn: []string{"b"}},
	})

	task := f.advance(t, "t1", 10)
	if task.Status != api.TaskSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", task.Status, task.Error)
	}

	f.mu.Lock()
	order := append([]string(nil), f.calls...)
	f.mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("dispatch order: %v", order)
	}

	got, _ := f.store.GetStep("a")
	if got.Status != api.StepSucceeded || string(got.Result) != `{"ok":true}` {
		t.Fatalf("step a: %s %s", got.Status, got.Result)
	}
}

func TestStepNeverRunsBeforeDependencies(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	done := map[string]bool{}
	f.registerTool(t, "echo", true, func(inv tool.Invocation) (json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		if inv.StepID == "b" && !done["a"] {
			return nil, fmt.Errorf("dependency violated")
		}
		done[inv.StepID] = true
		return json.RawMessage(`{}`), nil
	})

	f.seedTask(t, &api.Task{ID: "t1", Request: "r"}, []*api.Step{
		{ID: "a", Ordinal: 0, Tool: "echo"},
		{ID: "b", Ordinal: 1, Tool: "echo", DependsOn: []string{"a"}},
	})

	task := f.advance(t, "t1", 10)
	if task.Status != api.TaskSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", task.Status, task.Error)
	}
}

func TestFailedDependencySkipsDependents(t *testing.T) {
	f := newFixture(t)
	f.registerTool(t, "echo", true, nil)
	f.registerTool(t, "boom", false, func(tool.Invocation) (json.RawMessage, error) {
		return nil, fmt.Errorf("tool exploded")
	})

	// a fails; b depends on a and is skipped; c is independent and runs;
	// d depends on the skipped b and still runs (skipped counts satisfied)
	f.seedTask(t, &api.Task{ID: "t1", Request: "r"}, []*api.Step{
		{ID: "a", Ordinal: 0, Tool: "boom"},
		{ID: "b", Ordinal: 1, Tool: "echo", DependsOn: []string{"a"}},
		{ID: "c", Ordinal: 2, Tool: "echo"},
		{ID: "d", Ordinal: 3, Tool: "echo", DependsOn: []string{"b"}},
	})

	task := f.advance(t, "t1", 10)
	if task.Status != api.TaskSucceeded {
		t.Fatalf("partial progress should still succeed, got %s (%s)", task.Status, task.Error)
	}

	want := map[string]struct {
		status api.StepStatus
		reason string
	}{
		"a": {api.StepFailed, api.ReasonToolError},
		"b": {api.StepSkipped, api.ReasonDependencyFailed},
		"c": {api.StepSucceeded, ""},
		"d": {api.StepSucceeded, ""},
	}
	for id, w := range want {
		got, err := f.store.GetStep(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Status != w.status || got.Reason != w.reason {
			t.Fatalf("step %s: %s/%s, want %s/%s", id, got.Status, got.Reason, w.status, w.reason)
		}
	}
}

func TestCriticalFailureAbortsTask(t *testing.T) {
	f := newFixture(t)
	f.registerTool(t, "echo", true, nil)
	f.registerTool(t, "boom", false, func(tool.Invocation) (json.RawMessage, error) {
		return nil, fmt.Errorf("no")
	})

	f.seedTask(t, &api.Task{ID: "t1", Request: "r"}, []*api.Step{
		{ID: "a", Ordinal: 0, Tool: "boom", Critical: true},
		{ID: "b", Ordinal: 1, Tool: "echo"},
	})

	task := f.advance(t, "t1", 10)
	if task.Status != api.TaskFailed {
		t.Fatalf("expected failed, got %s", task.Status)
	}
	if task.Error == "" {
		t.Fatalf("task error not recorded")
	}

	got, _ := f.store.GetStep("b")
	if got.Status != api.StepSkipped || got.Reason != api.ReasonTaskFailed {
		t.Fatalf("independent step not skipped on abort: %s/%s", got.Status, got.Reason)
	}
}

func TestFailTaskPolicy(t *testing.T) {
	f := newFixture(t)
	f.registerTool(t, "echo", true, nil)
	f.registerTool(t, "boom", false, func(tool.Invocation) (json.RawMessage, error) {
		return nil, fmt.Errorf("no")
	})

	f.seedTask(t, &api.Task{ID: "t1", Request: "r", OnStepFailure: api.FailTask}, []*api.Step{
		{ID: "a", Ordinal: 0, Tool: "boom"},
		{ID: "b", Ordinal: 1, Tool: "echo"},
	})

	task := f.advance(t, "t1", 10)
	if task.Status != api.TaskFailed {
		t.Fatalf("expected failed under fail_task, got %s", task.Status)
	}
}

func TestSensitiveStepGatedOnApproval(t *testing.T) {
	f := newFixture(t)
	var gotParams json.RawMessage
	f.registerTool(t, "exec", false, func(inv tool.Invocation) (json.RawMessage, error) {
		gotParams = inv.Params
		return json.RawMessage(`{}`), nil
	})

	f.seedTask(t, &api.Task{ID: "t1", Request: "r"}, []*api.Step{
		{ID: "a", Ordinal: 0, Tool: "exec", Sensitive: true, Params: json.RawMessage(`{"cmd":["rm"]}`)},
	})

	// first pass parks the step awaiting approval and does not run it
	task := f.advance(t, "t1", 1)
	if task.Status != api.TaskRunning {
		t.Fatalf("task should still be running, got %s", task.Status)
	}
	st, _ := f.store.GetStep("a")
	if st.Status != api.StepAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", st.Status)
	}
	if f.callCount() != 0 {
		t.Fatalf("tool ran before approval")
	}

	// more passes without a decision change nothing
	f.advance(t, "t1", 3)
	if f.callCount() != 0 {
		t.Fatalf("tool ran without approval")
	}

	req, err := f.store.ActiveApprovalForStep("a")
	if err != nil {
		t.Fatalf("active approval: %v", err)
	}
	if _, err := f.gate.Decide(req.ID, api.DecisionApproved, "alice", "", json.RawMessage(`{"dry_run":true}`)); err != nil {
		t.Fatalf("decide: %v", err)
	}

	task = f.advance(t, "t1", 5)
	if task.Status != api.TaskSucceeded {
		t.Fatalf("expected succeeded after approval, got %s (%s)", task.Status, task.Error)
	}

	// operator override reached the tool
	var p map[string]json.RawMessage
	if err := json.Unmarshal(gotParams, &p); err != nil {
		t.Fatalf("params: %v", err)
	}
	if string(p["dry_run"]) != "true" {
		t.Fatalf("override not applied: %s", gotParams)
	}
}

func TestRejectedApprovalSkipsDependents(t *testing.T) {
	f := newFixture(t)
	f.registerTool(t, "echo", true, nil)
	f.registerTool(t, "exec", false, nil)

	f.seedTask(t, &api.Task{ID: "t1", Request: "r"}, []*api.Step{
		{ID: "a", Ordinal: 0, Tool: "exec", Sensitive: true},
		{ID: "b", Ordinal: 1, Tool: "echo", DependsOn: []string{"a"}},
		{ID: "c", Ordinal: 2, Tool: "echo"},
	})

	f.advance(t, "t1", 1)
	req, err := f.store.ActiveApprovalForStep("a")
	if err != nil {
		t.Fatalf("active approval: %v", err)
	}
	if _, err := f.gate.Decide(req.ID, api.DecisionRejected, "bob", "nope", nil); err != nil {
		t.Fatalf("decide: %v", err)
	}

	task := f.advance(t, "t1", 10)
	if task.Status != api.TaskSucceeded {
		t.Fatalf("independent work should complete, got %s (%s)", task.Status, task.Error)
	}

	a, _ := f.store.GetStep("a")
	if a.Status != api.StepFailed || a.Reason != api.ReasonApprovalRejected {
		t.Fatalf("step a: %s/%s", a.Status, a.Reason)
	}
	b, _ := f.store.GetStep("b")
	if b.Status != api.StepSkipped || b.Reason != api.ReasonDependencyFailed {
		t.Fatalf("step b: %s/%s", b.Status, b.Reason)
	}
	c, _ := f.store.GetStep("c")
	if c.Status != api.StepSucceeded {
		t.Fatalf("step c: %s", c.Status)
	}
}

func TestApprovalTimeoutFailsTask(t *testing.T) {
	f := newFixture(t)
	f.registerTool(t, "echo", true, nil)
	f.registerTool(t, "exec", false, nil)

	f.seedTask(t, &api.Task{ID: "t1", Request: "r"}, []*api.Step{
		{ID: "a", Ordinal: 0, Tool: "exec", Sensitive: true},
		{ID: "b", Ordinal: 1, Tool: "echo", DependsOn: []string{"a"}},
	})

	f.advance(t, "t1", 1)
	st, _ := f.store.GetStep("a")
	if st.Status != api.StepAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", st.Status)
	}

	// the window (one hour in this fixture) passes with no decision
	if err := f.gate.Sweep(time.Now().Add(2 * time.Hour)); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	// unlike a rejected request, an expired one fails the whole task even
	// under skip_dependents
	task := f.advance(t, "t1", 10)
	if task.Status != api.TaskFailed {
		t.Fatalf("expected failed after approval timeout, got %s", task.Status)
	}

	a, _ := f.store.GetStep("a")
	if a.Status != api.StepFailed || a.Reason != api.ReasonApprovalTimeout {
		t.Fatalf("step a: %s/%s", a.Status, a.Reason)
	}
	b, _ := f.store.GetStep("b")
	if b.Status != api.StepSkipped || b.Reason != api.ReasonTaskFailed {
		t.Fatalf("step b: %s/%s", b.Status, b.Reason)
	}
	if f.callCount() != 0 {
		t.Fatalf("no tool should have run")
	}
}

func TestIdempotentToolRetried(t *testing.T) {
	f := newFixture(t)
	attempts := 0
	f.registerTool(t, "flaky", true, func(tool.Invocation) (json.RawMessage, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("transient %d", attempts)
		}
		return json.RawMessage(`{}`), nil
	})

	f.seedTask(t, &api.Task{ID: "t1", Request: "r"}, []*api.Step{
		{ID: "a", Ordinal: 0, Tool: "flaky"},
	})

	task := f.advance(t, "t1", 5)
	if task.Status != api.TaskSucceeded {
		t.Fatalf("expected succeeded after retries, got %s (%s)", task.Status, task.Error)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	got, _ := f.store.GetStep("a")
	if got.Retries != 2 {
		t.Fatalf("retry counter: %d", got.Retries)
	}
}

func TestIdempotentRetryBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	attempts := 0
	f.registerTool(t, "broken", true, func(tool.Invocation) (json.RawMessage, error) {
		attempts++
		return nil, fmt.Errorf("always fails")
	})

	f.seedTask(t, &api.Task{ID: "t1", Request: "r"}, []*api.Step{
		{ID: "a", Ordinal: 0, Tool: "broken"},
	})

	f.advance(t, "t1", 5)
	// initial call plus the two-retry budget
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	got, _ := f.store.GetStep("a")
	if got.Status != api.StepFailed || got.Reason != api.ReasonToolError {
		t.Fatalf("step: %s/%s", got.Status, got.Reason)
	}
}

func TestNonIdempotentToolNeverRetried(t *testing.T) {
	f := newFixture(t)
	attempts := 0
	f.registerTool(t, "once", false, func(tool.Invocation) (json.RawMessage, error) {
		attempts++
		return nil, fmt.Errorf("boom")
	})

	f.seedTask(t, &api.Task{ID: "t1", Request: "r"}, []*api.Step{
		{ID: "a", Ordinal: 0, Tool: "once"},
	})

	f.advance(t, "t1", 5)
	if attempts != 1 {
		t.Fatalf("non-idempotent tool called %d times", attempts)
	}
}

func TestUnknownToolFailsStep(t *testing.T) {
	f := newFixture(t)
	f.seedTask(t, &api.Task{ID: "t1", Request: "r"}, []*api.Step{
		{ID: "a", Ordinal: 0, Tool: "no-such-tool"},
	})

	f.advance(t, "t1", 5)
	got, _ := f.store.GetStep("a")
	if got.Status != api.StepFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Error == "" {
		t.Fatalf("step error not recorded")
	}
}

func TestMutatingStepGetsCheckpoint(t *testing.T) {
	f := newFixture(t)
	if err := tool.RegisterBuiltins(f.tools, f.ws, &tool.RealExecRunner{}); err != nil {
		t.Fatalf("builtins: %v", err)
	}

	f.seedTask(t, &api.Task{ID: "t1", Request: "r"}, []*api.Step{
		{ID: "a", Ordinal: 0, Tool: "write_file", Resource: "out.txt", Reversible: true, Params: json.RawMessage(`{"content":"v1"}`)},
	})

	task := f.advance(t, "t1", 5)
	if task.Status != api.TaskSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", task.Status, task.Error)
	}

	cp, err := f.store.GetCheckpointByStep("a")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cp.FinalizedAt == "" {
		t.Fatalf("checkpoint not finalized")
	}
	before, err := checkpoint.DecodeSnapshot(cp.Before)
	if err != nil {
		t.Fatalf("decode before: %v", err)
	}
	if before.Exists {
		t.Fatalf("before snapshot should record absence")
	}
	after, err := checkpoint.DecodeSnapshot(cp.After)
	if err != nil {
		t.Fatalf("decode after: %v", err)
	}
	if string(after.Data) != "v1" {
		t.Fatalf("after snapshot: %q", after.Data)
	}

	// rollback window stamped at task completion
	if cp2, _ := f.store.GetCheckpointByStep("a"); cp2.ExpiresAt == "" {
		t.Fatalf("expiry not stamped on task completion")
	}
}

func TestGuidanceReachesTools(t *testing.T) {
	f := newFixture(t)
	var gotGuidance string
	f.registerTool(t, "echo", true, func(inv tool.Invocation) (json.RawMessage, error) {
		gotGuidance = inv.Guidance
		return json.RawMessage(`{}`), nil
	})

	f.seedTask(t, &api.Task{ID: "t1", Request: "r"}, []*api.Step{
		{ID: "a", Ordinal: 0, Tool: "echo"},
	})

	if err := f.engine.InjectGuidance("t1", "use the blue one"); err != nil {
		t.Fatalf("guidance: %v", err)
	}
	f.advance(t, "t1", 5)
	if gotGuidance != "use the blue one" {
		t.Fatalf("guidance not delivered: %q", gotGuidance)
	}
}
