package api

import "encoding/json"

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8791
)

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskPlanning  TaskStatus = "planning"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether a task status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepAwaitingApproval StepStatus = "awaiting_approval"
	StepRunning          StepStatus = "running"
	StepSucceeded        StepStatus = "succeeded"
	StepFailed           StepStatus = "failed"
	StepRolledBack       StepStatus = "rolled_back"
	StepSkipped          StepStatus = "skipped"
)

func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepRolledBack, StepSkipped:
		return true
	}
	return false
}

// Failure reason codes attached to terminal step and task failures.
const (
	ReasonApprovalTimeout  = "approval_timeout"
	ReasonApprovalRejected = "approval_rejected"
	ReasonCheckpointError  = "checkpoint_error"
	ReasonToolError        = "tool_error"
	ReasonPlanningError    = "planning_error"
	ReasonDependencyFailed = "dependency_failed"
	ReasonTaskFailed       = "task_failed"
	ReasonCancelled        = "cancelled"
)

// FailurePolicy selects what happens to a task when a non-critical step fails.
type FailurePolicy string

const (
	// SkipDependents marks dependents of the failed step skipped and lets the
	// rest of the graph continue.
	SkipDependents FailurePolicy = "skip_dependents"
	// FailTask fails the whole task on the first failed step.
	FailTask FailurePolicy = "fail_task"
)

type Task struct {
	ID            string        `json:"id"`
	Request       string        `json:"request"`
	Status        TaskStatus    `json:"status"`
	Priority      int           `json:"priority"`
	Owner         string        `json:"owner,omitempty"`
	OnStepFailure FailurePolicy `json:"on_step_failure"`
	InFlightLimit int           `json:"in_flight_limit"`
	Guidance      string        `json:"guidance,omitempty"`
	TakenOver     bool          `json:"taken_over,omitempty"`
	Error         string        `json:"error,omitempty"`
	CreatedAt     string        `json:"created_at"`
	StartedAt     string        `json:"started_at,omitempty"`
	EndedAt       string        `json:"ended_at,omitempty"`
	Steps         []*Step       `json:"steps,omitempty"`
}

type Step struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Ordinal   int             `json:"ordinal"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params,omitempty"`
	// Resource names the external state the step mutates (e.g. a file path).
	// Empty means the step is read-only and gets no checkpoint.
	Resource   string          `json:"resource,omitempty"`
	Sensitive  bool            `json:"sensitive,omitempty"`
	Reversible bool            `json:"reversible,omitempty"`
	Critical   bool            `json:"critical,omitempty"`
	Status     StepStatus      `json:"status"`
	Retries    int             `json:"retries,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	StartedAt  string          `json:"started_at,omitempty"`
	EndedAt    string          `json:"ended_at,omitempty"`
}

type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionExpired  Decision = "expired"
)

type ApprovalRequest struct {
	ID             string          `json:"id"`
	StepID         string          `json:"step_id"`
	TaskID         string          `json:"task_id"`
	Preview        string          `json:"preview"`
	CreatedAt      string          `json:"created_at"`
	ExpiresAt      string          `json:"expires_at"`
	Decision       Decision        `json:"decision"`
	DecidedBy      string          `json:"decided_by,omitempty"`
	DecidedAt      string          `json:"decided_at,omitempty"`
	Rationale      string          `json:"rationale,omitempty"`
	ParamsOverride json.RawMessage `json:"params_override,omitempty"`
	Superseded     bool            `json:"superseded,omitempty"`
}

type Checkpoint struct {
	ID          string `json:"id"`
	StepID      string `json:"step_id"`
	TaskID      string `json:"task_id"`
	Resource    string `json:"resource"`
	Before      []byte `json:"-"`
	After       []byte `json:"-"`
	Safe        bool   `json:"safe"`
	CreatedAt   string `json:"created_at"`
	FinalizedAt string `json:"finalized_at,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	Expired     bool   `json:"expired,omitempty"`
}

type RollbackOutcome string

const (
	RollbackSuccess  RollbackOutcome = "success"
	RollbackPartial  RollbackOutcome = "partial"
	RollbackFailed   RollbackOutcome = "failed"
	RollbackConflict RollbackOutcome = "conflict"
)

// Rollback failure reasons.
const (
	RollbackReasonIrreversible  = "irreversible"
	RollbackReasonConflict      = "conflict"
	RollbackReasonWindowExpired = "window_expired"
	RollbackReasonNoCheckpoint  = "no_checkpoint"
	RollbackReasonDependents    = "dependents_not_included"
)

type RollbackRecord struct {
	ID           string          `json:"id"`
	CheckpointID string          `json:"checkpoint_id,omitempty"`
	StepID       string          `json:"step_id"`
	TaskID       string          `json:"task_id"`
	Outcome      RollbackOutcome `json:"outcome"`
	Reason       string          `json:"reason,omitempty"`
	Diff         string          `json:"diff,omitempty"`
	Forced       bool            `json:"forced,omitempty"`
	PerformedBy  string          `json:"performed_by,omitempty"`
	PerformedAt  string          `json:"performed_at"`
}

type SubmitTaskRequest struct {
	Request       string        `json:"request"`
	Priority      int           `json:"priority,omitempty"`
	Owner         string        `json:"owner,omitempty"`
	OnStepFailure FailurePolicy `json:"on_step_failure,omitempty"`
	InFlightLimit int           `json:"in_flight_limit,omitempty"`
}

type DecideRequest struct {
	Decision  Decision        `json:"decision"`
	DecidedBy string          `json:"decided_by"`
	Rationale string          `json:"rationale,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type RollbackRequest struct {
	StepIDs     []string `json:"step_ids,omitempty"`
	Force       bool     `json:"force,omitempty"`
	PerformedBy string   `json:"performed_by,omitempty"`
}

type GuidanceRequest struct {
	Guidance string `json:"guidance"`
}
