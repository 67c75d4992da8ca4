package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gantryhq/gantry/internal/api"
	"github.com/gantryhq/gantry/internal/approval"
	"github.com/gantryhq/gantry/internal/engine"
	"github.com/gantryhq/gantry/internal/rollback"
	"github.com/gantryhq/gantry/internal/scheduler"
	"github.com/gantryhq/gantry/internal/store"
	"github.com/gantryhq/gantry/internal/version"
)

type Server struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	engine    *engine.Engine
	gate      *approval.Gate
	rollback  *rollback.Engine
}

func NewServer(st *store.Store, sched *scheduler.Scheduler, eng *engine.Engine, gate *approval.Gate, rb *rollback.Engine) *Server {
	return &Server{store: st, scheduler: sched, engine: eng, gate: gate, rollback: rb}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{task_id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{task_id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /v1/tasks/{task_id}/pause", s.taskOp(func(id string) error { return s.engine.Pause(id) }, "paused"))
	mux.HandleFunc("POST /v1/tasks/{task_id}/resume", s.taskOp(func(id string) error { return s.engine.Resume(id) }, "running"))
	mux.HandleFunc("POST /v1/tasks/{task_id}/takeover", s.taskOp(func(id string) error { return s.engine.Takeover(id) }, "taken-over"))
	mux.HandleFunc("POST /v1/tasks/{task_id}/return", s.taskOp(func(id string) error { return s.engine.ReturnControl(id) }, "returned"))
	mux.HandleFunc("POST /v1/tasks/{task_id}/step", s.handleStepOnce)
	mux.HandleFunc("POST /v1/tasks/{task_id}/guidance", s.handleGuidance)
	mux.HandleFunc("POST /v1/tasks/{task_id}/rollback", s.handleRollback)
	mux.HandleFunc("GET /v1/tasks/{task_id}/rollbacks", s.handleListRollbacks)
	mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /v1/approvals/{request_id}/decide", s.handleDecide)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ok %s", version.Version)
	})
	return mux
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	task, err := s.scheduler.Submit(&req)
	if errors.Is(err, scheduler.ErrEmptyRequest) {
		http.Error(w, "request is required", http.StatusBadRequest)
		return
	}
	if errors.Is(err, scheduler.ErrQueueFull) {
		http.Error(w, "queue full", http.StatusTooManyRequests)
		return
	}
	if err != nil {
		http.Error(w, "failed to submit task", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if taskID == "" {
		http.Error(w, "missing task_id", http.StatusBadRequest)
		return
	}

	task, err := s.store.GetTaskWithSteps(taskID)
	if isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read task", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		limit = x
	}

	tasks, err := s.store.ListTasks(limit)
	if err != nil {
		http.Error(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tasks)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if taskID == "" {
		http.Error(w, "missing task_id", http.StatusBadRequest)
		return
	}
	changed, err := s.scheduler.Cancel(taskID)
	if isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to cancel task", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	if changed {
		_, _ = w.Write([]byte("cancelled"))
		return
	}
	_, _ = w.Write([]byte("no-op"))
}

// taskOp wraps the single-verb task controls that share the same shape:
// look up, apply, report the new state word.
func (s *Server) taskOp(op func(taskID string) error, state string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := r.PathValue("task_id")
		if taskID == "" {
			http.Error(w, "missing task_id", http.StatusBadRequest)
			return
		}
		err := op(taskID)
		if isNotFound(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if errors.Is(err, engine.ErrNotRunning) || errors.Is(err, engine.ErrNotPaused) || errors.Is(err, engine.ErrNotTakenOver) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			http.Error(w, "operation failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(state))
	}
}

func (s *Server) handleStepOnce(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if taskID == "" {
		http.Error(w, "missing task_id", http.StatusBadRequest)
		return
	}
	step, err := s.engine.StepOnce(r.Context(), taskID)
	if isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, engine.ErrNotTakenOver) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if errors.Is(err, engine.ErrNoEligible) {
		http.Error(w, "no eligible step", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "step failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(step)
}

func (s *Server) handleGuidance(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if taskID == "" {
		http.Error(w, "missing task_id", http.StatusBadRequest)
		return
	}
	var req api.GuidanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Guidance == "" {
		http.Error(w, "guidance is required", http.StatusBadRequest)
		return
	}
	err := s.engine.InjectGuidance(taskID, req.Guidance)
	if isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to set guidance", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if taskID == "" {
		http.Error(w, "missing task_id", http.StatusBadRequest)
		return
	}
	var req api.RollbackRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	records, err := s.rollback.Rollback(r.Context(), taskID, req.StepIDs, req.Force, req.PerformedBy)
	if isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, rollback.ErrDependentsNotIncluded) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "rollback failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

func (s *Server) handleListRollbacks(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	if taskID == "" {
		http.Error(w, "missing task_id", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetTask(taskID); isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "failed to read task", http.StatusInternalServerError)
		return
	}
	records, err := s.store.ListRollbackRecords(taskID)
	if err != nil {
		http.Error(w, "failed to list rollbacks", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pendingOnly := q.Get("pending") == "1" || q.Get("pending") == "true"
	limit := 0
	if v := q.Get("limit"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		limit = x
	}

	reqs, err := s.store.ListApprovals(pendingOnly, limit)
	if err != nil {
		http.Error(w, "failed to list approvals", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reqs)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	if requestID == "" {
		http.Error(w, "missing request_id", http.StatusBadRequest)
		return
	}
	var req api.DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Decision != api.DecisionApproved && req.Decision != api.DecisionRejected {
		http.Error(w, "decision must be approved or rejected", http.StatusBadRequest)
		return
	}
	if req.DecidedBy == "" {
		http.Error(w, "decided_by is required", http.StatusBadRequest)
		return
	}

	resolved, err := s.gate.Decide(requestID, req.Decision, req.DecidedBy, req.Rationale, req.Params)
	if isNotFound(err) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, store.ErrAlreadyDecided) {
		http.Error(w, "already decided", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "failed to decide", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resolved)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
