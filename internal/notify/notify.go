package notify

import (
	"github.com/sirupsen/logrus"

	"github.com/gantryhq/gantry/internal/api"
)

// Sink receives task and approval lifecycle events for surfacing to an
// operator UI. Delivery is best-effort and not required for correctness;
// implementations must not block.
type Sink interface {
	TaskStatusChanged(task *api.Task)
	ApprovalCreated(req *api.ApprovalRequest)
	ApprovalResolved(req *api.ApprovalRequest)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Log *logrus.Logger
}

func (s *LogSink) TaskStatusChanged(task *api.Task) {
	s.Log.WithFields(logrus.Fields{
		"task":   task.ID,
		"status": task.Status,
	}).Info("task status changed")
}

func (s *LogSink) ApprovalCreated(req *api.ApprovalRequest) {
	s.Log.WithFields(logrus.Fields{
		"request": req.ID,
		"step":    req.StepID,
		"task":    req.TaskID,
		"expires": req.ExpiresAt,
	}).Info("approval requested")
}

func (s *LogSink) ApprovalResolved(req *api.ApprovalRequest) {
	s.Log.WithFields(logrus.Fields{
		"request":  req.ID,
		"step":     req.StepID,
		"decision": req.Decision,
		"by":       req.DecidedBy,
	}).Info("approval resolved")
}

// Multi fans events out to several sinks.
type Multi []Sink

func (m Multi) TaskStatusChanged(task *api.Task) {
	for _, s := range m {
		s.TaskStatusChanged(task)
	}
}

func (m Multi) ApprovalCreated(req *api.ApprovalRequest) {
	for _, s := range m {
		s.ApprovalCreated(req)
	}
}

func (m Multi) ApprovalResolved(req *api.ApprovalRequest) {
	for _, s := range m {
		s.ApprovalResolved(req)
	}
}
