package approval

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry is one line of the append-only decision log.
type AuditEntry struct {
	Time      string `json:"time"`
	Event     string `json:"event"` // requested|approved|rejected|expired
	RequestID string `json:"request_id"`
	StepID    string `json:"step_id"`
	TaskID    string `json:"task_id"`
	Actor     string `json:"actor,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// AuditLog appends JSONL entries to a file. Entries are never rewritten.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

func NewAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &AuditLog{path: path}, nil
}

func (l *AuditLog) Append(e AuditEntry) error {
	if e.Time == "" {
		e.Time = time.Now().UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}
