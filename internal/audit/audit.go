// Package audit appends an operator-facing trail of exchange control
// decisions (run and node lifecycle, rejected submissions) to
// <home>/logs/audit.jsonl.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-taskpost/internal/shared"
)

// Well-known audit actions.
const (
	ActionRunCreated     = "run.created"
	ActionRunDeleted     = "run.deleted"
	ActionNodeRegistered = "node.registered"
	ActionNodeDeleted    = "node.deleted"
	ActionSubmitRejected = "submit.rejected"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	rejectCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectCount returns the total number of rejected submissions since startup.
func RejectCount() int64 {
	return rejectCount.Load()
}

// Record appends one audit entry. A nil file (audit not initialized, e.g. in
// tests or one-shot CLI commands) only updates counters.
func Record(action, subject, detail string) {
	if action == ActionSubmitRejected {
		rejectCount.Add(1)
	}

	// Redact secrets before persistence.
	subject = shared.Redact(subject)
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Subject:   subject,
		Detail:    detail,
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = file.Write(append(data, '\n'))
}
