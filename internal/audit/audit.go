// Package audit records plan decisions and other guarded actions to an
// append-only JSONL file and, when a database is attached, to the audit_log
// table. Records are best-effort: an audit write never fails the action it
// describes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskdeck/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	db          *sql.DB
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

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
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

// RejectCount returns the total number of reject decisions since startup.
func RejectCount() int64 {
	return rejectCount.Load()
}

func Record(traceID, subject, action, decision, reason string) {
	if decision == "rejected" {
		rejectCount.Add(1)
	}

	// Redact secrets before persistence.
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()

	// Write to JSONL file.
	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Subject:   subject,
			Action:    action,
			Decision:  decision,
			Reason:    reason,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	// Write to audit_log table.
	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, traceID, subject, action, decision, reason)
	}
}
