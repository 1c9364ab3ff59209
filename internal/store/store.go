// Package store is the durable record store for tasks, plans, and activity
// history, backed by SQLite. All multi-record mutations (plan creation,
// approval cascades) run inside a single transaction so a crash cannot leave
// a parent resolved while its children are still pending.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/taskdeck/internal/errdefs"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "td-v1-2026-06-02-sync-core"

	// schema v2: adds session_key column + activity retention index.
	schemaVersionV2  = 2
	schemaChecksumV2 = "td-v2-2026-06-16-session-link"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// TaskStatus is the coarse workflow state of a task. The set is closed:
// unknown values on input are a validation error, never a new state.
type TaskStatus string

const (
	StatusPlanning        TaskStatus = "planning"
	StatusPendingApproval TaskStatus = "pending_approval"
	StatusInbox           TaskStatus = "inbox"
	StatusAssigned        TaskStatus = "assigned"
	StatusInProgress      TaskStatus = "in_progress"
	StatusTesting         TaskStatus = "testing"
	StatusReview          TaskStatus = "review"
	StatusDone            TaskStatus = "done"
	StatusBlocked         TaskStatus = "blocked"
)

var taskStatuses = map[TaskStatus]struct{}{
	StatusPlanning:        {},
	StatusPendingApproval: {},
	StatusInbox:           {},
	StatusAssigned:        {},
	StatusInProgress:      {},
	StatusTesting:         {},
	StatusReview:          {},
	StatusDone:            {},
	StatusBlocked:         {},
}

// ValidStatus reports whether s is a member of the closed status enum.
func ValidStatus(s TaskStatus) bool {
	_, ok := taskStatuses[s]
	return ok
}

// ApprovalStatus is the plan-approval state of a task. Empty means the task
// never went through the approval workflow.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ValidApproval reports whether a is a member of the closed approval enum.
func ValidApproval(a ApprovalStatus) bool {
	return a == ApprovalPending || a == ApprovalApproved || a == ApprovalRejected
}

// Task sources.
const (
	SourceHuman = "human"
	SourceAgent = "agent"
)

// DefaultWorkspace scopes tasks and subscriptions that name no workspace.
const DefaultWorkspace = "default"

// TagAgentic marks records created through an agent plan submission.
const TagAgentic = "agentic"

// Task is a row in the tasks table. A task either has no parent or points to
// exactly one parent that itself has no parent; the two-level shape is
// enforced by the write paths, not by the schema.
type Task struct {
	ID             string         `json:"id"`
	WorkspaceID    string         `json:"workspace_id"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Status         TaskStatus     `json:"status"`
	Priority       int            `json:"priority"`
	Source         string         `json:"source"`
	ApprovalStatus ApprovalStatus `json:"approval_status,omitempty"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time     `json:"approved_at,omitempty"`
	ParentTaskID   string         `json:"parent_task_id,omitempty"`
	Position       int            `json:"position"`
	Tags           []string       `json:"tags"`
	SessionKey     string         `json:"session_key,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Activity is an append-only log row scoped to one task.
type Activity struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan is a view, not a stored entity: one parent task plus its children
// ordered by position, materialized on read.
type Plan struct {
	Parent   Task   `json:"parent"`
	Subtasks []Task `json:"subtasks"`
}

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskdeck", "taskdeck.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
// Matched on the message so non-CGO code paths need no sqlite3 import.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// storeErr wraps non-taxonomy failures as a StoreError; typed errors from the
// taxonomy pass through so callers can classify them.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) || errdefs.IsInvalidState(err) || errdefs.IsValidation(err) {
		return err
	}
	return &errdefs.StoreError{Op: op, Err: err}
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL DEFAULT 'default',
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('planning', 'pending_approval', 'inbox', 'assigned', 'in_progress', 'testing', 'review', 'done', 'blocked')),
			priority INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT 'human' CHECK(source IN ('human', 'agent')),
			approval_status TEXT CHECK(approval_status IN ('pending', 'approved', 'rejected')),
			approved_by TEXT,
			approved_at DATETIME,
			parent_task_id TEXT REFERENCES tasks(id),
			position INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '[]',
			agent_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS activities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// v2: session_key links a plan to its originating gateway session.
	// Idempotent: ignore "duplicate column" on an already-upgraded table.
	_, _ = tx.ExecContext(ctx, `ALTER TABLE tasks ADD COLUMN session_key TEXT`)

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_workspace_status ON tasks(workspace_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id, position);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_approval ON tasks(approval_status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_task ON activities(task_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_created ON activities(created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// scanTask reads one task row. Column order must match taskSelectColumns.
func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var approvedAt sql.NullTime
	var tagsJSON string
	if err := scanFn(
		&task.ID,
		&task.WorkspaceID,
		&task.Title,
		&task.Description,
		&task.Status,
		&task.Priority,
		&task.Source,
		&task.ApprovalStatus,
		&task.ApprovedBy,
		&approvedAt,
		&task.ParentTaskID,
		&task.Position,
		&tagsJSON,
		&task.SessionKey,
		&task.AgentID,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		task.ApprovedAt = &t
	} else {
		task.ApprovedAt = nil
	}
	task.Tags = decodeTags(tagsJSON)
	return nil
}

const taskSelectColumns = `id, workspace_id, title, description, status, priority, source,
	COALESCE(approval_status, ''), COALESCE(approved_by, ''), approved_at,
	COALESCE(parent_task_id, ''), position, tags, COALESCE(session_key, ''),
	COALESCE(agent_id, ''), created_at, updated_at`
