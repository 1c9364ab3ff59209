package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskdeck/internal/store"
)

func openTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "taskdeck.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st, dbPath
}

func mustCreateTask(t *testing.T, st *store.Store, task store.Task) *store.Task {
	t.Helper()
	created, err := st.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	st, _ := openTestStore(t)
	db := st.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	requiredTables := []string{"schema_migrations", "tasks", "activities", "audit_log"}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerSingleRowAtLatest(t *testing.T) {
	st, _ := openTestStore(t)
	db := st.DB()

	var rows int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations;`).Scan(&rows); err != nil {
		t.Fatalf("count ledger rows: %v", err)
	}
	// A fresh database gets one ledger row at the latest version, not one
	// row per historical migration.
	if rows != 1 {
		t.Fatalf("expected 1 ledger row, got %d", rows)
	}

	var version int
	var checksum string
	if err := db.QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
	if checksum != "td-v2-2026-06-16-session-link" {
		t.Fatalf("unexpected checksum %q", checksum)
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	st, dbPath := openTestStore(t)

	created := mustCreateTask(t, st, store.Task{
		Title:      "Survives reopen",
		Tags:       []string{"ops", "retry"},
		SessionKey: "sess-9",
	})
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetTask(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get task after reopen: %v", err)
	}
	if got.Title != "Survives reopen" || got.SessionKey != "sess-9" {
		t.Fatalf("unexpected task after reopen: %#v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "ops" || got.Tags[1] != "retry" {
		t.Fatalf("tags did not survive reopen: %#v", got.Tags)
	}

	// Re-running the migration path must not duplicate the ledger.
	var rows int
	if err := reopened.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations;`).Scan(&rows); err != nil {
		t.Fatalf("count ledger rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected 1 ledger row after reopen, got %d", rows)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskdeck.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = store.Open(dbPath)
	if err == nil {
		t.Fatalf("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	st, dbPath := openTestStore(t)
	if _, err := st.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=2;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := store.Open(dbPath)
	if err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_UpgradeFromV1AddsSessionKey(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskdeck.db")

	// Build a database the way a v1 binary left it: ledger at version 1 and
	// a tasks table without the session_key column.
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	stmts := []string{
		`CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`INSERT INTO schema_migrations(version, checksum) VALUES(1, 'td-v1-2026-06-02-sync-core');`,
		`CREATE TABLE tasks (
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
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("prepare v1 db: %v", err)
		}
	}
	_ = db.Close()

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open v1 db: %v", err)
	}
	defer func() { _ = st.Close() }()

	created := mustCreateTask(t, st, store.Task{Title: "Linked", SessionKey: "sess-41"})
	if created.SessionKey != "sess-41" {
		t.Fatalf("session_key not usable after upgrade: %#v", created)
	}

	var version int
	var checksum string
	if err := st.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query ledger after upgrade: %v", err)
	}
	if version != 2 || checksum != "td-v2-2026-06-16-session-link" {
		t.Fatalf("expected ledger at v2, got version=%d checksum=%q", version, checksum)
	}
}

func TestStore_DefaultPathUsesTaskdeckHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)

	path := store.DefaultDBPath()
	expected := filepath.Join(tmp, ".taskdeck", "taskdeck.db")
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}
