package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/taskdeck/internal/errdefs"
	"github.com/google/uuid"
)

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeTags(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

// CreateTask inserts a single task. The id is assigned here when empty.
// Status and source must be members of their closed enums.
func (s *Store) CreateTask(ctx context.Context, task Task) (*Task, error) {
	if task.Title == "" {
		return nil, &errdefs.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if task.Status == "" {
		task.Status = StatusInbox
	}
	if !ValidStatus(task.Status) {
		return nil, &errdefs.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown value %q", task.Status)}
	}
	if task.Source == "" {
		task.Source = SourceHuman
	}
	if task.Source != SourceHuman && task.Source != SourceAgent {
		return nil, &errdefs.ValidationError{Field: "source", Reason: fmt.Sprintf("unknown value %q", task.Source)}
	}
	if task.ApprovalStatus != "" && !ValidApproval(task.ApprovalStatus) {
		return nil, &errdefs.ValidationError{Field: "approval_status", Reason: fmt.Sprintf("unknown value %q", task.ApprovalStatus)}
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.WorkspaceID == "" {
		task.WorkspaceID = DefaultWorkspace
	}

	var created *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := insertTaskTx(ctx, tx, task); err != nil {
			return err
		}
		created, err = getTaskTx(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, storeErr("create task", err)
	}
	return created, nil
}

func insertTaskTx(ctx context.Context, tx *sql.Tx, task Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, workspace_id, title, description, status, priority, source,
			approval_status, parent_task_id, position, tags, session_key, agent_id,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, task.ID, task.WorkspaceID, task.Title, task.Description, task.Status, task.Priority, task.Source,
		string(task.ApprovalStatus), task.ParentTaskID, task.Position, encodeTags(task.Tags), task.SessionKey, task.AgentID)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskSelectColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errdefs.NotFoundError{Kind: "task", ID: taskID}
		}
		return nil, storeErr("get task", err)
	}
	return &task, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	var task Task
	row := tx.QueryRowContext(ctx, `SELECT `+taskSelectColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errdefs.NotFoundError{Kind: "task", ID: taskID}
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &task, nil
}

// ListTasks returns tasks in a workspace with an optional status filter,
// newest first, plus the unpaginated total for the filter.
func (s *Store) ListTasks(ctx context.Context, workspaceID string, status TaskStatus, limit, offset int) ([]Task, int, error) {
	if status != "" && !ValidStatus(status) {
		return nil, 0, &errdefs.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown value %q", status)}
	}
	if workspaceID == "" {
		workspaceID = DefaultWorkspace
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	var countErr error
	if status != "" {
		countErr = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE workspace_id = ? AND status = ?;`, workspaceID, status).Scan(&total)
	} else {
		countErr = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE workspace_id = ?;`, workspaceID).Scan(&total)
	}
	if countErr != nil {
		return nil, 0, storeErr("count tasks", countErr)
	}

	var query string
	var args []any
	if status != "" {
		query = `SELECT ` + taskSelectColumns + ` FROM tasks WHERE workspace_id = ? AND status = ? ORDER BY created_at DESC LIMIT ? OFFSET ?;`
		args = []any{workspaceID, status, limit, offset}
	} else {
		query = `SELECT ` + taskSelectColumns + ` FROM tasks WHERE workspace_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?;`
		args = []any{workspaceID, limit, offset}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, storeErr("list tasks", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, 0, storeErr("scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storeErr("list tasks", err)
	}
	return out, total, nil
}

// UpdateTaskStatus moves a task to a new coarse status (the drag-and-drop
// path). Any member of the closed enum is reachable from any other; the
// change is recorded in the activity log inside the same transaction.
// Returns the updated task, the changed-field set for broadcasting, and the
// status the task held before the move (equal to the target on a no-op).
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, to TaskStatus, actor string) (*Task, map[string]any, TaskStatus, error) {
	if !ValidStatus(to) {
		return nil, nil, "", &errdefs.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown value %q", to)}
	}

	var updated *Task
	var changes map[string]any
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		from = current.Status
		if current.Status == to {
			updated = current
			changes = map[string]any{}
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, to, taskID); err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		if err := appendActivityTx(ctx, tx, Activity{
			TaskID:  taskID,
			Kind:    "status_changed",
			Message: fmt.Sprintf("status %s -> %s", current.Status, to),
			Actor:   actor,
		}); err != nil {
			return err
		}
		updated, err = getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		changes = map[string]any{"status": string(to)}
		return tx.Commit()
	})
	if err != nil {
		return nil, nil, "", storeErr("update task status", err)
	}
	return updated, changes, from, nil
}

// TaskFieldUpdate carries optional field edits; nil means unchanged.
type TaskFieldUpdate struct {
	Title       *string
	Description *string
	Priority    *int
}

// UpdateTaskFields applies field edits and returns the updated task plus the
// changed-field set for broadcasting. An empty update is a validation error.
func (s *Store) UpdateTaskFields(ctx context.Context, taskID string, upd TaskFieldUpdate, actor string) (*Task, map[string]any, error) {
	if upd.Title == nil && upd.Description == nil && upd.Priority == nil {
		return nil, nil, &errdefs.ValidationError{Reason: "no fields to update"}
	}
	if upd.Title != nil && *upd.Title == "" {
		return nil, nil, &errdefs.ValidationError{Field: "title", Reason: "must not be empty"}
	}

	var updated *Task
	changes := map[string]any{}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fields tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := getTaskTx(ctx, tx, taskID); err != nil {
			return err
		}

		if upd.Title != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, *upd.Title, taskID); err != nil {
				return fmt.Errorf("update title: %w", err)
			}
			changes["title"] = *upd.Title
		}
		if upd.Description != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET description = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, *upd.Description, taskID); err != nil {
				return fmt.Errorf("update description: %w", err)
			}
			changes["description"] = *upd.Description
		}
		if upd.Priority != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET priority = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, *upd.Priority, taskID); err != nil {
				return fmt.Errorf("update priority: %w", err)
			}
			changes["priority"] = *upd.Priority
		}
		if err := appendActivityTx(ctx, tx, Activity{
			TaskID:  taskID,
			Kind:    "fields_changed",
			Message: fmt.Sprintf("%d fields updated", len(changes)),
			Actor:   actor,
		}); err != nil {
			return err
		}
		updated, err = getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, nil, storeErr("update task fields", err)
	}
	return updated, changes, nil
}

// CountsByStatus returns the number of tasks per status across a workspace.
func (s *Store) CountsByStatus(ctx context.Context, workspaceID string) (map[TaskStatus]int, error) {
	if workspaceID == "" {
		workspaceID = DefaultWorkspace
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE workspace_id = ? GROUP BY status;
	`, workspaceID)
	if err != nil {
		return nil, storeErr("counts by status", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr("scan count", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("counts by status", err)
	}
	return counts, nil
}
