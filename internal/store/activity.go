package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Activity kinds written by the sync core.
const (
	ActivityPlanCreated   = "plan_created"
	ActivityPlanApproved  = "plan_approved"
	ActivityPlanRejected  = "plan_rejected"
	ActivityStatusChanged = "status_changed"
	ActivityFieldsChanged = "fields_changed"
	ActivityProgress      = "progress"
)

func appendActivityTx(ctx context.Context, tx *sql.Tx, act Activity) error {
	if act.Message == "" {
		return fmt.Errorf("append activity: empty message")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO activities (task_id, kind, message, actor, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, act.TaskID, act.Kind, act.Message, act.Actor)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// AppendActivity writes one standalone activity row (the progress path and
// other single-row appends that need no surrounding transaction).
func (s *Store) AppendActivity(ctx context.Context, act Activity) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin activity tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := getTaskTx(ctx, tx, act.TaskID); err != nil {
			return err
		}
		if err := appendActivityTx(ctx, tx, act); err != nil {
			return err
		}
		return tx.Commit()
	})
	return storeErr("append activity", err)
}

// RecordProgress clamps value into 0..100 and appends a progress activity
// row for the task. Returns the value actually recorded. The task must
// exist; a missing id is a NotFoundError.
func (s *Store) RecordProgress(ctx context.Context, taskID string, value int, step, agentID string) (int, error) {
	if value < 0 {
		value = 0
	}
	if value > 100 {
		value = 100
	}
	msg := fmt.Sprintf("progress %d%%", value)
	if step != "" {
		msg = fmt.Sprintf("progress %d%%: %s", value, step)
	}
	if err := s.AppendActivity(ctx, Activity{
		TaskID:  taskID,
		Kind:    ActivityProgress,
		Message: msg,
		Actor:   agentID,
	}); err != nil {
		return 0, err
	}
	return value, nil
}

// ListActivities returns the newest activity rows for a task.
func (s *Store) ListActivities(ctx context.Context, taskID string, limit int) ([]Activity, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, message, actor, created_at
		FROM activities
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, storeErr("list activities", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Kind, &a.Message, &a.Actor, &a.CreatedAt); err != nil {
			return nil, storeErr("scan activity", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list activities", err)
	}
	return out, nil
}

// PurgeActivities deletes activity rows older than the given age and returns
// the number removed. Driven by the retention sweep.
func (s *Store) PurgeActivities(ctx context.Context, olderThanSeconds int) (int64, error) {
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM activities WHERE created_at <= datetime('now', ?);
		`, fmt.Sprintf("-%d seconds", olderThanSeconds))
		if err != nil {
			return fmt.Errorf("purge activities: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("purge rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, storeErr("purge activities", err)
	}
	return removed, nil
}

// PurgeAuditLog deletes audit rows older than the given age and returns the
// number removed. Audit entries outlive activities, so the sweep takes a
// separate, longer window.
func (s *Store) PurgeAuditLog(ctx context.Context, olderThanSeconds int) (int64, error) {
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM audit_log WHERE created_at <= datetime('now', ?);
		`, fmt.Sprintf("-%d seconds", olderThanSeconds))
		if err != nil {
			return fmt.Errorf("purge audit log: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("purge rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, storeErr("purge audit log", err)
	}
	return removed, nil
}
