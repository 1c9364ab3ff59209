package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/taskdeck/internal/errdefs"
)

// CreatePlan writes a parent and its children in one durable transaction,
// together with a single activity row scoped to the parent. Records arrive
// fully assembled (ids, statuses, positions, tags); this method only makes
// them durable atomically. Returns the plan as re-read inside the
// transaction so timestamps reflect what was stored.
func (s *Store) CreatePlan(ctx context.Context, parent Task, children []Task, act Activity) (*Plan, error) {
	var plan *Plan
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create plan tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := insertTaskTx(ctx, tx, parent); err != nil {
			return err
		}
		for _, child := range children {
			if err := insertTaskTx(ctx, tx, child); err != nil {
				return err
			}
		}
		act.TaskID = parent.ID
		if err := appendActivityTx(ctx, tx, act); err != nil {
			return err
		}
		plan, err = getPlanTx(ctx, tx, parent.ID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, storeErr("create plan", err)
	}
	return plan, nil
}

// GetPlan materializes the plan view for a parent id. Child ids are not plan
// ids and fail with NotFoundError.
func (s *Store) GetPlan(ctx context.Context, parentID string) (*Plan, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, storeErr("get plan", err)
	}
	defer func() { _ = tx.Rollback() }()

	plan, err := getPlanTx(ctx, tx, parentID)
	if err != nil {
		return nil, storeErr("get plan", err)
	}
	return plan, nil
}

func getPlanTx(ctx context.Context, tx *sql.Tx, parentID string) (*Plan, error) {
	parent, err := getTaskTx(ctx, tx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.ParentTaskID != "" {
		return nil, &errdefs.NotFoundError{Kind: "plan", ID: parentID}
	}
	children, err := listSubtasksTx(ctx, tx, parentID)
	if err != nil {
		return nil, err
	}
	return &Plan{Parent: *parent, Subtasks: children}, nil
}

func listSubtasksTx(ctx context.Context, tx *sql.Tx, parentID string) ([]Task, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+taskSelectColumns+`
		FROM tasks WHERE parent_task_id = ?
		ORDER BY position ASC, created_at ASC;
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ApprovePlan resolves a pending plan: the parent and every child present at
// call time move to approval status "approved" and coarse status "inbox" in
// one transaction, with the approver stamped on the parent and one activity
// row appended. A plan that is not pending fails with InvalidStateError and
// mutates nothing; a missing id, or the id of a child row, fails with
// NotFoundError.
func (s *Store) ApprovePlan(ctx context.Context, planID, approverID string, act Activity) (*Plan, error) {
	return s.resolvePlan(ctx, planID, approverID, ApprovalApproved, StatusInbox, act)
}

// RejectPlan is the mirror of ApprovePlan: approval status "rejected",
// coarse status "blocked" on the parent and every child.
func (s *Store) RejectPlan(ctx context.Context, planID, rejecterID string, act Activity) (*Plan, error) {
	return s.resolvePlan(ctx, planID, rejecterID, ApprovalRejected, StatusBlocked, act)
}

func (s *Store) resolvePlan(ctx context.Context, planID, actorID string, approval ApprovalStatus, status TaskStatus, act Activity) (*Plan, error) {
	var plan *Plan
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resolve plan tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		var parent sql.NullString
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(approval_status, ''), parent_task_id FROM tasks WHERE id = ?;
		`, planID).Scan(&current, &parent); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &errdefs.NotFoundError{Kind: "task", ID: planID}
			}
			return fmt.Errorf("select plan for resolve: %w", err)
		}
		// Children sit at approval_status 'pending' too, but only parent rows
		// are plans: parent and children change together or not at all.
		if parent.Valid {
			return &errdefs.NotFoundError{Kind: "plan", ID: planID}
		}
		if current != string(ApprovalPending) {
			state := current
			if state == "" {
				state = "unset"
			}
			return &errdefs.InvalidStateError{ID: planID, State: state, Want: string(ApprovalPending)}
		}

		// Guarded write: the WHERE clause re-checks pending so a concurrent
		// resolve loses cleanly instead of double-applying.
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET approval_status = ?, status = ?, approved_by = ?, approved_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND approval_status = 'pending' AND parent_task_id IS NULL;
		`, approval, status, actorID, planID)
		if err != nil {
			return fmt.Errorf("update plan parent: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve rows affected: %w", err)
		}
		if affected != 1 {
			return &errdefs.InvalidStateError{ID: planID, State: "resolved", Want: string(ApprovalPending)}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET approval_status = ?, status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE parent_task_id = ?;
		`, approval, status, planID); err != nil {
			return fmt.Errorf("cascade plan children: %w", err)
		}

		act.TaskID = planID
		if err := appendActivityTx(ctx, tx, act); err != nil {
			return err
		}
		plan, err = getPlanTx(ctx, tx, planID)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, storeErr("resolve plan", err)
	}
	return plan, nil
}

// StalePendingPlans returns plan parents still pending after the given age,
// oldest first. Used by the reminder scheduler.
func (s *Store) StalePendingPlans(ctx context.Context, olderThanSeconds int, limit int) ([]Task, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskSelectColumns+`
		FROM tasks
		WHERE approval_status = 'pending'
		  AND parent_task_id IS NULL
		  AND created_at <= datetime('now', ?)
		ORDER BY created_at ASC
		LIMIT ?;
	`, fmt.Sprintf("-%d seconds", olderThanSeconds), limit)
	if err != nil {
		return nil, storeErr("stale pending plans", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, storeErr("scan stale plan", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("stale pending plans", err)
	}
	return out, nil
}
