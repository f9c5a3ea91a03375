package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type TaskStatus string

// Task lifecycle states. The orchestrator owns every write except the
// SEND_TO_USER -> DONE|FAILED compare-and-swap performed by this worker.
const (
	StatusWaitingApproval TaskStatus = "WAITING_APPROVAL"
	StatusRunning         TaskStatus = "RUNNING"
	StatusWaitingUser     TaskStatus = "WAITING_USER"
	StatusNeedsReview     TaskStatus = "NEEDS_REVIEW"
	StatusSendToUser      TaskStatus = "SEND_TO_USER"
	StatusDone            TaskStatus = "DONE"
	StatusFailed          TaskStatus = "FAILED"
	StatusStoppedByUser   TaskStatus = "STOPPED_BY_USER"
)

type Task struct {
	ID              int64      `json:"id"`
	CreatedByUserID *int64     `json:"created_by_user_id,omitempty"`
	Title           string     `json:"title"`
	Status          TaskStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ErrTaskNotFound is returned by GetTask for an unknown id.
var ErrTaskNotFound = errors.New("task not found")

func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_by_user_id, title, status, created_at, updated_at
		FROM tasks WHERE id = ?;
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var createdBy sql.NullInt64
	if err := row.Scan(&t.ID, &createdBy, &t.Title, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if createdBy.Valid {
		t.CreatedByUserID = &createdBy.Int64
	}
	return &t, nil
}

// CreateTask inserts a task row. The orchestrator does this in production;
// the worker exposes it for tooling and tests that need a populated store.
func (s *Store) CreateTask(ctx context.Context, createdByUserID *int64, title string, status TaskStatus) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (created_by_user_id, title, status) VALUES (?, ?, ?);
		`, createdByUserID, title, string(status))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	return id, nil
}

// AppendTransition records a status transition row without touching the task.
// Orchestrator-parity helper; the worker itself only writes transitions
// through CompareAndSwapStatus.
func (s *Store) AppendTransition(ctx context.Context, taskID int64, from, to TaskStatus, actorUserID *int64, reason string) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_transitions (task_id, from_status, to_status, actor_user_id, reason)
			VALUES (?, ?, ?, ?, ?);
		`, taskID, string(from), string(to), actorUserID, reason)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append transition: %w", err)
	}
	return id, nil
}

// SetTaskStatus force-sets a task's status and appends the transition row.
// Orchestrator-parity helper used by tooling and tests to drive the lifecycle.
func (s *Store) SetTaskStatus(ctx context.Context, taskID int64, to TaskStatus, actorUserID *int64, reason string) (int64, error) {
	var transitionID int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var from TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&from); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, string(to), taskID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_transitions (task_id, from_status, to_status, actor_user_id, reason)
			VALUES (?, ?, ?, ?, ?);
		`, taskID, string(from), string(to), actorUserID, reason)
		if err != nil {
			return err
		}
		transitionID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("set task %d status: %w", taskID, err)
	}
	return transitionID, nil
}

// CompareAndSwapStatus atomically moves a task from expectedFrom to `to` and
// appends the transition row in the same transaction. Returns false without
// error when the task is no longer in expectedFrom (lost race).
func (s *Store) CompareAndSwapStatus(ctx context.Context, taskID int64, expectedFrom, to TaskStatus, actorUserID *int64, reason string) (bool, error) {
	swapped := false
	err := retryOnBusy(ctx, 5, func() error {
		swapped = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, string(to), taskID, string(expectedFrom))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_transitions (task_id, from_status, to_status, actor_user_id, reason)
			VALUES (?, ?, ?, ?, ?);
		`, taskID, string(expectedFrom), string(to), actorUserID, reason); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cas task %d %s->%s: %w", taskID, expectedFrom, to, err)
	}
	return swapped, nil
}

// LatestTransitionID returns the id of the most recent transition into the
// given status for the task, or nil when none exists.
func (s *Store) LatestTransitionID(ctx context.Context, taskID int64, to TaskStatus) (*int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(id) FROM task_transitions WHERE task_id = ? AND to_status = ?;
	`, taskID, string(to)).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("latest transition: %w", err)
	}
	if !id.Valid {
		return nil, nil
	}
	return &id.Int64, nil
}
