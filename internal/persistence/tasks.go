package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/chorushq/chorus/internal/chorerr"
)

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(ctx context.Context, t ScheduledTask) (ScheduledTask, error) {
	t.TaskID = newID()
	t.CreatedAt = nowUTC()
	t.UpdatedAt = t.CreatedAt
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (
				task_id, title, instructions, enabled, schedule_kind, once_at, cron_expr, rrule_expr,
				timezone, creator_thread_key, owner_user_key, delivery_target_provider, delivery_target_route,
				execution_thread_key, next_run_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.TaskID, t.Title, t.Instructions, t.Enabled, t.ScheduleKind, t.OnceAt, t.CronExpr, t.RRuleExpr,
			t.Timezone, t.CreatorThreadKey, t.OwnerUserKey, t.DeliveryTargetProvider, t.DeliveryTargetRoute,
			t.ExecutionThreadKey, t.NextRunAt, t.CreatedAt, t.UpdatedAt)
		return err
	})
	if err != nil {
		return ScheduledTask{}, chorerr.Internal("create task", err)
	}
	return t, nil
}

func scanTask(row interface {
	Scan(dest ...any) error
}) (ScheduledTask, error) {
	var t ScheduledTask
	err := row.Scan(&t.TaskID, &t.Title, &t.Instructions, &t.Enabled, &t.ScheduleKind, &t.OnceAt, &t.CronExpr,
		&t.RRuleExpr, &t.Timezone, &t.CreatorThreadKey, &t.OwnerUserKey, &t.DeliveryTargetProvider,
		&t.DeliveryTargetRoute, &t.ExecutionThreadKey, &t.NextRunAt, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

const taskColumns = `task_id, title, instructions, enabled, schedule_kind, once_at, cron_expr, rrule_expr,
	timezone, creator_thread_key, owner_user_key, delivery_target_provider, delivery_target_route,
	execution_thread_key, next_run_at, created_at, updated_at`

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE task_id = ?;`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledTask{}, chorerr.NotFoundf("task %q not found", taskID)
	}
	if err != nil {
		return ScheduledTask{}, chorerr.Internal("get task", err)
	}
	return t, nil
}

// ListTasks lists tasks matching filter.
func (s *Store) ListTasks(ctx context.Context, filter TaskListFilter) ([]ScheduledTask, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE 1=1`
	var args []any
	if filter.CreatorThreadKey != "" {
		query += ` AND creator_thread_key = ?`
		args = append(args, filter.CreatorThreadKey)
	}
	if filter.EnabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, chorerr.Internal("list tasks", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, chorerr.Internal("scan task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask applies patch to task taskID and returns the updated row.
// It recomputes nextRunAt per §4.6.3: clears it when enabled becomes false,
// leaves recomputation of an enabled schedule's nextRunAt to the caller
// (the Scheduled-Task Service, which owns schedule-kind evaluation).
func (s *Store) UpdateTask(ctx context.Context, taskID string, patch TaskPatch, recomputedNextRunAt *time.Time, nextRunAtChanged bool) (ScheduledTask, error) {
	existing, err := s.GetTask(ctx, taskID)
	if err != nil {
		return ScheduledTask{}, err
	}

	if patch.Title != nil {
		existing.Title = *patch.Title
	}
	if patch.Instructions != nil {
		existing.Instructions = *patch.Instructions
	}
	if patch.Enabled != nil {
		existing.Enabled = *patch.Enabled
	}
	if patch.ScheduleKind != nil {
		existing.ScheduleKind = *patch.ScheduleKind
	}
	if patch.OnceAt != nil {
		existing.OnceAt = patch.OnceAt
	}
	if patch.CronExpr != nil {
		existing.CronExpr = *patch.CronExpr
	}
	if patch.RRuleExpr != nil {
		existing.RRuleExpr = *patch.RRuleExpr
	}
	if patch.Timezone != nil {
		existing.Timezone = *patch.Timezone
	}
	if !existing.Enabled {
		existing.NextRunAt = nil
	} else if nextRunAtChanged {
		existing.NextRunAt = recomputedNextRunAt
	}
	existing.UpdatedAt = nowUTC()

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET title=?, instructions=?, enabled=?, schedule_kind=?, once_at=?,
				cron_expr=?, rrule_expr=?, timezone=?, next_run_at=?, updated_at=?
			WHERE task_id = ?;
		`, existing.Title, existing.Instructions, existing.Enabled, existing.ScheduleKind, existing.OnceAt,
			existing.CronExpr, existing.RRuleExpr, existing.Timezone, existing.NextRunAt, existing.UpdatedAt, taskID)
		return err
	})
	if err != nil {
		return ScheduledTask{}, chorerr.Internal("update task", err)
	}
	return existing, nil
}

// DeleteTask removes a task and its occurrences.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_task_runs WHERE task_id = ?;`, taskID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE task_id = ?;`, taskID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// SetTaskExecutionThread assigns the execution thread key once, per the
// invariant that it is never re-assigned for the task's life.
func (s *Store) SetTaskExecutionThread(ctx context.Context, taskID, executionThreadKey, deliveryTargetRoute string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET execution_thread_key = ?, delivery_target_route = ?, updated_at = ?
			WHERE task_id = ? AND execution_thread_key = '';
		`, executionThreadKey, deliveryTargetRoute, nowUTC(), taskID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			// Already set (or task missing) — idempotent no-op, matching the
			// "messenger topic creation is not idempotent upstream, so persist
			// first and never reassign" design note.
			return nil
		}
		return nil
	})
}

// ClearTaskExecutionThreadByThreadKey strips executionThreadKey from every
// task currently assigned to key, keeping the task (and its chat id) intact.
func (s *Store) ClearTaskExecutionThreadByThreadKey(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET execution_thread_key = '', updated_at = ? WHERE execution_thread_key = ?;
		`, nowUTC(), key)
		return err
	})
}

// ListDueTasks returns up to limit enabled tasks whose nextRunAt <= now.
func (s *Store) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC LIMIT ?;
	`, now, limit)
	if err != nil {
		return nil, chorerr.Internal("list due tasks", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, chorerr.Internal("scan due task", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AdvanceTaskAfterOccurrence atomically advances a task's schedule state
// after an occurrence has been created for scheduledFor. Must be called in
// the same logical step as CreateOrGetTaskRun so a tick crash never causes
// the same scheduledFor to fire twice.
func (s *Store) AdvanceTaskAfterOccurrence(ctx context.Context, taskID string, nextEnabled bool, nextRunAt *time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET enabled = ?, next_run_at = ?, updated_at = ? WHERE task_id = ?;
		`, nextEnabled, nextRunAt, nowUTC(), taskID)
		return err
	})
}

// CreateOrGetTaskRun idempotently creates (or returns the existing) occurrence
// for (taskID, scheduledFor).
func (s *Store) CreateOrGetTaskRun(ctx context.Context, taskID string, scheduledFor time.Time, idempotencyKey string) (TaskRun, error) {
	existing, found, err := s.getTaskRunByOccurrence(ctx, taskID, scheduledFor)
	if err != nil {
		return TaskRun{}, chorerr.Internal("lookup task run", err)
	}
	if found {
		return existing, nil
	}

	tr := TaskRun{
		TaskRunID:      newID(),
		TaskID:         taskID,
		ScheduledFor:   scheduledFor,
		Status:         TaskRunPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      nowUTC(),
		UpdatedAt:      nowUTC(),
	}
	insertErr := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_task_runs (task_run_id, task_id, scheduled_for, status, run_id, idempotency_key, error_message, created_at, updated_at)
			VALUES (?, ?, ?, ?, '', ?, '', ?, ?);
		`, tr.TaskRunID, tr.TaskID, tr.ScheduledFor, tr.Status, tr.IdempotencyKey, tr.CreatedAt, tr.UpdatedAt)
		return err
	})
	if insertErr != nil {
		if isUniqueConstraint(insertErr) {
			existing, found, lookupErr := s.getTaskRunByOccurrence(ctx, taskID, scheduledFor)
			if lookupErr != nil {
				return TaskRun{}, chorerr.Internal("lookup task run after race", lookupErr)
			}
			if found {
				return existing, nil
			}
		}
		return TaskRun{}, chorerr.Internal("create task run", insertErr)
	}
	return tr, nil
}

func (s *Store) getTaskRunByOccurrence(ctx context.Context, taskID string, scheduledFor time.Time) (TaskRun, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_run_id, task_id, scheduled_for, status, run_id, idempotency_key, error_message, created_at, updated_at
		FROM scheduled_task_runs WHERE task_id = ? AND scheduled_for = ?;
	`, taskID, scheduledFor)
	var tr TaskRun
	err := row.Scan(&tr.TaskRunID, &tr.TaskID, &tr.ScheduledFor, &tr.Status, &tr.RunID, &tr.IdempotencyKey, &tr.ErrorMessage, &tr.CreatedAt, &tr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRun{}, false, nil
	}
	if err != nil {
		return TaskRun{}, false, err
	}
	return tr, true, nil
}

// GetTaskRun fetches an occurrence by id.
func (s *Store) GetTaskRun(ctx context.Context, taskRunID string) (TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_run_id, task_id, scheduled_for, status, run_id, idempotency_key, error_message, created_at, updated_at
		FROM scheduled_task_runs WHERE task_run_id = ?;
	`, taskRunID)
	var tr TaskRun
	err := row.Scan(&tr.TaskRunID, &tr.TaskID, &tr.ScheduledFor, &tr.Status, &tr.RunID, &tr.IdempotencyKey, &tr.ErrorMessage, &tr.CreatedAt, &tr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRun{}, chorerr.NotFoundf("task run %q not found", taskRunID)
	}
	if err != nil {
		return TaskRun{}, chorerr.Internal("get task run", err)
	}
	return tr, nil
}

// MarkTaskRunDispatched transitions an occurrence pending -> dispatched.
func (s *Store) MarkTaskRunDispatched(ctx context.Context, taskRunID, runID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_task_runs SET status = ?, run_id = ?, updated_at = ? WHERE task_run_id = ?;
		`, TaskRunDispatched, runID, nowUTC(), taskRunID)
		return err
	})
}

// MarkTaskRunTerminal transitions an occurrence to succeeded or failed.
func (s *Store) MarkTaskRunTerminal(ctx context.Context, taskRunID string, status TaskRunStatus, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_task_runs SET status = ?, error_message = ?, updated_at = ? WHERE task_run_id = ?;
		`, status, errMsg, nowUTC(), taskRunID)
		return err
	})
}

// ListTaskRunsByStatuses returns up to limit occurrences in any of statuses.
func (s *Store) ListTaskRunsByStatuses(ctx context.Context, statuses []TaskRunStatus, limit int) ([]TaskRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT task_run_id, task_id, scheduled_for, status, run_id, idempotency_key, error_message, created_at, updated_at
		FROM scheduled_task_runs WHERE status IN (`
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, st)
	}
	query += ") ORDER BY created_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, chorerr.Internal("list task runs by status", err)
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var tr TaskRun
		if err := rows.Scan(&tr.TaskRunID, &tr.TaskID, &tr.ScheduledFor, &tr.Status, &tr.RunID, &tr.IdempotencyKey, &tr.ErrorMessage, &tr.CreatedAt, &tr.UpdatedAt); err != nil {
			return nil, chorerr.Internal("scan task run", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
