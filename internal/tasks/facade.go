package tasks

import (
	"context"
	"time"

	"github.com/chorushq/chorus/internal/chorerr"
	"github.com/chorushq/chorus/internal/persistence"
)

// CreateTask implements createTask: validates the schedule, computes the
// initial nextRunAt, and persists the task.
func (s *Service) CreateTask(ctx context.Context, t persistence.ScheduledTask) (persistence.ScheduledTask, error) {
	if t.Title == "" {
		return persistence.ScheduledTask{}, chorerr.Validation("title is required")
	}
	anchor := time.Now().UTC()
	if t.ScheduleKind == persistence.ScheduleKindRRule {
		normalized, err := normalizeRRuleExpr(t.RRuleExpr, t.Timezone, anchor)
		if err != nil {
			return persistence.ScheduledTask{}, chorerr.Validationf("invalid rrule: %v", err)
		}
		t.RRuleExpr = normalized
	}
	next, err := initialNextRunAt(t, anchor)
	if err != nil {
		return persistence.ScheduledTask{}, chorerr.Validationf("invalid schedule: %v", err)
	}
	t.Enabled = true
	t.NextRunAt = next
	return s.store.CreateTask(ctx, t)
}

// GetTask implements getTask.
func (s *Service) GetTask(ctx context.Context, taskID string) (persistence.ScheduledTask, error) {
	return s.store.GetTask(ctx, taskID)
}

// ListTasks implements listTasks.
func (s *Service) ListTasks(ctx context.Context, filter persistence.TaskListFilter) ([]persistence.ScheduledTask, error) {
	return s.store.ListTasks(ctx, filter)
}

// UpdateResult reports a non-fatal best-effort topic-rename failure
// alongside the otherwise-successful update, per §4.6.3.
type UpdateResult struct {
	Task           persistence.ScheduledTask
	RenameWarning  string
}

// UpdateTask implements updateTask and its §4.6.3 nextRunAt recomputation
// and best-effort topic-rename semantics.
func (s *Service) UpdateTask(ctx context.Context, taskID string, patch persistence.TaskPatch) (UpdateResult, error) {
	existing, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return UpdateResult{}, err
	}

	scheduleChanged := patch.ScheduleKind != nil || patch.OnceAt != nil || patch.CronExpr != nil ||
		patch.RRuleExpr != nil || patch.Timezone != nil
	enabling := patch.Enabled != nil && *patch.Enabled && !existing.Enabled

	var recomputed *time.Time
	nextRunAtChanged := false
	if scheduleChanged || enabling {
		merged := existing
		applyPatch(&merged, patch)
		anchor := time.Now().UTC()
		if merged.ScheduleKind == persistence.ScheduleKindRRule && patch.RRuleExpr != nil {
			normalized, err := normalizeRRuleExpr(merged.RRuleExpr, merged.Timezone, anchor)
			if err != nil {
				return UpdateResult{}, chorerr.Validationf("invalid rrule: %v", err)
			}
			merged.RRuleExpr = normalized
			rrulePatch := normalized
			patch.RRuleExpr = &rrulePatch
		}
		next, err := initialNextRunAt(merged, anchor)
		if err != nil {
			return UpdateResult{}, chorerr.Validationf("invalid schedule: %v", err)
		}
		recomputed = next
		nextRunAtChanged = true
	}

	updated, err := s.store.UpdateTask(ctx, taskID, patch, recomputed, nextRunAtChanged)
	if err != nil {
		return UpdateResult{}, err
	}

	result := UpdateResult{Task: updated}

	titleOnly := patch.Title != nil && patch.Instructions == nil && patch.Enabled == nil && !scheduleChanged
	taskOwnedTopic := updated.ExecutionThreadKey != "" && updated.ExecutionThreadKey != updated.CreatorThreadKey
	if titleOnly && taskOwnedTopic {
		if bridge, ok := s.bridges[updated.DeliveryTargetProvider]; ok {
			route, rerr := decodeRoute(updated.DeliveryTargetRoute)
			if rerr == nil {
				if err := bridge.SyncTaskTopicTitle(ctx, route, updated.TaskID, updated.Title); err != nil {
					result.RenameWarning = "topic rename failed: " + err.Error()
				}
			}
		}
	}
	return result, nil
}

func applyPatch(t *persistence.ScheduledTask, patch persistence.TaskPatch) {
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Instructions != nil {
		t.Instructions = *patch.Instructions
	}
	if patch.Enabled != nil {
		t.Enabled = *patch.Enabled
	}
	if patch.ScheduleKind != nil {
		t.ScheduleKind = *patch.ScheduleKind
	}
	if patch.OnceAt != nil {
		t.OnceAt = patch.OnceAt
	}
	if patch.CronExpr != nil {
		t.CronExpr = *patch.CronExpr
	}
	if patch.RRuleExpr != nil {
		t.RRuleExpr = *patch.RRuleExpr
	}
	if patch.Timezone != nil {
		t.Timezone = *patch.Timezone
	}
}

// DeleteTask implements deleteTask.
func (s *Service) DeleteTask(ctx context.Context, taskID string) error {
	return s.store.DeleteTask(ctx, taskID)
}

// RunNow implements runNow(taskId): creates (or returns) the occurrence for
// the current instant and dispatches it immediately, independent of the
// tick loop.
func (s *Service) RunNow(ctx context.Context, taskID string) (persistence.ScheduledTask, persistence.TaskRun, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return persistence.ScheduledTask{}, persistence.TaskRun{}, err
	}

	scheduledFor := time.Now().UTC()
	idemKey := persistence.IdempotencyKeyForOccurrence(t.TaskID, scheduledFor)
	occ, err := s.store.CreateOrGetTaskRun(ctx, t.TaskID, scheduledFor, idemKey)
	if err != nil {
		return persistence.ScheduledTask{}, persistence.TaskRun{}, err
	}

	t, err = s.ensureExecutionThread(ctx, t)
	if err != nil {
		if markErr := s.store.MarkTaskRunTerminal(ctx, occ.TaskRunID, persistence.TaskRunFailed, err.Error()); markErr != nil {
			s.logger.Error("mark occurrence failed", "task_run_id", occ.TaskRunID, "error", markErr)
		}
		occ, _ = s.store.GetTaskRun(ctx, occ.TaskRunID)
		return t, occ, err
	}

	if occ.Status == persistence.TaskRunPending {
		s.dispatch(ctx, t, occ)
	}
	occ, err = s.store.GetTaskRun(ctx, occ.TaskRunID)
	if err != nil {
		return t, persistence.TaskRun{}, err
	}
	return t, occ, nil
}

// ClearTaskExecutionThreadByThreadKey implements clearTaskExecutionThreadByThreadKey.
func (s *Service) ClearTaskExecutionThreadByThreadKey(ctx context.Context, key string) error {
	return s.store.ClearTaskExecutionThreadByThreadKey(ctx, key)
}
