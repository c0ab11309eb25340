package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chorushq/chorus/internal/chorerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "chorus.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateRun_Dedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req := IngestRequest{
		Source: "cli", ThreadKey: "cli:default", Text: "hello",
		DeliveryMode: DeliveryModeFollowUp, IdempotencyKey: "k1",
	}

	first, err := s.CreateRun(ctx, req)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if first.Deduplicated {
		t.Fatal("expected first ingest not deduplicated")
	}

	second, err := s.CreateRun(ctx, req)
	if err != nil {
		t.Fatalf("CreateRun (dup): %v", err)
	}
	if !second.Deduplicated {
		t.Fatal("expected second ingest deduplicated")
	}
	if second.Run.RunID != first.Run.RunID {
		t.Fatalf("expected same run id, got %q vs %q", first.Run.RunID, second.Run.RunID)
	}
}

func TestCreateRun_PayloadMismatchConflicts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req := IngestRequest{Source: "cli", ThreadKey: "cli:default", Text: "hello", DeliveryMode: DeliveryModeFollowUp, IdempotencyKey: "k1"}
	if _, err := s.CreateRun(ctx, req); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	req.Text = "different text"
	_, err := s.CreateRun(ctx, req)
	if !chorerr.Is(err, chorerr.KindConflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestMarkSucceeded_ThenMarkFailed_Fails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	res, err := s.CreateRun(ctx, IngestRequest{Source: "cli", ThreadKey: "cli:default", Text: "hi", DeliveryMode: DeliveryModeFollowUp})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := s.MarkSucceeded(ctx, res.Run.RunID, "done"); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}

	err = s.MarkFailed(ctx, res.Run.RunID, "boom")
	if err == nil {
		t.Fatal("expected error marking an already-succeeded run failed")
	}
	if !contains(err.Error(), "already succeeded") {
		t.Fatalf("expected message to contain 'already succeeded', got %q", err.Error())
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestTaskRun_UniquePerScheduledFor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, ScheduledTask{
		Title: "daily digest", Instructions: "summarize", Enabled: true,
		ScheduleKind: ScheduleKindCron, CronExpr: "0 9 * * *", Timezone: "UTC",
		CreatorThreadKey: "cli:default", DeliveryTargetProvider: "cli",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	scheduledFor := time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)
	key := IdempotencyKeyForOccurrence(task.TaskID, scheduledFor)

	first, err := s.CreateOrGetTaskRun(ctx, task.TaskID, scheduledFor, key)
	if err != nil {
		t.Fatalf("CreateOrGetTaskRun: %v", err)
	}
	second, err := s.CreateOrGetTaskRun(ctx, task.TaskID, scheduledFor, key)
	if err != nil {
		t.Fatalf("CreateOrGetTaskRun (again): %v", err)
	}
	if first.TaskRunID != second.TaskRunID {
		t.Fatalf("expected same occurrence id, got %q vs %q", first.TaskRunID, second.TaskRunID)
	}
}

func TestOnceTask_DispatchDisablesTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	onceAt := time.Now().UTC().Add(-time.Minute)
	task, err := s.CreateTask(ctx, ScheduledTask{
		Title: "one shot", Instructions: "do it", Enabled: true,
		ScheduleKind: ScheduleKindOnce, OnceAt: &onceAt, Timezone: "UTC",
		CreatorThreadKey: "cli:default", DeliveryTargetProvider: "cli",
		NextRunAt: &onceAt,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.AdvanceTaskAfterOccurrence(ctx, task.TaskID, false, nil); err != nil {
		t.Fatalf("AdvanceTaskAfterOccurrence: %v", err)
	}

	updated, err := s.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if updated.Enabled {
		t.Fatal("expected task disabled after once-task occurrence")
	}
	if updated.NextRunAt != nil {
		t.Fatal("expected nextRunAt nil after once-task occurrence")
	}
}

func TestSetTaskExecutionThread_NeverReassigned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, ScheduledTask{
		Title: "t", Instructions: "i", ScheduleKind: ScheduleKindOnce, Timezone: "UTC",
		CreatorThreadKey: "cli:default", DeliveryTargetProvider: "cli",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.SetTaskExecutionThread(ctx, task.TaskID, "cli:task:"+task.TaskID, ""); err != nil {
		t.Fatalf("SetTaskExecutionThread: %v", err)
	}
	if err := s.SetTaskExecutionThread(ctx, task.TaskID, "cli:task:different", ""); err != nil {
		t.Fatalf("SetTaskExecutionThread (second): %v", err)
	}

	updated, err := s.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if updated.ExecutionThreadKey != "cli:task:"+task.TaskID {
		t.Fatalf("expected execution thread key unchanged, got %q", updated.ExecutionThreadKey)
	}
}
