package runservice

import (
	"context"
	"testing"
	"time"

	"github.com/chorushq/chorus/internal/agent"
	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/persistence"
	"github.com/chorushq/chorus/internal/runexec"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(dir + "/chorus.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestService(t *testing.T, fake *agent.FakeSession) *Service {
	t.Helper()
	store := openTestStore(t)
	b := bus.New(bus.Config{})
	t.Cleanup(b.Close)
	factory := func(threadKey, sessionID, sessionFilePath string) (agent.Session, string, string, error) {
		return fake, "sess-" + threadKey, "", nil
	}
	exec := runexec.New(store, b, factory, nil)
	svc := New(store, b, exec, nil)
	svc.recoveryInterval = time.Hour
	require.NoError(t, svc.Init(context.Background()))
	t.Cleanup(svc.Shutdown)
	return svc
}

func completeTurn(fake *agent.FakeSession, text string) {
	fake.Emit(agent.Event{Kind: agent.EventMessageStart, Role: agent.RoleUser})
	fake.Emit(agent.Event{Kind: agent.EventMessageStart, Role: agent.RoleAssistant})
	fake.Emit(agent.Event{Kind: agent.EventMessageEnd, Role: agent.RoleAssistant, Text: text, StopReason: agent.StopReasonEnd})
	fake.Emit(agent.Event{Kind: agent.EventAgentEnd})
}

func TestIngestMessage_DispatchesAndMarksSucceeded(t *testing.T) {
	fake := agent.NewFakeSession()
	svc := newTestService(t, fake)

	result, err := svc.IngestMessage(context.Background(), persistence.IngestRequest{
		Source: "telegram", ThreadKey: "t1", Text: "hello", DeliveryMode: persistence.DeliveryModeFollowUp,
	})
	require.NoError(t, err)
	require.False(t, result.Deduplicated)

	require.Eventually(t, func() bool { return len(fake.Prompts) == 1 }, time.Second, time.Millisecond)
	completeTurn(fake, "world")

	require.Eventually(t, func() bool {
		run, err := svc.GetRun(context.Background(), result.Run.RunID)
		return err == nil && run.Status == persistence.RunStatusSucceeded
	}, time.Second, time.Millisecond)

	run, err := svc.GetRun(context.Background(), result.Run.RunID)
	require.NoError(t, err)
	require.Equal(t, "world", run.Output)
}

func TestIngestMessage_DuplicateIdempotencyKeyDedupes(t *testing.T) {
	fake := agent.NewFakeSession()
	svc := newTestService(t, fake)

	req := persistence.IngestRequest{
		Source: "telegram", ThreadKey: "t1", Text: "hello",
		DeliveryMode: persistence.DeliveryModeFollowUp, IdempotencyKey: "k1",
	}
	first, err := svc.IngestMessage(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Deduplicated)

	second, err := svc.IngestMessage(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Deduplicated)
	require.Equal(t, first.Run.RunID, second.Run.RunID)

	require.Eventually(t, func() bool { return len(fake.Prompts) == 1 }, time.Second, time.Millisecond)
	completeTurn(fake, "ok")
}

func TestCancelRun_QueuedRunFailsWithCancelledByUser(t *testing.T) {
	fake := agent.NewFakeSession()
	svc := newTestService(t, fake)

	// Occupy the thread with a first run that never resolves, so the
	// second run sits queued (not yet dispatched) until cancelled.
	first, err := svc.IngestMessage(context.Background(), persistence.IngestRequest{
		Source: "telegram", ThreadKey: "t1", Text: "first", DeliveryMode: persistence.DeliveryModeFollowUp,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fake.Prompts) == 1 }, time.Second, time.Millisecond)

	second, err := svc.IngestMessage(context.Background(), persistence.IngestRequest{
		Source: "telegram", ThreadKey: "t1", Text: "second", DeliveryMode: persistence.DeliveryModeFollowUp,
	})
	require.NoError(t, err)

	require.NoError(t, svc.CancelRun(context.Background(), second.Run.RunID))

	completeTurn(fake, "done-first")

	require.Eventually(t, func() bool {
		run, err := svc.GetRun(context.Background(), second.Run.RunID)
		return err == nil && run.Status == persistence.RunStatusFailed
	}, time.Second, time.Millisecond)

	run, err := svc.GetRun(context.Background(), second.Run.RunID)
	require.NoError(t, err)
	require.Equal(t, "cancelled by user", run.ErrorMessage)

	run, err = svc.GetRun(context.Background(), first.Run.RunID)
	require.NoError(t, err)
	require.Equal(t, persistence.RunStatusSucceeded, run.Status)
}
