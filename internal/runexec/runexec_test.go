package runexec

import (
	"context"
	"testing"
	"time"

	"github.com/chorushq/chorus/internal/agent"
	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/controller"
	"github.com/chorushq/chorus/internal/persistence"
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

func TestExecute_ResolvesSessionOncePerThreadAndSubmits(t *testing.T) {
	store := openTestStore(t)
	b := bus.New(bus.Config{})
	defer b.Close()

	var created int
	fake := agent.NewFakeSession()
	factory := func(threadKey, sessionID, sessionFilePath string) (agent.Session, string, string, error) {
		created++
		return fake, "sess-" + threadKey, "/sessions/" + threadKey + ".json", nil
	}

	exec := New(store, b, factory, nil)

	run := persistence.Run{
		RunID: "r1", ThreadKey: "t1", Source: "telegram",
		DeliveryMode: persistence.DeliveryModeFollowUp, InputText: "hello",
	}

	outcomes := make(chan controller.Outcome, 1)
	go func() {
		outcomes <- exec.Execute(context.Background(), run)
	}()

	require.Eventually(t, func() bool {
		return len(fake.Prompts) == 1
	}, time.Second, time.Millisecond)

	fake.Emit(agent.Event{Kind: agent.EventMessageStart, Role: agent.RoleUser})
	fake.Emit(agent.Event{Kind: agent.EventMessageStart, Role: agent.RoleAssistant})
	fake.Emit(agent.Event{Kind: agent.EventMessageEnd, Role: agent.RoleAssistant, Text: "ok", StopReason: agent.StopReasonEnd})
	fake.Emit(agent.Event{Kind: agent.EventAgentEnd})

	select {
	case out := <-outcomes:
		require.NoError(t, out.Err)
		require.Equal(t, "ok", out.Result.Text)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}

	ts, found, err := store.GetThreadSession(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "t1", ts.ThreadKey)
	require.Equal(t, 1, created)

	// A second run against the same thread must reuse the existing session.
	run2 := persistence.Run{
		RunID: "r2", ThreadKey: "t1", Source: "telegram",
		DeliveryMode: persistence.DeliveryModeFollowUp, InputText: "again",
	}
	outcomes2 := make(chan controller.Outcome, 1)
	go func() {
		outcomes2 <- exec.Execute(context.Background(), run2)
	}()

	require.Eventually(t, func() bool {
		return len(fake.Prompts) == 2
	}, time.Second, time.Millisecond)

	fake.Emit(agent.Event{Kind: agent.EventMessageStart, Role: agent.RoleUser})
	fake.Emit(agent.Event{Kind: agent.EventMessageStart, Role: agent.RoleAssistant})
	fake.Emit(agent.Event{Kind: agent.EventMessageEnd, Role: agent.RoleAssistant, Text: "ok2", StopReason: agent.StopReasonEnd})
	fake.Emit(agent.Event{Kind: agent.EventAgentEnd})

	select {
	case out := <-outcomes2:
		require.NoError(t, out.Err)
		require.Equal(t, "ok2", out.Result.Text)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
	require.Equal(t, 1, created, "session should be created exactly once per thread")
}

func TestResetThreadSession_DisposesControllerAndClearsPointer(t *testing.T) {
	store := openTestStore(t)
	b := bus.New(bus.Config{})
	defer b.Close()

	fake := agent.NewFakeSession()
	factory := func(threadKey, sessionID, sessionFilePath string) (agent.Session, string, string, error) {
		return fake, "sess-t1", "/sessions/t1.json", nil
	}
	exec := New(store, b, factory, nil)

	_, err := store.UpsertThreadSession(context.Background(), "t1", "", "")
	require.NoError(t, err)

	run := persistence.Run{RunID: "r1", ThreadKey: "t1", Source: "telegram", DeliveryMode: persistence.DeliveryModeFollowUp, InputText: "hi"}
	ctrl, err := exec.controllerFor(context.Background(), run.ThreadKey)
	require.NoError(t, err)
	require.NotNil(t, ctrl)

	require.NoError(t, exec.ResetThreadSession(context.Background(), "t1"))

	_, found, err := store.GetThreadSession(context.Background(), "t1")
	require.NoError(t, err)
	require.False(t, found)
}
