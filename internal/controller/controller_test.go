package controller

import (
	"testing"
	"time"

	"github.com/chorushq/chorus/internal/agent"
	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/persistence"
	"github.com/stretchr/testify/require"
)

func newRun(id, text string, mode persistence.DeliveryMode) persistence.Run {
	return persistence.Run{
		RunID:        id,
		Source:       "telegram",
		ThreadKey:    "t1",
		DeliveryMode: mode,
		InputText:    text,
		Status:       persistence.RunStatusRunning,
	}
}

// TestSubmit_TwoRunsToIdleSession exercises scenario S5: a controller
// submits run A then run B to an idle session; the session emits
// user(A) -> assistant(R1, end) -> user(B) -> assistant(R2, end) -> agent_end.
// A must resolve with "R1" and B with "R2", in submission order.
func TestSubmit_TwoRunsToIdleSession(t *testing.T) {
	session := agent.NewFakeSession()
	var progressed []bus.Event
	c := New(session, func(ev bus.Event) { progressed = append(progressed, ev) })
	defer c.Dispose()

	outA := c.Submit(newRun("A", "do thing one", persistence.DeliveryModeFollowUp))
	outB := c.Submit(newRun("B", "do thing two", persistence.DeliveryModeFollowUp))

	require.Equal(t, []string{"do thing one"}, session.Prompts)
	require.Equal(t, []string{"do thing two"}, session.FollowUps)

	session.Emit(agent.Event{Kind: agent.EventMessageStart, Role: agent.RoleUser})
	session.Emit(agent.Event{Kind: agent.EventMessageStart, Role: agent.RoleAssistant})
	session.Emit(agent.Event{
		Kind: agent.EventMessageEnd, Role: agent.RoleAssistant,
		Text: "R1", StopReason: agent.StopReasonEnd,
	})

	session.Emit(agent.Event{Kind: agent.EventMessageStart, Role: agent.RoleUser})
	session.Emit(agent.Event{Kind: agent.EventMessageStart, Role: agent.RoleAssistant})
	session.Emit(agent.Event{
		Kind: agent.EventMessageEnd, Role: agent.RoleAssistant,
		Text: "R2", StopReason: agent.StopReasonEnd,
	})

	session.Emit(agent.Event{Kind: agent.EventAgentEnd})

	selectOutcome := func(ch <-chan Outcome) Outcome {
		select {
		case o := <-ch:
			return o
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for outcome")
			return Outcome{}
		}
	}

	oa := selectOutcome(outA)
	require.NoError(t, oa.Err)
	require.Equal(t, "R1", oa.Result.Text)

	ob := selectOutcome(outB)
	require.NoError(t, ob.Err)
	require.Equal(t, "R2", ob.Result.Text)
}

func TestSubmit_NoAssistantResponseBeforeNextUserMessage(t *testing.T) {
	session := agent.NewFakeSession()
	c := New(session, nil)
	defer c.Dispose()

	out := c.Submit(newRun("A", "hello", persistence.DeliveryModeFollowUp))

	session.Emit(agent.Event{Kind: agent.EventMessageStart, Role: agent.RoleUser})
	// A second user message arrives before any assistant reply to A.
	session.Emit(agent.Event{Kind: agent.EventMessageStart, Role: agent.RoleUser})

	select {
	case o := <-out:
		require.Error(t, o.Err)
		require.Contains(t, o.Err.Error(), "no assistant response before next_user_message")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestSubmit_AssistantErrorStopReasonFailsRun(t *testing.T) {
	session := agent.NewFakeSession()
	c := New(session, nil)
	defer c.Dispose()

	out := c.Submit(newRun("A", "hello", persistence.DeliveryModeFollowUp))

	session.Emit(agent.Event{Kind: agent.EventMessageStart, Role: agent.RoleUser})
	session.Emit(agent.Event{Kind: agent.EventMessageStart, Role: agent.RoleAssistant})
	session.Emit(agent.Event{
		Kind: agent.EventMessageEnd, Role: agent.RoleAssistant,
		StopReason: agent.StopReasonError, ErrorMessage: "tool blew up",
	})
	session.Emit(agent.Event{Kind: agent.EventAgentEnd})

	select {
	case o := <-out:
		require.Error(t, o.Err)
		require.Equal(t, "tool blew up", o.Err.Error())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestSubmit_SteerUsedForSteerDeliveryModeWhileInFlight(t *testing.T) {
	session := agent.NewFakeSession()
	c := New(session, nil)
	defer c.Dispose()

	_ = c.Submit(newRun("A", "first", persistence.DeliveryModeFollowUp))
	_ = c.Submit(newRun("B", "interrupt", persistence.DeliveryModeSteer))

	require.Equal(t, []string{"first"}, session.Prompts)
	require.Equal(t, []string{"interrupt"}, session.Steers)
}

func TestDispose_RejectsPendingRuns(t *testing.T) {
	session := agent.NewFakeSession()
	c := New(session, nil)

	out := c.Submit(newRun("A", "hello", persistence.DeliveryModeFollowUp))
	c.Dispose()

	select {
	case o := <-out:
		require.Error(t, o.Err)
		require.Equal(t, "cancelled: controller disposed", o.Err.Error())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}

	out2 := c.Submit(newRun("B", "hello again", persistence.DeliveryModeFollowUp))
	select {
	case o := <-out2:
		require.Error(t, o.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}
