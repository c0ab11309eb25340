package reporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/chorerr"
	"github.com/chorushq/chorus/internal/config"
)

type fakeClient struct {
	mu            sync.Mutex
	sendCalls     int
	failOnSend    int // 1-indexed call number to fail, 0 disables
	sent          []string
	edits         []string
	deletes       []string
	typingCount   int
	nextMessageID int
}

func (f *fakeClient) SendMessage(ctx context.Context, route Route, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.failOnSend != 0 && f.sendCalls == f.failOnSend {
		return "", errors.New("upstream send failed")
	}
	f.nextMessageID++
	f.sent = append(f.sent, text)
	return fmt.Sprintf("msg-%d", f.nextMessageID), nil
}

func (f *fakeClient) EditMessage(ctx context.Context, route Route, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeClient) DeleteMessage(ctx context.Context, route Route, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, messageID)
	return nil
}

func (f *fakeClient) SendTyping(ctx context.Context, route Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingCount++
	return nil
}

func (f *fakeClient) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type busSource struct{ b *bus.Bus }

func (s busSource) SubscribeRunProgress(runID string, listener bus.Listener, replay bool) func() {
	return s.b.Subscribe(runID, listener, bus.SubscribeOptions{Replay: replay})
}

func TestSummarizeTool_PathArgRendersLiteral(t *testing.T) {
	got := summarizeTool("read", map[string]any{"path": "/tmp/__pycache__/module.py"})
	require.Equal(t, "read path=/tmp/__pycache__/module.py", got)
}

func TestReporter_ToolStartLineMatchesLiteral(t *testing.T) {
	b := bus.New(bus.Config{})
	client := &fakeClient{}
	r := New(client, "route", "run-1", "cli:default", "working…", config.ReporterConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx, busSource{b})

	b.Publish(bus.Event{RunID: "run-1", Kind: bus.KindStarted})
	b.Publish(bus.Event{
		RunID: "run-1", Kind: bus.KindToolExecutionStart,
		ToolCallID: "t1", ToolName: "read",
		Args: map[string]any{"path": "/tmp/__pycache__/module.py"},
	})

	require.Eventually(t, func() bool {
		return client.lastSent() == "> read path=/tmp/__pycache__/module.py"
	}, time.Second, 10*time.Millisecond)
}

func TestReporter_ToolEndRewritesLineInPlace(t *testing.T) {
	b := bus.New(bus.Config{})
	client := &fakeClient{}
	r := New(client, "route", "run-2", "cli:default", "working…", config.ReporterConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx, busSource{b})

	start := time.Now()
	b.Publish(bus.Event{RunID: "run-2", Kind: bus.KindStarted, Timestamp: start})
	b.Publish(bus.Event{
		RunID: "run-2", Kind: bus.KindToolExecutionStart, Timestamp: start,
		ToolCallID: "t1", ToolName: "read", Args: map[string]any{"path": "/a.py"},
	})
	require.Eventually(t, func() bool {
		return client.lastSent() == "> read path=/a.py"
	}, time.Second, 10*time.Millisecond)

	time.Sleep(1600 * time.Millisecond) // clear the edit rate limit window
	b.Publish(bus.Event{
		RunID: "run-2", Kind: bus.KindToolExecutionEnd, Timestamp: start.Add(2 * time.Second),
		ToolCallID: "t1", ToolName: "read",
	})

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.edits) > 0 && client.edits[len(client.edits)-1] == "> read path=/a.py [✓] done (2.0s)"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReporter_ThinkingDeltaCoalesceAndBreakOnIntervening(t *testing.T) {
	r := New(&fakeClient{}, "route", "run-3", "cli:default", "working…", config.ReporterConfig{}, nil)

	idx0 := 0
	r.handleEvent(bus.Event{Kind: bus.KindAssistantThinkingDelta, Delta: "think", ContentIndex: &idx0})
	require.Len(t, r.lines, 1)

	r.handleEvent(bus.Event{Kind: bus.KindAssistantThinkingDelta, Delta: "ing", ContentIndex: &idx0})
	require.Len(t, r.lines, 1)
	require.Equal(t, "~ thinking", r.lines[0].text)

	r.handleEvent(bus.Event{Kind: bus.KindToolExecutionStart, ToolCallID: "t1", ToolName: "ls"})
	require.Len(t, r.lines, 2)

	r.handleEvent(bus.Event{Kind: bus.KindAssistantThinkingDelta, Delta: "more", ContentIndex: &idx0})
	require.Len(t, r.lines, 3)
}

func TestReporter_EmptyLogDeletesStatusMessageOnSuccess(t *testing.T) {
	b := bus.New(bus.Config{})
	client := &fakeClient{}
	r := New(client, "route", "run-4", "cli:default", "working…", config.ReporterConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx, busSource{b})

	b.Publish(bus.Event{RunID: "run-4", Kind: bus.KindStarted})
	require.Eventually(t, func() bool { return client.lastSent() == "working…" }, time.Second, 10*time.Millisecond)

	b.Publish(bus.Event{RunID: "run-4", Kind: bus.KindSucceeded})
	r.Wait()

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.sent, 1)
	require.Len(t, client.deletes, 1)
	require.Empty(t, client.edits)
}

func TestReporter_FailedRendersErrorLine(t *testing.T) {
	b := bus.New(bus.Config{})
	client := &fakeClient{}
	r := New(client, "route", "run-5", "cli:default", "working…", config.ReporterConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx, busSource{b})

	b.Publish(bus.Event{RunID: "run-5", Kind: bus.KindStarted})
	b.Publish(bus.Event{RunID: "run-5", Kind: bus.KindToolExecutionStart, ToolCallID: "t1", ToolName: "ls"})
	b.Publish(bus.Event{RunID: "run-5", Kind: bus.KindFailed, ErrorMessage: "boom"})
	r.Wait()

	client.mu.Lock()
	defer client.mu.Unlock()
	// All three events land before the first render tick, so the terminal
	// render is the status message's first send.
	require.NotEmpty(t, client.sent)
	require.Equal(t, "> ls\nerror: boom", client.sent[len(client.sent)-1])
}

func TestMaybeFlushArchive_PartialFailureRetainsUnsentSuffix(t *testing.T) {
	client := &fakeClient{failOnSend: 2}
	r := New(client, "route", "run-6", "cli:default", "working…", config.ReporterConfig{}, nil)
	r.cfg.MessageCharLimit = 60
	r.cfg.ArchiveFlushThreshold = 1
	r.phase = PhaseFailed // force flushing regardless of threshold

	for i := 0; i < 8; i++ {
		r.pendingArchive = append(r.pendingArchive, fmt.Sprintf("line-%d", i))
	}

	ctx := context.Background()
	r.maybeFlushArchive(ctx)

	require.Len(t, client.sent, 1)
	require.Equal(t, "progress log (continued):\nline-0\nline-1\nline-2\nline-3\nline-4", client.sent[0])
	require.Equal(t, []string{"line-5", "line-6", "line-7"}, r.pendingArchive)

	client.failOnSend = 0
	r.maybeFlushArchive(ctx)

	require.Len(t, client.sent, 2)
	require.Equal(t, "progress log (continued):\nline-5\nline-6\nline-7", client.sent[1])
	require.Empty(t, r.pendingArchive)
}

func TestRetryAfterOf_UpstreamErrorDefersEdit(t *testing.T) {
	err := chorerr.Upstream("rate limited", nil)
	err.(*chorerr.Error).RetryAfter = 5 * time.Second
	after, ok := retryAfterOf(err)
	require.True(t, ok)
	require.Equal(t, 5*time.Second, after)
}

func TestIsMessageGone_MatchesKnownStrings(t *testing.T) {
	require.True(t, isMessageGone(errors.New("message to edit not found")))
	require.True(t, isMessageGone(errors.New("bad request: can't be edited")))
	require.False(t, isMessageGone(errors.New("connection reset")))
}
