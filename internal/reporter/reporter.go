// Package reporter implements the Progress Reporter (C7): one reporter per
// visible run, reducing its progress-bus event stream into a single
// edit-in-place chat status message with rate limiting and archive overflow.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/chorerr"
	"github.com/chorushq/chorus/internal/config"
)

// Phase mirrors the run lifecycle the reporter renders against.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

const tickInterval = 100 * time.Millisecond
const maxTerminalAttempts = 3

// Route is an opaque, provider-specific delivery target handed back to the
// Client unchanged. Reporter never inspects it.
type Route any

// Client is the messenger-adapter collaborator this component renders
// through — send/edit/delete a chat message, and a typing indicator.
type Client interface {
	SendMessage(ctx context.Context, route Route, text string) (messageID string, err error)
	EditMessage(ctx context.Context, route Route, messageID, text string) error
	DeleteMessage(ctx context.Context, route Route, messageID string) error
	SendTyping(ctx context.Context, route Route) error
}

// ProgressSource is the subset of the Run Service this reporter subscribes
// through.
type ProgressSource interface {
	SubscribeRunProgress(runID string, listener bus.Listener, replay bool) (unsubscribe func())
}

type lineKind int

const (
	lineKindTool lineKind = iota
	lineKindThinking
)

type logLine struct {
	kind         lineKind
	toolCallID   string
	contentIndex *int
	raw          string // accumulated, untruncated (thinking lines only)
	text         string // rendered line, including its "> "/"~ " marker
}

// Reporter reduces one run's progress events into a single status message.
type Reporter struct {
	client      Client
	route       Route
	runID       string
	threadKey   string
	startupLine string
	cfg         config.ReporterConfig
	logger      *slog.Logger

	mu                  sync.Mutex
	phase               Phase
	everLogged          bool
	lines               []logLine
	pendingArchive      []string
	errorMessage        string
	toolStarts          map[string]time.Time
	messageID           string
	pendingRender       bool
	dirtyIsThinkingOnly bool
	lastEditAt          time.Time
	lastThinkingAt      time.Time
	deferEditUntil      time.Time
	deferTypingUntil    time.Time
	terminalAttempts    int
	stopped             bool

	unsubscribe func()
	done        chan struct{}
}

// New constructs a reporter for runID on threadKey, rendering through
// client at route. startupLine is shown until the first tool/thinking event.
func New(client Client, route Route, runID, threadKey, startupLine string, cfg config.ReporterConfig, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		client:      client,
		route:       route,
		runID:       runID,
		threadKey:   threadKey,
		startupLine: startupLine,
		cfg:         withDefaults(cfg),
		logger:      logger,
		phase:       PhaseQueued,
		toolStarts:  make(map[string]time.Time),
		done:        make(chan struct{}),
	}
}

func withDefaults(cfg config.ReporterConfig) config.ReporterConfig {
	if cfg.MinEditInterval <= 0 {
		cfg.MinEditInterval = 1500 * time.Millisecond
	}
	if cfg.MinThinkingInterval <= 0 {
		cfg.MinThinkingInterval = 1800 * time.Millisecond
	}
	if cfg.TypingHeartbeat <= 0 {
		cfg.TypingHeartbeat = 4000 * time.Millisecond
	}
	if cfg.MessageCharLimit <= 0 {
		cfg.MessageCharLimit = 3500
	}
	if cfg.ArchiveFlushThreshold <= 0 {
		cfg.ArchiveFlushThreshold = 1800
	}
	return cfg
}

// Start subscribes to runID's progress stream (with replay) and begins the
// render/typing-heartbeat loop. ctx cancellation stops the loop.
func (r *Reporter) Start(ctx context.Context, source ProgressSource) {
	r.unsubscribe = source.SubscribeRunProgress(r.runID, r.handleEvent, true)
	go r.loop(ctx)
}

// Stop tears down the subscription and lets the loop exit without a final
// render — used when the caller disposes the reporter early (e.g. shutdown).
func (r *Reporter) Stop() {
	r.mu.Lock()
	r.stopped = true
	unsub := r.unsubscribe
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Wait blocks until the render loop has exited.
func (r *Reporter) Wait() {
	<-r.done
}

func (r *Reporter) loop(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		unsub := r.unsubscribe
		r.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		close(r.done)
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	typingTicker := time.NewTicker(r.cfg.TypingHeartbeat)
	defer typingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-typingTicker.C:
			r.maybeSendTyping(ctx)
		case <-ticker.C:
			r.maybeFlushArchive(ctx)
			r.maybeFlush(ctx)
			if r.isStopped() {
				return
			}
		}
	}
}

func (r *Reporter) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// handleEvent is invoked synchronously by the progress bus; it must not
// perform I/O, only mutate render state.
func (r *Reporter) handleEvent(ev bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	switch ev.Kind {
	case bus.KindQueued:
		r.phase = PhaseQueued
	case bus.KindStarted:
		r.phase = PhaseRunning
		r.markDirtyLocked()
	case bus.KindAssistantThinkingDelta:
		r.appendOrCoalesceThinkingLocked(ev.Delta, ev.ContentIndex)
	case bus.KindToolExecutionStart:
		r.toolStarts[ev.ToolCallID] = ev.Timestamp
		r.appendLineLocked(logLine{
			kind:       lineKindTool,
			toolCallID: ev.ToolCallID,
			text:       "> " + summarizeTool(ev.ToolName, ev.Args),
		})
	case bus.KindToolExecutionEnd:
		r.completeToolLineLocked(ev)
	case bus.KindSucceeded:
		r.phase = PhaseSucceeded
		r.markDirtyLocked()
	case bus.KindFailed:
		r.phase = PhaseFailed
		r.errorMessage = ev.ErrorMessage
		r.markDirtyLocked()
	}
}

func (r *Reporter) markDirtyLocked() {
	r.pendingRender = true
	r.dirtyIsThinkingOnly = false
}

func (r *Reporter) appendLineLocked(l logLine) {
	r.lines = append(r.lines, l)
	r.everLogged = true
	r.markDirtyLocked()
	r.enforceOverflowLocked()
}

func (r *Reporter) appendOrCoalesceThinkingLocked(delta string, contentIndex *int) {
	if n := len(r.lines); n > 0 {
		last := &r.lines[n-1]
		if last.kind == lineKindThinking && last.contentIndex != nil && contentIndex != nil && *last.contentIndex == *contentIndex {
			last.raw += delta
			last.text = "~ " + truncate(last.raw, 220)
			r.everLogged = true
			r.pendingRender = true
			r.dirtyIsThinkingOnly = true
			r.lastThinkingAt = time.Now()
			r.enforceOverflowLocked()
			return
		}
	}
	r.lines = append(r.lines, logLine{
		kind:         lineKindThinking,
		contentIndex: contentIndex,
		raw:          delta,
		text:         "~ " + truncate(delta, 220),
	})
	r.everLogged = true
	r.pendingRender = true
	r.dirtyIsThinkingOnly = true
	r.lastThinkingAt = time.Now()
	r.enforceOverflowLocked()
}

func (r *Reporter) completeToolLineLocked(ev bus.Event) {
	var elapsed float64
	if started, ok := r.toolStarts[ev.ToolCallID]; ok {
		elapsed = ev.Timestamp.Sub(started).Seconds()
		delete(r.toolStarts, ev.ToolCallID)
	}
	status := fmt.Sprintf(" [✓] done (%.1fs)", elapsed)
	if ev.IsError {
		status = fmt.Sprintf(" [✗] failed (%.1fs)", elapsed)
	}

	for i := range r.lines {
		if r.lines[i].kind == lineKindTool && r.lines[i].toolCallID == ev.ToolCallID {
			r.lines[i].text += status
			r.markDirtyLocked()
			r.enforceOverflowLocked()
			return
		}
	}

	// The start line has already been archived away; append the completion
	// as a fresh line instead of rewriting in place.
	r.appendLineLocked(logLine{
		kind:       lineKindTool,
		toolCallID: ev.ToolCallID,
		text:       "> " + summarizeTool(ev.ToolName, ev.Args) + status,
	})
}

func (r *Reporter) enforceOverflowLocked() {
	for len(r.lines) > 0 && len(r.renderLocked()) > r.cfg.MessageCharLimit {
		archived := r.lines[0]
		r.lines = r.lines[1:]
		r.pendingArchive = append(r.pendingArchive, archived.text)
	}
}

func (r *Reporter) renderLocked() string {
	var parts []string
	if !r.everLogged {
		parts = append(parts, r.startupLine)
	} else {
		for _, l := range r.lines {
			parts = append(parts, l.text)
		}
	}
	body := strings.Join(parts, "\n")
	if r.phase == PhaseFailed {
		if body != "" {
			body += "\n"
		}
		body += "error: " + truncate(r.errorMessage, 300)
	}
	return body
}

func (r *Reporter) maybeSendTyping(ctx context.Context) {
	r.mu.Lock()
	if r.stopped || r.phase != PhaseRunning || time.Now().Before(r.deferTypingUntil) {
		r.mu.Unlock()
		return
	}
	route := r.route
	r.mu.Unlock()

	if err := r.client.SendTyping(ctx, route); err != nil {
		if after, ok := retryAfterOf(err); ok {
			r.mu.Lock()
			r.deferTypingUntil = time.Now().Add(after)
			r.mu.Unlock()
		}
	}
}

// maybeFlushArchive emits one or more "progress log (continued):" messages
// for the pending archive once it crosses the flush threshold (or is forced
// on a terminal phase), packing lines up to the message limit and retaining
// exactly the unsent suffix on partial failure.
func (r *Reporter) maybeFlushArchive(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	total := 0
	for _, l := range r.pendingArchive {
		total += len(l) + 1
	}
	force := r.phase == PhaseSucceeded || r.phase == PhaseFailed
	if total == 0 || (!force && total < r.cfg.ArchiveFlushThreshold) {
		r.mu.Unlock()
		return
	}
	pending := append([]string(nil), r.pendingArchive...)
	route := r.route
	r.mu.Unlock()

	chunks := packChunks(pending, r.cfg.MessageCharLimit)
	sent := 0
	for _, c := range chunks {
		if _, err := r.client.SendMessage(ctx, route, c.text); err != nil {
			r.logger.Warn("progress reporter archive flush failed", "run_id", r.runID, "error", err)
			break
		}
		sent += c.lineCount
	}

	r.mu.Lock()
	r.pendingArchive = r.pendingArchive[sent:]
	r.mu.Unlock()
}

// maybeFlush renders and sends/edits the status message, subject to the
// edit rate limit, unless the run has reached a terminal phase, in which
// case it performs the terminal housekeeping and stops the loop.
func (r *Reporter) maybeFlush(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}

	terminal := r.phase == PhaseSucceeded || r.phase == PhaseFailed
	if !terminal {
		if !r.pendingRender || time.Now().Before(r.deferEditUntil) || time.Since(r.lastEditAt) < r.cfg.MinEditInterval {
			r.mu.Unlock()
			return
		}
		if r.dirtyIsThinkingOnly && time.Since(r.lastThinkingAt) < r.cfg.MinThinkingInterval {
			r.mu.Unlock()
			return
		}
	} else if len(r.pendingArchive) > 0 {
		// Let the archive drain first so the terminal message doesn't race it.
		r.mu.Unlock()
		return
	}

	deleteOnly := terminal && r.phase == PhaseSucceeded && !r.everLogged
	body := r.renderLocked()
	messageID := r.messageID
	route := r.route
	r.pendingRender = false
	r.dirtyIsThinkingOnly = false
	r.mu.Unlock()

	var err error
	switch {
	case deleteOnly:
		if messageID != "" {
			err = r.client.DeleteMessage(ctx, route, messageID)
		}
	case messageID == "":
		var id string
		id, err = r.client.SendMessage(ctx, route, body)
		if err == nil {
			messageID = id
		}
	default:
		err = r.client.EditMessage(ctx, route, messageID, body)
		if err != nil && isMessageGone(err) {
			var id string
			id, err = r.client.SendMessage(ctx, route, body)
			if err == nil {
				messageID = id
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.logger.Warn("progress reporter render failed", "run_id", r.runID, "error", err)
		if after, ok := retryAfterOf(err); ok {
			r.deferEditUntil = time.Now().Add(after)
		}
		r.pendingRender = true
		if terminal {
			r.terminalAttempts++
			if r.terminalAttempts >= maxTerminalAttempts {
				r.stopped = true
			}
		}
		return
	}

	if deleteOnly {
		r.messageID = ""
	} else {
		r.messageID = messageID
	}
	r.lastEditAt = time.Now()
	if terminal {
		r.stopped = true
	}
}

func isMessageGone(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "message to edit not found") || strings.Contains(msg, "can't be edited")
}

func retryAfterOf(err error) (time.Duration, bool) {
	var e *chorerr.Error
	if errors.As(err, &e) && e.Kind == chorerr.KindUpstream && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}
