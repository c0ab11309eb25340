// Package controller implements the Thread Run Controller (C4): a state
// machine over one AgentSession that matches each submitted run to the
// session's next user-message/assistant-message boundary.
package controller

import (
	"fmt"
	"sync"
	"time"

	"github.com/chorushq/chorus/internal/agent"
	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/persistence"
)

// Result is what a resolved run produces.
type Result struct {
	Text     string
	Provider string
	Model    string
}

// Outcome is delivered exactly once on a run's result channel.
type Outcome struct {
	Result Result
	Err    error
}

type assistantCapture struct {
	text         string
	provider     string
	model        string
	stopReason   agent.StopReason
	errorMessage string
}

type pendingRun struct {
	run          persistence.Run
	delivered    bool
	active       bool
	lastAssistant *assistantCapture
	outcome      chan Outcome
}

// ProgressFunc receives a progress event pre-filled with Kind and
// kind-specific fields; the controller stamps RunID/ThreadKey/Source/
// DeliveryMode/Timestamp before calling it.
type ProgressFunc func(bus.Event)

// Controller is one per AgentSession (one per thread).
type Controller struct {
	mu          sync.Mutex
	session     agent.Session
	unsubscribe agent.Unsubscribe
	onProgress  ProgressFunc

	queue    []*pendingRun
	inFlight bool

	// queuedLifecycle holds turn_start/agent_start events seen before any
	// run is active, to be flushed once one becomes active.
	queuedLifecycle []func(*pendingRun)

	disposed bool
}

// New constructs a Controller bound to session, subscribing immediately.
func New(session agent.Session, onProgress ProgressFunc) *Controller {
	c := &Controller{session: session, onProgress: onProgress}
	c.unsubscribe = session.Subscribe(c.handleEvent)
	return c
}

// Submit enqueues run for dispatch against the session and returns a
// channel that receives exactly one Outcome.
func (c *Controller) Submit(run persistence.Run) <-chan Outcome {
	ch := make(chan Outcome, 1)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		ch <- Outcome{Err: fmt.Errorf("cancelled: controller disposed")}
		return ch
	}

	p := &pendingRun{run: run, outcome: ch}
	c.queue = append(c.queue, p)
	c.dispatchNextLocked()
	return ch
}

// dispatchNextLocked issues the session call for the just-enqueued run,
// per the dispatch rule in §4.4. Must be called with c.mu held.
func (c *Controller) dispatchNextLocked() {
	if len(c.queue) == 0 {
		return
	}
	p := c.queue[len(c.queue)-1]

	var err error
	switch {
	case !c.inFlight:
		err = c.session.Prompt(p.run.InputText)
		c.inFlight = true
	case p.run.DeliveryMode == persistence.DeliveryModeSteer:
		err = c.session.Steer(p.run.InputText)
	default:
		err = c.session.FollowUp(p.run.InputText)
	}

	if err != nil {
		c.removeFromQueueLocked(p)
		p.outcome <- Outcome{Err: fmt.Errorf("dispatch to agent session: %w", err)}
	}
}

func (c *Controller) removeFromQueueLocked(target *pendingRun) {
	out := c.queue[:0]
	for _, p := range c.queue {
		if p != target {
			out = append(out, p)
		}
	}
	c.queue = out
}

func (c *Controller) firstNonDeliveredLocked() *pendingRun {
	for _, p := range c.queue {
		if !p.delivered {
			return p
		}
	}
	return nil
}

func (c *Controller) activeLocked() *pendingRun {
	for _, p := range c.queue {
		if p.active {
			return p
		}
	}
	return nil
}

func (c *Controller) emit(run persistence.Run, fill func(*bus.Event)) {
	if c.onProgress == nil {
		return
	}
	ev := bus.Event{
		RunID:        run.RunID,
		ThreadKey:    run.ThreadKey,
		Source:       run.Source,
		DeliveryMode: string(run.DeliveryMode),
		Timestamp:    time.Now().UTC(),
	}
	fill(&ev)
	c.onProgress(ev)
}

func (c *Controller) handleEvent(ev agent.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case agent.EventMessageStart:
		if ev.Role == agent.RoleUser {
			if active := c.activeLocked(); active != nil {
				c.completeActiveLocked(active, "next_user_message")
			}
			p := c.firstNonDeliveredLocked()
			if p == nil {
				return
			}
			p.delivered = true
			p.active = true
			c.emit(p.run, func(e *bus.Event) { e.Kind = bus.KindDelivered })
		} else {
			c.flushQueuedLifecycleLocked()
		}

	case agent.EventMessageUpdate:
		active := c.activeLocked()
		if active == nil {
			return
		}
		if ev.DeltaKind == agent.DeltaKindThinking {
			c.emit(active.run, func(e *bus.Event) {
				e.Kind = bus.KindAssistantThinkingDelta
				e.Delta = ev.Delta
				e.ContentIndex = ev.ContentIndex
			})
		} else {
			c.emit(active.run, func(e *bus.Event) {
				e.Kind = bus.KindAssistantTextDelta
				e.Delta = ev.Delta
			})
		}

	case agent.EventMessageEnd:
		if ev.Role != agent.RoleAssistant {
			return
		}
		active := c.activeLocked()
		if active == nil {
			return
		}
		active.lastAssistant = &assistantCapture{
			text: ev.Text, provider: ev.Provider, model: ev.Model,
			stopReason: ev.StopReason, errorMessage: ev.ErrorMessage,
		}

	case agent.EventToolExecStart:
		if active := c.activeLocked(); active != nil {
			c.emit(active.run, func(e *bus.Event) {
				e.Kind = bus.KindToolExecutionStart
				e.ToolCallID, e.ToolName, e.Args = ev.ToolCallID, ev.ToolName, ev.Args
			})
		}
	case agent.EventToolExecUpdate:
		if active := c.activeLocked(); active != nil {
			c.emit(active.run, func(e *bus.Event) {
				e.Kind = bus.KindToolExecutionUpdate
				e.ToolCallID, e.ToolName, e.PartialResult = ev.ToolCallID, ev.ToolName, ev.PartialResult
			})
		}
	case agent.EventToolExecEnd:
		if active := c.activeLocked(); active != nil {
			c.emit(active.run, func(e *bus.Event) {
				e.Kind = bus.KindToolExecutionEnd
				e.ToolCallID, e.ToolName, e.Result, e.IsError = ev.ToolCallID, ev.ToolName, ev.Result, ev.IsError
			})
		}

	case agent.EventTurnStart, agent.EventAgentStart:
		kind := bus.KindTurnStart
		if ev.Kind == agent.EventAgentStart {
			kind = bus.KindAgentStart
		}
		if active := c.activeLocked(); active != nil {
			c.emit(active.run, func(e *bus.Event) { e.Kind = kind })
		} else {
			c.queuedLifecycle = append(c.queuedLifecycle, func(p *pendingRun) {
				c.emit(p.run, func(e *bus.Event) { e.Kind = kind })
			})
		}

	case agent.EventTurnEnd:
		if active := c.activeLocked(); active != nil {
			c.emit(active.run, func(e *bus.Event) {
				e.Kind = bus.KindTurnEnd
				e.ToolResultCount = ev.ToolResultCount
			})
		}

	case agent.EventAgentEnd:
		c.inFlight = false
		// agent_end is thread-scoped, not run-scoped: emit against the
		// active run if one exists, purely as an observability signal.
		if active := c.activeLocked(); active != nil {
			c.emit(active.run, func(e *bus.Event) { e.Kind = bus.KindAgentEnd })
			c.completeActiveLocked(active, "agent_end")
		}
		for _, p := range c.queue {
			if !p.active {
				c.failLocked(p, "agent ended before message delivery")
			}
		}
		c.queue = c.queue[:0]
		c.queuedLifecycle = nil
	}
}

func (c *Controller) flushQueuedLifecycleLocked() {
	active := c.activeLocked()
	if active == nil || len(c.queuedLifecycle) == 0 {
		return
	}
	pending := c.queuedLifecycle
	c.queuedLifecycle = nil
	for _, fn := range pending {
		fn(active)
	}
}

// completeActiveLocked resolves or fails the active record per §4.4, then
// removes it from the queue.
func (c *Controller) completeActiveLocked(p *pendingRun, trigger string) {
	defer c.removeFromQueueLocked(p)

	if p.lastAssistant == nil {
		c.failLocked(p, fmt.Sprintf("no assistant response before %s", trigger))
		return
	}
	la := p.lastAssistant
	if la.stopReason == agent.StopReasonError || la.stopReason == agent.StopReasonAborted {
		msg := la.errorMessage
		if msg == "" {
			msg = fmt.Sprintf("assistant stopped with %s", la.stopReason)
		}
		c.failLocked(p, msg)
		return
	}
	p.outcome <- Outcome{Result: Result{Text: la.text, Provider: la.provider, Model: la.model}}
}

func (c *Controller) failLocked(p *pendingRun, msg string) {
	c.removeFromQueueLocked(p)
	p.outcome <- Outcome{Err: fmt.Errorf("%s", msg)}
}

// Dispose unsubscribes from the session and rejects all still-pending runs.
func (c *Controller) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.disposed = true
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	for _, p := range c.queue {
		p.outcome <- Outcome{Err: fmt.Errorf("cancelled: controller disposed")}
	}
	c.queue = nil
}
