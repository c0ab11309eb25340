// Package runexec implements the Run Executor (C3): for each incoming run
// it resolves or creates the AgentSession for the run's thread, ensures a
// Thread Run Controller (C4) exists for that session, submits the run, and
// streams the resulting progress events onto the run bus.
package runexec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chorushq/chorus/internal/agent"
	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/chorerr"
	"github.com/chorushq/chorus/internal/controller"
	"github.com/chorushq/chorus/internal/persistence"
)

// Executor resolves sessions/controllers per thread and runs submitted
// Runs against them. The Run Service wraps Execute in its runqueue.Dispatcher.
type Executor struct {
	store   *persistence.Store
	bus     *bus.Bus
	factory agent.Factory
	logger  *slog.Logger

	mu          sync.Mutex
	sessions    map[string]agent.Session       // threadKey -> session
	controllers map[string]*controller.Controller // threadKey -> controller
}

// New constructs an Executor. factory creates/resumes an AgentSession given
// a thread key and an optional existing session pointer.
func New(store *persistence.Store, b *bus.Bus, factory agent.Factory, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:       store,
		bus:         b,
		factory:     factory,
		logger:      logger,
		sessions:    make(map[string]agent.Session),
		controllers: make(map[string]*controller.Controller),
	}
}

// Execute runs run to completion (or failure) synchronously, returning the
// resolved controller.Outcome. It does not persist the run's terminal state;
// the Run Service's dispatch path does that.
func (e *Executor) Execute(ctx context.Context, run persistence.Run) controller.Outcome {
	ctrl, err := e.controllerFor(ctx, run.ThreadKey)
	if err != nil {
		return controller.Outcome{Err: chorerr.Internal("resolve agent session", err)}
	}
	select {
	case outcome := <-ctrl.Submit(run):
		return outcome
	case <-ctx.Done():
		return controller.Outcome{Err: ctx.Err()}
	}
}

// controllerFor returns the existing controller for threadKey, or resolves
// (creating if necessary) the AgentSession and a fresh controller over it.
func (e *Executor) controllerFor(ctx context.Context, threadKey string) (*controller.Controller, error) {
	e.mu.Lock()
	if ctrl, ok := e.controllers[threadKey]; ok {
		e.mu.Unlock()
		return ctrl, nil
	}
	e.mu.Unlock()

	existing, found, err := e.store.GetThreadSession(ctx, threadKey)
	if err != nil {
		return nil, err
	}
	sessionID, sessionFilePath := "", ""
	if found {
		sessionID, sessionFilePath = existing.SessionID, existing.SessionFilePath
	}

	session, newSessionID, newSessionFilePath, err := e.factory(threadKey, sessionID, sessionFilePath)
	if err != nil {
		return nil, fmt.Errorf("create agent session: %w", err)
	}

	if !found {
		if _, err := e.store.UpsertThreadSession(ctx, threadKey, newSessionID, newSessionFilePath); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ctrl, ok := e.controllers[threadKey]; ok {
		// Lost the race against a concurrent resolve; keep the winner.
		return ctrl, nil
	}
	ctrl := controller.New(session, func(ev bus.Event) { e.bus.Publish(ev) })
	e.sessions[threadKey] = session
	e.controllers[threadKey] = ctrl
	return ctrl, nil
}

// ResetThreadSession tears down the in-memory session/controller for
// threadKey (if any) and clears its persisted session pointer.
func (e *Executor) ResetThreadSession(ctx context.Context, threadKey string) error {
	e.mu.Lock()
	if ctrl, ok := e.controllers[threadKey]; ok {
		ctrl.Dispose()
	}
	delete(e.controllers, threadKey)
	delete(e.sessions, threadKey)
	e.mu.Unlock()

	return e.store.DeleteThreadSession(ctx, threadKey)
}
