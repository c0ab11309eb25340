// Package runqueue implements the Run Scheduler (C2): an in-process,
// per-thread FIFO queue plus in-flight set guaranteeing at most one
// concurrent run per thread key, with crash-safe re-enqueue on restart.
package runqueue

import (
	"context"
	"log/slog"
	"sync"
)

// Dispatcher executes one run to completion. The Run Service supplies this;
// the queue never inspects the run beyond its ID and thread key.
type Dispatcher interface {
	Dispatch(ctx context.Context, runID, threadKey string)
}

type threadState struct {
	queue     []string
	inFlight  string // runID currently executing for this thread, "" if idle
}

// Queue is the per-thread FIFO run scheduler.
type Queue struct {
	mu      sync.Mutex
	threads map[string]*threadState
	known   map[string]struct{} // runID -> present (queued or in-flight), dedup guard

	dispatcher Dispatcher
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	stopped bool
}

// New constructs a Queue. Start must be called before enqueue dispatches.
func New(dispatcher Dispatcher, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		threads:    make(map[string]*threadState),
		known:      make(map[string]struct{}),
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Start makes the queue ready to dispatch. Safe to call once.
func (q *Queue) Start(ctx context.Context) {
	q.once.Do(func() {
		q.ctx, q.cancel = context.WithCancel(ctx)
	})
}

// Stop drains all in-flight dispatches (waits for Dispatcher.Dispatch calls
// already issued to return) and prevents further dispatch.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds runID to threadKey's queue. Idempotent w.r.t. runID: a runID
// already queued or in-flight anywhere is a no-op.
func (q *Queue) Enqueue(runID, threadKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(runID, threadKey)
}

// EnsureEnqueued is Enqueue with identical semantics; named separately to
// mirror the crash-recovery call site where the caller doesn't know whether
// the run was already queued before a restart.
func (q *Queue) EnsureEnqueued(runID, threadKey string) {
	q.Enqueue(runID, threadKey)
}

func (q *Queue) enqueueLocked(runID, threadKey string) {
	if q.stopped {
		return
	}
	if _, ok := q.known[runID]; ok {
		return
	}
	q.known[runID] = struct{}{}

	ts, ok := q.threads[threadKey]
	if !ok {
		ts = &threadState{}
		q.threads[threadKey] = ts
	}
	ts.queue = append(ts.queue, runID)
	q.maybeDispatchLocked(threadKey)
}

func (q *Queue) maybeDispatchLocked(threadKey string) {
	ts, ok := q.threads[threadKey]
	if !ok || ts.inFlight != "" || len(ts.queue) == 0 {
		return
	}
	runID := ts.queue[0]
	ts.queue = ts.queue[1:]
	ts.inFlight = runID

	if q.ctx == nil {
		// Start was never called; this shouldn't happen in practice, but
		// dispatching without a context would panic the dispatcher.
		q.logger.Error("runqueue dispatch attempted before Start", "run_id", runID)
		ts.inFlight = ""
		return
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.dispatcher.Dispatch(q.ctx, runID, threadKey)
		q.complete(runID, threadKey)
	}()
}

// complete marks runID finished for threadKey, removes it from the known
// set, and dispatches the next queued run for that thread, if any.
func (q *Queue) complete(runID, threadKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.known, runID)
	ts, ok := q.threads[threadKey]
	if !ok {
		return
	}
	if ts.inFlight == runID {
		ts.inFlight = ""
	}
	if len(ts.queue) == 0 && ts.inFlight == "" {
		delete(q.threads, threadKey)
		return
	}
	q.maybeDispatchLocked(threadKey)
}

// InFlight reports the runID currently executing for threadKey, or "" if
// the thread is idle. Exposed for tests and diagnostics.
func (q *Queue) InFlight(threadKey string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ts, ok := q.threads[threadKey]; ok {
		return ts.inFlight
	}
	return ""
}
