// Package runservice implements the Run Service (C5): the façade that
// ties the Run Store, Run Scheduler, and Run Executor together, and owns
// the progress bus.
package runservice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chorushq/chorus/internal/audit"
	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/chorerr"
	"github.com/chorushq/chorus/internal/persistence"
	"github.com/chorushq/chorus/internal/runexec"
	"github.com/chorushq/chorus/internal/runqueue"
	"github.com/chorushq/chorus/internal/shared"
)

const recoveryInterval = 15 * time.Second
const recoveryBatchSize = 200

// Service is the Run Service (C5).
type Service struct {
	store  *persistence.Store
	bus    *bus.Bus
	exec   *runexec.Executor
	queue  *runqueue.Queue
	logger *slog.Logger

	recoveryInterval time.Duration

	mu         sync.Mutex
	inFlight   map[string]chan struct{} // runID -> closed when dispatch completes
	cancelled  map[string]struct{}      // runIDs cancelled before/while queued

	stopRecovery chan struct{}
	recoveryWG   sync.WaitGroup
	startOnce    sync.Once
	started      bool
}

// New constructs the Run Service. Call Init to start it.
func New(store *persistence.Store, b *bus.Bus, exec *runexec.Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:            store,
		bus:              b,
		exec:             exec,
		logger:           logger,
		recoveryInterval: recoveryInterval,
		inFlight:         make(map[string]chan struct{}),
		cancelled:        make(map[string]struct{}),
	}
	s.queue = runqueue.New(dispatcherFunc(s.dispatch), logger)
	return s
}

type dispatcherFunc func(ctx context.Context, runID, threadKey string)

func (f dispatcherFunc) Dispatch(ctx context.Context, runID, threadKey string) { f(ctx, runID, threadKey) }

// Init implements the C5 lifecycle: store.init (already opened by caller) ->
// scheduler.start -> first recovery pass -> periodic recovery every 15s.
func (s *Service) Init(ctx context.Context) error {
	var initErr error
	s.startOnce.Do(func() {
		s.queue.Start(ctx)
		s.stopRecovery = make(chan struct{})
		if err := s.recover(ctx); err != nil {
			initErr = err
			return
		}
		s.started = true
		s.recoveryWG.Add(1)
		go s.recoveryLoop(ctx)
	})
	return initErr
}

// Shutdown stops the recovery timer, awaits any in-flight recovery, stops
// the scheduler (draining in-flight dispatches), and awaits completion of
// any still-running dispatch futures it was tracking.
func (s *Service) Shutdown() {
	if !s.started {
		return
	}
	close(s.stopRecovery)
	s.recoveryWG.Wait()
	s.queue.Stop()
}

func (s *Service) recoveryLoop(ctx context.Context) {
	defer s.recoveryWG.Done()
	ticker := time.NewTicker(s.recoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopRecovery:
			return
		case <-ticker.C:
			if err := s.recover(ctx); err != nil {
				s.logger.Error("run recovery pass failed", "error", err)
			}
		}
	}
}

// recover re-enqueues every run still `running` in the store — the
// crash-safety half of the Run Scheduler's enqueue guarantee.
func (s *Service) recover(ctx context.Context) error {
	runs, err := s.store.ListRunningRuns(ctx, recoveryBatchSize)
	if err != nil {
		return err
	}
	for _, r := range runs {
		s.queue.EnsureEnqueued(r.RunID, r.ThreadKey)
	}
	return nil
}

// IngestMessage implements ingestMessage: createRun (dedup) then enqueue.
func (s *Service) IngestMessage(ctx context.Context, req persistence.IngestRequest) (persistence.CreateRunResult, error) {
	result, err := s.store.CreateRun(ctx, req)
	if err != nil {
		return persistence.CreateRunResult{}, err
	}
	if !result.Deduplicated {
		s.bus.Publish(bus.Event{
			RunID: result.Run.RunID, ThreadKey: result.Run.ThreadKey,
			Source: result.Run.Source, DeliveryMode: string(result.Run.DeliveryMode),
			Kind: bus.KindQueued, Timestamp: time.Now().UTC(),
		})
		audit.Record(ctx, result.Run.RunID, "run.queued", string(result.Run.DeliveryMode))
	}
	s.queue.Enqueue(result.Run.RunID, result.Run.ThreadKey)
	return result, nil
}

// GetRun implements getRun.
func (s *Service) GetRun(ctx context.Context, runID string) (persistence.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// SubscribeRunProgress implements subscribeRunProgress.
func (s *Service) SubscribeRunProgress(runID string, listener bus.Listener, replay bool) (unsubscribe func()) {
	return s.bus.Subscribe(runID, listener, bus.SubscribeOptions{Replay: replay})
}

// ResetThreadSession implements resetThreadSession.
func (s *Service) ResetThreadSession(ctx context.Context, threadKey string) error {
	return s.exec.ResetThreadSession(ctx, threadKey)
}

// InFlight reports whether threadKey currently has a run dispatched and
// executing — adapters use this to decide steer vs. followUp for a new
// inbound message on an already-active thread.
func (s *Service) InFlight(threadKey string) bool {
	return s.queue.InFlight(threadKey) != ""
}

// CancelRun implements cancelRun. A run still sitting in the scheduler
// queue (not yet dispatched) is marked cancelled so dispatch skips it and
// the run transitions straight to failed; a run already executing cannot
// be interrupted through the AgentSession contract, so the call instead
// rejects immediately with "cancelled by user" while execution finishes
// in the background and is then marked failed the same way.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	_, dispatching := s.inFlight[runID]
	s.cancelled[runID] = struct{}{}
	s.mu.Unlock()

	if dispatching {
		return chorerr.Conflict("cancelled by user")
	}
	return s.failCancelled(ctx, runID)
}

func (s *Service) failCancelled(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != persistence.RunStatusRunning {
		return nil
	}
	if err := s.store.MarkFailed(ctx, runID, "cancelled by user"); err != nil {
		if chorerr.Is(err, chorerr.KindConflict) {
			return nil
		}
		return err
	}
	s.bus.Publish(bus.Event{
		RunID: run.RunID, ThreadKey: run.ThreadKey, Source: run.Source,
		DeliveryMode: string(run.DeliveryMode), Kind: bus.KindFailed,
		ErrorMessage: "cancelled by user", Timestamp: time.Now().UTC(),
	})
	audit.Record(ctx, run.RunID, "run.cancelled", "")
	return nil
}

// dispatch is the runqueue.Dispatcher: it loads the run, executes it
// (executeLoadedRun), and persists the terminal outcome.
func (s *Service) dispatch(ctx context.Context, runID, threadKey string) {
	done := make(chan struct{})
	s.mu.Lock()
	s.inFlight[runID] = done
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, runID)
		delete(s.cancelled, runID)
		close(done)
		s.mu.Unlock()
	}()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		s.logger.Error("dispatch: load run failed", "run_id", runID, "error", err)
		return
	}
	if run.Status != persistence.RunStatusRunning {
		return // already terminal (e.g. recovered twice); nothing to do.
	}

	s.mu.Lock()
	_, cancelledBeforeStart := s.cancelled[runID]
	s.mu.Unlock()
	if cancelledBeforeStart {
		_ = s.failCancelled(ctx, runID)
		return
	}

	ctx = shared.WithRunID(ctx, runID)
	s.executeLoadedRun(ctx, run)
}

// executeLoadedRun implements §4.5's executeLoadedRun.
func (s *Service) executeLoadedRun(ctx context.Context, run persistence.Run) {
	s.bus.Publish(bus.Event{
		RunID: run.RunID, ThreadKey: run.ThreadKey, Source: run.Source,
		DeliveryMode: string(run.DeliveryMode), Kind: bus.KindStarted, Timestamp: time.Now().UTC(),
	})

	outcome := s.exec.Execute(ctx, run)

	s.mu.Lock()
	_, cancelled := s.cancelled[run.RunID]
	s.mu.Unlock()
	if cancelled {
		_ = s.failCancelled(ctx, run.RunID)
		return
	}

	if outcome.Err != nil {
		if err := s.store.MarkFailed(ctx, run.RunID, outcome.Err.Error()); err != nil && !chorerr.Is(err, chorerr.KindConflict) {
			s.logger.Error("mark run failed", "run_id", run.RunID, "error", err)
		}
		s.bus.Publish(bus.Event{
			RunID: run.RunID, ThreadKey: run.ThreadKey, Source: run.Source,
			DeliveryMode: string(run.DeliveryMode), Kind: bus.KindFailed,
			ErrorMessage: outcome.Err.Error(), Timestamp: time.Now().UTC(),
		})
		audit.Record(ctx, run.RunID, "run.failed", outcome.Err.Error())
		return
	}

	if err := s.store.MarkSucceeded(ctx, run.RunID, outcome.Result.Text); err != nil && !chorerr.Is(err, chorerr.KindConflict) {
		s.logger.Error("mark run succeeded", "run_id", run.RunID, "error", err)
	}
	s.bus.Publish(bus.Event{
		RunID: run.RunID, ThreadKey: run.ThreadKey, Source: run.Source,
		DeliveryMode: string(run.DeliveryMode), Kind: bus.KindSucceeded,
		Output: outcome.Result.Text, Timestamp: time.Now().UTC(),
	})
	audit.Record(ctx, run.RunID, "run.succeeded", "")
}
