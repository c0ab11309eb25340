// Package tasks implements the Scheduled-Task Service (C6): a tick loop
// that advances once/cron/rrule schedules and dispatches due occurrences
// through the Run Service with exactly-once-per-instant delivery.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chorushq/chorus/internal/bus"
	"github.com/chorushq/chorus/internal/chorerr"
	"github.com/chorushq/chorus/internal/persistence"
)

const (
	tickInterval    = 5 * time.Second
	dueBatchSize    = 20
	resumeBatchSize = 200
)

// RunIngester is the narrow slice of the Run Service this package consumes.
type RunIngester interface {
	IngestMessage(ctx context.Context, req persistence.IngestRequest) (persistence.CreateRunResult, error)
	GetRun(ctx context.Context, runID string) (persistence.Run, error)
	SubscribeRunProgress(runID string, listener bus.Listener, replay bool) (unsubscribe func())
}

// Config configures the Scheduled-Task Service.
type Config struct {
	Store        *persistence.Store
	RunService   RunIngester
	Bridges      map[string]MessengerBridge // provider -> bridge; "telegram" etc.
	Logger       *slog.Logger
	TickInterval time.Duration
}

// Service is the Scheduled-Task Service (C6).
type Service struct {
	store      *persistence.Store
	runService RunIngester
	bridges    map[string]MessengerBridge
	logger     *slog.Logger
	interval   time.Duration

	inFlight atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs the Scheduled-Task Service.
func New(cfg Config) *Service {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = tickInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bridges := cfg.Bridges
	if bridges == nil {
		bridges = map[string]MessengerBridge{}
	}
	return &Service{
		store:      cfg.Store,
		runService: cfg.RunService,
		bridges:    bridges,
		logger:     logger,
		interval:   interval,
	}
}

// Start begins the tick loop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the tick loop and waits for any in-flight tick to finish.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one tick's three passes; a tick already in flight is skipped —
// the service never overlaps itself.
func (s *Service) Tick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.inFlight.Store(false)

	now := time.Now().UTC()
	if err := s.processDueTasks(ctx, now); err != nil {
		s.logger.Error("process due tasks", "error", err)
	}
	if err := s.resumePendingOccurrences(ctx); err != nil {
		s.logger.Error("resume pending occurrences", "error", err)
	}
	if err := s.reconcileDispatchedOccurrences(ctx); err != nil {
		s.logger.Error("reconcile dispatched occurrences", "error", err)
	}
}

// processDueTasks is pass (a).
func (s *Service) processDueTasks(ctx context.Context, now time.Time) error {
	due, err := s.store.ListDueTasks(ctx, now, dueBatchSize)
	if err != nil {
		return err
	}
	for _, t := range due {
		s.processDueTask(ctx, t, now)
	}
	return nil
}

func (s *Service) processDueTask(ctx context.Context, t persistence.ScheduledTask, now time.Time) {
	scheduledFor := now
	if t.NextRunAt != nil {
		scheduledFor = *t.NextRunAt
	}
	idemKey := persistence.IdempotencyKeyForOccurrence(t.TaskID, scheduledFor)

	occ, err := s.store.CreateOrGetTaskRun(ctx, t.TaskID, scheduledFor, idemKey)
	if err != nil {
		s.logger.Error("create task run", "task_id", t.TaskID, "error", err)
		return
	}

	enabled, nextRunAt, err := nextRunAfterOccurrence(t, time.Now().UTC())
	if err != nil {
		s.logger.Error("compute next run", "task_id", t.TaskID, "error", err)
		enabled, nextRunAt = false, nil
	}
	if err := s.store.AdvanceTaskAfterOccurrence(ctx, t.TaskID, enabled, nextRunAt); err != nil {
		s.logger.Error("advance task after occurrence", "task_id", t.TaskID, "error", err)
		return
	}

	t, ensureErr := s.ensureExecutionThread(ctx, t)
	if ensureErr != nil {
		if markErr := s.store.MarkTaskRunTerminal(ctx, occ.TaskRunID, persistence.TaskRunFailed, ensureErr.Error()); markErr != nil {
			s.logger.Error("mark occurrence failed after ensure-thread failure", "task_run_id", occ.TaskRunID, "error", markErr)
		}
		return
	}

	occ, err = s.store.GetTaskRun(ctx, occ.TaskRunID)
	if err != nil {
		s.logger.Error("reload occurrence", "task_run_id", occ.TaskRunID, "error", err)
		return
	}
	if occ.Status == persistence.TaskRunPending {
		s.dispatch(ctx, t, occ)
	}
}

// resumePendingOccurrences is pass (b): covers crashes between createOrGetTaskRun
// and dispatch.
func (s *Service) resumePendingOccurrences(ctx context.Context) error {
	pending, err := s.store.ListTaskRunsByStatuses(ctx, []persistence.TaskRunStatus{persistence.TaskRunPending}, resumeBatchSize)
	if err != nil {
		return err
	}
	for _, occ := range pending {
		t, err := s.store.GetTask(ctx, occ.TaskID)
		if err != nil {
			s.logger.Error("load task for pending occurrence", "task_run_id", occ.TaskRunID, "error", err)
			continue
		}
		t, err = s.ensureExecutionThread(ctx, t)
		if err != nil {
			if markErr := s.store.MarkTaskRunTerminal(ctx, occ.TaskRunID, persistence.TaskRunFailed, err.Error()); markErr != nil {
				s.logger.Error("mark occurrence failed", "task_run_id", occ.TaskRunID, "error", markErr)
			}
			continue
		}
		s.dispatch(ctx, t, occ)
	}
	return nil
}

// reconcileDispatchedOccurrences is pass (c).
func (s *Service) reconcileDispatchedOccurrences(ctx context.Context) error {
	dispatched, err := s.store.ListTaskRunsByStatuses(ctx, []persistence.TaskRunStatus{persistence.TaskRunDispatched}, resumeBatchSize)
	if err != nil {
		return err
	}
	for _, occ := range dispatched {
		if occ.RunID == "" {
			if err := s.store.MarkTaskRunTerminal(ctx, occ.TaskRunID, persistence.TaskRunFailed, "dispatched occurrence missing run_id"); err != nil {
				s.logger.Error("mark occurrence failed", "task_run_id", occ.TaskRunID, "error", err)
			}
			continue
		}
		run, err := s.runService.GetRun(ctx, occ.RunID)
		if err != nil {
			if chorerr.Is(err, chorerr.KindNotFound) {
				if markErr := s.store.MarkTaskRunTerminal(ctx, occ.TaskRunID, persistence.TaskRunFailed, "run not found"); markErr != nil {
					s.logger.Error("mark occurrence failed", "task_run_id", occ.TaskRunID, "error", markErr)
				}
			} else {
				s.logger.Error("load run for reconcile", "task_run_id", occ.TaskRunID, "error", err)
			}
			continue
		}
		switch run.Status {
		case persistence.RunStatusRunning:
			s.bestEffortReattach(ctx, occ)
		case persistence.RunStatusSucceeded:
			if err := s.store.MarkTaskRunTerminal(ctx, occ.TaskRunID, persistence.TaskRunSucceeded, ""); err != nil {
				s.logger.Error("mark occurrence succeeded", "task_run_id", occ.TaskRunID, "error", err)
			}
		default:
			if err := s.store.MarkTaskRunTerminal(ctx, occ.TaskRunID, persistence.TaskRunFailed, run.ErrorMessage); err != nil {
				s.logger.Error("mark occurrence failed", "task_run_id", occ.TaskRunID, "error", err)
			}
		}
	}
	return nil
}

func (s *Service) bestEffortReattach(ctx context.Context, occ persistence.TaskRun) {
	t, err := s.store.GetTask(ctx, occ.TaskID)
	if err != nil {
		return
	}
	bridge, ok := s.bridges[t.DeliveryTargetProvider]
	if !ok {
		return
	}
	route, err := decodeRoute(t.DeliveryTargetRoute)
	if err != nil {
		return
	}
	_ = bridge.DeliverRun(ctx, occ.RunID, route)
}

// dispatch is §4.6.2.
func (s *Service) dispatch(ctx context.Context, t persistence.ScheduledTask, occ persistence.TaskRun) {
	instructions := composeInstructions(t, occ)
	result, err := s.runService.IngestMessage(ctx, persistence.IngestRequest{
		Source:         "task:" + t.TaskID,
		ThreadKey:      t.ExecutionThreadKey,
		UserKey:        t.OwnerUserKey,
		Text:           instructions,
		DeliveryMode:   persistence.DeliveryModeFollowUp,
		IdempotencyKey: occ.IdempotencyKey,
	})
	if err != nil {
		if markErr := s.store.MarkTaskRunTerminal(ctx, occ.TaskRunID, persistence.TaskRunFailed, err.Error()); markErr != nil {
			s.logger.Error("mark occurrence failed after ingest error", "task_run_id", occ.TaskRunID, "error", markErr)
		}
		return
	}

	run := result.Run
	switch run.Status {
	case persistence.RunStatusRunning:
		if err := s.store.MarkTaskRunDispatched(ctx, occ.TaskRunID, run.RunID); err != nil {
			s.logger.Error("mark occurrence dispatched", "task_run_id", occ.TaskRunID, "error", err)
			return
		}
		if bridge, ok := s.bridges[t.DeliveryTargetProvider]; ok {
			if route, rerr := decodeRoute(t.DeliveryTargetRoute); rerr == nil {
				_ = bridge.DeliverRun(ctx, run.RunID, route)
			}
		}
	case persistence.RunStatusSucceeded:
		if err := s.store.MarkTaskRunTerminal(ctx, occ.TaskRunID, persistence.TaskRunSucceeded, ""); err != nil {
			s.logger.Error("mark occurrence succeeded", "task_run_id", occ.TaskRunID, "error", err)
		}
	default:
		if err := s.store.MarkTaskRunTerminal(ctx, occ.TaskRunID, persistence.TaskRunFailed, run.ErrorMessage); err != nil {
			s.logger.Error("mark occurrence failed", "task_run_id", occ.TaskRunID, "error", err)
		}
	}
}

func composeInstructions(t persistence.ScheduledTask, occ persistence.TaskRun) string {
	header := fmt.Sprintf("[SCHEDULED TASK]\ntitle: %s\ntaskId: %s\nscheduledFor: %s\ntimezone: %s",
		t.Title, t.TaskID, occ.ScheduledFor.UTC().Format(time.RFC3339), tzNameOrUTC(t.Timezone))
	return header + "\n\n" + t.Instructions
}

// ensureExecutionThread is §4.6.1.
func (s *Service) ensureExecutionThread(ctx context.Context, t persistence.ScheduledTask) (persistence.ScheduledTask, error) {
	if t.ExecutionThreadKey != "" {
		return t, nil
	}

	var executionThreadKey, route string
	switch t.DeliveryTargetProvider {
	case "telegram":
		bridge, ok := s.bridges["telegram"]
		if !ok {
			return t, chorerr.Upstream("telegram_topics_unavailable", nil)
		}
		existingRoute, err := decodeRoute(t.DeliveryTargetRoute)
		if err != nil {
			return t, chorerr.Internal("decode delivery target route", err)
		}
		created, err := bridge.CreateTaskTopic(ctx, existingRoute.ChatID, t.TaskID, t.Title)
		if err != nil {
			return t, chorerr.Upstream("telegram_topics_unavailable", err)
		}
		executionThreadKey = encodeTelegramThreadKey(created.ChatID, created.MessageThreadID)
		route, err = encodeRoute(created)
		if err != nil {
			return t, chorerr.Internal("encode delivery target route", err)
		}
	default:
		executionThreadKey = fmt.Sprintf("%s:task:%s", sanitizeProvider(t.DeliveryTargetProvider), t.TaskID)
		route = t.DeliveryTargetRoute
	}

	if err := s.store.SetTaskExecutionThread(ctx, t.TaskID, executionThreadKey, route); err != nil {
		return t, chorerr.Internal("persist execution thread", err)
	}
	reloaded, err := s.store.GetTask(ctx, t.TaskID)
	if err != nil {
		return t, err
	}
	return reloaded, nil
}

func sanitizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func encodeTelegramThreadKey(chatID, messageThreadID string) string {
	return fmt.Sprintf("telegram:%s:%s", chatID, messageThreadID)
}

func decodeRoute(raw string) (TopicRoute, error) {
	if raw == "" {
		return TopicRoute{}, nil
	}
	var r TopicRoute
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return TopicRoute{}, err
	}
	return r, nil
}

func encodeRoute(r TopicRoute) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
