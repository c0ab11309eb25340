// Package channels implements ingest-side front-end adapters: they map an
// inbound message on some external channel to a runservice.IngestMessage
// call and attach a Progress Reporter to watch it back to the same chat.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/chorushq/chorus/internal/config"
	"github.com/chorushq/chorus/internal/persistence"
	"github.com/chorushq/chorus/internal/reporter"
)

// RunIngester is the Run Service surface this adapter drives.
type RunIngester interface {
	IngestMessage(ctx context.Context, req persistence.IngestRequest) (persistence.CreateRunResult, error)
	InFlight(threadKey string) bool
}

// TelegramChannel is the ingest-side Telegram adapter: long-polls updates,
// maps each inbound message to (threadKey, deliveryMode), ingests it through
// the Run Service, and attaches a Progress Reporter to the reply chat.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	runs       RunIngester
	progress   reporter.ProgressSource
	repCfg     config.ReporterConfig
	logger     *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramChannel constructs the ingest adapter. allowedIDs, empty,
// allows every user.
func NewTelegramChannel(token string, allowedIDs []int64, runs RunIngester, progress reporter.ProgressSource, repCfg config.ReporterConfig, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{token: token, allowedIDs: allowed, runs: runs, progress: progress, repCfg: repCfg, logger: logger}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Start connects and long-polls until ctx is cancelled, reconnecting with
// exponential backoff on stalls or transport errors.
func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	t.logger.Info("telegram ingest adapter started", "user", bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or no
// update arrives within the stall window (the library blocks rather than
// closing its channel on a dead connection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if len(t.allowedIDs) > 0 {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID)
					continue
				}
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	threadKey := threadKeyFor(msg.Chat.ID, msg.MessageThreadID)
	mode := persistence.DeliveryModeFollowUp
	if t.runs.InFlight(threadKey) {
		mode = persistence.DeliveryModeSteer
	}

	result, err := t.runs.IngestMessage(ctx, persistence.IngestRequest{
		Source:       "telegram",
		ThreadKey:    threadKey,
		UserKey:      strconv.FormatInt(msg.From.ID, 10),
		Text:         text,
		DeliveryMode: mode,
	})
	if err != nil {
		t.logger.Error("telegram ingest failed", "thread_key", threadKey, "error", err)
		t.reply(msg.Chat.ID, msg.MessageThreadID, fmt.Sprintf("error: %v", err))
		return
	}
	if result.Deduplicated {
		return
	}

	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	client := &messageClient{bot: bot, chatID: msg.Chat.ID, messageThreadID: msg.MessageThreadID}
	rep := reporter.New(client, threadKey, result.Run.RunID, threadKey, "working…", t.repCfg, t.logger)
	rep.Start(ctx, t.progress)
}

func (t *TelegramChannel) reply(chatID int64, messageThreadID int, text string) {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	msg := tgbotapi.NewMessage(chatID, text)
	msg.MessageThreadID = messageThreadID
	if _, err := bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

func threadKeyFor(chatID int64, messageThreadID int) string {
	if messageThreadID == 0 {
		return fmt.Sprintf("telegram:chat:%d", chatID)
	}
	return fmt.Sprintf("telegram:chat:%d:topic:%d", chatID, messageThreadID)
}

// messageClient implements reporter.Client over a single {chatID,
// messageThreadID} destination — the ingest side's own copy of the same
// small adapter internal/bridge uses on the dispatch side, since an ingest
// channel has no business depending on the scheduler's bridge package.
type messageClient struct {
	bot             *tgbotapi.BotAPI
	chatID          int64
	messageThreadID int
}

func (c *messageClient) SendMessage(ctx context.Context, route reporter.Route, text string) (string, error) {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.MessageThreadID = c.messageThreadID
	sent, err := c.bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("telegram send message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (c *messageClient) EditMessage(ctx context.Context, route reporter.Route, messageID, text string) error {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", messageID, err)
	}
	_, err = c.bot.Send(tgbotapi.NewEditMessageText(c.chatID, id, text))
	if err != nil {
		return fmt.Errorf("telegram edit message: %w", err)
	}
	return nil
}

func (c *messageClient) DeleteMessage(ctx context.Context, route reporter.Route, messageID string) error {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid telegram message id %q: %w", messageID, err)
	}
	_, err = c.bot.Request(tgbotapi.NewDeleteMessage(c.chatID, id))
	if err != nil {
		return fmt.Errorf("telegram delete message: %w", err)
	}
	return nil
}

func (c *messageClient) SendTyping(ctx context.Context, route reporter.Route) error {
	_, err := c.bot.Request(tgbotapi.NewChatAction(c.chatID, tgbotapi.ChatTyping))
	if err != nil {
		return fmt.Errorf("telegram chat action: %w", err)
	}
	return nil
}
