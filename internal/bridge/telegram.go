// Package bridge implements the messenger-adapter collaborators consumed by
// the Scheduled-Task Service (creating/renaming topics, re-attaching a
// delivery subscriber) and the Progress Reporter (sending/editing/deleting
// the status message), concretely over Telegram.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/chorushq/chorus/internal/chorerr"
	"github.com/chorushq/chorus/internal/config"
	"github.com/chorushq/chorus/internal/reporter"
	"github.com/chorushq/chorus/internal/tasks"
)

// TelegramBridge implements tasks.MessengerBridge over a forum-enabled
// Telegram supergroup: one forum topic per scheduled task.
type TelegramBridge struct {
	bot      *tgbotapi.BotAPI
	progress reporter.ProgressSource
	repCfg   config.ReporterConfig
	logger   *slog.Logger
}

// Config wires a TelegramBridge.
type Config struct {
	Bot            *tgbotapi.BotAPI
	Progress       reporter.ProgressSource
	ReporterConfig config.ReporterConfig
	Logger         *slog.Logger
}

func NewTelegramBridge(cfg Config) *TelegramBridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramBridge{bot: cfg.Bot, progress: cfg.Progress, repCfg: cfg.ReporterConfig, logger: logger}
}

// CreateTaskTopic creates a forum topic titled title inside chatID and
// returns its {chatId, messageThreadId}, per §4.6.1.
func (b *TelegramBridge) CreateTaskTopic(ctx context.Context, chatID, taskID, title string) (tasks.TopicRoute, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return tasks.TopicRoute{}, chorerr.Validationf("invalid telegram chat id %q: %v", chatID, err)
	}

	resp, err := b.bot.Request(tgbotapi.NewCreateForumTopic(id, title))
	if err != nil {
		return tasks.TopicRoute{}, upstreamErr("create forum topic", err)
	}
	var topic tgbotapi.ForumTopic
	if err := json.Unmarshal(resp.Result, &topic); err != nil {
		return tasks.TopicRoute{}, chorerr.Internal("decode forum topic response", err)
	}

	return tasks.TopicRoute{ChatID: chatID, MessageThreadID: strconv.Itoa(topic.MessageThreadID)}, nil
}

// SyncTaskTopicTitle best-effort renames the topic at route to title.
func (b *TelegramBridge) SyncTaskTopicTitle(ctx context.Context, route tasks.TopicRoute, taskID, title string) error {
	chatID, threadID, err := parseRoute(route)
	if err != nil {
		return err
	}
	if _, err := b.bot.Request(tgbotapi.NewEditForumTopic(chatID, threadID, title, "")); err != nil {
		return upstreamErr("edit forum topic", err)
	}
	return nil
}

// DeliverRun re-attaches a Progress Reporter to runID at route — used to
// resume rendering after a restart finds the occurrence still running.
func (b *TelegramBridge) DeliverRun(ctx context.Context, runID string, route tasks.TopicRoute) error {
	chatID, threadID, err := parseRoute(route)
	if err != nil {
		return err
	}
	client := &messageClient{bot: b.bot, chatID: chatID, messageThreadID: threadID}
	rep := reporter.New(client, route, runID, "", "resumed: working…", b.repCfg, b.logger)
	rep.Start(ctx, b.progress)
	return nil
}

func parseChatID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}

func parseRoute(route tasks.TopicRoute) (chatID int64, threadID int, err error) {
	chatID, err = parseChatID(route.ChatID)
	if err != nil {
		return 0, 0, chorerr.Validationf("invalid telegram chat id %q: %v", route.ChatID, err)
	}
	if route.MessageThreadID != "" {
		threadID, err = strconv.Atoi(route.MessageThreadID)
		if err != nil {
			return 0, 0, chorerr.Validationf("invalid telegram message thread id %q: %v", route.MessageThreadID, err)
		}
	}
	return chatID, threadID, nil
}

// messageClient implements reporter.Client over a single {chatID,
// messageThreadID} destination.
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
		return "", upstreamErr("send message", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (c *messageClient) EditMessage(ctx context.Context, route reporter.Route, messageID, text string) error {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return chorerr.Internal("invalid telegram message id", err)
	}
	edit := tgbotapi.NewEditMessageText(c.chatID, id, text)
	if _, err := c.bot.Send(edit); err != nil {
		return upstreamErr("edit message", err)
	}
	return nil
}

func (c *messageClient) DeleteMessage(ctx context.Context, route reporter.Route, messageID string) error {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return chorerr.Internal("invalid telegram message id", err)
	}
	if _, err := c.bot.Request(tgbotapi.NewDeleteMessage(c.chatID, id)); err != nil {
		return upstreamErr("delete message", err)
	}
	return nil
}

func (c *messageClient) SendTyping(ctx context.Context, route reporter.Route) error {
	action := tgbotapi.NewChatAction(c.chatID, tgbotapi.ChatTyping)
	if _, err := c.bot.Request(action); err != nil {
		return upstreamErr("send chat action", err)
	}
	return nil
}

// upstreamErr classifies a tgbotapi error, carrying Telegram's retry_after
// hint (429 responses) through as chorerr.Upstream's RetryAfter.
func upstreamErr(op string, err error) error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.ResponseParameters.RetryAfter > 0 {
		e := chorerr.Upstream(fmt.Sprintf("telegram %s: %s", op, tgErr.Message), err)
		e.(*chorerr.Error).RetryAfter = time.Duration(tgErr.ResponseParameters.RetryAfter) * time.Second
		return e
	}
	return chorerr.Upstream(fmt.Sprintf("telegram %s", op), err)
}
