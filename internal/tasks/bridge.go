package tasks

import "context"

// TopicRoute is the provider-specific delivery target for a task, opaque
// to the Scheduled-Task Service beyond the fields it sets here.
type TopicRoute struct {
	ChatID          string
	MessageThreadID string
}

// MessengerBridge is the messenger-adapter collaborator consumed per §6:
// createTaskTopic, syncTaskTopicTitle, deliverRun.
type MessengerBridge interface {
	// CreateTaskTopic creates a brand-new topic titled title inside chatID,
	// returning the provider's {chatId, messageThreadId}.
	CreateTaskTopic(ctx context.Context, chatID, taskID, title string) (TopicRoute, error)
	// SyncTaskTopicTitle best-effort renames the topic at route to title.
	SyncTaskTopicTitle(ctx context.Context, route TopicRoute, taskID, title string) error
	// DeliverRun best-effort re-attaches a delivery subscriber for runID at route.
	DeliverRun(ctx context.Context, runID string, route TopicRoute) error
}
