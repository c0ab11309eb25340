package persistence

import "time"

// RunStatus is the lifecycle status of a Run. Transitions are one-way:
// running -> {succeeded|failed}.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// DeliveryMode controls how a run is dispatched against an in-flight
// agent session: steer interrupts, followUp queues behind it.
type DeliveryMode string

const (
	DeliveryModeSteer    DeliveryMode = "steer"
	DeliveryModeFollowUp DeliveryMode = "followUp"
)

// Run is one ingested user message accepted for execution.
type Run struct {
	RunID        string
	Source       string
	ThreadKey    string
	UserKey      string
	DeliveryMode DeliveryMode
	InputText    string
	Status       RunStatus
	Output       string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ImageInput is an image attached to an ingest request, before it is
// persisted and assigned a run.
type ImageInput struct {
	MimeType string
	Filename string
	Position int
	Bytes    []byte
}

// InputImage is an ImageInput once persisted, scoped to a run (or, before
// a run exists, to a pending pre-run buffer keyed by ThreadKey).
type InputImage struct {
	ImageID   string
	RunID     string
	ThreadKey string
	MimeType  string
	Filename  string
	Position  int
	Bytes     []byte
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ImageInputTTL is how long an input image survives before purge.
const ImageInputTTL = 3 * 24 * time.Hour

// IngestRequest is the input to CreateRun.
type IngestRequest struct {
	Source         string
	ThreadKey      string
	UserKey        string
	Text           string
	DeliveryMode   DeliveryMode
	IdempotencyKey string
	Images         []ImageInput
}

// ThreadSession is the persistent link threadKey -> (sessionId, sessionFilePath).
type ThreadSession struct {
	ThreadKey       string
	SessionID       string
	SessionFilePath string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ScheduleKind names which of OnceAt/CronExpr/RRuleExpr is populated.
type ScheduleKind string

const (
	ScheduleKindOnce  ScheduleKind = "once"
	ScheduleKindCron  ScheduleKind = "cron"
	ScheduleKindRRule ScheduleKind = "rrule"
)

// TaskRunStatus is the lifecycle status of a scheduled-task occurrence.
type TaskRunStatus string

const (
	TaskRunPending    TaskRunStatus = "pending"
	TaskRunDispatched TaskRunStatus = "dispatched"
	TaskRunSucceeded  TaskRunStatus = "succeeded"
	TaskRunFailed     TaskRunStatus = "failed"
)

// ScheduledTask is a recurring or one-shot instruction dispatched through
// the Run engine on a schedule.
type ScheduledTask struct {
	TaskID                 string
	Title                  string
	Instructions           string
	Enabled                bool
	ScheduleKind           ScheduleKind
	OnceAt                 *time.Time
	CronExpr               string
	RRuleExpr              string
	Timezone               string
	CreatorThreadKey       string
	OwnerUserKey           string
	DeliveryTargetProvider string
	DeliveryTargetRoute    string // provider-specific route, opaque JSON
	ExecutionThreadKey     string
	NextRunAt              *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// TaskPatch is a partial update to a ScheduledTask; nil fields are left
// unchanged.
type TaskPatch struct {
	Title        *string
	Instructions *string
	Enabled      *bool
	ScheduleKind *ScheduleKind
	OnceAt       *time.Time
	CronExpr     *string
	RRuleExpr    *string
	Timezone     *string
}

// TaskListFilter narrows ListTasks.
type TaskListFilter struct {
	CreatorThreadKey string
	EnabledOnly      bool
}

// TaskRun (occurrence) is a single scheduled firing of a task.
type TaskRun struct {
	TaskRunID      string
	TaskID         string
	ScheduledFor   time.Time
	Status         TaskRunStatus
	RunID          string
	IdempotencyKey string
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IdempotencyKeyForOccurrence builds the deterministic per-occurrence key
// used to make scheduled dispatch idempotent at the Run Store layer.
func IdempotencyKeyForOccurrence(taskID string, scheduledFor time.Time) string {
	return "task:" + taskID + ":scheduled_for:" + scheduledFor.UTC().Format(time.RFC3339)
}
