// Package agent defines the contract this module consumes from the
// coding-agent runtime: a long-lived, single-threaded AgentSession per
// thread. The runtime itself is an out-of-scope collaborator — only the
// interface and event shapes live here, plus a test fake.
package agent

// StopReason classifies how an assistant message ended.
type StopReason string

const (
	StopReasonEnd     StopReason = "end"
	StopReasonError   StopReason = "error"
	StopReasonAborted StopReason = "aborted"
)

// MessageRole is the role of a message boundary event.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// DeltaKind distinguishes the two message_update payload shapes.
type DeltaKind string

const (
	DeltaKindText     DeltaKind = "text_delta"
	DeltaKindThinking DeltaKind = "thinking_delta"
)

// EventKind enumerates the AgentSessionEvent variants the Thread Run
// Controller (C4) routes on, per spec §4.4.
type EventKind string

const (
	EventMessageStart      EventKind = "message_start"
	EventMessageUpdate     EventKind = "message_update"
	EventMessageEnd        EventKind = "message_end"
	EventToolExecStart     EventKind = "tool_execution_start"
	EventToolExecUpdate    EventKind = "tool_execution_update"
	EventToolExecEnd       EventKind = "tool_execution_end"
	EventTurnStart         EventKind = "turn_start"
	EventAgentStart        EventKind = "agent_start"
	EventTurnEnd           EventKind = "turn_end"
	EventAgentEnd          EventKind = "agent_end"
)

// Event is a tagged union over every AgentSessionEvent shape the controller
// understands. Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// message_start / message_end
	Role MessageRole

	// message_update
	DeltaKind    DeltaKind
	Delta        string
	ContentIndex *int

	// message_end
	Text         string
	Provider     string
	Model        string
	StopReason   StopReason
	ErrorMessage string

	// tool_execution_*
	ToolCallID    string
	ToolName      string
	Args          map[string]any
	PartialResult string
	Result        string
	IsError       bool

	// turn_end
	ToolResultCount int
}

// Unsubscribe stops delivery of further events to the associated handler.
type Unsubscribe func()

// Session is the black-box coding-agent runtime contract consumed by the
// Thread Run Controller (C4), per spec §6.
type Session interface {
	// Prompt starts the very first turn of the session.
	Prompt(text string) error
	// FollowUp appends a user turn to an existing in-flight agent.
	FollowUp(text string) error
	// Steer interrupts an in-flight turn with a replacing user message.
	Steer(text string) error
	// Subscribe registers handler to receive Events until unsubscribed.
	Subscribe(handler func(Event)) Unsubscribe
}

// Factory creates (or resumes) a Session for a thread key, given an optional
// existing session pointer (sessionID, sessionFilePath) — both empty means
// "create fresh". It reports back the (possibly newly assigned) sessionID
// and sessionFilePath so the caller can persist the thread's session
// pointer. Implemented by whatever wires the agent runtime in; this core
// only calls through the Session interface above.
type Factory func(threadKey, sessionID, sessionFilePath string) (session Session, newSessionID string, newSessionFilePath string, err error)
