package models

// EventType discriminates the stream event union delivered to subscribers.
type EventType string

const (
	EventSnapshot          EventType = "snapshot"
	EventToken             EventType = "token"
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventToolProgress      EventType = "tool_progress"
	EventUsage             EventType = "usage"
	EventAutoApproved      EventType = "auto_approved"
	EventApprovalChanged   EventType = "approval_changed"
	EventCompactionStarted EventType = "compaction_started"
	EventCompaction        EventType = "compaction"
	EventCompactionError   EventType = "compaction_error"
	EventNewMessage        EventType = "new_message"
	EventDone              EventType = "done"
	EventError             EventType = "error"
)

// Snapshot carries the cumulative state of the current round, delivered to a
// subscriber immediately after it attaches.
type Snapshot struct {
	AssistantID string     `json:"assistant_id"`
	Content     string     `json:"content"`
	Model       string     `json:"model"`
	ToolCalls   []ToolCall `json:"tool_calls"`
}

// ToolProgress reports incremental progress from a long-running tool.
type ToolProgress struct {
	ToolCallID string `json:"tool_call_id"`
	Progress   int    `json:"progress"`
	Total      int    `json:"total"`
	Message    string `json:"message,omitempty"`
}

// Done terminates a stream; exactly one of Done or StreamError is delivered
// per round.
type Done struct {
	HasToolCalls bool `json:"has_tool_calls"`
}

// StreamError is the terminal error payload for a failed round.
type StreamError struct {
	Message     string `json:"message"`
	Code        string `json:"code"`
	Recoverable bool   `json:"recoverable"`
}

// ApprovalChange notifies watchers that a pending tool round was resolved.
type ApprovalChange struct {
	MessageID      string         `json:"message_id"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
}

// Event is the discriminated union fanned out to stream subscribers. Exactly
// one payload field is populated, matching Type.
type Event struct {
	Type EventType `json:"type"`

	Snapshot     *Snapshot       `json:"snapshot,omitempty"`
	Token        string          `json:"token,omitempty"`
	ToolCall     *ToolCall       `json:"tool_call,omitempty"`
	ToolResult   *ToolResult     `json:"tool_result,omitempty"`
	ToolProgress *ToolProgress   `json:"tool_progress,omitempty"`
	Usage        *TokenUsage     `json:"usage,omitempty"`
	MessageID    string          `json:"message_id,omitempty"`
	Approval     *ApprovalChange `json:"approval,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Message      *Message        `json:"message,omitempty"`
	Done         *Done           `json:"done,omitempty"`
	Error        *StreamError    `json:"error,omitempty"`
}

// TokenEvent builds a token append event.
func TokenEvent(text string) Event {
	return Event{Type: EventToken, Token: text}
}

// ToolCallEvent builds a tool call announcement event.
func ToolCallEvent(call ToolCall) Event {
	return Event{Type: EventToolCall, ToolCall: &call}
}

// ToolResultEvent builds a tool result event.
func ToolResultEvent(result ToolResult) Event {
	return Event{Type: EventToolResult, ToolResult: &result}
}

// UsageEvent builds a usage report event.
func UsageEvent(usage TokenUsage) Event {
	return Event{Type: EventUsage, Usage: &usage}
}

// DoneEvent builds the terminal done event.
func DoneEvent(hasToolCalls bool) Event {
	return Event{Type: EventDone, Done: &Done{HasToolCalls: hasToolCalls}}
}

// ErrorEvent builds the terminal error event.
func ErrorEvent(message, code string, recoverable bool) Event {
	return Event{Type: EventError, Error: &StreamError{
		Message:     message,
		Code:        code,
		Recoverable: recoverable,
	}}
}

// SnapshotEvent builds a snapshot event from the current round state.
func SnapshotEvent(assistantID, content, model string, toolCalls []ToolCall) Event {
	if toolCalls == nil {
		toolCalls = []ToolCall{}
	}
	return Event{Type: EventSnapshot, Snapshot: &Snapshot{
		AssistantID: assistantID,
		Content:     content,
		Model:       model,
		ToolCalls:   toolCalls,
	}}
}
