package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleCompaction marks a summary cut-point: history rebuilds start from
	// the latest compaction message instead of the beginning of the session.
	RoleCompaction Role = "compaction"
)

// ApprovalStatus tracks the human-in-the-loop state of an assistant message
// that carries tool calls. Empty means no approval is involved.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
	IsError    bool   `json:"is_error,omitempty"`
}

// TokenUsage accumulates prompt and completion token counts.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Message is a single entry in a session's durable history.
//
// Invariants enforced by the store and the loop:
//   - only assistant messages carry ToolCalls
//   - only tool messages carry ToolResults, except that the parent assistant
//     message also stores a copy used to mark the approval outcome
//   - ApprovalStatus is set exactly on assistant messages with tool calls
//   - compaction messages carry a non-empty Content and VerbatimCount >= 0
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`

	// Images holds URLs or data URIs attached to user messages.
	Images []string `json:"images,omitempty"`

	// Model records which model produced an assistant message.
	Model string `json:"model,omitempty"`

	// Timestamp is milliseconds since the epoch, weakly increasing per session.
	Timestamp int64 `json:"timestamp"`

	ToolCalls      []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults    []ToolResult   `json:"tool_results,omitempty"`
	ApprovalStatus ApprovalStatus `json:"approval_status,omitempty"`

	// VerbatimCount is set on compaction messages: the number of messages
	// immediately before the compaction that stay verbatim in the prompt.
	// Nil on legacy compactions, which fall back to a fixed constant.
	VerbatimCount *int `json:"verbatim_count,omitempty"`

	TokenCount    int `json:"token_count,omitempty"`
	RawTokenCount int `json:"raw_token_count,omitempty"`

	// Diagnostic blobs captured from the provider round-trip.
	LLMRequest  json.RawMessage `json:"llm_request,omitempty"`
	LLMResponse json.RawMessage `json:"llm_response,omitempty"`
}

// HasToolCalls reports whether the message carries at least one tool call.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// NowMillis returns the current wall clock in milliseconds, the message
// timestamp unit.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Session represents a single multi-turn conversation.
type Session struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`

	// Model is encoded as "provider:model-id". Empty on legacy rows; those
	// are lazy-migrated to the configured default on next read.
	Model string `json:"model"`

	// VisionModel has the same shape as Model and may be empty.
	VisionModel string `json:"vision_model,omitempty"`

	// AutoApprove skips the human approval gate for tool rounds.
	AutoApprove bool `json:"auto_approve"`

	TokenUsage TokenUsage `json:"token_usage"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
