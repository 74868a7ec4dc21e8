// Package agent runs the LLM tool loop: streaming generation rounds, tool
// execution with human approval, and the recursion between them.
package agent

import (
	"context"
	"encoding/json"

	"github.com/hearthdev/hearth/pkg/models"
)

// Request contains all parameters for one LLM generation.
type Request struct {
	// Model is the provider-native model id (e.g. "claude-sonnet-4-20250514"),
	// without the "provider:" prefix.
	Model string `json:"model"`

	// System is the system prompt, handled separately from parts by most APIs.
	System string `json:"system,omitempty"`

	// Parts is the conversation history in chronological order.
	Parts []models.PromptPart `json:"parts"`

	// Tools the model may call this round. Empty disables tool use.
	Tools []ToolDescriptor `json:"tools,omitempty"`

	// MaxTokens caps the response length; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Chunk is one element of a streaming generation. Exactly one of the payload
// fields is set, except that Error terminates the stream unconditionally.
type Chunk struct {
	// Text is a partial response fragment.
	Text string `json:"text,omitempty"`

	// ToolCall is a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Usage reports token consumption; providers send it near the end of the
	// stream, some send interim reports too. The last one wins.
	Usage *models.TokenUsage `json:"usage,omitempty"`

	// Debug carries provider diagnostics passed through to clients.
	Debug json.RawMessage `json:"debug,omitempty"`

	// Error terminates the stream. A context.Canceled here means the caller
	// aborted, not that the provider failed.
	Error error `json:"-"`
}

// Provider is a unified adapter over one LLM backend. Implementations must be
// safe for concurrent use; the runtime calls them from many sessions at once.
type Provider interface {
	// Name returns the provider key used in "provider:model-id" refs.
	Name() string

	// GenerateStream opens a streaming generation. The returned channel is
	// closed when the stream ends; a terminal failure arrives as a Chunk with
	// Error set. Cancelling ctx aborts the stream cooperatively.
	GenerateStream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// GenerateResponse runs a non-streaming generation. Used by compaction
	// summarisation and session auto-naming only.
	GenerateResponse(ctx context.Context, req *Request) (string, models.TokenUsage, error)
}

// ProviderSet maps provider names to configured adapters.
type ProviderSet map[string]Provider

// Get returns the provider registered under name, or nil.
func (s ProviderSet) Get(name string) Provider {
	return s[name]
}

// ToolDescriptor advertises one tool to the LLM.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ToolExecutor is the tool surface the loop drives. The registry in
// internal/tools implements it.
type ToolExecutor interface {
	// Definitions lists the tools advertised to the model.
	Definitions() []ToolDescriptor

	// Validate checks a call's arguments against the tool's schema before any
	// execution starts. Synchronous and side-effect free.
	Validate(name string, args json.RawMessage) error

	// Execute runs one tool call scoped to a session and returns its string
	// output. Cooperative cancellation through ctx.
	Execute(ctx context.Context, sessionID, name string, args json.RawMessage) (string, error)
}

// ContextManager rebuilds prompts from durable history and decides when the
// conversation needs compacting. Implemented by internal/history.
type ContextManager interface {
	// BuildHistory converts the full ordered message list into prompt parts,
	// honouring the latest compaction cut-point.
	BuildHistory(messages []*models.Message) []models.PromptPart

	// AutoCompactIfNeeded compacts the session when the last round's usage
	// crosses the configured share of the model's context window. Returns the
	// new compaction message, or nil. Never returns an error; failures are
	// logged and swallowed.
	AutoCompactIfNeeded(ctx context.Context, sessionID, modelRef string, lastUsage models.TokenUsage) *models.Message
}
