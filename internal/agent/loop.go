package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hearthdev/hearth/internal/observability"
	"github.com/hearthdev/hearth/internal/store"
	"github.com/hearthdev/hearth/internal/stream"
	"github.com/hearthdev/hearth/pkg/models"
)

// MaxToolRounds caps the generation/tool recursion per user turn. When the
// cap is hit the loop returns silently; the trailing assistant message keeps
// its tool calls with no further reply.
const MaxToolRounds = 10

// Synthetic tool outputs written by the loop.
const (
	outputDenied              = "Tool call denied by user"
	outputCancelledValidation = "Cancelled: another tool failed validation"
	outputCancelledPrevious   = "Cancelled: previous tool failed"
	outputInterrupted         = "Tool execution was interrupted by user."
	contentInterrupted        = "[Interrupted by user]"
)

// Loop drives the session state machine: stream a generation round, persist
// it, execute approved tool calls, and recurse until the model stops calling
// tools or the round cap is hit.
//
// Callers create the stream entry and subscribe watchers before invoking
// StreamNextRound or ExecuteToolRound; per session only one invocation runs
// at a time (the transport serialises turns, approvals, and denials).
type Loop struct {
	store    store.Store
	registry *stream.Registry
	history  ContextManager
	tools    ToolExecutor
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewLoop wires the tool loop. Metrics may be nil.
func NewLoop(s store.Store, r *stream.Registry, h ContextManager, t ToolExecutor, logger *observability.Logger, m *observability.Metrics) *Loop {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Loop{store: s, registry: r, history: h, tools: t, logger: logger, metrics: m}
}

// StreamNextRound runs one LLM generation round for the session: rebuild the
// prompt, stream the response into the registry, persist the assistant
// message, then either finish or recurse into tool execution.
//
// The persist happens before the done event so a client that refetches on
// done always observes the message in durable storage.
func (l *Loop) StreamNextRound(ctx context.Context, sessionID, modelRef string, provider Provider, round int) {
	session, msgs, err := l.store.GetConversation(ctx, sessionID)
	if err != nil {
		l.failRound(ctx, sessionID, modelRef, fmt.Errorf("load conversation: %w", err))
		return
	}
	parts := l.history.BuildHistory(msgs)

	assistantID := uuid.NewString()
	entry := l.registry.Continue(sessionID, assistantID)
	if entry == nil {
		entry = l.registry.Create(sessionID, assistantID, modelRef)
	}

	// A cancel that landed between rounds still terminates the turn.
	if entry.Aborted() {
		l.persistInterrupted(ctx, sessionID, assistantID, modelRef, contentInterrupted, nil)
		return
	}

	l.registry.PushEvent(sessionID, models.SnapshotEvent(assistantID, "", modelRef, nil))

	providerName, modelID, err := SplitModelRef(modelRef)
	if err != nil {
		l.failRound(ctx, sessionID, modelRef, err)
		return
	}

	req := &Request{Model: modelID, Parts: parts, Tools: l.tools.Definitions()}
	reqBody, err := json.Marshal(req)
	if err != nil {
		l.failRound(ctx, sessionID, modelRef, fmt.Errorf("marshal provider request: %w", err))
		return
	}
	entry.SetRequestBody(reqBody)

	chunks, err := provider.GenerateStream(entry.AbortContext(), req)
	if err != nil {
		l.finishErrored(ctx, sessionID, entry, providerName, modelID, err)
		return
	}

	var usage models.TokenUsage
	var haveUsage bool
	var streamErr error
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			streamErr = chunk.Error
		case chunk.Text != "":
			l.registry.PushEvent(sessionID, models.TokenEvent(chunk.Text))
		case chunk.ToolCall != nil:
			l.registry.PushEvent(sessionID, models.ToolCallEvent(*chunk.ToolCall))
		case chunk.Usage != nil:
			usage = *chunk.Usage
			haveUsage = true
			l.registry.PushEvent(sessionID, models.UsageEvent(usage))
		case len(chunk.Debug) > 0:
			l.logger.Debug(ctx, "provider debug chunk", "session_id", sessionID, "payload", string(chunk.Debug))
		}
	}

	if streamErr != nil {
		l.finishErrored(ctx, sessionID, entry, providerName, modelID, streamErr)
		return
	}

	content := entry.Content()
	toolCalls := entry.ToolCalls()

	msg := &models.Message{
		ID:          assistantID,
		Role:        models.RoleAssistant,
		Content:     content,
		Model:       modelRef,
		Timestamp:   models.NowMillis(),
		ToolCalls:   toolCalls,
		LLMRequest:  entry.RequestBody(),
		LLMResponse: marshalRoundResponse(content, toolCalls, entry.Usage()),
	}
	if len(toolCalls) > 0 {
		msg.ApprovalStatus = models.ApprovalPending
	}
	if haveUsage {
		msg.RawTokenCount = usage.OutputTokens
	}
	if _, err := l.store.AddMessage(ctx, sessionID, msg); err != nil {
		l.failRound(ctx, sessionID, modelRef, fmt.Errorf("persist assistant message: %w", err))
		return
	}

	if haveUsage {
		l.patchUserRawTokens(ctx, msgs, usage.InputTokens)
		if err := l.store.UpdateSessionTokenUsage(ctx, sessionID, session.TokenUsage.Add(usage)); err != nil {
			l.logger.Warn(ctx, "failed to update session token usage", "session_id", sessionID, "error", err)
		}
		l.countTokens(providerName, modelID, usage)
	}

	// Auto-approve re-reads the flag so a toggle mid-round takes effect; the
	// CAS keeps it safe against a concurrent manual approval.
	if len(toolCalls) > 0 {
		if fresh, err := l.store.GetSession(ctx, sessionID); err == nil && fresh.AutoApprove {
			ok, err := l.store.AtomicApprove(ctx, assistantID)
			if err != nil {
				l.logger.Warn(ctx, "auto-approve failed", "session_id", sessionID, "message_id", assistantID, "error", err)
			} else if ok {
				l.registry.PushEvent(sessionID, models.Event{Type: models.EventAutoApproved, MessageID: assistantID})
				l.countRound(providerName, modelID, "ok")
				l.ExecuteToolRound(ctx, sessionID, assistantID, modelRef, provider, round)
				return
			}
		}
	}

	l.registry.PushEvent(sessionID, models.DoneEvent(len(toolCalls) > 0))
	l.countRound(providerName, modelID, "ok")

	if len(toolCalls) == 0 && haveUsage {
		if cm := l.history.AutoCompactIfNeeded(ctx, sessionID, modelRef, usage); cm != nil {
			l.registry.PushEvent(sessionID, models.Event{Type: models.EventCompaction, Message: cm})
		}
	}
	l.registry.ScheduleRemoval(sessionID)
}

// ExecuteToolRound runs the tool calls of an approved assistant message
// sequentially, persists their results, and recurses into the next
// generation round.
func (l *Loop) ExecuteToolRound(ctx context.Context, sessionID, messageID, modelRef string, provider Provider, round int) {
	if round >= MaxToolRounds {
		l.logger.Warn(ctx, "tool round cap reached", "session_id", sessionID, "message_id", messageID)
		return
	}

	msg, err := l.store.GetMessage(ctx, messageID)
	if err != nil {
		l.failRound(ctx, sessionID, modelRef, fmt.Errorf("load tool round message: %w", err))
		return
	}
	calls := msg.ToolCalls
	if len(calls) == 0 {
		l.logger.Warn(ctx, "tool round on message without tool calls", "message_id", messageID)
		return
	}

	// Pre-validate every call before executing any. One bad call poisons the
	// whole round; the model sees the errors next round and can correct.
	validationErrs := make([]error, len(calls))
	anyInvalid := false
	for i, call := range calls {
		if err := l.tools.Validate(call.Name, call.Arguments); err != nil {
			validationErrs[i] = err
			anyInvalid = true
		}
	}
	if anyInvalid {
		results := make([]models.ToolResult, len(calls))
		for i, call := range calls {
			out := outputCancelledValidation
			if validationErrs[i] != nil {
				out = validationErrs[i].Error()
			}
			results[i] = models.ToolResult{ToolCallID: call.ID, Output: out, IsError: true}
		}
		if _, err := l.persistToolResults(ctx, sessionID, messageID, results, nil); err != nil {
			l.failRound(ctx, sessionID, modelRef, err)
			return
		}
		for i := range results {
			l.registry.PushEvent(sessionID, models.ToolResultEvent(results[i]))
		}
		l.StreamNextRound(ctx, sessionID, modelRef, provider, round+1)
		return
	}

	entry := l.registry.Get(sessionID)
	execCtx := ctx
	if entry != nil {
		execCtx = entry.AbortContext()
	}

	results := make([]models.ToolResult, 0, len(calls))
	hadError := false
	wasInterrupted := false
	for _, call := range calls {
		if entry != nil && entry.Aborted() {
			wasInterrupted = true
			break
		}
		if hadError {
			res := models.ToolResult{ToolCallID: call.ID, Output: outputCancelledPrevious, IsError: true}
			results = append(results, res)
			l.registry.PushEvent(sessionID, models.ToolResultEvent(res))
			continue
		}

		start := time.Now()
		output, execErr := l.tools.Execute(execCtx, sessionID, call.Name, call.Arguments)
		l.observeTool(call.Name, time.Since(start), execErr)

		res := models.ToolResult{ToolCallID: call.ID, Output: output}
		if execErr != nil {
			res.Output = "Error: " + execErr.Error()
			res.IsError = true
			hadError = true
		}
		results = append(results, res)
		l.registry.PushEvent(sessionID, models.ToolResultEvent(res))

		if entry != nil && entry.Aborted() {
			wasInterrupted = true
			break
		}
	}

	if wasInterrupted {
		for i := len(results); i < len(calls); i++ {
			results = append(results, models.ToolResult{
				ToolCallID: calls[i].ID,
				Output:     outputInterrupted,
				IsError:    true,
			})
		}
		denied := models.ApprovalDenied
		if _, err := l.persistToolResults(ctx, sessionID, messageID, results, &denied); err != nil {
			l.failRound(ctx, sessionID, modelRef, err)
			return
		}
		l.registry.PushEvent(sessionID, models.DoneEvent(false))
		l.registry.ScheduleRemoval(sessionID)
		return
	}

	approved := models.ApprovalApproved
	if _, err := l.persistToolResults(ctx, sessionID, messageID, results, &approved); err != nil {
		l.failRound(ctx, sessionID, modelRef, err)
		return
	}
	l.StreamNextRound(ctx, sessionID, modelRef, provider, round+1)
}

// DenyToolRound resolves a pending tool round without executing anything:
// the assistant message becomes denied and a synthetic tool message records
// the denial for the model's next prompt. No new LLM round is opened.
// Returns the synthetic tool message, or store.ErrConflict when the message
// is no longer pending.
func (l *Loop) DenyToolRound(ctx context.Context, sessionID, messageID string) (*models.Message, error) {
	msg, err := l.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ApprovalStatus != models.ApprovalPending {
		return nil, store.ErrConflict
	}
	if len(msg.ToolCalls) == 0 {
		return nil, fmt.Errorf("message %s has no tool calls", messageID)
	}

	results := make([]models.ToolResult, len(msg.ToolCalls))
	for i, call := range msg.ToolCalls {
		results[i] = models.ToolResult{ToolCallID: call.ID, Output: outputDenied, IsError: true}
	}
	denied := models.ApprovalDenied
	return l.persistToolResults(ctx, sessionID, messageID, results, &denied)
}

// roundResponse is the diagnostic snapshot of what a generation round
// produced, stored on the assistant message next to the request.
type roundResponse struct {
	Content   string             `json:"content,omitempty"`
	ToolCalls []models.ToolCall  `json:"tool_calls,omitempty"`
	Usage     *models.TokenUsage `json:"usage,omitempty"`
}

func marshalRoundResponse(content string, toolCalls []models.ToolCall, usage *models.TokenUsage) json.RawMessage {
	body, err := json.Marshal(roundResponse{Content: content, ToolCalls: toolCalls, Usage: usage})
	if err != nil {
		return nil
	}
	return body
}

// persistToolResults writes the round's results on the assistant message,
// optionally moving its approval status, and appends the tool message that
// carries the results into history. Returns the appended tool message.
func (l *Loop) persistToolResults(ctx context.Context, sessionID, messageID string, results []models.ToolResult, status *models.ApprovalStatus) (*models.Message, error) {
	patch := store.MessagePatch{ToolResults: results, ApprovalStatus: status}
	if err := l.store.UpdateMessage(ctx, messageID, patch); err != nil {
		return nil, fmt.Errorf("persist tool results: %w", err)
	}
	toolMsg := &models.Message{
		Role:        models.RoleTool,
		ToolResults: results,
		Timestamp:   models.NowMillis(),
	}
	if _, err := l.store.AddMessage(ctx, sessionID, toolMsg); err != nil {
		return nil, fmt.Errorf("persist tool message: %w", err)
	}
	return toolMsg, nil
}

// persistInterrupted writes a terminal assistant message for a round that was
// cancelled, pushes done, and schedules eviction.
func (l *Loop) persistInterrupted(ctx context.Context, sessionID, assistantID, modelRef, content string, status *models.ApprovalStatus) {
	msg := &models.Message{
		ID:        assistantID,
		Role:      models.RoleAssistant,
		Content:   content,
		Model:     modelRef,
		Timestamp: models.NowMillis(),
	}
	if status != nil {
		msg.ApprovalStatus = *status
	}
	if _, err := l.store.AddMessage(ctx, sessionID, msg); err != nil {
		l.logger.Error(ctx, "failed to persist interrupted message", "session_id", sessionID, "error", err)
	}
	l.registry.PushEvent(sessionID, models.DoneEvent(false))
	l.registry.ScheduleRemoval(sessionID)
}

// finishErrored terminates the round after a provider stream failure. A
// failure on an aborted entry, or a cooperative cancel, is a user interrupt:
// whatever content accumulated is persisted and the stream ends with done,
// not error.
func (l *Loop) finishErrored(ctx context.Context, sessionID string, entry *stream.Entry, providerName, modelID string, err error) {
	if entry.Aborted() || IsCancellation(err) {
		content := entry.Content()
		var status *models.ApprovalStatus
		if len(entry.ToolCalls()) > 0 {
			denied := models.ApprovalDenied
			status = &denied
		}
		l.countRound(providerName, modelID, "interrupted")
		l.persistInterrupted(ctx, sessionID, entry.AssistantID(), providerName+":"+modelID, content, status)
		return
	}

	l.logger.Error(ctx, "provider stream failed", "session_id", sessionID, "error", err)
	l.countRound(providerName, modelID, "error")
	l.registry.PushEvent(sessionID, models.Event{Type: models.EventError, Error: StreamErrorFrom(err)})
	l.registry.ScheduleRemoval(sessionID)
}

// failRound surfaces an internal failure as a terminal error event.
func (l *Loop) failRound(ctx context.Context, sessionID, modelRef string, err error) {
	l.logger.Error(ctx, "round failed", "session_id", sessionID, "model", modelRef, "error", err)
	l.registry.PushEvent(sessionID, models.Event{Type: models.EventError, Error: StreamErrorFrom(err)})
	l.registry.ScheduleRemoval(sessionID)
}

// patchUserRawTokens back-fills the newest user message's raw input token
// count from the round's usage, once.
func (l *Loop) patchUserRawTokens(ctx context.Context, msgs []*models.Message, inputTokens int) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != models.RoleUser {
			continue
		}
		if msgs[i].RawTokenCount == 0 && inputTokens > 0 {
			raw := inputTokens
			if err := l.store.UpdateMessage(ctx, msgs[i].ID, store.MessagePatch{RawTokenCount: &raw}); err != nil {
				l.logger.Warn(ctx, "failed to patch user raw token count", "message_id", msgs[i].ID, "error", err)
			}
		}
		return
	}
}

func (l *Loop) countRound(provider, model, status string) {
	if l.metrics != nil {
		l.metrics.RoundCounter.WithLabelValues(provider, model, status).Inc()
	}
}

func (l *Loop) countTokens(provider, model string, usage models.TokenUsage) {
	if l.metrics != nil {
		l.metrics.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(usage.InputTokens))
		l.metrics.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(usage.OutputTokens))
	}
}

func (l *Loop) observeTool(name string, d time.Duration, err error) {
	if l.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	l.metrics.ToolExecutionCounter.WithLabelValues(name, status).Inc()
	l.metrics.ToolExecutionDuration.WithLabelValues(name).Observe(d.Seconds())
}
