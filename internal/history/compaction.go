package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hearthdev/hearth/internal/agent"
	"github.com/hearthdev/hearth/internal/observability"
	"github.com/hearthdev/hearth/internal/settings"
	"github.com/hearthdev/hearth/internal/store"
	"github.com/hearthdev/hearth/internal/tokens"
	"github.com/hearthdev/hearth/pkg/models"
)

// minMessagesToCompact is the floor below which compaction is refused; a
// summary of one exchange would lose more than it saves.
const minMessagesToCompact = 4

// toolResultTranscriptLimit caps tool output length in the summarisation
// transcript.
const toolResultTranscriptLimit = 500

// summaryMaxTokens bounds the summarisation response.
const summaryMaxTokens = 2048

// ErrNotEnoughMessages is returned when a session is too short to compact.
var ErrNotEnoughMessages = errors.New("Not enough messages to compact")

const summarizePreamble = `Summarize the conversation below into a compact context brief. Preserve key facts, decisions, tool results, open questions, and commitments. Keep identifiers, paths, and numbers exact. Write plain prose without headers.

`

// Manager implements agent.ContextManager: it rebuilds prompts from durable
// history and compacts sessions whose context is close to full.
type Manager struct {
	store     store.Store
	settings  *settings.Service
	providers agent.ProviderSet
	logger    *observability.Logger
	metrics   *observability.Metrics

	// windowFor resolves a model ref to its context window. Overridable in
	// tests; defaults to the model catalog.
	windowFor func(modelRef string) int
}

// NewManager wires a context manager over the given store and providers.
// metrics may be nil.
func NewManager(s store.Store, cfg *settings.Service, providers agent.ProviderSet, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Manager{
		store:     s,
		settings:  cfg,
		providers: providers,
		logger:    logger,
		metrics:   metrics,
		windowFor: agent.ContextWindow,
	}
}

// BuildHistory implements agent.ContextManager.
func (m *Manager) BuildHistory(messages []*models.Message) []models.PromptPart {
	return BuildHistory(messages)
}

// AutoCompactIfNeeded compacts the session when the last round consumed the
// configured share of the model's context window. Failures are logged and
// swallowed: auto-compaction must never break a turn that already succeeded.
func (m *Manager) AutoCompactIfNeeded(ctx context.Context, sessionID, modelRef string, lastUsage models.TokenUsage) *models.Message {
	window := m.windowFor(modelRef)
	if window <= 0 {
		return nil
	}
	threshold := m.settings.AutoThreshold(ctx)
	if lastUsage.Total() < window*threshold/100 {
		return nil
	}

	m.logger.Info(ctx, "auto-compaction triggered",
		"session_id", sessionID,
		"used_tokens", lastUsage.Total(),
		"context_window", window,
		"threshold_pct", threshold)

	compaction, err := m.compact(ctx, sessionID, modelRef, window, "auto")
	if err != nil {
		m.logger.Warn(ctx, "auto-compaction failed", "session_id", sessionID, "error", err)
		return nil
	}
	return compaction
}

// CompactSession summarises the session's history, appends a compaction
// message, and returns it. Sessions shorter than four messages return
// ErrNotEnoughMessages.
func (m *Manager) CompactSession(ctx context.Context, sessionID, modelRef string) (*models.Message, error) {
	window := m.windowFor(modelRef)
	return m.compact(ctx, sessionID, modelRef, window, "manual")
}

func (m *Manager) compact(ctx context.Context, sessionID, modelRef string, window int, trigger string) (*models.Message, error) {
	compaction, err := m.compactOnce(ctx, sessionID, modelRef, window)
	if m.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		m.metrics.CompactionCounter.WithLabelValues(trigger, status).Inc()
	}
	return compaction, err
}

func (m *Manager) compactOnce(ctx context.Context, sessionID, modelRef string, window int) (*models.Message, error) {
	_, messages, err := m.store.GetConversation(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(messages) < minMessagesToCompact {
		return nil, ErrNotEnoughMessages
	}

	providerName, modelID, err := agent.SplitModelRef(modelRef)
	if err != nil {
		return nil, err
	}
	provider := m.providers.Get(providerName)
	if provider == nil {
		return nil, fmt.Errorf("history: no provider registered for %q", providerName)
	}

	verbatim := CalculateVerbatimCount(messages, window, m.settings.VerbatimBudget(ctx))
	summarised := messages[:len(messages)-verbatim]

	prompt := summarizePreamble + RenderTranscript(summarised)
	summary, usage, err := provider.GenerateResponse(ctx, &agent.Request{
		Model:     modelID,
		Parts:     []models.PromptPart{models.UserPart(prompt)},
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("history: summarisation failed: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, errors.New("history: summarisation returned empty text")
	}

	vc := verbatim
	compaction := &models.Message{
		Role:          models.RoleCompaction,
		Content:       summary,
		Timestamp:     models.NowMillis(),
		VerbatimCount: &vc,
		TokenCount:    tokens.Count(summary),
		RawTokenCount: usage.OutputTokens,
	}
	id, err := m.store.AddMessage(ctx, sessionID, compaction)
	if err != nil {
		return nil, err
	}
	compaction.ID = id
	compaction.SessionID = sessionID

	m.logger.Info(ctx, "session compacted",
		"session_id", sessionID,
		"summarised_messages", len(summarised),
		"verbatim_count", verbatim,
		"summary_tokens", compaction.TokenCount)
	return compaction, nil
}

// CalculateVerbatimCount walks the history backwards and counts how many
// trailing messages fit within the verbatim token budget, a percentage of the
// context window.
//
// Clamps, in order:
//   - budgetPct <= 0 keeps nothing verbatim
//   - an unknown context window falls back to a fixed count
//   - at least two messages stay unsummarised ahead of the tail
//   - at least min(2, len-2) messages stay verbatim
func CalculateVerbatimCount(messages []*models.Message, contextWindow, budgetPct int) int {
	n := len(messages)
	if n == 0 || budgetPct <= 0 {
		return 0
	}
	if contextWindow <= 0 {
		count := legacyVerbatimCount
		if count > n-2 {
			count = n - 2
		}
		if count < 0 {
			count = 0
		}
		return count
	}

	budget := contextWindow * budgetPct / 100
	count := 0
	total := 0
	for i := n - 1; i >= 2; i-- {
		cost := tokens.CountMessage(messages[i])
		if total+cost > budget {
			break
		}
		total += cost
		count++
	}

	floor := 2
	if n-2 < floor {
		floor = n - 2
	}
	if floor < 0 {
		floor = 0
	}
	if count < floor {
		count = floor
	}
	return count
}

// RenderTranscript flattens messages into the plain-text transcript handed to
// the summarisation model. Tool outputs are truncated; earlier summaries are
// folded in so chained compactions stay self-contained.
func RenderTranscript(messages []*models.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		line := renderTranscriptLine(msg)
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func renderTranscriptLine(msg *models.Message) string {
	switch msg.Role {
	case models.RoleCompaction:
		return "[Previous summary] " + msg.Content

	case models.RoleTool:
		segments := make([]string, 0, len(msg.ToolResults))
		for _, res := range msg.ToolResults {
			segments = append(segments, "[Tool result: "+truncate(res.Output, toolResultTranscriptLimit)+"]")
		}
		return strings.Join(segments, " ")

	case models.RoleAssistant:
		segments := []string{}
		if msg.Content != "" {
			segments = append(segments, msg.Content)
		}
		for _, call := range msg.ToolCalls {
			segments = append(segments, fmt.Sprintf("[Tool call: %s(%s)]", call.Name, string(call.Arguments)))
		}
		if len(segments) == 0 {
			return ""
		}
		return "Assistant: " + strings.Join(segments, " ")

	default:
		if msg.Content == "" {
			return ""
		}
		return "User: " + msg.Content
	}
}

// truncate caps s at limit bytes without splitting a multi-byte rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "..."
}
