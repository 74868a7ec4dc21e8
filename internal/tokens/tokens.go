// Package tokens provides token estimation for context budgeting.
//
// Estimates drive the compaction policy: the verbatim-tail budget walk and
// the auto-compaction trigger both compare message sizes against a model's
// context window. Accuracy within a few percent is enough; the provider's
// reported usage remains the source of truth after the fact.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/hearthdev/hearth/pkg/models"
)

// fallbackCharsPerToken is used when no tiktoken encoding is available
// (offline builds, unknown models). Four characters per token is the usual
// rule of thumb for English prose.
const fallbackCharsPerToken = 4

// perMessageOverhead accounts for role framing and separators the provider
// adds around each message.
const perMessageOverhead = 4

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// cl100k_base covers the GPT-4 family and is a close proxy for Claude
// tokenization; loading it is slow, so it is cached process-wide.
func baseEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// Count returns the estimated token count of a string.
func Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := baseEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + fallbackCharsPerToken - 1) / fallbackCharsPerToken
}

// CountMessage estimates the tokens a message contributes to the prompt,
// including its tool calls and results.
func CountMessage(m *models.Message) int {
	if m == nil {
		return 0
	}
	if m.TokenCount > 0 {
		return m.TokenCount
	}
	if m.RawTokenCount > 0 {
		return m.RawTokenCount
	}

	var b strings.Builder
	b.WriteString(m.Content)
	for _, tc := range m.ToolCalls {
		b.WriteString(tc.Name)
		b.Write(tc.Arguments)
	}
	for _, tr := range m.ToolResults {
		b.WriteString(tr.Output)
	}
	return Count(b.String()) + perMessageOverhead
}

// CountMessages sums CountMessage over a slice.
func CountMessages(msgs []*models.Message) int {
	total := 0
	for _, m := range msgs {
		total += CountMessage(m)
	}
	return total
}
