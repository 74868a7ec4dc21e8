// Package history rebuilds LLM prompts from durable session history and
// compacts long conversations behind a summary cut-point.
package history

import (
	"github.com/hearthdev/hearth/pkg/models"
)

// Synthetic parts injected in place of the summarised prefix.
const (
	summaryPrefix = "[Summary of conversation prior to the messages below]\n"
	summaryAck    = "Understood. I have the context summary. The messages that follow continue from where the summary ends."
)

// legacyVerbatimCount is the tail size assumed for compaction messages
// written before VerbatimCount was stored.
const legacyVerbatimCount = 6

// BuildHistory converts the full ordered message list into the prompt parts
// sent to the LLM. When the history contains a compaction, the summarised
// prefix is replaced by a synthetic user/assistant pair and only the
// compaction's verbatim tail plus everything after it is emitted.
//
// Tool hygiene rules applied throughout:
//   - tool messages with no results are skipped
//   - a tool message whose every result id was already emitted is a
//     duplicate and is dropped
//   - leading tool messages after the compaction whose parent assistant was
//     summarised away are skipped
func BuildHistory(messages []*models.Message) []models.PromptPart {
	compactionIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleCompaction {
			compactionIdx = i
			break
		}
	}

	var parts []models.PromptPart
	emittedCallIDs := map[string]bool{}
	seenResultIDs := map[string]bool{}

	appendMessage := func(m *models.Message) {
		if m.Role == models.RoleCompaction {
			return
		}
		if m.Role == models.RoleTool {
			if len(m.ToolResults) == 0 {
				return
			}
			if allResultsSeen(m, seenResultIDs) {
				return
			}
			for _, res := range m.ToolResults {
				seenResultIDs[res.ToolCallID] = true
			}
		}
		for _, call := range m.ToolCalls {
			emittedCallIDs[call.ID] = true
		}
		parts = append(parts, models.PartFromMessage(m))
	}

	start := 0
	if compactionIdx >= 0 {
		compaction := messages[compactionIdx]
		parts = append(parts,
			models.UserPart(summaryPrefix+compaction.Content),
			models.AssistantPart(summaryAck),
		)

		verbatim := legacyVerbatimCount
		if compaction.VerbatimCount != nil {
			verbatim = *compaction.VerbatimCount
		}
		tailStart := compactionIdx - verbatim
		if tailStart < 0 {
			tailStart = 0
		}
		// An earlier compaction inside the tail clamps it: its own prefix is
		// already summarised.
		for i := compactionIdx - 1; i >= tailStart; i-- {
			if messages[i].Role == models.RoleCompaction {
				tailStart = i + 1
				break
			}
		}
		// Never split an assistant/tool pair at the tail boundary.
		for tailStart > 0 && messages[tailStart].Role == models.RoleTool {
			tailStart--
		}

		for i := tailStart; i < compactionIdx; i++ {
			appendMessage(messages[i])
		}
		start = compactionIdx + 1

		// Walk past leading tool messages whose parent assistant was
		// excluded by the compaction.
		for start < len(messages) && messages[start].Role == models.RoleTool &&
			!anyCallEmitted(messages[start], emittedCallIDs) {
			start++
		}
	}

	for i := start; i < len(messages); i++ {
		appendMessage(messages[i])
	}
	return parts
}

func allResultsSeen(m *models.Message, seen map[string]bool) bool {
	for _, res := range m.ToolResults {
		if !seen[res.ToolCallID] {
			return false
		}
	}
	return len(m.ToolResults) > 0
}

func anyCallEmitted(m *models.Message, emitted map[string]bool) bool {
	for _, res := range m.ToolResults {
		if emitted[res.ToolCallID] {
			return true
		}
	}
	return false
}
