package models

// PromptPart is one entry in the prompt sent to an LLM provider. Parts are
// produced from durable messages by the history builder; compaction messages
// never become parts directly, only through the synthetic summary pair.
type PromptPart struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Images      []string     `json:"images,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// PartFromMessage converts a durable message to a prompt part, carrying over
// role, content, images, tool calls, and tool results.
func PartFromMessage(m *Message) PromptPart {
	return PromptPart{
		Role:        m.Role,
		Content:     m.Content,
		Images:      m.Images,
		ToolCalls:   m.ToolCalls,
		ToolResults: m.ToolResults,
	}
}

// UserPart builds a plain user prompt part.
func UserPart(content string) PromptPart {
	return PromptPart{Role: RoleUser, Content: content}
}

// AssistantPart builds a plain assistant prompt part.
func AssistantPart(content string) PromptPart {
	return PromptPart{Role: RoleAssistant, Content: content}
}
