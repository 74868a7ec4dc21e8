package providers

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hearthdev/hearth/internal/agent"
	"github.com/hearthdev/hearth/pkg/models"
)

func TestNewProviders_RequireAPIKey(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Error("anthropic provider must reject an empty API key")
	}
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Error("openai provider must reject an empty API key")
	}
}

func TestConvertAnthropicParts_RoleMapping(t *testing.T) {
	parts := []models.PromptPart{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "thinking", ToolCalls: []models.ToolCall{
			{ID: "tc1", Name: "shell", Arguments: json.RawMessage(`{"command":"ls"}`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "tc1", Output: "file.txt"},
		}},
	}

	msgs, err := convertAnthropicParts(parts)
	if err != nil {
		t.Fatalf("convertAnthropicParts: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	// Tool results ride on user-role messages in the Anthropic API.
	if msgs[2].Role != "user" {
		t.Errorf("tool part role = %s, want user", msgs[2].Role)
	}
}

func TestConvertAnthropicParts_RejectsBadToolArguments(t *testing.T) {
	parts := []models.PromptPart{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "tc1", Name: "shell", Arguments: json.RawMessage(`not json`)},
		}},
	}
	if _, err := convertAnthropicParts(parts); err == nil {
		t.Error("expected error for malformed tool arguments")
	}
}

func TestConvertOpenAIParts(t *testing.T) {
	parts := []models.PromptPart{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "tc1", Name: "shell", Arguments: json.RawMessage(`{}`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "tc1", Output: "done"},
			{ToolCallID: "tc2", Output: "also done"},
		}},
	}

	msgs := convertOpenAIParts(parts, "be helpful")
	// system + user + assistant + one message per tool result
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "be helpful" {
		t.Errorf("system message = %+v", msgs[0])
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Function.Name != "shell" {
		t.Errorf("assistant tool calls = %+v", msgs[2].ToolCalls)
	}
	if msgs[3].Role != openai.ChatMessageRoleTool || msgs[3].ToolCallID != "tc1" {
		t.Errorf("tool result message = %+v", msgs[3])
	}
	if msgs[4].ToolCallID != "tc2" {
		t.Errorf("second tool result = %+v", msgs[4])
	}
}

func TestConvertOpenAIParts_Vision(t *testing.T) {
	parts := []models.PromptPart{
		{Role: models.RoleUser, Content: "what is this", Images: []string{"https://example.com/cat.png"}},
	}
	msgs := convertOpenAIParts(parts, "")
	if len(msgs) != 1 || len(msgs[0].MultiContent) != 2 {
		t.Fatalf("vision message = %+v", msgs)
	}
	if msgs[0].MultiContent[1].Type != openai.ChatMessagePartTypeImageURL {
		t.Errorf("second content part = %+v", msgs[0].MultiContent[1])
	}
}

func TestConvertOpenAITools(t *testing.T) {
	tools := convertOpenAITools([]agent.ToolDescriptor{
		{Name: "browser", Description: "drive a browser", Schema: json.RawMessage(`{"type":"object"}`)},
	})
	if len(tools) != 1 {
		t.Fatalf("got %d tools", len(tools))
	}
	if tools[0].Function.Name != "browser" || tools[0].Type != openai.ToolTypeFunction {
		t.Errorf("tool = %+v", tools[0])
	}
}

func TestParseDataURL(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		mediaType string
		data      string
		ok        bool
	}{
		{name: "valid png", in: "data:image/png;base64,iVBORw0KGgo=", mediaType: "image/png", data: "iVBORw0KGgo=", ok: true},
		{name: "plain url", in: "https://example.com/a.png", ok: false},
		{name: "not base64", in: "data:image/png,rawdata", ok: false},
		{name: "missing media type", in: "data:;base64,AAAA", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mediaType, data, ok := parseDataURL(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && (mediaType != tt.mediaType || data != tt.data) {
				t.Errorf("got %q %q", mediaType, data)
			}
		})
	}
}
