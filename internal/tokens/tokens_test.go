package tokens

import (
	"strings"
	"testing"

	"github.com/hearthdev/hearth/pkg/models"
)

func TestCount(t *testing.T) {
	if got := Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}

	short := Count("hello")
	long := Count(strings.Repeat("hello world ", 100))
	if short <= 0 {
		t.Errorf("Count(short) = %d, want > 0", short)
	}
	if long <= short {
		t.Errorf("longer text should count more tokens: short=%d long=%d", short, long)
	}
}

func TestCountMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  *models.Message
		min  int
	}{
		{
			name: "nil message",
			msg:  nil,
			min:  0,
		},
		{
			name: "stored token count wins",
			msg:  &models.Message{Content: strings.Repeat("x", 1000), TokenCount: 7},
			min:  7,
		},
		{
			name: "raw token count used when no estimate",
			msg:  &models.Message{Content: strings.Repeat("x", 1000), RawTokenCount: 9},
			min:  9,
		},
		{
			name: "tool calls and results included",
			msg: &models.Message{
				Role:      models.RoleAssistant,
				ToolCalls: []models.ToolCall{{ID: "tc1", Name: "shell", Arguments: []byte(`{"command":"ls -la /tmp"}`)}},
				ToolResults: []models.ToolResult{
					{ToolCallID: "tc1", Output: strings.Repeat("file.txt\n", 20)},
				},
			},
			min: perMessageOverhead + 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CountMessage(tt.msg)
			if tt.msg == nil {
				if got != 0 {
					t.Errorf("CountMessage(nil) = %d, want 0", got)
				}
				return
			}
			if tt.msg.TokenCount > 0 {
				if got != tt.msg.TokenCount {
					t.Errorf("CountMessage = %d, want stored %d", got, tt.msg.TokenCount)
				}
				return
			}
			if tt.msg.RawTokenCount > 0 && tt.msg.TokenCount == 0 {
				if got != tt.msg.RawTokenCount {
					t.Errorf("CountMessage = %d, want raw %d", got, tt.msg.RawTokenCount)
				}
				return
			}
			if got < tt.min {
				t.Errorf("CountMessage = %d, want >= %d", got, tt.min)
			}
		})
	}
}

func TestCountMessagesSums(t *testing.T) {
	msgs := []*models.Message{
		{Content: "hello", TokenCount: 3},
		{Content: "world", TokenCount: 4},
	}
	if got := CountMessages(msgs); got != 7 {
		t.Errorf("CountMessages = %d, want 7", got)
	}
}
