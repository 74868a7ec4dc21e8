package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/hearthdev/hearth/pkg/models"
)

const titlePrompt = "Write a short title (at most six words) for a conversation that starts with the following message. Reply with the title only, no quotes, no trailing punctuation.\n\n"

// maxTitleLen bounds the stored session title.
const maxTitleLen = 80

// GenerateTitle asks the model for a short session title based on the first
// user message. Runs in the background after the first turn; callers ignore
// failures.
func GenerateTitle(ctx context.Context, provider Provider, modelRef, firstUserMessage string) (string, error) {
	_, modelID, err := SplitModelRef(modelRef)
	if err != nil {
		return "", err
	}

	req := &Request{
		Model:     modelID,
		Parts:     []models.PromptPart{models.UserPart(titlePrompt + firstUserMessage)},
		MaxTokens: 64,
	}
	text, _, err := provider.GenerateResponse(ctx, req)
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}

	title := sanitizeTitle(text)
	if title == "" {
		return "", fmt.Errorf("model returned an empty title")
	}
	return title, nil
}

func sanitizeTitle(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.Trim(s, `"'`)
	s = strings.TrimRight(s, ".!")
	s = strings.TrimSpace(s)
	if len(s) > maxTitleLen {
		s = strings.TrimSpace(s[:maxTitleLen])
	}
	return s
}
