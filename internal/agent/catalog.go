package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/hearthdev/hearth/internal/settings"
	"github.com/hearthdev/hearth/internal/store"
)

// ModelInfo describes a known model's capabilities.
type ModelInfo struct {
	// Ref is the canonical "provider:model-id".
	Ref string `json:"ref"`

	// Name is the human-readable model name.
	Name string `json:"name"`

	// ContextWindow is the maximum token context size.
	ContextWindow int `json:"context_window"`

	// SupportsVision indicates the model accepts images.
	SupportsVision bool `json:"supports_vision"`
}

// catalog lists the models the runtime knows capabilities for. Unknown refs
// still work for generation; they just get no context window, which disables
// auto-compaction.
var catalog = map[string]ModelInfo{
	"anthropic:claude-opus-4-1-20250805": {
		Ref:            "anthropic:claude-opus-4-1-20250805",
		Name:           "Claude Opus 4.1",
		ContextWindow:  200_000,
		SupportsVision: true,
	},
	"anthropic:claude-sonnet-4-20250514": {
		Ref:            "anthropic:claude-sonnet-4-20250514",
		Name:           "Claude Sonnet 4",
		ContextWindow:  200_000,
		SupportsVision: true,
	},
	"anthropic:claude-3-5-haiku-20241022": {
		Ref:            "anthropic:claude-3-5-haiku-20241022",
		Name:           "Claude 3.5 Haiku",
		ContextWindow:  200_000,
		SupportsVision: true,
	},
	"openai:gpt-4o": {
		Ref:            "openai:gpt-4o",
		Name:           "GPT-4o",
		ContextWindow:  128_000,
		SupportsVision: true,
	},
	"openai:gpt-4o-mini": {
		Ref:            "openai:gpt-4o-mini",
		Name:           "GPT-4o mini",
		ContextWindow:  128_000,
		SupportsVision: true,
	},
	"openai:o3-mini": {
		Ref:           "openai:o3-mini",
		Name:          "o3-mini",
		ContextWindow: 200_000,
	},
}

// LookupModel returns capability info for a "provider:model-id" ref.
func LookupModel(ref string) (ModelInfo, bool) {
	info, ok := catalog[ref]
	return info, ok
}

// ContextWindow returns the model's context window, or 0 when unknown.
func ContextWindow(ref string) int {
	if info, ok := catalog[ref]; ok {
		return info.ContextWindow
	}
	return 0
}

// KnownModels returns the catalog entries in no particular order.
func KnownModels() []ModelInfo {
	out := make([]ModelInfo, 0, len(catalog))
	for _, info := range catalog {
		out = append(out, info)
	}
	return out
}

// SplitModelRef splits "provider:model-id" into its halves. A ref without a
// colon is rejected rather than guessed at.
func SplitModelRef(ref string) (provider, modelID string, err error) {
	idx := strings.IndexByte(ref, ':')
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", fmt.Errorf("malformed model ref %q, want provider:model-id", ref)
	}
	return ref[:idx], ref[idx+1:], nil
}

// ResolveSessionModel returns the session's model ref, lazily migrating
// legacy rows with an empty model to the configured default. The migration
// is persisted so it happens once per session.
func ResolveSessionModel(ctx context.Context, s store.Store, cfg *settings.Service, sessionID, current string) (string, error) {
	if current != "" {
		return current, nil
	}
	def := cfg.DefaultModel(ctx)
	if def == "" {
		return "", fmt.Errorf("session %s has no model and no default_model is configured", sessionID)
	}
	if err := s.UpdateSession(ctx, sessionID, store.SessionPatch{Model: &def}); err != nil {
		return "", fmt.Errorf("migrate session model: %w", err)
	}
	return def, nil
}
