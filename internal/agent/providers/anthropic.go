// Package providers implements the agent.Provider adapters for the LLM
// backends the runtime speaks to. Each adapter bridges the vendor SDK's
// native streaming into the tagged chunk stream the tool loop consumes.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hearthdev/hearth/internal/agent"
	"github.com/hearthdev/hearth/pkg/models"
)

// maxEmptyStreamEvents bounds consecutive no-op SSE events before the stream
// is treated as malformed.
const maxEmptyStreamEvents = 300

const defaultMaxTokens = 4096

// AnthropicConfig holds parameters for the Anthropic adapter. Only APIKey is
// required.
type AnthropicConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint, mainly for proxies.
	BaseURL string

	// MaxRetries caps retry attempts on transient failures. Default 3.
	MaxRetries int

	// RetryDelay is the backoff base; actual delay doubles per attempt.
	// Default 1s.
	RetryDelay time.Duration
}

// AnthropicProvider adapts the Anthropic Messages API to agent.Provider.
// Safe for concurrent use; each GenerateStream call owns its own stream and
// goroutine.
type AnthropicProvider struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicProvider validates the config and builds the adapter.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	// The SDK retries transient failures itself with exponential backoff.
	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:     anthropic.NewClient(options...),
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
	}, nil
}

// Name implements agent.Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// GenerateStream opens a streaming generation and bridges the SSE events
// into chunks. The returned channel closes when the stream ends; terminal
// failures arrive as a chunk with Error set.
func (p *AnthropicProvider) GenerateStream(ctx context.Context, req *agent.Request) (<-chan *agent.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.Chunk)
	go func() {
		defer close(chunks)

		stream := p.client.Messages.NewStreaming(ctx, params)

		var currentToolCall *models.ToolCall
		var currentToolInput strings.Builder
		usage := models.TokenUsage{}
		emptyEvents := 0

		for stream.Next() {
			event := stream.Current()
			processed := true

			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				if start.Message.Usage.InputTokens > 0 {
					usage.InputTokens = int(start.Message.Usage.InputTokens)
				}

			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
					currentToolInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						chunks <- &agent.Chunk{Text: delta.Text}
					} else {
						processed = false
					}
				case "input_json_delta":
					if delta.PartialJSON != "" {
						currentToolInput.WriteString(delta.PartialJSON)
					} else {
						processed = false
					}
				default:
					processed = false
				}

			case "content_block_stop":
				if currentToolCall != nil {
					currentToolCall.Arguments = json.RawMessage(currentToolInput.String())
					chunks <- &agent.Chunk{ToolCall: currentToolCall}
					currentToolCall = nil
				}

			case "message_delta":
				delta := event.AsMessageDelta()
				if delta.Usage.OutputTokens > 0 {
					usage.OutputTokens = int(delta.Usage.OutputTokens)
				}

			case "message_stop":
				u := usage
				chunks <- &agent.Chunk{Usage: &u}
				return

			case "error":
				chunks <- &agent.Chunk{Error: fmt.Errorf("anthropic: stream error")}
				return

			default:
				processed = false
			}

			if processed {
				emptyEvents = 0
			} else if emptyEvents++; emptyEvents >= maxEmptyStreamEvents {
				chunks <- &agent.Chunk{Error: fmt.Errorf("anthropic: malformed stream, %d consecutive empty events", emptyEvents)}
				return
			}
		}

		if err := stream.Err(); err != nil {
			chunks <- &agent.Chunk{Error: fmt.Errorf("anthropic: %w", err)}
		}
	}()

	return chunks, nil
}

// GenerateResponse runs a single non-streaming generation.
func (p *AnthropicProvider) GenerateResponse(ctx context.Context, req *agent.Request) (string, models.TokenUsage, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return "", models.TokenUsage{}, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := models.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return text.String(), usage, nil
}

func (p *AnthropicProvider) buildParams(req *agent.Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicParts(req.Parts)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertAnthropicParts maps prompt parts onto the API's content-block
// message shape. Tool results ride on user-role messages; tool calls on
// assistant-role messages.
func convertAnthropicParts(parts []models.PromptPart) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, part := range parts {
		var content []anthropic.ContentBlockParamUnion

		if part.Content != "" {
			content = append(content, anthropic.NewTextBlock(part.Content))
		}
		for _, image := range part.Images {
			if block, ok := anthropicImageBlock(image); ok {
				content = append(content, block)
			}
		}
		for _, res := range part.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(res.ToolCallID, res.Output, res.IsError))
		}
		for _, call := range part.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(call.Arguments, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call arguments for %s: %w", call.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if part.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func anthropicImageBlock(image string) (anthropic.ContentBlockParamUnion, bool) {
	if mediaType, data, ok := parseDataURL(image); ok {
		return anthropic.NewImageBlockBase64(mediaType, data), true
	}
	if strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") {
		return anthropic.ContentBlockParamUnion{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfURL: &anthropic.URLImageSourceParam{URL: image},
				},
			},
		}, true
	}
	return anthropic.ContentBlockParamUnion{}, false
}

func convertAnthropicTools(tools []agent.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

// parseDataURL splits a base64 data URI into media type and payload.
func parseDataURL(raw string) (string, string, bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	meta := strings.TrimPrefix(parts[0], "data:")
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, parts[1], true
}

