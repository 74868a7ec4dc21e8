package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hearthdev/hearth/internal/agent"
	"github.com/hearthdev/hearth/pkg/models"
)

// OpenAIConfig holds parameters for the OpenAI adapter. Only APIKey is
// required.
type OpenAIConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint, for Azure or proxies.
	BaseURL string

	// MaxRetries caps retry attempts on transient failures. Default 3.
	MaxRetries int

	// RetryDelay is the backoff base; actual delay doubles per attempt.
	// Default 1s.
	RetryDelay time.Duration
}

// OpenAIProvider adapts the OpenAI chat completions API to agent.Provider.
// Safe for concurrent use.
type OpenAIProvider struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIProvider validates the config and builds the adapter.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientConfig),
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
	}, nil
}

// Name implements agent.Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// GenerateStream opens a streaming chat completion and bridges the deltas
// into chunks. Tool call arguments stream as JSON fragments keyed by index
// and are emitted whole once the finish reason lands.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, req *agent.Request) (<-chan *agent.Chunk, error) {
	chatReq := p.buildRequest(req)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.openStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	chunks := make(chan *agent.Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		// Tool calls stream in fragments keyed by choice index.
		toolCalls := make(map[int]*models.ToolCall)
		order := []int{}
		var usage *models.TokenUsage

		flushToolCalls := func() {
			for _, idx := range order {
				tc := toolCalls[idx]
				if tc.ID != "" && tc.Name != "" {
					chunks <- &agent.Chunk{ToolCall: tc}
				}
			}
			toolCalls = make(map[int]*models.ToolCall)
			order = order[:0]
		}

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					flushToolCalls()
					if usage != nil {
						chunks <- &agent.Chunk{Usage: usage}
					}
					return
				}
				chunks <- &agent.Chunk{Error: fmt.Errorf("openai: %w", err)}
				return
			}

			if response.Usage != nil {
				usage = &models.TokenUsage{
					InputTokens:  response.Usage.PromptTokens,
					OutputTokens: response.Usage.CompletionTokens,
				}
			}
			if len(response.Choices) == 0 {
				continue
			}
			choice := response.Choices[0]

			if choice.Delta.Content != "" {
				chunks <- &agent.Chunk{Text: choice.Delta.Content}
			}

			for _, tc := range choice.Delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				if toolCalls[index] == nil {
					toolCalls[index] = &models.ToolCall{}
					order = append(order, index)
				}
				if tc.ID != "" {
					toolCalls[index].ID = tc.ID
				}
				if tc.Function.Name != "" {
					toolCalls[index].Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					toolCalls[index].Arguments = append(toolCalls[index].Arguments, tc.Function.Arguments...)
				}
			}

			if choice.FinishReason == openai.FinishReasonToolCalls {
				flushToolCalls()
			}
		}
	}()

	return chunks, nil
}

// GenerateResponse runs a single non-streaming chat completion.
func (p *OpenAIProvider) GenerateResponse(ctx context.Context, req *agent.Request) (string, models.TokenUsage, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", models.TokenUsage{}, errors.New("openai: response has no choices")
	}
	usage := models.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func (p *OpenAIProvider) openStream(ctx context.Context, chatReq openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			return stream, nil
		}
		if !retryableOpenAIError(lastErr) || attempt == p.maxRetries {
			return nil, lastErr
		}
		backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (p *OpenAIProvider) buildRequest(req *agent.Request) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIParts(req.Parts, req.System),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}
	return chatReq
}

// convertOpenAIParts maps prompt parts onto chat messages. Unlike Anthropic,
// the system prompt joins the message array and each tool result becomes a
// separate message with role "tool".
func convertOpenAIParts(parts []models.PromptPart, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(parts)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, part := range parts {
		switch part.Role {
		case models.RoleTool:
			for _, res := range part.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    res.Output,
					ToolCallID: res.ToolCallID,
				})
			}

		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: part.Content,
			}
			if len(part.ToolCalls) > 0 {
				msg.ToolCalls = make([]openai.ToolCall, len(part.ToolCalls))
				for i, call := range part.ToolCalls {
					msg.ToolCalls[i] = openai.ToolCall{
						ID:   call.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      call.Name,
							Arguments: string(call.Arguments),
						},
					}
				}
			}
			result = append(result, msg)

		default:
			if len(part.Images) > 0 {
				contentParts := make([]openai.ChatMessagePart, 0, len(part.Images)+1)
				if part.Content != "" {
					contentParts = append(contentParts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: part.Content,
					})
				}
				for _, image := range part.Images {
					contentParts = append(contentParts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    image,
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:         openai.ChatMessageRoleUser,
					MultiContent: contentParts,
				})
				continue
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: part.Content,
			})
		}
	}

	return result
}

func convertOpenAITools(tools []agent.ToolDescriptor) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.Schema),
			},
		}
	}
	return result
}

func retryableOpenAIError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused")
}
