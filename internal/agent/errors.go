package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/hearthdev/hearth/pkg/models"
)

// ErrorCode categorizes a provider failure for clients deciding whether and
// how to retry.
type ErrorCode string

const (
	// CodeContextLimit means the prompt exceeded the model's context window.
	// Recoverable: compact and retry.
	CodeContextLimit ErrorCode = "CONTEXT_LIMIT"

	// CodeRateLimit means the provider throttled the request.
	// Recoverable: retry with backoff.
	CodeRateLimit ErrorCode = "RATE_LIMIT"

	// CodeAuthError means the API key is missing, invalid, or forbidden.
	CodeAuthError ErrorCode = "AUTH_ERROR"

	// CodeProviderError means a network failure or provider 5xx.
	// Recoverable: transient by nature.
	CodeProviderError ErrorCode = "PROVIDER_ERROR"

	// CodeUnknown is the fallback for anything unclassified.
	CodeUnknown ErrorCode = "UNKNOWN"
)

// Recoverable reports whether a client retry can plausibly succeed.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case CodeContextLimit, CodeRateLimit, CodeProviderError:
		return true
	default:
		return false
	}
}

// ClassifyError maps a provider error to an ErrorCode by inspecting its
// message. Pure function; the pattern lists live here and nowhere else.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg,
		"context length", "context_length", "context window",
		"maximum context", "prompt is too long", "too many tokens",
		"input length and `max_tokens` exceed"):
		return CodeContextLimit

	case containsAny(msg,
		"rate limit", "rate_limit", "too many requests", "overloaded",
		"429"):
		return CodeRateLimit

	case containsAny(msg,
		"unauthorized", "authentication", "invalid api key",
		"invalid_api_key", "invalid x-api-key", "permission denied",
		"401", "403"):
		return CodeAuthError

	case containsAny(msg,
		"internal server", "server error", "bad gateway",
		"service unavailable", "connection refused", "connection reset",
		"no such host", "eof", "timeout", "deadline exceeded",
		"500", "502", "503", "504", "529"):
		return CodeProviderError

	default:
		return CodeUnknown
	}
}

// StreamErrorFrom converts a provider error into the terminal error payload
// pushed to subscribers.
func StreamErrorFrom(err error) *models.StreamError {
	code := ClassifyError(err)
	return &models.StreamError{
		Message:     err.Error(),
		Code:        string(code),
		Recoverable: code.Recoverable(),
	}
}

// IsCancellation reports whether an error is a cooperative cancel rather
// than a provider failure. Deadline expiry is a timeout, not a user cancel.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
