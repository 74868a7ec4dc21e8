package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"context window exceeded", errors.New("prompt is too long: 210000 tokens > 200000 maximum context"), CodeContextLimit},
		{"anthropic context phrasing", errors.New("input length and `max_tokens` exceed context limit"), CodeContextLimit},
		{"rate limited", errors.New("429 Too Many Requests"), CodeRateLimit},
		{"overloaded", errors.New("Overloaded"), CodeRateLimit},
		{"bad key", errors.New("401 Unauthorized: invalid x-api-key"), CodeAuthError},
		{"forbidden", errors.New("permission denied for model"), CodeAuthError},
		{"upstream 500", errors.New("500 internal server error"), CodeProviderError},
		{"network", errors.New("dial tcp: connection refused"), CodeProviderError},
		{"timeout", errors.New("request timeout after 120s"), CodeProviderError},
		{"mystery", errors.New("something odd happened"), CodeUnknown},
		{"nil", nil, CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorCode_Recoverable(t *testing.T) {
	recoverable := map[ErrorCode]bool{
		CodeContextLimit:  true,
		CodeRateLimit:     true,
		CodeProviderError: true,
		CodeAuthError:     false,
		CodeUnknown:       false,
	}
	for code, want := range recoverable {
		if got := code.Recoverable(); got != want {
			t.Errorf("%s.Recoverable() = %v, want %v", code, got, want)
		}
	}
}

func TestStreamErrorFrom(t *testing.T) {
	se := StreamErrorFrom(errors.New("rate limit exceeded, retry later"))
	if se.Code != "RATE_LIMIT" || !se.Recoverable {
		t.Errorf("StreamErrorFrom = %+v", se)
	}
	if se.Message == "" {
		t.Error("message must carry the original error text")
	}
}

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(context.Canceled) {
		t.Error("context.Canceled is a cancellation")
	}
	if !IsCancellation(fmt.Errorf("stream closed: %w", context.Canceled)) {
		t.Error("wrapped cancels must be recognised")
	}
	if IsCancellation(context.DeadlineExceeded) {
		t.Error("a deadline expiry is a timeout, not a user cancel")
	}
	if IsCancellation(errors.New("cancelled by provider")) {
		t.Error("message matching must not classify cancels")
	}
}
