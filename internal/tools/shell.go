package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Timeout bounds for one shell run.
const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 300 * time.Second
)

// maxShellOutput caps the output returned to the model.
const maxShellOutput = 30_000

// ShellTool runs one shell command with a bounded timeout.
type ShellTool struct {
	workDir string
}

// NewShellTool creates the shell tool. workDir may be empty to inherit the
// process working directory.
func NewShellTool(workDir string) *ShellTool {
	return &ShellTool{workDir: workDir}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command and return its output. Commands time out after 30 seconds by default, 300 seconds maximum."
}

func (t *ShellTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {
				"type": "string",
				"minLength": 1,
				"description": "Shell command to execute."
			},
			"timeout_seconds": {
				"type": "integer",
				"minimum": 1,
				"maximum": 300,
				"description": "Timeout in seconds (default 30, max 300)."
			}
		},
		"required": ["command"],
		"additionalProperties": false
	}`)
}

func (t *ShellTool) Execute(ctx context.Context, sessionID string, args json.RawMessage) (string, error) {
	var input struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return "", fmt.Errorf("invalid parameters: %v", err)
	}
	if strings.TrimSpace(input.Command) == "" {
		return "", errors.New("command is required")
	}

	timeout := defaultShellTimeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", input.Command)
	cmd.Dir = t.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", timeout)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", fmt.Errorf("command failed to start: %v", err)
		}
	}

	payload, marshalErr := json.MarshalIndent(map[string]any{
		"stdout":      truncateOutput(stdout.String()),
		"stderr":      truncateOutput(stderr.String()),
		"exit_code":   exitCode,
		"duration_ms": elapsed.Milliseconds(),
	}, "", "  ")
	if marshalErr != nil {
		return "", marshalErr
	}
	return string(payload), nil
}

func truncateOutput(s string) string {
	if len(s) <= maxShellOutput {
		return s
	}
	return s[:maxShellOutput] + "\n... output truncated ..."
}
