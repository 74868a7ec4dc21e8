// Package tools implements the session-scoped tools the agent loop can
// invoke, behind a registry that validates every call against its tool's
// JSON schema before anything executes.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hearthdev/hearth/internal/agent"
	"github.com/hearthdev/hearth/internal/observability"
)

// Tool is one callable capability. Execute is scoped to a session so tools
// can reach per-session resources (the browser stack, the image buffer).
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, sessionID string, args json.RawMessage) (string, error)
}

// Registry holds the registered tools and implements agent.ToolExecutor.
// Schemas are compiled once at registration.
type Registry struct {
	logger *observability.Logger

	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	order   []string
}

// NewRegistry creates an empty registry. logger may be nil.
func NewRegistry(logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Registry{
		logger:  logger,
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its schema. Duplicate names and invalid
// schemas are registration errors, not call-time surprises.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tools: tool has no name")
	}

	schema, err := jsonschema.CompileString(name+".json", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("tools: compile schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tools: %s already registered", name)
	}
	r.tools[name] = tool
	r.schemas[name] = schema
	r.order = append(r.order, name)
	return nil
}

// Definitions implements agent.ToolExecutor, in registration order.
func (r *Registry) Definitions() []agent.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]agent.ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		defs = append(defs, agent.ToolDescriptor{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return defs
}

// Validate implements agent.ToolExecutor: unknown tools and schema-invalid
// arguments both fail, before any execution starts.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}

	var payload any
	if len(args) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(args, &payload); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %v", err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("invalid arguments for %s: %v", name, err)
	}
	return nil
}

// Execute implements agent.ToolExecutor.
func (r *Registry) Execute(ctx context.Context, sessionID, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}

	r.logger.Debug(ctx, "executing tool", "tool", name, "session_id", sessionID)
	return tool.Execute(ctx, sessionID, args)
}
