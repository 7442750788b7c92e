package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/qri-io/jsonschema"
)

// ToolRegistry maps tool names to their handlers. It is safe for concurrent use.
//
// Sessions take a snapshot of the registry when they answer initialize, so tools
// registered afterwards are only visible to sessions negotiated later.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

type registeredTool struct {
	tool    Tool
	schema  *jsonschema.Schema
	handler ToolHandler
}

type toolSnapshot map[string]registeredTool

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]registeredTool)}
}

// Register adds a tool. It fails with ErrDuplicateTool if the name is already taken, and
// rejects input schemas that do not compile.
func (r *ToolRegistry) Register(tool Tool, handler ToolHandler) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler is required", tool.Name)
	}

	rt := registeredTool{
		tool: Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: slices.Clone(tool.InputSchema),
		},
		handler: handler,
	}
	if len(tool.InputSchema) > 0 {
		rt.schema = &jsonschema.Schema{}
		if err := json.Unmarshal(tool.InputSchema, rt.schema); err != nil {
			return fmt.Errorf("tool %q: invalid input schema: %w", tool.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[tool.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name)
	}
	r.tools[tool.Name] = rt
	return nil
}

// Resolve returns the handler registered under name.
func (r *ToolRegistry) Resolve(name string) (ToolHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return rt.handler, nil
}

// Tools lists the registered tool descriptors sorted by name.
func (r *ToolRegistry) Tools() []Tool {
	return r.snapshot().list()
}

func (r *ToolRegistry) snapshot() toolSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(toolSnapshot, len(r.tools))
	for name, rt := range r.tools {
		snap[name] = rt
	}
	return snap
}

func (s toolSnapshot) list() []Tool {
	tools := make([]Tool, 0, len(s))
	for _, rt := range s {
		tools = append(tools, rt.tool)
	}
	slices.SortFunc(tools, func(a, b Tool) int { return strings.Compare(a.Name, b.Name) })
	return tools
}

func (s toolSnapshot) resolve(name string) (registeredTool, error) {
	rt, ok := s[name]
	if !ok {
		return registeredTool{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return rt, nil
}

// validate checks arguments against the tool's input schema.
func (rt registeredTool) validate(ctx context.Context, arguments json.RawMessage) error {
	if rt.schema == nil {
		return nil
	}
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	keyErrs, err := rt.schema.ValidateBytes(ctx, arguments)
	if err != nil {
		return fmt.Errorf("failed to validate arguments: %w", err)
	}
	if len(keyErrs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(keyErrs))
	for _, ke := range keyErrs {
		msgs = append(msgs, ke.Error())
	}
	return fmt.Errorf("params validation failed: %s", strings.Join(msgs, ", "))
}
