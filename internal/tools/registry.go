package tools

import (
	"context"
	"strings"
	"sync"
)

// MCPPrefix namespaces bridge tools: mcp__<serverId>__<toolName>.
const MCPPrefix = "mcp__"

// MCPToolName builds the registry name for a bridged MCP tool.
func MCPToolName(serverID, toolName string) string {
	return MCPPrefix + serverID + "__" + toolName
}

// Parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolInputSize is the maximum size of tool input JSON (10MB).
	MaxToolInputSize = 10 << 20
)

// Registry manages available tools with thread-safe registration and lookup.
// It holds built-ins, loaded plugins, and MCP bridge tools; MCP tools can be
// re-registered per server after a discovery refresh without disturbing the
// rest.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool by name, replacing any existing tool of that name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools for passing to LLM providers.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// ReplaceServerTools swaps all bridge tools of one MCP server in a single
// critical section, leaving built-ins and other servers untouched.
func (r *Registry) ReplaceServerTools(serverID string, tools []Tool) {
	prefix := MCPPrefix + serverID + "__"
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.tools {
		if strings.HasPrefix(name, prefix) {
			delete(r.tools, name)
		}
	}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
}

// Execute runs a tool by name, validating the input against the tool schema
// first. Model-visible failures come back as error results, not Go errors.
func (r *Registry) Execute(ctx context.Context, name string, inv *Invocation) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength), nil
	}
	if len(inv.Input) > MaxToolInputSize {
		return Errorf("tool input exceeds maximum size of %d bytes", MaxToolInputSize), nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindNotFound, ToolName: name, Cause: ErrToolNotFound}
	}

	if err := ValidateInput(tool.Schema(), inv.Input); err != nil {
		return Errorf("invalid input for %s: %v", name, err), nil
	}
	return tool.Execute(ctx, inv)
}

// Names returns the sorted-insensitive set of registered names, mainly for
// logging and tests.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
