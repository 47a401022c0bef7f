// Package tools defines the tool contract and the registry the agent runtime
// executes against. Built-in tools live in subpackages; plugin and MCP bridge
// tools are registered at runtime.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomhq/loom/internal/pathutil"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

// ApprovalPolicy controls whether a tool needs user approval before running.
type ApprovalPolicy string

const (
	// ApprovalAlways runs without asking.
	ApprovalAlways ApprovalPolicy = "always"
	// ApprovalRules consults the auto-approve rule matcher.
	ApprovalRules ApprovalPolicy = "rules"
	// ApprovalManual always waits for an explicit user decision.
	ApprovalManual ApprovalPolicy = "manual"
)

// Invocation carries the per-call environment a tool executes in.
type Invocation struct {
	Input        json.RawMessage
	ProjectID    string
	ProjectRoot  string
	ChatID       string
	CheckpointID string
	ToolCallID   string
	Store        *store.Store
	Resolver     *pathutil.Resolver
}

// FileEditDescriptor describes one filesystem mutation a tool performed.
// Original is the pre-edit content, nil when the file did not exist.
type FileEditDescriptor struct {
	Path     string
	Action   models.FileEditAction
	Diff     string
	Original *string
}

// Result is the outcome of a tool execution. Errors the model should see are
// reported with IsError=true rather than a Go error.
type Result struct {
	Content   string
	Preview   string
	FileEdits []FileEditDescriptor
	IsError   bool

	// Stop asks the agent loop to terminate the turn (submit_task).
	Stop bool
	// Pause asks the agent loop to stop and wait for user input (user_query).
	Pause bool
}

// Tool is one callable capability exposed to the model.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	// Must be a valid function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the tool does.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// ApprovalPolicy returns how approval is decided for this tool.
	ApprovalPolicy() ApprovalPolicy

	// Execute runs the tool. Input matches the schema returned by Schema().
	Execute(ctx context.Context, inv *Invocation) (*Result, error)
}

// Errorf formats a model-visible error result.
func Errorf(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}
