// Package agent runs the conversational loop: it assembles the prompt,
// streams a model turn, executes the tools the model requested, and repeats
// until the model finishes or the iteration limit is hit.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// Provider is a streaming LLM backend. Implementations must be safe for
// concurrent use; each Complete call owns its own stream.
type Provider interface {
	// Complete sends a request and returns a channel of streamed chunks.
	// Errors before the first byte are returned directly and may be retried
	// by the caller; errors mid-stream arrive as chunk errors and must not
	// be retried.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name identifies the provider for routing and logging.
	Name() string
}

// CompletionRequest is one model turn.
type CompletionRequest struct {
	Model           string              `json:"model"`
	System          string              `json:"system,omitempty"`
	Messages        []CompletionMessage `json:"messages"`
	Tools           []ToolSpec          `json:"tools,omitempty"`
	MaxTokens       int                 `json:"max_tokens,omitempty"`
	EnableReasoning bool                `json:"enable_reasoning,omitempty"`
	ReasoningBudget int                 `json:"reasoning_budget,omitempty"`
}

// CompletionMessage is one transcript entry in provider-neutral form.
// Role is one of system, user, assistant, tool. Timestamp carries the
// persisted creation time for entries loaded from the store; entries
// synthesized mid-turn leave it zero.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []ToolRequest       `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	Timestamp   time.Time           `json:"-"`
}

// ToolSpec is a tool definition offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
}

// ToolRequest is a complete tool invocation requested by the model.
type ToolRequest struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// CompletionChunk is one streamed fragment of a model turn. Tool calls are
// emitted only once fully assembled.
type CompletionChunk struct {
	Text           string       `json:"text,omitempty"`
	Reasoning      string       `json:"reasoning,omitempty"`
	ReasoningStart bool         `json:"reasoning_start,omitempty"`
	ReasoningEnd   bool         `json:"reasoning_end,omitempty"`
	ToolCall       *ToolRequest `json:"tool_call,omitempty"`
	Done           bool         `json:"done,omitempty"`
	InputTokens    int          `json:"input_tokens,omitempty"`
	OutputTokens   int          `json:"output_tokens,omitempty"`
	Error          error        `json:"-"`
}
