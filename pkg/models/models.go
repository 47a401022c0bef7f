// Package models defines the shared entity types persisted by the store and
// exchanged between the agent runtime, the memory scheduler, and the HTTP
// surface.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Project is a workspace directory the assistant operates in. It owns chats;
// deleting a project cascades to everything below it.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SortOrder int       `json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chat is a single conversation within a project.
type Chat struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title,omitempty"`
	Pinned    bool      `json:"pinned"`
	SortOrder int       `json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attachment is a multimodal payload carried by a message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, document
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"` // base64 when inline
	MimeType string `json:"mime_type,omitempty"`
}

// Message is one entry in a chat transcript. User messages carry the
// checkpoint they created; assistant and tool messages carry the checkpoint
// of the user message that initiated the turn.
type Message struct {
	ID           string       `json:"id"`
	ChatID       string       `json:"chat_id"`
	Role         Role         `json:"role"`
	Content      string       `json:"content"`
	CheckpointID string       `json:"checkpoint_id,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults  []ToolResult `json:"tool_results,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Checkpoint labels a user message as a revert point. All agent-produced
// state downstream of that message references the checkpoint.
type Checkpoint struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolCallStatus is the lifecycle state of a tool call.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallRejected  ToolCallStatus = "rejected"
	ToolCallError     ToolCallStatus = "error"
)

// ToolCall is a persisted tool invocation requested by the model.
// Valid transitions: pending → running → {completed | error}; pending may
// also go directly to rejected (user denial, cancellation) or error
// (execution failure during manual approval).
type ToolCall struct {
	ID              string          `json:"id"`
	ChatID          string          `json:"chat_id"`
	CheckpointID    string          `json:"checkpoint_id,omitempty"`
	Name            string          `json:"name"`
	Status          ToolCallStatus  `json:"status"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          string          `json:"output,omitempty"`
	ParallelGroupID string          `json:"parallel_group_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DurationMS      int64           `json:"duration_ms,omitempty"`
}

// ToolResult is the in-memory outcome of a tool execution fed back to the
// model. The persisted form lives on the ToolCall row.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// FileEditAction describes what a file edit did to the target path.
type FileEditAction string

const (
	FileCreated  FileEditAction = "created"
	FileModified FileEditAction = "modified"
	FileDeleted  FileEditAction = "deleted"
)

// FileEdit records one filesystem mutation made by a tool, with the unified
// diff and a link to the pre-edit snapshot used for rollback.
type FileEdit struct {
	ID           string         `json:"id"`
	ChatID       string         `json:"chat_id"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	ToolCallID   string         `json:"tool_call_id,omitempty"`
	Path         string         `json:"path"`
	Action       FileEditAction `json:"action"`
	Diff         string         `json:"diff,omitempty"`
	SnapshotID   string         `json:"snapshot_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// FileSnapshot is the immutable pre-edit content of a file. Content is nil
// when the edit created the file from nothing; reverting such an edit
// unlinks the file.
type FileSnapshot struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chat_id"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	FileEditID   string    `json:"file_edit_id,omitempty"`
	Path         string    `json:"path"`
	Content      *string   `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReasoningBlock is a persisted extended-thinking segment from the model.
type ReasoningBlock struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chat_id"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	Content      string    `json:"content"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	TokenCount   int       `json:"token_count,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ToolArtifact points at an oversized tool output spilled to disk.
type ToolArtifact struct {
	ID           string    `json:"id"`
	ToolCallID   string    `json:"tool_call_id"`
	ChatID       string    `json:"chat_id"`
	ProjectID    string    `json:"project_id"`
	Kind         string    `json:"kind"`
	Path         string    `json:"path"`
	LineCount    int       `json:"line_count"`
	PreviewLines int       `json:"preview_lines"`
	CreatedAt    time.Time `json:"created_at"`
}

// TodoStatus is the state of a todo list entry.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// Todo is one entry of the agent-maintained task list for a chat.
type Todo struct {
	ID           string     `json:"id"`
	ChatID       string     `json:"chat_id"`
	CheckpointID string     `json:"checkpoint_id,omitempty"`
	Content      string     `json:"content"`
	Status       TodoStatus `json:"status"`
	SortOrder    int        `json:"sort_order"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Observation is an LLM-generated compressed memory of a contiguous message
// prefix. Generation increases monotonically per chat; a reflector run
// supersedes all earlier generations.
type Observation struct {
	ID                    string    `json:"id"`
	ChatID                string    `json:"chat_id"`
	Generation            int       `json:"generation"`
	Content               string    `json:"content"`
	TokenCount            int       `json:"token_count"`
	TriggerTokenCount     int       `json:"trigger_token_count"`
	ObservedUpToMessageID string    `json:"observed_up_to_message_id,omitempty"`
	CurrentTask           string    `json:"current_task,omitempty"`
	SuggestedResponse     string    `json:"suggested_response,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

// BufferedChunk is one passively-produced observer summary held in
// MemoryState until activation merges it into an Observation.
type BufferedChunk struct {
	Content       string    `json:"content"`
	TokenCount    int       `json:"token_count"`
	UpToMessageID string    `json:"up_to_message_id"`
	UpToTimestamp time.Time `json:"up_to_timestamp"`
}

// ObserverBuffer is the opaque strategy state stored in MemoryState for the
// observational strategy.
type ObserverBuffer struct {
	IntervalTokens    int             `json:"interval_tokens"`
	LastBoundary      int             `json:"last_boundary"`
	UpToMessageID     string          `json:"up_to_message_id,omitempty"`
	UpToTimestamp     time.Time       `json:"up_to_timestamp,omitempty"`
	Chunks            []BufferedChunk `json:"chunks,omitempty"`
	CurrentTask       string          `json:"current_task,omitempty"`
	SuggestedResponse string          `json:"suggested_response,omitempty"`
}

// MemoryState is the per-chat persisted state of the active memory strategy.
type MemoryState struct {
	ID        string          `json:"id"`
	ChatID    string          `json:"chat_id"`
	Strategy  string          `json:"strategy"`
	State     json.RawMessage `json:"state,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SubAgentStatus is the lifecycle state of a spawned sub-agent run.
type SubAgentStatus string

const (
	SubAgentRunning       SubAgentStatus = "running"
	SubAgentCompleted     SubAgentStatus = "completed"
	SubAgentCancelled     SubAgentStatus = "cancelled"
	SubAgentError         SubAgentStatus = "error"
	SubAgentMaxIterations SubAgentStatus = "max_iterations"
)

// SubAgentRun records a sub-agent spawned from a parent tool call.
type SubAgentRun struct {
	ID               string         `json:"id"`
	ChatID           string         `json:"chat_id"`
	ParentToolCallID string         `json:"parent_tool_call_id"`
	Task             string         `json:"task"`
	Model            string         `json:"model,omitempty"`
	Status           SubAgentStatus `json:"status"`
	Output           string         `json:"output,omitempty"`
	DurationMS       int64          `json:"duration_ms,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// ProjectPlan is a persisted markdown plan document for a project.
type ProjectPlan struct {
	ID                   string    `json:"id"`
	ChatID               string    `json:"chat_id"`
	ProjectID            string    `json:"project_id"`
	CheckpointID         string    `json:"checkpoint_id,omitempty"`
	Title                string    `json:"title"`
	Status               string    `json:"status"`
	FilePath             string    `json:"file_path"`
	Revision             int       `json:"revision"`
	ContentSHA256        string    `json:"content_sha256"`
	LastEditor           string    `json:"last_editor,omitempty"`
	ApprovedAction       string    `json:"approved_action,omitempty"`
	ImplementationChatID string    `json:"implementation_chat_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ProjectPlanRevision is an append-only history row for a plan update.
type ProjectPlanRevision struct {
	ID            string    `json:"id"`
	PlanID        string    `json:"plan_id"`
	Revision      int       `json:"revision"`
	ContentSHA256 string    `json:"content_sha256"`
	Editor        string    `json:"editor,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
