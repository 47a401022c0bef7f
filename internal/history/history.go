// Package history builds the read-side projection of a chat: every entity
// the agent produced, joined into one payload plus a time-ordered timeline.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

// EntryKind tags one timeline entry.
type EntryKind string

const (
	EntryMessage   EntryKind = "message"
	EntryToolCall  EntryKind = "tool_call"
	EntryFileEdit  EntryKind = "file_edit"
	EntryReasoning EntryKind = "reasoning"
)

// Entry is one item in the interleaved chat timeline.
type Entry struct {
	Kind      EntryKind              `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Message   *models.Message        `json:"message,omitempty"`
	ToolCall  *models.ToolCall       `json:"tool_call,omitempty"`
	FileEdit  *models.FileEdit       `json:"file_edit,omitempty"`
	Reasoning *models.ReasoningBlock `json:"reasoning,omitempty"`
}

// ChatHistory is the full projection returned by the history endpoint.
type ChatHistory struct {
	Chat        *models.Chat          `json:"chat"`
	Timeline    []Entry               `json:"timeline"`
	Checkpoints []*models.Checkpoint  `json:"checkpoints"`
	Todos       []*models.Todo        `json:"todos"`
	Plans       []*models.ProjectPlan `json:"plans,omitempty"`
	Observation *models.Observation   `json:"observation,omitempty"`
}

// Projector reads chat entities and joins them.
type Projector struct {
	store *store.Store
}

// NewProjector wires a projector.
func NewProjector(db *store.Store) *Projector {
	return &Projector{store: db}
}

// Project loads the chat and every entity attached to it. The timeline
// interleaves messages, tool calls, file edits, and reasoning blocks by
// creation time.
func (p *Projector) Project(ctx context.Context, chatID string) (*ChatHistory, error) {
	chat, err := p.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}

	messages, err := p.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	calls, err := p.store.ListToolCalls(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load tool calls: %w", err)
	}
	edits, err := p.store.ListFileEdits(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load file edits: %w", err)
	}
	reasoning, err := p.store.ListReasoningBlocks(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load reasoning: %w", err)
	}
	checkpoints, err := p.store.ListCheckpoints(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	todos, err := p.store.ListTodos(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load todos: %w", err)
	}
	plans, err := p.store.ListProjectPlans(ctx, chat.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}

	timeline := make([]Entry, 0, len(messages)+len(calls)+len(edits)+len(reasoning))
	for _, msg := range messages {
		timeline = append(timeline, Entry{Kind: EntryMessage, Timestamp: msg.CreatedAt, Message: msg})
	}
	for _, call := range calls {
		timeline = append(timeline, Entry{Kind: EntryToolCall, Timestamp: call.CreatedAt, ToolCall: call})
	}
	for _, edit := range edits {
		timeline = append(timeline, Entry{Kind: EntryFileEdit, Timestamp: edit.CreatedAt, FileEdit: edit})
	}
	for _, block := range reasoning {
		timeline = append(timeline, Entry{Kind: EntryReasoning, Timestamp: block.CreatedAt, Reasoning: block})
	}
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Timestamp.Before(timeline[j].Timestamp)
	})

	out := &ChatHistory{
		Chat:        chat,
		Timeline:    timeline,
		Checkpoints: checkpoints,
		Todos:       todos,
		Plans:       plans,
	}
	obs, err := p.store.LatestObservation(ctx, chatID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load observation: %w", err)
	}
	out.Observation = obs
	return out, nil
}
