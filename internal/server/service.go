// Package server exposes the core over HTTP: chat operations, the approval
// routes, revert, and the SSE event stream. Handlers stay thin; the turn
// scheduling and cancel ordering live in Service.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/approval"
	"github.com/loomhq/loom/internal/artifacts"
	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/history"
	"github.com/loomhq/loom/internal/pathutil"
	"github.com/loomhq/loom/internal/plans"
	"github.com/loomhq/loom/internal/revert"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

// MemoryScheduler is the observational-memory surface the service needs:
// nudging a cycle after a turn and cancelling before destructive operations.
type MemoryScheduler interface {
	Schedule(chatID string)
	Cancel(chatID string)
}

// TurnConfig is what the service needs to build a turn environment.
type TurnConfig struct {
	Model        string
	SystemPrompt string
	ContextLimit int
}

// Service coordinates the core subsystems on behalf of the HTTP surface. It
// owns the per-chat cancel ordering: any new message, edit, cancel, or
// revert stops the in-flight turn and the memory runner first.
type Service struct {
	store     *store.Store
	bus       *bus.Bus
	projector *history.Projector
	reverter  *revert.Engine
	waiter    *approval.Waiter
	tasks     *agent.TaskManager
	loop      *agent.Loop
	budget    *agent.BudgetManager
	memory    MemoryScheduler
	spill     *artifacts.Store
	plans     *plans.Manager
	turnCfg   TurnConfig
	logger    *slog.Logger
}

// NewService wires the service. memory and planMgr may be nil when those
// subsystems are disabled.
func NewService(db *store.Store, eventBus *bus.Bus, projector *history.Projector, reverter *revert.Engine, waiter *approval.Waiter, tasks *agent.TaskManager, loop *agent.Loop, budget *agent.BudgetManager, memory MemoryScheduler, spill *artifacts.Store, planMgr *plans.Manager, turnCfg TurnConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     db,
		bus:       eventBus,
		projector: projector,
		reverter:  reverter,
		waiter:    waiter,
		tasks:     tasks,
		loop:      loop,
		budget:    budget,
		memory:    memory,
		spill:     spill,
		plans:     planMgr,
		turnCfg:   turnCfg,
		logger:    logger.With("component", "server"),
	}
}

// History returns the read-side projection for a chat.
func (s *Service) History(ctx context.Context, chatID string) (*history.ChatHistory, error) {
	return s.projector.Project(ctx, chatID)
}

// SendMessage persists a user message with its checkpoint, publishes the
// message and checkpoint events, and schedules an agent turn. Any in-flight
// turn is cancelled first.
func (s *Service) SendMessage(ctx context.Context, chatID, content string) (*models.Message, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	s.cancelChat(chatID)

	msg := &models.Message{
		ID:           uuid.NewString(),
		ChatID:       chatID,
		Role:         models.RoleUser,
		Content:      content,
		CheckpointID: uuid.NewString(),
	}
	cp := &models.Checkpoint{
		ID:        msg.CheckpointID,
		ChatID:    chatID,
		MessageID: msg.ID,
		Label:     checkpointLabel(content),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	if err := s.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("persist checkpoint: %w", err)
	}

	s.publish(chatID, models.EventMessage, map[string]any{
		"message_id": msg.ID,
		"role":       "user",
		"content":    content,
	})
	s.publish(chatID, models.EventCheckpoint, map[string]any{
		"checkpoint_id": cp.ID,
		"message_id":    msg.ID,
		"label":         cp.Label,
	})

	s.scheduleTurn(chat, cp.ID)
	return msg, nil
}

// Continue resumes the agent from the chat's latest checkpoint without a new
// user message.
func (s *Service) Continue(ctx context.Context, chatID string) error {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	cp, err := s.store.LatestCheckpoint(ctx, chatID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	s.cancelChat(chatID)
	s.scheduleTurn(chat, cp.ID)
	return nil
}

// EditMessage reverts the chat to the message's checkpoint, rewrites the
// content in place, and schedules a fresh turn. The checkpoint itself
// survives with the same id.
func (s *Service) EditMessage(ctx context.Context, chatID, messageID, content string) error {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	cp, err := s.store.GetCheckpointByMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.ChatID != chatID {
		return revert.ErrWrongChat
	}

	s.cancelChat(chatID)
	if err := s.reverter.RevertToCheckpoint(ctx, chatID, cp.ID); err != nil {
		return fmt.Errorf("revert for edit: %w", err)
	}
	if err := s.store.UpdateMessageContent(ctx, messageID, content); err != nil {
		return fmt.Errorf("rewrite message: %w", err)
	}
	s.publish(chatID, models.EventMessageEdited, map[string]any{
		"message_id": messageID,
		"content":    content,
	})
	s.scheduleTurn(chat, cp.ID)
	return nil
}

// Cancel stops the in-flight turn and the memory runner. Returns whether a
// turn was actually running.
func (s *Service) Cancel(chatID string) bool {
	running := s.tasks.Cancel(chatID)
	if s.memory != nil {
		s.memory.Cancel(chatID)
	}
	return running
}

// Approve wakes the waiter for a pending tool call.
func (s *Service) Approve(ctx context.Context, chatID, toolCallID string) error {
	call, err := s.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		return fmt.Errorf("load tool call: %w", err)
	}
	if call.ChatID != chatID {
		return revert.ErrWrongChat
	}
	if call.Status != models.ToolCallPending {
		return fmt.Errorf("server: tool call is %s, not pending", call.Status)
	}
	// Buffered by the waiter when the executor has not registered yet, so an
	// approval racing the approval_required event is never lost.
	s.waiter.SignalApproved(chatID, toolCallID)
	return nil
}

// Reject persists the rejection reason, then wakes the waiter. The status
// lands in the database before the signal so the executor reads the final
// state on wake-up.
func (s *Service) Reject(ctx context.Context, chatID, toolCallID, reason string) error {
	call, err := s.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		return fmt.Errorf("load tool call: %w", err)
	}
	if call.ChatID != chatID {
		return revert.ErrWrongChat
	}
	if call.Status != models.ToolCallPending {
		return fmt.Errorf("server: tool call is %s, not pending", call.Status)
	}
	if reason == "" {
		reason = "rejected by user"
	}
	if err := s.store.UpdateToolCallStatus(ctx, toolCallID, models.ToolCallRejected, reason); err != nil {
		return fmt.Errorf("persist rejection: %w", err)
	}
	s.waiter.SignalRejected(chatID, toolCallID)
	return nil
}

// RevertToCheckpoint cancels the chat's tasks and delegates to the engine.
func (s *Service) RevertToCheckpoint(ctx context.Context, chatID, checkpointID string) error {
	s.cancelChat(chatID)
	return s.reverter.RevertToCheckpoint(ctx, chatID, checkpointID)
}

// RevertFile restores one file from its pre-edit snapshot.
func (s *Service) RevertFile(ctx context.Context, chatID, fileEditID string) error {
	s.cancelChat(chatID)
	return s.reverter.RevertFile(ctx, chatID, fileEditID)
}

// SummaryResult reports the outcome of a forced compaction.
type SummaryResult struct {
	EstimatedTokens int  `json:"estimated_tokens"`
	Compacted       bool `json:"compacted"`
}

// Summarize forces context compaction for the chat and publishes a
// context_update event with the result.
func (s *Service) Summarize(ctx context.Context, chatID string) (*SummaryResult, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	project, err := s.store.GetProject(ctx, chat.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	transcript, err := agent.BuildTranscript(ctx, s.store, chatID)
	if err != nil {
		return nil, err
	}

	tc := &agent.TurnContext{
		ChatID:       chatID,
		ProjectID:    chat.ProjectID,
		ProjectRoot:  project.Path,
		Model:        s.turnCfg.Model,
		SystemPrompt: s.turnCfg.SystemPrompt,
		ContextLimit: s.turnCfg.ContextLimit,
		Messages:     transcript,
		ForceCompact: true,
	}
	s.budget.Prepare(ctx, tc)
	s.publish(chatID, models.EventContextUpdate, map[string]any{
		"estimated_tokens": tc.EstimatedTokens,
		"compacted":        tc.Compacted,
	})
	return &SummaryResult{EstimatedTokens: tc.EstimatedTokens, Compacted: tc.Compacted}, nil
}

// CreateProject registers a project root.
func (s *Service) CreateProject(ctx context.Context, name, path string) (*models.Project, error) {
	project := &models.Project{Name: name, Path: path}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// DeleteProject removes the project, its chats, and its spilled artifacts.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	chats, err := s.store.ListChats(ctx, projectID)
	if err != nil {
		return err
	}
	for _, chat := range chats {
		s.cancelChat(chat.ID)
	}
	if s.spill != nil {
		if err := s.spill.CleanupProject(ctx, projectID); err != nil {
			s.logger.Warn("artifact cleanup failed", "project_id", projectID, "error", err)
		}
	}
	return s.store.DeleteProject(ctx, projectID)
}

// CreateChat opens a chat in a project.
func (s *Service) CreateChat(ctx context.Context, projectID, title string) (*models.Chat, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	chat := &models.Chat{ProjectID: projectID, Title: title}
	if err := s.store.CreateChat(ctx, chat); err != nil {
		return nil, err
	}
	return chat, nil
}

// DeleteChat cancels the chat's tasks and removes it.
func (s *Service) DeleteChat(ctx context.Context, chatID string) error {
	s.cancelChat(chatID)
	return s.store.DeleteChat(ctx, chatID)
}

// Plans exposes the plan manager, nil when plans are disabled.
func (s *Service) Plans() *plans.Manager { return s.plans }

// Store exposes the repositories for list endpoints.
func (s *Service) Store() *store.Store { return s.store }

// Bus exposes the event bus for the SSE handler.
func (s *Service) Bus() *bus.Bus { return s.bus }

// Shutdown stops every running turn.
func (s *Service) Shutdown() {
	s.tasks.CancelAll()
}

// cancelChat enforces the single-writer rule before any state change.
func (s *Service) cancelChat(chatID string) {
	s.tasks.Cancel(chatID)
	if s.memory != nil {
		s.memory.Cancel(chatID)
	}
}

func (s *Service) scheduleTurn(chat *models.Chat, checkpointID string) {
	chatID := chat.ID
	projectID := chat.ProjectID
	s.tasks.Start(chatID, func(ctx context.Context) {
		project, err := s.store.GetProject(ctx, projectID)
		if err != nil {
			s.logger.Error("turn aborted, project missing", "chat_id", chatID, "error", err)
			s.publish(chatID, models.EventError, map[string]any{"message": err.Error(), "retryable": false})
			return
		}
		env := &agent.Env{
			ProjectID:    projectID,
			ProjectRoot:  project.Path,
			ChatID:       chatID,
			CheckpointID: checkpointID,
			Resolver:     s.resolverFor(project.Path),
		}
		if err := s.loop.RunTurn(ctx, env); err != nil && ctx.Err() == nil {
			s.logger.Error("turn failed", "chat_id", chatID, "error", err)
		}
	})
}

func (s *Service) resolverFor(projectRoot string) *pathutil.Resolver {
	resolver := &pathutil.Resolver{Root: projectRoot}
	if s.spill != nil {
		resolver.OutputsDir = s.spill.OutputsDir()
	}
	return resolver
}

func (s *Service) publish(chatID string, t models.EventType, payload map[string]any) {
	s.bus.Publish(chatID, models.NewEvent(t, payload))
}

// checkpointLabel derives a short human label from the message content.
func checkpointLabel(content string) string {
	label := strings.Join(strings.Fields(content), " ")
	if len(label) > 60 {
		label = label[:60] + "…"
	}
	return label
}
