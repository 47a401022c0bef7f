package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/approval"
	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// DefaultMaxIterations bounds one agent turn.
const DefaultMaxIterations = 50

// ErrMaxIterations is returned when a turn exhausts its iteration budget
// without the model finishing.
var ErrMaxIterations = errors.New("agent: max iterations reached")

// nudgeMessage is appended when the model produced neither content nor tool
// calls.
const nudgeMessage = "you must use a tool or finish"

// verificationPrefix marks synthetic user messages carrying verifier
// findings, so a verification round never triggers another one.
const verificationPrefix = "Automated verification found issues:\n"

// ObservationScheduler receives a nudge after every executed tool group so
// the memory runner can decide whether a cycle is due.
type ObservationScheduler interface {
	Schedule(chatID string)
}

// LoopConfig is the per-deployment tuning of the agent loop.
type LoopConfig struct {
	Model           string
	SystemPrompt    string
	MaxIterations   int
	EnableReasoning bool
	ReasoningBudget int
	ContextLimit    int
}

// Loop drives one agent turn: prepare the prompt, stream the model, execute
// requested tools, repeat until the model finishes or the budget runs out.
type Loop struct {
	store     *store.Store
	bus       *bus.Bus
	streamer  *Streamer
	executor  *Executor
	budget    *BudgetManager
	registry  *tools.Registry
	waiter    *approval.Waiter
	provider  Provider
	scheduler ObservationScheduler
	verifier  *Verifier
	logger    *slog.Logger
	cfg       LoopConfig
}

// NewLoop wires the loop. scheduler and verifier may be nil.
func NewLoop(db *store.Store, eventBus *bus.Bus, streamer *Streamer, executor *Executor, budget *BudgetManager, registry *tools.Registry, waiter *approval.Waiter, provider Provider, scheduler ObservationScheduler, verifier *Verifier, cfg LoopConfig, logger *slog.Logger) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		store:     db,
		bus:       eventBus,
		streamer:  streamer,
		executor:  executor,
		budget:    budget,
		registry:  registry,
		waiter:    waiter,
		provider:  provider,
		scheduler: scheduler,
		verifier:  verifier,
		logger:    logger.With("component", "loop"),
		cfg:       cfg,
	}
}

// RunTurn executes one full agent turn for the chat described by env.
// On cancellation it rejects pending approvals and still publishes
// agent_done so subscribers see the turn close.
func (l *Loop) RunTurn(ctx context.Context, env *Env) error {
	turnStart := time.Now().UTC()
	err := l.runTurn(ctx, env)

	if ctx.Err() != nil {
		if n := l.waiter.RejectAll(env.ChatID); n > 0 {
			l.logger.Info("rejected pending approvals on cancel", "chat_id", env.ChatID, "count", n)
		}
		l.publish(env.ChatID, models.EventAgentDone, map[string]any{"reason": "cancelled"})
		return ctx.Err()
	}
	if err != nil {
		l.publish(env.ChatID, models.EventError, map[string]any{"message": err.Error(), "retryable": false})
		l.publish(env.ChatID, models.EventAgentDone, map[string]any{"reason": "error"})
		return err
	}

	l.maybeGenerateTitle(ctx, env.ChatID)
	l.runVerification(ctx, env, turnStart)
	return nil
}

func (l *Loop) runTurn(ctx context.Context, env *Env) error {
	transcript, err := BuildTranscript(ctx, l.store, env.ChatID)
	if err != nil {
		return err
	}

	reasoning := l.cfg.EnableReasoning
	reasoningRetried := false

	for iteration := 1; iteration <= l.cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		tc := &TurnContext{
			ChatID:       env.ChatID,
			ProjectID:    env.ProjectID,
			ProjectRoot:  env.ProjectRoot,
			Model:        l.cfg.Model,
			SystemPrompt: l.cfg.SystemPrompt,
			ContextLimit: l.cfg.ContextLimit,
			Messages:     transcript,
		}
		l.budget.Prepare(ctx, tc)
		l.publish(env.ChatID, models.EventContextUpdate, map[string]any{
			"estimated_tokens": tc.EstimatedTokens,
			"compacted":        tc.Compacted,
		})

		req := l.buildRequest(tc, reasoning)
		result, err := l.streamer.Stream(ctx, env.ChatID, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A client rejection with reasoning enabled gets one retry
			// without it; some models refuse thinking parameters.
			if reasoning && !reasoningRetried && isClientError(err) {
				l.logger.Warn("client error with reasoning enabled, retrying without",
					"chat_id", env.ChatID, "error", err)
				reasoning = false
				reasoningRetried = true
				continue
			}
			return fmt.Errorf("stream turn: %w", err)
		}

		l.persistReasoning(ctx, env, result.Reasoning)
		if result.Content != "" {
			l.persistAssistantMessage(ctx, env, result.Content)
		}

		if len(result.ToolCalls) == 0 {
			if result.Content != "" {
				l.publish(env.ChatID, models.EventAgentDone, map[string]any{"reason": "finished"})
				return nil
			}
			transcript = tc.Messages
			transcript = append(transcript, CompletionMessage{Role: "user", Content: nudgeMessage})
			continue
		}

		transcript = tc.Messages
		transcript = append(transcript, CompletionMessage{
			Role:      "assistant",
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		})

		group, err := l.executor.ExecuteGroup(ctx, env, result.ToolCalls)
		if err != nil {
			return fmt.Errorf("execute tool group: %w", err)
		}
		transcript = append(transcript, CompletionMessage{Role: "tool", ToolResults: group.Results})

		if l.scheduler != nil {
			l.scheduler.Schedule(env.ChatID)
		}

		if group.Stop {
			l.publish(env.ChatID, models.EventAgentDone, map[string]any{"reason": "submitted"})
			return nil
		}
		if group.Pause {
			l.publish(env.ChatID, models.EventAgentDone, map[string]any{"reason": "awaiting_user"})
			return nil
		}
	}
	return ErrMaxIterations
}

func (l *Loop) buildRequest(tc *TurnContext, reasoning bool) *CompletionRequest {
	req := &CompletionRequest{
		Model:           tc.Model,
		EnableReasoning: reasoning,
		ReasoningBudget: l.cfg.ReasoningBudget,
	}
	messages := tc.Messages
	if len(messages) > 0 && messages[0].Role == "system" {
		req.System = messages[0].Content
		messages = messages[1:]
	}
	req.Messages = messages
	for _, tool := range l.registry.List() {
		req.Tools = append(req.Tools, ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return req
}

// BuildTranscript rebuilds the provider-neutral transcript from persisted
// messages and tool-call rows, interleaved by creation time.
func BuildTranscript(ctx context.Context, db *store.Store, chatID string) ([]CompletionMessage, error) {
	messages, err := db.ListMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	calls, err := db.ListToolCalls(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load tool calls: %w", err)
	}

	var transcript []CompletionMessage
	callIdx := 0
	appendCallsBefore := func(cutoff time.Time) {
		var requests []ToolRequest
		var results []models.ToolResult
		var latest time.Time
		for callIdx < len(calls) && (cutoff.IsZero() || !calls[callIdx].CreatedAt.After(cutoff)) {
			call := calls[callIdx]
			callIdx++
			if call.Status == models.ToolCallPending || call.Status == models.ToolCallRunning {
				continue
			}
			requests = append(requests, ToolRequest{ID: call.ID, Name: call.Name, Input: call.Input})
			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				Content:    call.Output,
				IsError:    call.Status != models.ToolCallCompleted,
			})
			latest = call.CreatedAt
		}
		if len(requests) > 0 {
			transcript = append(transcript,
				CompletionMessage{Role: "assistant", ToolCalls: requests, Timestamp: latest},
				CompletionMessage{Role: "tool", ToolResults: results, Timestamp: latest})
		}
	}

	for _, msg := range messages {
		appendCallsBefore(msg.CreatedAt)
		transcript = append(transcript, CompletionMessage{
			Role:        string(msg.Role),
			Content:     msg.Content,
			Attachments: msg.Attachments,
			Timestamp:   msg.CreatedAt,
		})
	}
	appendCallsBefore(time.Time{})
	return transcript, nil
}

func (l *Loop) persistAssistantMessage(ctx context.Context, env *Env, content string) {
	msg := &models.Message{
		ChatID:       env.ChatID,
		Role:         models.RoleAssistant,
		Content:      content,
		CheckpointID: env.CheckpointID,
	}
	if err := l.store.CreateMessage(ctx, msg); err != nil {
		l.logger.Error("assistant message persist failed", "chat_id", env.ChatID, "error", err)
		return
	}
	l.publish(env.ChatID, models.EventMessage, map[string]any{
		"message_id": msg.ID,
		"role":       "assistant",
		"content":    content,
	})
}

func (l *Loop) persistReasoning(ctx context.Context, env *Env, segments []ReasoningSegment) {
	for _, seg := range segments {
		block := &models.ReasoningBlock{
			ID:           seg.ID,
			ChatID:       env.ChatID,
			CheckpointID: env.CheckpointID,
			Content:      seg.Content,
			DurationMS:   seg.Duration.Milliseconds(),
		}
		if err := l.store.CreateReasoningBlock(ctx, block); err != nil {
			l.logger.Error("reasoning block persist failed", "chat_id", env.ChatID, "error", err)
		}
	}
}

// maybeGenerateTitle asks the provider for a short title after the first
// turn of an untitled chat.
func (l *Loop) maybeGenerateTitle(ctx context.Context, chatID string) {
	chat, err := l.store.GetChat(ctx, chatID)
	if err != nil || chat.Title != "" {
		return
	}
	messages, err := l.store.ListMessages(ctx, chatID)
	if err != nil || len(messages) == 0 {
		return
	}
	firstUser := ""
	for _, msg := range messages {
		if msg.Role == models.RoleUser {
			firstUser = msg.Content
			break
		}
	}
	if firstUser == "" {
		return
	}

	chunks, err := l.provider.Complete(ctx, &CompletionRequest{
		Model:     l.cfg.Model,
		System:    "Produce a 3-6 word title for this conversation. Respond with the title only.",
		Messages:  []CompletionMessage{{Role: "user", Content: firstUser}},
		MaxTokens: 32,
	})
	if err != nil {
		l.logger.Debug("title generation failed", "chat_id", chatID, "error", err)
		return
	}
	var b strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return
		}
		b.WriteString(chunk.Text)
	}
	title := strings.Trim(strings.TrimSpace(b.String()), `"`)
	if title == "" {
		return
	}
	if err := l.store.UpdateChatTitle(ctx, chatID, title); err != nil {
		l.logger.Warn("title update failed", "chat_id", chatID, "error", err)
		return
	}
	l.publish(chatID, models.EventChatTitleUpdated, map[string]any{"title": title})
}

// runVerification checks the files edited during the turn and, when issues
// surface, seeds a follow-up turn with a synthetic user message.
func (l *Loop) runVerification(ctx context.Context, env *Env, since time.Time) {
	if l.verifier == nil {
		return
	}
	lastUser := l.lastUserContent(ctx, env.ChatID)
	if strings.HasPrefix(lastUser, verificationPrefix) {
		return
	}

	edits, err := l.store.ListFileEditsSince(ctx, env.ChatID, since)
	if err != nil || len(edits) == 0 {
		return
	}
	paths := make([]string, 0, len(edits))
	for _, edit := range edits {
		if edit.Action != models.FileDeleted {
			paths = append(paths, edit.Path)
		}
	}
	issues := l.verifier.Check(ctx, env.ProjectRoot, paths)
	if len(issues) == 0 {
		return
	}

	content := verificationPrefix + "- " + strings.Join(issues, "\n- ")
	msg := &models.Message{ChatID: env.ChatID, Role: models.RoleUser, Content: content}
	if err := l.store.CreateMessage(ctx, msg); err != nil {
		l.logger.Error("verification message persist failed", "chat_id", env.ChatID, "error", err)
		return
	}
	cp := &models.Checkpoint{ChatID: env.ChatID, MessageID: msg.ID, Label: "verification"}
	if err := l.store.CreateCheckpoint(ctx, cp); err != nil {
		l.logger.Error("verification checkpoint failed", "chat_id", env.ChatID, "error", err)
		return
	}
	l.publish(env.ChatID, models.EventVerificationIssues, map[string]any{
		"message_id": msg.ID,
		"issues":     issues,
	})

	followup := *env
	followup.CheckpointID = cp.ID
	if err := l.RunTurn(ctx, &followup); err != nil && ctx.Err() == nil {
		l.logger.Warn("verification follow-up turn failed", "chat_id", env.ChatID, "error", err)
	}
}

func (l *Loop) lastUserContent(ctx context.Context, chatID string) string {
	messages, err := l.store.ListMessages(ctx, chatID)
	if err != nil {
		return ""
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// isClientError reports whether the provider rejected the request itself,
// as opposed to failing transiently.
func isClientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"400", "invalid_request", "bad request", "unsupported parameter"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (l *Loop) publish(chatID string, t models.EventType, payload map[string]any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(chatID, models.NewEvent(t, payload))
}
