package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/approval"
	"github.com/loomhq/loom/internal/artifacts"
	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/pathutil"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// DefaultParallelism bounds how many tool calls of one group run at once.
const DefaultParallelism = 4

// Env is the per-turn environment tool calls execute in.
type Env struct {
	ProjectID    string
	ProjectRoot  string
	ChatID       string
	CheckpointID string
	Resolver     *pathutil.Resolver
}

// GroupResult is the outcome of one parallel tool-call group.
type GroupResult struct {
	Results []models.ToolResult
	// Stop is set when a tool asked the loop to finish the turn.
	Stop bool
	// Pause is set when a tool asked the loop to wait for user input.
	Pause bool
}

// Executor runs the tool calls of a model turn.
//
// All calls of a group are persisted as pending in one transaction before any
// of them runs, so a crash never leaves a half-recorded group. Execution is
// bounded by a semaphore; results come back in request order regardless of
// completion order.
type Executor struct {
	registry *tools.Registry
	store    *store.Store
	spill    *artifacts.Store
	matcher  *approval.Matcher
	waiter   *approval.Waiter
	bus      *bus.Bus
	logger   *slog.Logger

	sem             chan struct{}
	approvalTimeout time.Duration
}

// NewExecutor creates an executor. parallelism <= 0 selects the default.
func NewExecutor(registry *tools.Registry, db *store.Store, spill *artifacts.Store, matcher *approval.Matcher, waiter *approval.Waiter, eventBus *bus.Bus, parallelism int, logger *slog.Logger) *Executor {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		store:    db,
		spill:    spill,
		matcher:  matcher,
		waiter:   waiter,
		bus:      eventBus,
		logger:   logger.With("component", "executor"),
		sem:      make(chan struct{}, parallelism),
	}
}

// SetApprovalTimeout overrides the manual-approval wait bound.
func (e *Executor) SetApprovalTimeout(d time.Duration) { e.approvalTimeout = d }

// ExecuteGroup persists and runs one group of tool calls.
func (e *Executor) ExecuteGroup(ctx context.Context, env *Env, requests []ToolRequest) (*GroupResult, error) {
	if len(requests) == 0 {
		return &GroupResult{}, nil
	}

	groupID := ""
	if len(requests) > 1 {
		groupID = uuid.NewString()
	}
	calls := make([]*models.ToolCall, len(requests))
	for i, req := range requests {
		calls[i] = &models.ToolCall{
			ID:              req.ID,
			ChatID:          env.ChatID,
			CheckpointID:    env.CheckpointID,
			Name:            req.Name,
			Status:          models.ToolCallPending,
			Input:           req.Input,
			ParallelGroupID: groupID,
		}
	}
	if err := e.store.CreateToolCalls(ctx, calls); err != nil {
		return nil, fmt.Errorf("persist tool call group: %w", err)
	}

	group := &GroupResult{Results: make([]models.ToolResult, len(requests))}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req ToolRequest) {
			defer wg.Done()
			result := e.runOne(ctx, env, req)
			mu.Lock()
			group.Results[i] = result.toolResult(req.ID)
			group.Stop = group.Stop || result.Stop
			group.Pause = group.Pause || result.Pause
			mu.Unlock()
		}(i, req)
	}
	wg.Wait()
	return group, nil
}

type callOutcome struct {
	Content string
	IsError bool
	Stop    bool
	Pause   bool
}

func (o callOutcome) toolResult(id string) models.ToolResult {
	return models.ToolResult{ToolCallID: id, Content: o.Content, IsError: o.IsError}
}

func (e *Executor) runOne(ctx context.Context, env *Env, req ToolRequest) callOutcome {
	tool, ok := e.registry.Get(req.Name)
	if !ok {
		e.setStatus(env.ChatID, req.ID, models.ToolCallError, "unknown tool: "+req.Name)
		return callOutcome{Content: "unknown tool: " + req.Name, IsError: true}
	}

	if outcome, rejected := e.awaitApproval(ctx, env, tool, req); rejected {
		return outcome
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		e.setStatus(env.ChatID, req.ID, models.ToolCallRejected, "cancelled")
		return callOutcome{Content: "cancelled", IsError: true}
	}

	started := time.Now()
	e.setStatus(env.ChatID, req.ID, models.ToolCallRunning, "")
	e.publish(env.ChatID, models.EventToolCallStart, map[string]any{
		"tool_call_id": req.ID,
		"tool":         req.Name,
	})

	inv := &tools.Invocation{
		Input:        req.Input,
		ProjectID:    env.ProjectID,
		ProjectRoot:  env.ProjectRoot,
		ChatID:       env.ChatID,
		CheckpointID: env.CheckpointID,
		ToolCallID:   req.ID,
		Store:        e.store,
		Resolver:     env.Resolver,
	}
	// Through the registry so name/size limits and schema validation apply.
	result, err := e.registry.Execute(ctx, req.Name, inv)
	if err != nil {
		e.setStatus(env.ChatID, req.ID, models.ToolCallError, err.Error())
		e.publishEnd(env.ChatID, req.ID, req.Name, models.ToolCallError, started)
		return callOutcome{Content: "tool failed: " + err.Error(), IsError: true}
	}

	content := result.Content
	if e.spill != nil {
		spilled, spillErr := e.spill.MaybeSpill(ctx, env.ProjectID, env.ChatID, req.ID, req.Name, content)
		if spillErr != nil {
			e.logger.Warn("spill failed, keeping output inline", "tool_call_id", req.ID, "error", spillErr)
		} else {
			content = spilled.Content
		}
	}

	e.persistFileEdits(ctx, env, req.ID, result.FileEdits)

	status := models.ToolCallCompleted
	if result.IsError {
		status = models.ToolCallError
	}
	e.setStatus(env.ChatID, req.ID, status, content)
	e.publishEnd(env.ChatID, req.ID, req.Name, status, started)

	return callOutcome{Content: content, IsError: result.IsError, Stop: result.Stop, Pause: result.Pause}
}

// awaitApproval resolves the tool's approval policy. The second return is
// true when the call was rejected and must not run.
func (e *Executor) awaitApproval(ctx context.Context, env *Env, tool tools.Tool, req ToolRequest) (callOutcome, bool) {
	switch tool.ApprovalPolicy() {
	case tools.ApprovalAlways:
		return callOutcome{}, false

	case tools.ApprovalRules:
		call := approval.CallInfo{
			ToolName: req.Name,
			Path:     approval.PathFromInput(req.Input),
			Input:    req.Input,
		}
		if rule, ok := e.matcherAutoApproved(call); ok {
			e.logger.Debug("auto-approved by rule", "tool", req.Name, "rule", rule.ID)
			return callOutcome{}, false
		}
	case tools.ApprovalManual:
		// Always waits.
	}

	e.publish(env.ChatID, models.EventApprovalRequired, map[string]any{
		"tool_call_id": req.ID,
		"tool":         req.Name,
		"input":        string(req.Input),
	})

	started := time.Now()
	decision := e.waiter.RegisterAndWait(ctx, env.ChatID, req.ID, e.approvalTimeout)
	switch decision {
	case approval.DecisionApproved:
		return callOutcome{}, false
	case approval.DecisionTimeout:
		e.setStatus(env.ChatID, req.ID, models.ToolCallRejected, "approval timed out")
		e.publishEnd(env.ChatID, req.ID, req.Name, models.ToolCallRejected, started)
		return callOutcome{Content: "approval timed out", IsError: true}, true
	default:
		reason := "rejected by user"
		if ctx.Err() != nil {
			reason = "cancelled"
		}
		// The rejection route persists its reason before signalling; keep
		// that over the generic one.
		if row, err := e.store.GetToolCall(context.Background(), req.ID); err == nil &&
			row.Status == models.ToolCallRejected && row.Output != "" {
			reason = row.Output
		} else {
			e.setStatus(env.ChatID, req.ID, models.ToolCallRejected, reason)
		}
		e.publishEnd(env.ChatID, req.ID, req.Name, models.ToolCallRejected, started)
		return callOutcome{Content: reason, IsError: true}, true
	}
}

func (e *Executor) matcherAutoApproved(call approval.CallInfo) (approval.Rule, bool) {
	if e.matcher == nil {
		return approval.Rule{}, false
	}
	return e.matcher.AutoApproved(call)
}

func (e *Executor) persistFileEdits(ctx context.Context, env *Env, toolCallID string, edits []tools.FileEditDescriptor) {
	for _, edit := range edits {
		snapshot := &models.FileSnapshot{
			ChatID:       env.ChatID,
			CheckpointID: env.CheckpointID,
			Path:         edit.Path,
			Content:      edit.Original,
		}
		if err := e.store.CreateFileSnapshot(ctx, snapshot); err != nil {
			e.logger.Error("snapshot persist failed", "path", edit.Path, "error", err)
			continue
		}
		record := &models.FileEdit{
			ChatID:       env.ChatID,
			CheckpointID: env.CheckpointID,
			ToolCallID:   toolCallID,
			Path:         edit.Path,
			Action:       edit.Action,
			Diff:         edit.Diff,
			SnapshotID:   snapshot.ID,
		}
		if err := e.store.CreateFileEdit(ctx, record); err != nil {
			e.logger.Error("file edit persist failed", "path", edit.Path, "error", err)
			continue
		}
		e.publish(env.ChatID, models.EventFileEdit, map[string]any{
			"file_edit_id": record.ID,
			"path":         edit.Path,
			"action":       string(edit.Action),
			"diff":         edit.Diff,
		})
	}
}

func (e *Executor) setStatus(chatID, toolCallID string, status models.ToolCallStatus, output string) {
	if err := e.store.UpdateToolCallStatus(context.Background(), toolCallID, status, output); err != nil {
		e.logger.Error("tool call status update failed",
			"chat_id", chatID, "tool_call_id", toolCallID, "status", status, "error", err)
	}
}

func (e *Executor) publishEnd(chatID, toolCallID, name string, status models.ToolCallStatus, started time.Time) {
	e.publish(chatID, models.EventToolCallEnd, map[string]any{
		"tool_call_id": toolCallID,
		"tool":         name,
		"status":       string(status),
		"duration_ms":  time.Since(started).Milliseconds(),
	})
}

func (e *Executor) publish(chatID string, t models.EventType, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(chatID, models.NewEvent(t, payload))
}
