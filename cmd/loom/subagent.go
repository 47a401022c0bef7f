package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/pathutil"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/internal/tools/subagent"
	"github.com/loomhq/loom/pkg/models"
)

// subAgentMaxIterations bounds a nested run; sub-agents handle self-contained
// tasks and do not get the parent loop's budget.
const subAgentMaxIterations = 10

const subAgentPrompt = `You are a sub-agent handling one delegated task. Work through it with the
available tools, then reply with your complete findings as plain text. Your
final reply is returned verbatim to the agent that spawned you.`

// newSubAgentRunner builds the nested runner behind spawn_sub_agent. Tool
// calls execute directly against the registry: sub-agent work is ephemeral,
// so nothing is persisted beyond the SubAgentRun row the tool owns.
func newSubAgentRunner(db *store.Store, provider agent.Provider, registry *tools.Registry, eventBus *bus.Bus, defaultModel string, logger *slog.Logger) subagent.Runner {
	logger = logger.With("component", "subagent")

	publish := func(chatID string, t models.EventType, payload map[string]any) {
		if eventBus != nil {
			eventBus.Publish(chatID, models.NewEvent(t, payload))
		}
	}

	return func(ctx context.Context, run *models.SubAgentRun) (*subagent.RunResult, error) {
		chat, err := db.GetChat(ctx, run.ChatID)
		if err != nil {
			return nil, fmt.Errorf("load chat: %w", err)
		}
		project, err := db.GetProject(ctx, chat.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("load project: %w", err)
		}
		resolver := &pathutil.Resolver{Root: project.Path}

		model := run.Model
		if model == "" {
			model = defaultModel
		}
		var specs []agent.ToolSpec
		for _, tool := range registry.List() {
			specs = append(specs, agent.ToolSpec{
				Name:        tool.Name(),
				Description: tool.Description(),
				Schema:      tool.Schema(),
			})
		}

		messages := []agent.CompletionMessage{{Role: "user", Content: run.Task}}
		lastText := ""
		for iteration := 0; iteration < subAgentMaxIterations; iteration++ {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			chunks, err := provider.Complete(ctx, &agent.CompletionRequest{
				Model:    model,
				System:   subAgentPrompt,
				Messages: messages,
				Tools:    specs,
			})
			if err != nil {
				return nil, err
			}

			var text strings.Builder
			var calls []agent.ToolRequest
			for chunk := range chunks {
				if chunk.Error != nil {
					return nil, chunk.Error
				}
				text.WriteString(chunk.Text)
				if chunk.ToolCall != nil {
					calls = append(calls, *chunk.ToolCall)
				}
			}
			lastText = text.String()

			publish(run.ChatID, models.EventSubAgentProgress, map[string]any{
				"run_id":     run.ID,
				"iteration":  iteration + 1,
				"tool_calls": len(calls),
			})

			if len(calls) == 0 {
				return &subagent.RunResult{Output: lastText, Status: models.SubAgentCompleted}, nil
			}

			messages = append(messages, agent.CompletionMessage{
				Role:      "assistant",
				Content:   lastText,
				ToolCalls: calls,
			})
			var results []models.ToolResult
			for _, call := range calls {
				inv := &tools.Invocation{
					Input:       call.Input,
					ProjectID:   project.ID,
					ProjectRoot: project.Path,
					ChatID:      run.ChatID,
					ToolCallID:  call.ID,
					Store:       db,
					Resolver:    resolver,
				}
				result, err := registry.Execute(ctx, call.Name, inv)
				if err != nil {
					logger.Warn("sub-agent tool failed", "tool", call.Name, "error", err)
					result = tools.Errorf("tool failed: %v", err)
				}
				publish(run.ChatID, models.EventSubAgentToolCall, map[string]any{
					"run_id":       run.ID,
					"tool_call_id": call.ID,
					"tool":         call.Name,
					"is_error":     result.IsError,
				})
				results = append(results, models.ToolResult{
					ToolCallID: call.ID,
					Content:    result.Content,
					IsError:    result.IsError,
				})
			}
			messages = append(messages, agent.CompletionMessage{Role: "tool", ToolResults: results})
		}

		return &subagent.RunResult{Output: lastText, Status: models.SubAgentMaxIterations}, nil
	}
}
