// Package subagent provides the spawn_sub_agent tool. The nested agent loop
// itself is injected as a Runner so this package stays free of the loop's
// dependencies; the tool owns the run record and the lifecycle events.
package subagent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// RunResult is what a Runner reports back for a finished sub-agent.
type RunResult struct {
	Output string
	Status models.SubAgentStatus
}

// Runner executes one sub-agent task to completion. Implementations must not
// expose spawn_sub_agent to the nested loop; sub-agents do not recurse.
type Runner func(ctx context.Context, run *models.SubAgentRun) (*RunResult, error)

// SpawnTool delegates a self-contained task to a nested agent run.
type SpawnTool struct {
	runner Runner
	bus    *bus.Bus
}

// NewSpawnTool creates the spawn_sub_agent tool.
func NewSpawnTool(runner Runner, eventBus *bus.Bus) *SpawnTool {
	return &SpawnTool{runner: runner, bus: eventBus}
}

func (t *SpawnTool) Name() string { return "spawn_sub_agent" }

func (t *SpawnTool) Description() string {
	return "Delegate a self-contained task to a sub-agent that runs its own tool loop and reports back a final result."
}

func (t *SpawnTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalAlways }

type spawnInput struct {
	Task  string `json:"task" jsonschema:"description=Complete self-contained description of the task to delegate."`
	Model string `json:"model,omitempty" jsonschema:"description=Optional model override for the sub-agent."`
}

func (t *SpawnTool) Schema() json.RawMessage { return tools.GenerateSchema(spawnInput{}) }

func (t *SpawnTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	var input spawnInput
	if err := json.Unmarshal(inv.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	task := strings.TrimSpace(input.Task)
	if task == "" {
		return tools.Errorf("task is required"), nil
	}
	if t.runner == nil {
		return tools.Errorf("sub-agents are not available"), nil
	}

	run := &models.SubAgentRun{
		ChatID:           inv.ChatID,
		ParentToolCallID: inv.ToolCallID,
		Task:             task,
		Model:            input.Model,
	}
	if err := inv.Store.CreateSubAgentRun(ctx, run); err != nil {
		return tools.Errorf("record sub-agent run: %v", err), nil
	}

	if t.bus != nil {
		t.bus.Publish(inv.ChatID, models.NewEvent(models.EventSubAgentStart, map[string]any{
			"run_id":              run.ID,
			"parent_tool_call_id": run.ParentToolCallID,
			"task":                task,
		}))
	}

	start := time.Now()
	result, runErr := t.runner(ctx, run)
	elapsed := time.Since(start)

	status := models.SubAgentCompleted
	output := ""
	if result != nil {
		output = result.Output
		if result.Status != "" {
			status = result.Status
		}
	}
	if runErr != nil {
		status = models.SubAgentError
		if ctx.Err() != nil {
			status = models.SubAgentCancelled
		}
		if output == "" {
			output = runErr.Error()
		}
	}

	if err := inv.Store.FinishSubAgentRun(ctx, run.ID, status, output, elapsed); err != nil {
		return tools.Errorf("finish sub-agent run: %v", err), nil
	}

	if t.bus != nil {
		t.bus.Publish(inv.ChatID, models.NewEvent(models.EventSubAgentEnd, map[string]any{
			"run_id":      run.ID,
			"status":      string(status),
			"duration_ms": elapsed.Milliseconds(),
		}))
	}

	switch status {
	case models.SubAgentCompleted:
		return &tools.Result{Content: output}, nil
	case models.SubAgentMaxIterations:
		return tools.Errorf("sub-agent stopped at its iteration limit; partial output:\n%s", output), nil
	case models.SubAgentCancelled:
		return tools.Errorf("sub-agent cancelled"), nil
	default:
		return tools.Errorf("sub-agent failed: %s", output), nil
	}
}
