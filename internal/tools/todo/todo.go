// Package todo provides the update_todo_list tool. The input is the full
// desired list, so repeated calls with the same payload are idempotent.
package todo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// UpdateTool replaces the todo list of the current chat.
type UpdateTool struct{}

// NewUpdateTool creates the update_todo_list tool.
func NewUpdateTool() *UpdateTool {
	return &UpdateTool{}
}

func (t *UpdateTool) Name() string { return "update_todo_list" }

func (t *UpdateTool) Description() string {
	return "Replace the task list for this conversation. Pass the complete desired list; omitted items are removed."
}

func (t *UpdateTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalAlways }

type todoItem struct {
	Content string `json:"content" jsonschema:"description=What needs to be done."`
	Status  string `json:"status,omitempty" jsonschema:"enum=pending,enum=in_progress,enum=completed,description=Task state (default: pending)."`
}

type todoInput struct {
	Todos []todoItem `json:"todos" jsonschema:"description=The complete desired todo list in order."`
}

func (t *UpdateTool) Schema() json.RawMessage { return tools.GenerateSchema(todoInput{}) }

func (t *UpdateTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	var input todoInput
	if err := json.Unmarshal(inv.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}

	list := make([]*models.Todo, 0, len(input.Todos))
	for _, item := range input.Todos {
		content := strings.TrimSpace(item.Content)
		if content == "" {
			return tools.Errorf("todo content must not be empty"), nil
		}
		status := models.TodoStatus(item.Status)
		switch status {
		case "":
			status = models.TodoPending
		case models.TodoPending, models.TodoInProgress, models.TodoCompleted:
		default:
			return tools.Errorf("unknown todo status: %s", item.Status), nil
		}
		list = append(list, &models.Todo{Content: content, Status: status})
	}

	if err := inv.Store.ReplaceTodos(ctx, inv.ChatID, inv.CheckpointID, list); err != nil {
		return tools.Errorf("save todos: %v", err), nil
	}

	done := 0
	for _, td := range list {
		if td.Status == models.TodoCompleted {
			done++
		}
	}
	return &tools.Result{
		Content: fmt.Sprintf("todo list updated: %d items, %d completed", len(list), done),
	}, nil
}
