// Package control provides the loop-control tools: submit_task ends the turn
// once the task list is clean, user_query pauses for user input.
package control

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/loomhq/loom/internal/tools"
)

// SubmitTool terminates the agent turn. Submission fails while incomplete
// todos remain so the model cannot declare victory early.
type SubmitTool struct{}

// NewSubmitTool creates the submit_task tool.
func NewSubmitTool() *SubmitTool {
	return &SubmitTool{}
}

func (t *SubmitTool) Name() string { return "submit_task" }

func (t *SubmitTool) Description() string {
	return "Declare the task finished and end the turn. Fails if the todo list still has incomplete items."
}

func (t *SubmitTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalAlways }

type submitInput struct {
	Summary string `json:"summary,omitempty" jsonschema:"description=Short summary of what was accomplished."`
}

func (t *SubmitTool) Schema() json.RawMessage { return tools.GenerateSchema(submitInput{}) }

func (t *SubmitTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	var input submitInput
	if err := json.Unmarshal(inv.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}

	incomplete, err := inv.Store.CountIncompleteTodos(ctx, inv.ChatID)
	if err != nil {
		return tools.Errorf("check todos: %v", err), nil
	}
	if incomplete > 0 {
		return tools.Errorf("cannot submit: %d todo items are not completed; finish or remove them first", incomplete), nil
	}

	content := strings.TrimSpace(input.Summary)
	if content == "" {
		content = "task submitted"
	}
	return &tools.Result{Content: content, Stop: true}, nil
}

// QueryTool pauses the turn and puts a question to the user.
type QueryTool struct{}

// NewQueryTool creates the user_query tool.
func NewQueryTool() *QueryTool {
	return &QueryTool{}
}

func (t *QueryTool) Name() string { return "user_query" }

func (t *QueryTool) Description() string {
	return "Ask the user a question and pause until they answer."
}

func (t *QueryTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalAlways }

type queryInput struct {
	Question string `json:"question" jsonschema:"description=The question to put to the user."`
}

func (t *QueryTool) Schema() json.RawMessage { return tools.GenerateSchema(queryInput{}) }

func (t *QueryTool) Execute(ctx context.Context, inv *tools.Invocation) (*tools.Result, error) {
	var input queryInput
	if err := json.Unmarshal(inv.Input, &input); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return tools.Errorf("question is required"), nil
	}
	return &tools.Result{Content: question, Pause: true}, nil
}
