package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/approval"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// gatedTool requires manual approval.
type gatedTool struct{}

func (gatedTool) Name() string { return "dangerous" }
func (gatedTool) Description() string { return "Needs a human." }
func (gatedTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (gatedTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalManual }

func (gatedTool) Execute(context.Context, *tools.Invocation) (*tools.Result, error) {
	return &tools.Result{Content: "ran"}, nil
}

// ruledTool consults auto-approve rules.
type ruledTool struct{}

func (ruledTool) Name() string { return "write_file" }
func (ruledTool) Description() string { return "Writes a file." }
func (ruledTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (ruledTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalRules }

func (ruledTool) Execute(context.Context, *tools.Invocation) (*tools.Result, error) {
	return &tools.Result{Content: "written"}, nil
}

// failingTool returns a Go error.
type failingTool struct{}

func (failingTool) Name() string { return "broken" }
func (failingTool) Description() string { return "Always fails." }
func (failingTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (failingTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalAlways }

func (failingTool) Execute(context.Context, *tools.Invocation) (*tools.Result, error) {
	return nil, errors.New("disk on fire")
}

func newTestExecutor(t *testing.T, rules []approval.Rule) (*Executor, *Env, *approval.Waiter) {
	t.Helper()
	db := newTestStore(t)
	projectID, chatID := seedChat(t, db)

	registry := tools.NewRegistry()
	registry.Register(echoTool{})
	registry.Register(gatedTool{})
	registry.Register(ruledTool{})
	registry.Register(failingTool{})

	waiter := approval.NewWaiter()
	exec := NewExecutor(registry, db, nil, approval.NewMatcher(rules), waiter, newTestBus(), 0, nil)
	env := &Env{ProjectID: projectID, ChatID: chatID}
	return exec, env, waiter
}

func listCalls(t *testing.T, exec *Executor, chatID string) []*models.ToolCall {
	t.Helper()
	calls, err := exec.store.ListToolCalls(context.Background(), chatID)
	if err != nil {
		t.Fatal(err)
	}
	return calls
}

func TestExecuteGroupPersistsBeforeRunning(t *testing.T) {
	exec, env, _ := newTestExecutor(t, nil)
	requests := []ToolRequest{
		{ID: "c1", Name: "echo", Input: json.RawMessage(`{"a":1}`)},
		{ID: "c2", Name: "echo", Input: json.RawMessage(`{"a":2}`)},
	}
	group, err := exec.ExecuteGroup(context.Background(), env, requests)
	if err != nil {
		t.Fatal(err)
	}
	if len(group.Results) != 2 {
		t.Fatalf("results: %+v", group.Results)
	}
	// Results keep request order.
	if group.Results[0].ToolCallID != "c1" || group.Results[1].ToolCallID != "c2" {
		t.Errorf("order lost: %+v", group.Results)
	}

	calls := listCalls(t, exec, env.ChatID)
	if len(calls) != 2 {
		t.Fatalf("rows: %d", len(calls))
	}
	groupID := calls[0].ParallelGroupID
	if groupID == "" {
		t.Error("parallel group id missing")
	}
	for _, call := range calls {
		if call.ParallelGroupID != groupID {
			t.Error("group ids differ")
		}
		if call.Status != models.ToolCallCompleted {
			t.Errorf("status = %s", call.Status)
		}
	}
}

func TestSingleCallHasNoGroupID(t *testing.T) {
	exec, env, _ := newTestExecutor(t, nil)
	_, err := exec.ExecuteGroup(context.Background(), env, []ToolRequest{
		{ID: "c1", Name: "echo", Input: json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	calls := listCalls(t, exec, env.ChatID)
	if calls[0].ParallelGroupID != "" {
		t.Errorf("single call got group id %q", calls[0].ParallelGroupID)
	}
}

func TestRuleAutoApproves(t *testing.T) {
	exec, env, _ := newTestExecutor(t, []approval.Rule{
		{ID: "r1", Field: approval.FieldTool, Value: "write_file", Enabled: true},
	})
	group, err := exec.ExecuteGroup(context.Background(), env, []ToolRequest{
		{ID: "c1", Name: "write_file", Input: json.RawMessage(`{"path":"/tmp/x.txt"}`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if group.Results[0].IsError || group.Results[0].Content != "written" {
		t.Errorf("result: %+v", group.Results[0])
	}
}

func TestManualApprovalApproveAndReject(t *testing.T) {
	exec, env, waiter := newTestExecutor(t, nil)
	exec.SetApprovalTimeout(2 * time.Second)

	done := make(chan *GroupResult, 1)
	go func() {
		group, err := exec.ExecuteGroup(context.Background(), env, []ToolRequest{
			{ID: "c1", Name: "dangerous", Input: json.RawMessage(`{}`)},
		})
		if err != nil {
			t.Error(err)
		}
		done <- group
	}()

	// Wait until the executor registers, then approve.
	deadline := time.Now().Add(time.Second)
	for waiter.Pending(env.ChatID) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !waiter.SignalApproved(env.ChatID, "c1") {
		t.Fatal("no waiter registered")
	}
	group := <-done
	if group.Results[0].IsError || group.Results[0].Content != "ran" {
		t.Errorf("approved result: %+v", group.Results[0])
	}

	// Second call gets rejected.
	go func() {
		group, _ := exec.ExecuteGroup(context.Background(), env, []ToolRequest{
			{ID: "c2", Name: "dangerous", Input: json.RawMessage(`{}`)},
		})
		done <- group
	}()
	deadline = time.Now().Add(time.Second)
	for waiter.Pending(env.ChatID) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	waiter.SignalRejected(env.ChatID, "c2")
	group = <-done
	if !group.Results[0].IsError {
		t.Errorf("rejected result: %+v", group.Results[0])
	}

	var c2 *models.ToolCall
	for _, call := range listCalls(t, exec, env.ChatID) {
		if call.ID == "c2" {
			c2 = call
		}
	}
	if c2 == nil || c2.Status != models.ToolCallRejected {
		t.Errorf("c2: %+v", c2)
	}
}

func TestCancelledApprovalRejectsWithReason(t *testing.T) {
	exec, env, waiter := newTestExecutor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *GroupResult, 1)
	go func() {
		group, _ := exec.ExecuteGroup(ctx, env, []ToolRequest{
			{ID: "c1", Name: "dangerous", Input: json.RawMessage(`{}`)},
		})
		done <- group
	}()
	deadline := time.Now().Add(time.Second)
	for waiter.Pending(env.ChatID) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	group := <-done
	if !group.Results[0].IsError || group.Results[0].Content != "cancelled" {
		t.Errorf("result: %+v", group.Results[0])
	}
	calls := listCalls(t, exec, env.ChatID)
	if calls[0].Status != models.ToolCallRejected || calls[0].Output != "cancelled" {
		t.Errorf("row: status=%s output=%q", calls[0].Status, calls[0].Output)
	}
}

func TestToolErrorSetsErrorStatus(t *testing.T) {
	exec, env, _ := newTestExecutor(t, nil)
	group, err := exec.ExecuteGroup(context.Background(), env, []ToolRequest{
		{ID: "c1", Name: "broken", Input: json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !group.Results[0].IsError {
		t.Errorf("result: %+v", group.Results[0])
	}
	calls := listCalls(t, exec, env.ChatID)
	if calls[0].Status != models.ToolCallError {
		t.Errorf("status = %s", calls[0].Status)
	}
}

func TestUnknownToolErrors(t *testing.T) {
	exec, env, _ := newTestExecutor(t, nil)
	group, err := exec.ExecuteGroup(context.Background(), env, []ToolRequest{
		{ID: "c1", Name: "no_such_tool", Input: json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !group.Results[0].IsError {
		t.Errorf("result: %+v", group.Results[0])
	}
}

// strictTool declares a schema the input must satisfy.
type strictTool struct{ ran *bool }

func (strictTool) Name() string        { return "strict" }
func (strictTool) Description() string { return "Validated input." }
func (strictTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"count":{"type":"integer"}},"required":["count"]}`)
}
func (strictTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalAlways }

func (s strictTool) Execute(context.Context, *tools.Invocation) (*tools.Result, error) {
	*s.ran = true
	return &tools.Result{Content: "ok"}, nil
}

func TestInvalidInputRejectedBeforeToolRuns(t *testing.T) {
	db := newTestStore(t)
	projectID, chatID := seedChat(t, db)
	ran := false
	registry := tools.NewRegistry()
	registry.Register(strictTool{ran: &ran})
	exec := NewExecutor(registry, db, nil, nil, approval.NewWaiter(), newTestBus(), 0, nil)
	env := &Env{ProjectID: projectID, ChatID: chatID}

	group, err := exec.ExecuteGroup(context.Background(), env, []ToolRequest{
		{ID: "c1", Name: "strict", Input: json.RawMessage(`{"count":"three"}`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !group.Results[0].IsError {
		t.Errorf("result: %+v", group.Results[0])
	}
	if ran {
		t.Error("tool body ran despite invalid input")
	}

	group, err = exec.ExecuteGroup(context.Background(), env, []ToolRequest{
		{ID: "c2", Name: "strict", Input: json.RawMessage(`{"count":3}`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if group.Results[0].IsError || !ran {
		t.Errorf("valid input should execute: %+v", group.Results[0])
	}
}

func TestStopAndPauseFlagsPropagate(t *testing.T) {
	db := newTestStore(t)
	projectID, chatID := seedChat(t, db)
	registry := tools.NewRegistry()
	registry.Register(doneTool{})
	exec := NewExecutor(registry, db, nil, nil, approval.NewWaiter(), newTestBus(), 0, nil)
	env := &Env{ProjectID: projectID, ChatID: chatID}

	group, err := exec.ExecuteGroup(context.Background(), env, []ToolRequest{
		{ID: "c1", Name: "finish", Input: json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !group.Stop {
		t.Error("stop flag lost")
	}
}
