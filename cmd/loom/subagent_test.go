package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// scriptedSubProvider replays canned completion turns for the nested runner.
type scriptedSubProvider struct {
	turns [][]*agent.CompletionChunk
}

func (p *scriptedSubProvider) Name() string { return "scripted" }

func (p *scriptedSubProvider) Complete(_ context.Context, _ *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if len(p.turns) == 0 {
		return nil, context.Canceled
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	out := make(chan *agent.CompletionChunk, len(turn))
	for _, chunk := range turn {
		out <- chunk
	}
	close(out)
	return out, nil
}

type noteTool struct{}

func (noteTool) Name() string                         { return "take_note" }
func (noteTool) Description() string                  { return "Records a note." }
func (noteTool) Schema() json.RawMessage              { return json.RawMessage(`{"type":"object"}`) }
func (noteTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalAlways }
func (noteTool) Execute(context.Context, *tools.Invocation) (*tools.Result, error) {
	return &tools.Result{Content: "noted"}, nil
}

func TestSubAgentRunnerPublishesProgressAndToolCalls(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	project := &models.Project{Name: "p", Path: t.TempDir()}
	if err := db.CreateProject(ctx, project); err != nil {
		t.Fatal(err)
	}
	chat := &models.Chat{ProjectID: project.ID}
	if err := db.CreateChat(ctx, chat); err != nil {
		t.Fatal(err)
	}

	registry := tools.NewRegistry()
	registry.Register(noteTool{})

	provider := &scriptedSubProvider{turns: [][]*agent.CompletionChunk{
		{
			{ToolCall: &agent.ToolRequest{ID: "sc-1", Name: "take_note", Input: json.RawMessage(`{}`)}},
			{Done: true},
		},
		{
			{Text: "done"},
			{Done: true},
		},
	}}

	eventBus := bus.New(slog.Default())
	sub := eventBus.Subscribe(chat.ID)
	defer eventBus.Unsubscribe(sub)

	runner := newSubAgentRunner(db, provider, registry, eventBus, "test-model", slog.Default())
	run := &models.SubAgentRun{ID: "run-1", ChatID: chat.ID, Task: "inspect"}
	res, err := runner(ctx, run)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	if res.Output != "done" || res.Status != models.SubAgentCompleted {
		t.Fatalf("result: %+v", res)
	}

	// First iteration announces one pending call, then the call itself,
	// then the final iteration reports none.
	first := <-sub.C
	if first.Type != models.EventSubAgentProgress || first.Payload["run_id"] != "run-1" {
		t.Fatalf("first event: %s %+v", first.Type, first.Payload)
	}
	if first.Payload["tool_calls"] != 1 {
		t.Errorf("first iteration tool_calls = %v, want 1", first.Payload["tool_calls"])
	}

	call := <-sub.C
	if call.Type != models.EventSubAgentToolCall {
		t.Fatalf("second event = %s, want %s", call.Type, models.EventSubAgentToolCall)
	}
	if call.Payload["tool"] != "take_note" || call.Payload["tool_call_id"] != "sc-1" {
		t.Errorf("tool call payload: %+v", call.Payload)
	}
	if call.Payload["is_error"] != false {
		t.Errorf("is_error = %v, want false", call.Payload["is_error"])
	}

	last := <-sub.C
	if last.Type != models.EventSubAgentProgress || last.Payload["tool_calls"] != 0 {
		t.Errorf("last event: %s %+v", last.Type, last.Payload)
	}
}
