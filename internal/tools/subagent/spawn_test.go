package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

func seedInvocation(t *testing.T, input any) (*tools.Invocation, *store.Store) {
	t.Helper()
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

	raw, err := json.Marshal(input)
	if err != nil {
		t.Fatal(err)
	}
	return &tools.Invocation{
		Input:      raw,
		ChatID:     chat.ID,
		ToolCallID: "tc-1",
		Store:      db,
	}, db
}

func TestSpawnRecordsRunAndEvents(t *testing.T) {
	inv, db := seedInvocation(t, map[string]any{"task": "summarize the repo"})
	eventBus := bus.New(slog.Default())
	sub := eventBus.Subscribe(inv.ChatID)
	defer eventBus.Unsubscribe(sub)

	runner := func(ctx context.Context, run *models.SubAgentRun) (*RunResult, error) {
		if run.Task != "summarize the repo" {
			t.Errorf("task = %q", run.Task)
		}
		return &RunResult{Output: "three packages, one binary"}, nil
	}

	res, err := NewSpawnTool(runner, eventBus).Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError || res.Content != "three packages, one binary" {
		t.Fatalf("unexpected result: %+v", res)
	}

	runs, err := db.ListSubAgentRuns(context.Background(), inv.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("run count = %d", len(runs))
	}
	run := runs[0]
	if run.Status != models.SubAgentCompleted || run.ParentToolCallID != "tc-1" {
		t.Errorf("run: %+v", run)
	}
	if run.Output != "three packages, one binary" {
		t.Errorf("output = %q", run.Output)
	}

	start := <-sub.C
	end := <-sub.C
	if start.Type != models.EventSubAgentStart || end.Type != models.EventSubAgentEnd {
		t.Errorf("event order: %s then %s", start.Type, end.Type)
	}
	if end.Payload["status"] != "completed" {
		t.Errorf("end payload: %+v", end.Payload)
	}
}

func TestSpawnRunnerError(t *testing.T) {
	inv, db := seedInvocation(t, map[string]any{"task": "impossible"})
	runner := func(ctx context.Context, run *models.SubAgentRun) (*RunResult, error) {
		return nil, errors.New("provider unreachable")
	}

	res, err := NewSpawnTool(runner, nil).Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "provider unreachable") {
		t.Errorf("unexpected result: %+v", res)
	}

	runs, err := db.ListSubAgentRuns(context.Background(), inv.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != models.SubAgentError {
		t.Errorf("runs: %+v", runs)
	}
}

func TestSpawnMaxIterations(t *testing.T) {
	inv, db := seedInvocation(t, map[string]any{"task": "long task"})
	runner := func(ctx context.Context, run *models.SubAgentRun) (*RunResult, error) {
		return &RunResult{Output: "partial work", Status: models.SubAgentMaxIterations}, nil
	}

	res, err := NewSpawnTool(runner, nil).Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "partial work") {
		t.Errorf("unexpected result: %+v", res)
	}

	runs, err := db.ListSubAgentRuns(context.Background(), inv.ChatID)
	if err != nil {
		t.Fatal(err)
	}
	if runs[0].Status != models.SubAgentMaxIterations {
		t.Errorf("status = %s", runs[0].Status)
	}
}

func TestSpawnWithoutRunner(t *testing.T) {
	inv, _ := seedInvocation(t, map[string]any{"task": "anything"})
	res, err := NewSpawnTool(nil, nil).Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Error("spawn without a runner should fail")
	}
}
