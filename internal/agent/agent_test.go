package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tokenizer"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// scriptedProvider replays canned turns: each Complete call pops the next
// chunk script. Requests are recorded for assertions.
type scriptedProvider struct {
	mu       sync.Mutex
	turns    [][]*CompletionChunk
	errs     []error
	requests []*CompletionRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(p.turns) == 0 {
		return nil, context.Canceled
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]

	out := make(chan *CompletionChunk, len(turn))
	for _, chunk := range turn {
		out <- chunk
	}
	close(out)
	return out, nil
}

func textTurn(text string) []*CompletionChunk {
	return []*CompletionChunk{
		{Text: text},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}
}

func toolTurn(id, name, input string) []*CompletionChunk {
	return []*CompletionChunk{
		{ToolCall: &ToolRequest{ID: id, Name: name, Input: json.RawMessage(input)}},
		{Done: true},
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedChat(t *testing.T, db *store.Store) (projectID, chatID string) {
	t.Helper()
	ctx := context.Background()
	project := &models.Project{Name: "p", Path: t.TempDir()}
	if err := db.CreateProject(ctx, project); err != nil {
		t.Fatal(err)
	}
	chat := &models.Chat{ProjectID: project.ID}
	if err := db.CreateChat(ctx, chat); err != nil {
		t.Fatal(err)
	}
	return project.ID, chat.ID
}

func seedUserMessage(t *testing.T, db *store.Store, chatID, content string) *models.Checkpoint {
	t.Helper()
	ctx := context.Background()
	msg := &models.Message{ChatID: chatID, Role: models.RoleUser, Content: content}
	if err := db.CreateMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	cp := &models.Checkpoint{ChatID: chatID, MessageID: msg.ID, Label: content}
	if err := db.CreateCheckpoint(ctx, cp); err != nil {
		t.Fatal(err)
	}
	return cp
}

func newTestBus() *bus.Bus {
	return bus.New(nil)
}

func newTestEstimator() *tokenizer.Estimator {
	return tokenizer.New("gpt-4o")
}

// echoTool is an always-approved tool returning its input verbatim.
type echoTool struct{}

func (echoTool) Name() string { return "echo" }
func (echoTool) Description() string { return "Echoes the input back." }
func (echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalAlways }

func (echoTool) Execute(_ context.Context, inv *tools.Invocation) (*tools.Result, error) {
	return &tools.Result{Content: "echo: " + string(inv.Input)}, nil
}

// doneTool stops the turn like submit_task does.
type doneTool struct{}

func (doneTool) Name() string { return "finish" }
func (doneTool) Description() string { return "Finishes the task." }
func (doneTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (doneTool) ApprovalPolicy() tools.ApprovalPolicy { return tools.ApprovalAlways }

func (doneTool) Execute(context.Context, *tools.Invocation) (*tools.Result, error) {
	return &tools.Result{Content: "done", Stop: true}, nil
}
