package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomhq/loom/pkg/models"
)

func TestSystemPromptAlwaysFirst(t *testing.T) {
	tc := &TurnContext{
		SystemPrompt: "you are loom",
		Messages: []CompletionMessage{
			{Role: "user", Content: "hi"},
		},
	}
	if err := (systemPromptStep{}).Process(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
	if tc.Messages[0].Role != "system" || tc.Messages[0].Content != "you are loom" {
		t.Errorf("first message: %+v", tc.Messages[0])
	}

	// An existing leading system message is replaced, not stacked.
	tc.SystemPrompt = "updated prompt"
	if err := (systemPromptStep{}).Process(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
	if len(tc.Messages) != 2 || tc.Messages[0].Content != "updated prompt" {
		t.Errorf("after replace: %+v", tc.Messages)
	}
}

func TestTodoReminderReplacesPriorBlock(t *testing.T) {
	db := newTestStore(t)
	_, chatID := seedChat(t, db)
	ctx := context.Background()
	err := db.ReplaceTodos(ctx, chatID, "", []*models.Todo{
		{Content: "write tests", Status: models.TodoInProgress},
		{Content: "ship", Status: models.TodoPending},
	})
	if err != nil {
		t.Fatal(err)
	}

	stale := "do the thing\n\n" + reminderOpen + "\nold list\n" + reminderClose
	tc := &TurnContext{
		ChatID: chatID,
		Messages: []CompletionMessage{
			{Role: "user", Content: stale},
			{Role: "assistant", Content: "working"},
			{Role: "user", Content: "continue"},
		},
	}
	if err := (todoReminderStep{db: db}).Process(ctx, tc); err != nil {
		t.Fatal(err)
	}

	last := tc.Messages[2].Content
	if !strings.Contains(last, "- [~] write tests") || !strings.Contains(last, "- [ ] ship") {
		t.Errorf("reminder missing: %q", last)
	}
	if strings.Contains(last, "old list") {
		t.Error("stale reminder not stripped")
	}
	// The stale block on an earlier user message is untouched; only the last
	// user message carries the reminder.
	if strings.Count(tc.Messages[0].Content+last, reminderOpen) != 2 {
		t.Errorf("unexpected reminder count")
	}
}

func TestTodoReminderStripsWhenListEmpty(t *testing.T) {
	db := newTestStore(t)
	_, chatID := seedChat(t, db)

	tc := &TurnContext{
		ChatID: chatID,
		Messages: []CompletionMessage{
			{Role: "user", Content: "go on\n\n" + reminderOpen + "\nstale\n" + reminderClose},
		},
	}
	if err := (todoReminderStep{db: db}).Process(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(tc.Messages[0].Content, reminderOpen) {
		t.Errorf("stale reminder kept: %q", tc.Messages[0].Content)
	}
}

func TestProjectOverviewDepthBackoff(t *testing.T) {
	root := t.TempDir()
	// Shallow entries plus a deep noisy tree that only fits at lower depth.
	for _, dir := range []string{"cmd", "internal"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			t.Fatal(err)
		}
	}
	deep := filepath.Join(root, "internal", "generated")
	if err := os.MkdirAll(deep, 0755); err != nil {
		t.Fatal(err)
	}
	long := strings.Repeat("verylongfilename", 8)
	for i := 0; i < 400; i++ {
		name := filepath.Join(deep, long+string(rune('a'+i%26))+strings.Repeat("x", i%7)+".txt")
		if err := os.WriteFile(name, nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "node_modules", "left-pad"), 0755); err != nil {
		t.Fatal(err)
	}

	tc := &TurnContext{
		ProjectRoot: root,
		Messages:    []CompletionMessage{{Role: "system", Content: "prompt"}},
	}
	step := projectOverviewStep{est: newTestEstimator()}
	if err := step.Process(context.Background(), tc); err != nil {
		t.Fatal(err)
	}

	if len(tc.Messages) != 2 {
		t.Fatalf("overview not injected: %d messages", len(tc.Messages))
	}
	overview := tc.Messages[1].Content
	if !strings.Contains(overview, "cmd/") {
		t.Errorf("missing top-level dir: %q", overview)
	}
	if strings.Contains(overview, ".git") || strings.Contains(overview, "node_modules") {
		t.Error("ignored directories leaked into overview")
	}
	if strings.Contains(overview, long) {
		t.Error("deep listing did not back off")
	}
}

func TestProjectOverviewNotDuplicatedAcrossIterations(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "cmd"), 0755); err != nil {
		t.Fatal(err)
	}

	tc := &TurnContext{
		ProjectRoot: root,
		Messages: []CompletionMessage{
			{Role: "system", Content: "prompt"},
			{Role: "user", Content: "hi"},
		},
	}
	step := projectOverviewStep{est: newTestEstimator()}
	// A multi-tool turn re-runs the pipeline over its own output.
	for i := 0; i < 3; i++ {
		if err := step.Process(context.Background(), tc); err != nil {
			t.Fatal(err)
		}
	}

	count := 0
	for _, msg := range tc.Messages {
		if msg.Role == "system" && strings.HasPrefix(msg.Content, overviewPrefix) {
			count++
		}
	}
	if count != 1 {
		t.Errorf("overview injected %d times, want 1", count)
	}
	if len(tc.Messages) != 3 {
		t.Errorf("message count = %d, want 3", len(tc.Messages))
	}
}

func TestCompactionReplacesPrefix(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*CompletionChunk{textTurn("summary of early work")}}
	step := compactionStep{provider: provider, est: newTestEstimator(), recentWindow: 4}

	var messages []CompletionMessage
	messages = append(messages, CompletionMessage{Role: "system", Content: "prompt"})
	for i := 0; i < 30; i++ {
		messages = append(messages,
			CompletionMessage{Role: "user", Content: strings.Repeat("context ", 40)},
			CompletionMessage{Role: "assistant", Content: strings.Repeat("answer ", 40)},
		)
	}
	tc := &TurnContext{Model: "gpt-4o", ContextLimit: 2000, Messages: messages}

	if err := step.Process(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
	if !tc.Compacted {
		t.Fatal("compaction did not fire")
	}
	if tc.Messages[0].Role != "system" || tc.Messages[0].Content != "prompt" {
		t.Errorf("system prompt lost: %+v", tc.Messages[0])
	}
	if !strings.HasPrefix(tc.Messages[1].Content, "[Conversation summary]: ") {
		t.Errorf("summary message: %q", tc.Messages[1].Content)
	}
	// system prompt + summary + recent window
	if len(tc.Messages) != 2+4 {
		t.Errorf("got %d messages", len(tc.Messages))
	}
}

func TestCompactionRecentWindowNeverStartsOnTool(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*CompletionChunk{textTurn("summary")}}
	step := compactionStep{provider: provider, est: newTestEstimator(), recentWindow: 2}

	big := strings.Repeat("filler ", 90)
	messages := []CompletionMessage{{Role: "system", Content: "prompt"}}
	for i := 0; i < 12; i++ {
		messages = append(messages,
			CompletionMessage{Role: "user", Content: big},
			CompletionMessage{Role: "assistant", Content: big},
		)
	}
	// Arrange the split point to land on a tool message.
	messages = append(messages,
		CompletionMessage{Role: "assistant", Content: big},
		CompletionMessage{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "t1", Content: big}}},
		CompletionMessage{Role: "assistant", Content: "done"},
	)
	tc := &TurnContext{Model: "gpt-4o", ContextLimit: 2000, Messages: messages}

	if err := step.Process(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
	if !tc.Compacted {
		t.Fatal("compaction did not fire")
	}
	// First message after the summary must not be a tool result.
	if tc.Messages[2].Role == "tool" {
		t.Errorf("recent window starts on tool message: %+v", tc.Messages[2])
	}
}

func TestCompactionSkipsUnderThreshold(t *testing.T) {
	provider := &scriptedProvider{}
	step := compactionStep{provider: provider, est: newTestEstimator(), recentWindow: 4}
	tc := &TurnContext{
		Model:        "gpt-4o",
		ContextLimit: 100000,
		Messages: []CompletionMessage{
			{Role: "user", Content: "short"},
		},
	}
	if err := step.Process(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
	if tc.Compacted || len(provider.requests) != 0 {
		t.Error("compaction fired below threshold")
	}
}

func TestContextWindowFor(t *testing.T) {
	if got := ContextWindowFor("claude-sonnet-4-20250514"); got != 200000 {
		t.Errorf("prefix match = %d", got)
	}
	if got := ContextWindowFor("mystery-model"); got != DefaultContextLimit {
		t.Errorf("fallback = %d", got)
	}
}
