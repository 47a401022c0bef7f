package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tokenizer"
	"github.com/loomhq/loom/internal/tools/files"
	"github.com/loomhq/loom/pkg/models"
)

const (
	// CompactionThreshold is the fraction of the context limit at which the
	// older prefix gets summarized away.
	CompactionThreshold = 0.95

	// DefaultRecentWindow is how many trailing messages compaction preserves
	// verbatim.
	DefaultRecentWindow = 10

	// DefaultContextLimit applies when the model is not in the window table.
	DefaultContextLimit = 128000

	// overviewTokenBudget bounds the injected project overview.
	overviewTokenBudget = 1200

	// pruneKeepRecent is how many trailing messages keep full tool results.
	pruneKeepRecent = 20

	// prunedResultCap is the byte cap applied to stale tool results.
	prunedResultCap = 600

	reminderOpen  = "<environment_reminder>"
	reminderClose = "</environment_reminder>"

	overviewPrefix = "Project structure:\n"
)

// modelContextWindows maps known model ids to their context window sizes.
var modelContextWindows = map[string]int{
	"gpt-4o":            128000,
	"gpt-4o-mini":       128000,
	"gpt-4.1":           1000000,
	"o3":                200000,
	"o4-mini":           200000,
	"claude-3-5-sonnet": 200000,
	"claude-3-5-haiku":  200000,
	"claude-sonnet-4":   200000,
	"claude-opus-4":     200000,
}

// ContextWindowFor returns the context window for a model id, matching by
// prefix so dated variants resolve.
func ContextWindowFor(model string) int {
	if limit, ok := modelContextWindows[model]; ok {
		return limit
	}
	for prefix, limit := range modelContextWindows {
		if strings.HasPrefix(model, prefix) {
			return limit
		}
	}
	return DefaultContextLimit
}

// MemoryStrategy transforms the prompt on behalf of the active memory
// implementation (priority 50). A nil strategy leaves the prompt untouched.
type MemoryStrategy interface {
	Name() string
	Transform(ctx context.Context, tc *TurnContext) error
}

// BudgetManager assembles the preprocessor pipeline that turns a raw
// transcript into a prompt that fits the model's context window.
type BudgetManager struct {
	pipeline *Pipeline
}

// NewBudgetManager builds the standard pipeline. provider is used for
// compaction summaries; memory may be nil.
func NewBudgetManager(db *store.Store, est *tokenizer.Estimator, provider Provider, memory MemoryStrategy, recentWindow int, logger *slog.Logger) *BudgetManager {
	if recentWindow <= 0 {
		recentWindow = DefaultRecentWindow
	}
	steps := []Preprocessor{
		systemPromptStep{},
		todoReminderStep{db: db},
		projectOverviewStep{est: est},
		tokenEstimateStep{est: est},
		toolResultPruneStep{},
		compactionStep{provider: provider, est: est, recentWindow: recentWindow},
	}
	if memory != nil {
		steps = append(steps, memoryStep{strategy: memory})
	}
	return &BudgetManager{pipeline: NewPipeline(logger, steps...)}
}

// Prepare runs the pipeline over the turn context.
func (m *BudgetManager) Prepare(ctx context.Context, tc *TurnContext) {
	if tc.ContextLimit <= 0 {
		tc.ContextLimit = ContextWindowFor(tc.Model)
	}
	m.pipeline.Run(ctx, tc)
}

// systemPromptStep guarantees the prompt starts with exactly one system
// message carrying the configured prompt.
type systemPromptStep struct{}

func (systemPromptStep) Name() string  { return "system_prompt" }
func (systemPromptStep) Priority() int { return PrioritySystemPrompt }

func (systemPromptStep) Process(_ context.Context, tc *TurnContext) error {
	if tc.SystemPrompt == "" {
		return nil
	}
	head := CompletionMessage{Role: "system", Content: tc.SystemPrompt}
	if len(tc.Messages) > 0 && tc.Messages[0].Role == "system" {
		tc.Messages[0] = head
		return nil
	}
	tc.Messages = append([]CompletionMessage{head}, tc.Messages...)
	return nil
}

// todoReminderStep appends the current todo list as an environment block at
// the tail of the last user message, replacing any earlier block.
type todoReminderStep struct {
	db *store.Store
}

func (todoReminderStep) Name() string  { return "todo_reminder" }
func (todoReminderStep) Priority() int { return PriorityTodoReminder }

func (s todoReminderStep) Process(ctx context.Context, tc *TurnContext) error {
	last := -1
	for i := len(tc.Messages) - 1; i >= 0; i-- {
		if tc.Messages[i].Role == "user" {
			last = i
			break
		}
	}
	if last < 0 {
		return nil
	}
	tc.Messages[last].Content = stripReminder(tc.Messages[last].Content)

	todos, err := s.db.ListTodos(ctx, tc.ChatID)
	if err != nil {
		return fmt.Errorf("list todos: %w", err)
	}
	if len(todos) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(tc.Messages[last].Content)
	b.WriteString("\n\n")
	b.WriteString(reminderOpen)
	b.WriteString("\nCurrent todo list:\n")
	for _, todo := range todos {
		mark := " "
		switch todo.Status {
		case models.TodoInProgress:
			mark = "~"
		case models.TodoCompleted:
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, todo.Content)
	}
	b.WriteString(reminderClose)
	tc.Messages[last].Content = b.String()
	return nil
}

func stripReminder(content string) string {
	start := strings.Index(content, reminderOpen)
	if start < 0 {
		return content
	}
	end := strings.Index(content[start:], reminderClose)
	if end < 0 {
		return strings.TrimRight(content[:start], "\n")
	}
	rest := content[start+end+len(reminderClose):]
	return strings.TrimRight(content[:start], "\n") + rest
}

// projectOverviewStep injects a directory listing of the project after the
// system prompt. Depth backs off 3 → 2 → 1 until the listing fits the token
// budget; if depth 1 still exceeds it, nothing is injected.
type projectOverviewStep struct {
	est *tokenizer.Estimator
}

func (projectOverviewStep) Name() string  { return "project_overview" }
func (projectOverviewStep) Priority() int { return PriorityProjectOverview }

func (s projectOverviewStep) Process(_ context.Context, tc *TurnContext) error {
	if tc.ProjectRoot == "" {
		return nil
	}
	// The transcript may already carry an overview from an earlier iteration
	// of the same turn; replace rather than stack.
	tc.Messages = stripOverview(tc.Messages)
	for depth := 3; depth >= 1; depth-- {
		overview, err := renderOverview(tc.ProjectRoot, depth)
		if err != nil {
			return err
		}
		if s.est.Count(overview) > overviewTokenBudget {
			continue
		}
		msg := CompletionMessage{
			Role:    "system",
			Content: overviewPrefix + overview,
		}
		at := 0
		if len(tc.Messages) > 0 && tc.Messages[0].Role == "system" {
			at = 1
		}
		tc.Messages = append(tc.Messages[:at], append([]CompletionMessage{msg}, tc.Messages[at:]...)...)
		return nil
	}
	return nil
}

func stripOverview(messages []CompletionMessage) []CompletionMessage {
	out := messages[:0]
	for _, msg := range messages {
		if msg.Role == "system" && strings.HasPrefix(msg.Content, overviewPrefix) {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func renderOverview(root string, maxDepth int) (string, error) {
	var b strings.Builder
	var walk func(dir string, depth int, indent string) error
	walk = func(dir string, depth int, indent string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, entry := range entries {
			name := entry.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			if entry.IsDir() {
				if files.IsIgnoredDir(name) {
					continue
				}
				b.WriteString(indent + name + "/\n")
				if depth < maxDepth {
					if err := walk(filepath.Join(dir, name), depth+1, indent+"  "); err != nil {
						return err
					}
				}
			} else {
				b.WriteString(indent + name + "\n")
			}
		}
		return nil
	}
	if err := walk(root, 1, ""); err != nil {
		return "", fmt.Errorf("walk project: %w", err)
	}
	return b.String(), nil
}

// tokenEstimateStep records the current prompt size.
type tokenEstimateStep struct {
	est *tokenizer.Estimator
}

func (tokenEstimateStep) Name() string  { return "token_estimate" }
func (tokenEstimateStep) Priority() int { return PriorityTokenEstimate }

func (s tokenEstimateStep) Process(_ context.Context, tc *TurnContext) error {
	tc.EstimatedTokens = estimateMessages(s.est, tc.Messages)
	return nil
}

func estimateMessages(est *tokenizer.Estimator, messages []CompletionMessage) int {
	total := 0
	for _, msg := range messages {
		total += 4 // role and framing overhead
		total += est.Count(msg.Content)
		for _, tc := range msg.ToolCalls {
			total += est.Count(tc.Name) + est.Count(string(tc.Input))
		}
		for _, tr := range msg.ToolResults {
			total += est.Count(tr.Content)
		}
	}
	return total
}

// toolResultPruneStep truncates tool results outside the recent window so
// stale command output stops paying rent.
type toolResultPruneStep struct{}

func (toolResultPruneStep) Name() string  { return "tool_result_prune" }
func (toolResultPruneStep) Priority() int { return PriorityToolResultPrune }

func (toolResultPruneStep) Process(_ context.Context, tc *TurnContext) error {
	cutoff := len(tc.Messages) - pruneKeepRecent
	for i := 0; i < cutoff; i++ {
		for j, tr := range tc.Messages[i].ToolResults {
			if len(tr.Content) <= prunedResultCap {
				continue
			}
			tc.Messages[i].ToolResults[j].Content = tr.Content[:prunedResultCap] + "\n[truncated: stale tool output]"
		}
	}
	return nil
}

// memoryStep delegates to the active memory strategy.
type memoryStep struct {
	strategy MemoryStrategy
}

func (s memoryStep) Name() string { return "memory:" + s.strategy.Name() }
func (memoryStep) Priority() int  { return PriorityMemoryStrategy }

func (s memoryStep) Process(ctx context.Context, tc *TurnContext) error {
	return s.strategy.Transform(ctx, tc)
}

// compactionStep summarizes the older prefix when the prompt still exceeds
// the threshold after everything upstream ran.
type compactionStep struct {
	provider     Provider
	est          *tokenizer.Estimator
	recentWindow int
}

func (compactionStep) Name() string  { return "auto_compaction" }
func (compactionStep) Priority() int { return PriorityCompaction }

func (s compactionStep) Process(ctx context.Context, tc *TurnContext) error {
	tc.EstimatedTokens = estimateMessages(s.est, tc.Messages)
	if !tc.ForceCompact {
		if tc.ContextLimit <= 0 || float64(tc.EstimatedTokens) < CompactionThreshold*float64(tc.ContextLimit) {
			return nil
		}
	}
	if len(tc.Messages) <= s.recentWindow {
		return nil
	}

	// Keep the leading system messages out of the summarized prefix.
	head := 0
	for head < len(tc.Messages) && tc.Messages[head].Role == "system" {
		head++
	}
	split := len(tc.Messages) - s.recentWindow
	// The recent window must not begin on a tool message: its paired
	// assistant tool calls would be summarized away.
	for split > head && tc.Messages[split].Role == "tool" {
		split--
	}
	if split <= head {
		return nil
	}

	summary, err := s.summarize(ctx, tc, tc.Messages[head:split])
	if err != nil {
		return fmt.Errorf("compaction summary: %w", err)
	}

	compacted := make([]CompletionMessage, 0, head+1+len(tc.Messages)-split)
	compacted = append(compacted, tc.Messages[:head]...)
	compacted = append(compacted, CompletionMessage{
		Role:    "system",
		Content: "[Conversation summary]: " + summary,
	})
	compacted = append(compacted, tc.Messages[split:]...)
	tc.Messages = compacted
	tc.Compacted = true
	tc.EstimatedTokens = estimateMessages(s.est, tc.Messages)
	return nil
}

func (s compactionStep) summarize(ctx context.Context, tc *TurnContext, prefix []CompletionMessage) (string, error) {
	var transcript strings.Builder
	for _, msg := range prefix {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
		for _, tr := range msg.ToolResults {
			fmt.Fprintf(&transcript, "tool result: %s\n", tr.Content)
		}
	}

	chunks, err := s.provider.Complete(ctx, &CompletionRequest{
		Model:  tc.Model,
		System: "Summarize the conversation below. Preserve file paths, decisions, error messages, and unfinished work. Be dense and factual.",
		Messages: []CompletionMessage{
			{Role: "user", Content: transcript.String()},
		},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	var summary strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		summary.WriteString(chunk.Text)
	}
	if summary.Len() == 0 {
		return "", fmt.Errorf("empty summary")
	}
	return summary.String(), nil
}
