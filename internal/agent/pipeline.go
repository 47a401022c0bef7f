package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Preprocessor priorities. Lower runs first.
const (
	PrioritySystemPrompt    = 10
	PriorityTodoReminder    = 12
	PriorityProjectOverview = 15
	PriorityTokenEstimate   = 20
	PriorityToolResultPrune = 40
	PriorityMemoryStrategy  = 50
	PriorityCompaction      = 95
)

// TurnContext is the mutable prompt state threaded through the preprocessor
// pipeline. After the pipeline runs, Messages is the final prompt.
type TurnContext struct {
	ChatID      string
	ProjectID   string
	ProjectRoot string
	Model       string

	// SystemPrompt is the default system prompt before injection.
	SystemPrompt string
	// ContextLimit is the model context window in tokens.
	ContextLimit int

	Messages []CompletionMessage

	// EstimatedTokens is filled by the estimation step and kept current by
	// later steps that shrink the prompt.
	EstimatedTokens int
	// Compacted records whether auto-compaction replaced the prefix.
	Compacted bool
	// ForceCompact makes the compaction step run regardless of the token
	// threshold. Set by the summarize endpoint.
	ForceCompact bool
}

// Preprocessor is one prompt transform. Process mutates the turn context in
// place; a returned error is logged and the pipeline continues.
type Preprocessor interface {
	Name() string
	Priority() int
	Process(ctx context.Context, tc *TurnContext) error
}

// Pipeline runs preprocessors in priority order. A panicking or failing step
// is isolated: the turn proceeds with whatever the earlier steps produced.
type Pipeline struct {
	steps  []Preprocessor
	logger *slog.Logger
}

// NewPipeline creates a pipeline over the given steps.
func NewPipeline(logger *slog.Logger, steps ...Preprocessor) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{logger: logger.With("component", "pipeline")}
	for _, step := range steps {
		p.Register(step)
	}
	return p
}

// Register adds a step, keeping priority order stable for equal priorities.
func (p *Pipeline) Register(step Preprocessor) {
	p.steps = append(p.steps, step)
	sort.SliceStable(p.steps, func(i, j int) bool {
		return p.steps[i].Priority() < p.steps[j].Priority()
	})
}

// Run executes every step in order.
func (p *Pipeline) Run(ctx context.Context, tc *TurnContext) {
	for _, step := range p.steps {
		if err := p.runStep(ctx, step, tc); err != nil {
			p.logger.Warn("preprocessor failed",
				"step", step.Name(), "chat_id", tc.ChatID, "error", err)
		}
	}
}

func (p *Pipeline) runStep(ctx context.Context, step Preprocessor, tc *TurnContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.Process(ctx, tc)
}
