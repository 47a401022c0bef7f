package agent

import (
	"context"
	"errors"
	"testing"
)

type recordingStep struct {
	name     string
	priority int
	log      *[]string
	fail     error
	panics   bool
}

func (s recordingStep) Name() string  { return s.name }
func (s recordingStep) Priority() int { return s.priority }

func (s recordingStep) Process(context.Context, *TurnContext) error {
	*s.log = append(*s.log, s.name)
	if s.panics {
		panic("boom")
	}
	return s.fail
}

func TestPipelineRunsInPriorityOrder(t *testing.T) {
	var log []string
	p := NewPipeline(nil,
		recordingStep{name: "compact", priority: PriorityCompaction, log: &log},
		recordingStep{name: "system", priority: PrioritySystemPrompt, log: &log},
		recordingStep{name: "estimate", priority: PriorityTokenEstimate, log: &log},
		recordingStep{name: "todo", priority: PriorityTodoReminder, log: &log},
	)
	p.Run(context.Background(), &TurnContext{})

	want := []string{"system", "todo", "estimate", "compact"}
	if len(log) != len(want) {
		t.Fatalf("ran %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("step %d = %s, want %s", i, log[i], want[i])
		}
	}
}

func TestPipelineIsolatesFailures(t *testing.T) {
	var log []string
	p := NewPipeline(nil,
		recordingStep{name: "first", priority: 1, log: &log, fail: errors.New("no")},
		recordingStep{name: "second", priority: 2, log: &log, panics: true},
		recordingStep{name: "third", priority: 3, log: &log},
	)
	p.Run(context.Background(), &TurnContext{})

	if len(log) != 3 || log[2] != "third" {
		t.Errorf("pipeline stopped early: %v", log)
	}
}
