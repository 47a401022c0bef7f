package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

func collectEvents(t *testing.T, sub <-chan *models.Event, n int) []*models.Event {
	t.Helper()
	var events []*models.Event
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev := <-sub:
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("got %d events, want %d", len(events), n)
		}
	}
	return events
}

func TestStreamAccumulatesAndPublishes(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*CompletionChunk{{
		{Text: "Hello "},
		{Text: "world"},
		{Done: true, InputTokens: 100, OutputTokens: 12},
	}}}
	eventBus := newTestBus()
	sub := eventBus.Subscribe("chat-1")
	defer eventBus.Unsubscribe(sub)

	s := NewStreamer(provider, eventBus, nil)
	result, err := s.Stream(context.Background(), "chat-1", &CompletionRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "Hello world" {
		t.Errorf("content = %q", result.Content)
	}
	if result.InputTokens != 100 || result.OutputTokens != 12 {
		t.Errorf("tokens = %d/%d", result.InputTokens, result.OutputTokens)
	}

	events := collectEvents(t, sub.C, 2)
	for i, want := range []string{"Hello ", "world"} {
		if events[i].Type != models.EventContentDelta || events[i].Payload["text"] != want {
			t.Errorf("event %d: %+v", i, events[i])
		}
	}
}

func TestStreamReasoningLifecycle(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*CompletionChunk{{
		{ReasoningStart: true},
		{Reasoning: "thinking about it"},
		{ReasoningEnd: true},
		{Text: "answer"},
		{Done: true},
	}}}
	eventBus := newTestBus()
	sub := eventBus.Subscribe("chat-1")
	defer eventBus.Unsubscribe(sub)

	s := NewStreamer(provider, eventBus, nil)
	result, err := s.Stream(context.Background(), "chat-1", &CompletionRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Reasoning) != 1 || result.Reasoning[0].Content != "thinking about it" {
		t.Fatalf("reasoning: %+v", result.Reasoning)
	}
	if result.Reasoning[0].ID == "" {
		t.Error("reasoning block id missing")
	}

	events := collectEvents(t, sub.C, 4)
	types := []models.EventType{
		models.EventReasoningStart,
		models.EventReasoningDelta,
		models.EventReasoningEnd,
		models.EventContentDelta,
	}
	blockID := events[0].Payload["reasoning_block_id"]
	for i, want := range types {
		if events[i].Type != want {
			t.Errorf("event %d type = %s, want %s", i, events[i].Type, want)
		}
	}
	if events[1].Payload["reasoning_block_id"] != blockID || events[2].Payload["reasoning_block_id"] != blockID {
		t.Error("reasoning block id not stable across events")
	}
}

func TestStreamDeduplicatesToolCalls(t *testing.T) {
	call := &ToolRequest{ID: "call_1", Name: "echo", Input: json.RawMessage(`{}`)}
	provider := &scriptedProvider{turns: [][]*CompletionChunk{{
		{ToolCall: call},
		{ToolCall: call}, // replayed by the provider
		{ToolCall: &ToolRequest{ID: "call_2", Name: "echo", Input: json.RawMessage(`{}`)}},
		{Done: true},
	}}}

	s := NewStreamer(provider, newTestBus(), nil)
	result, err := s.Stream(context.Background(), "chat-1", &CompletionRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.ToolCalls) != 2 {
		t.Errorf("tool calls: %+v", result.ToolCalls)
	}
}

func TestStreamMidStreamErrorIsTerminal(t *testing.T) {
	provider := &scriptedProvider{turns: [][]*CompletionChunk{{
		{Text: "partial"},
		{Error: errors.New("connection reset"), Done: true},
	}}}

	s := NewStreamer(provider, newTestBus(), nil)
	result, err := s.Stream(context.Background(), "chat-1", &CompletionRequest{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected error")
	}
	// The provider is never asked again: one request, partial text kept.
	if len(provider.requests) != 1 {
		t.Errorf("provider called %d times", len(provider.requests))
	}
	if result.Content != "partial" {
		t.Errorf("partial content = %q", result.Content)
	}
}
