package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/pkg/models"
)

// TurnResult is the accumulated outcome of one streamed model turn.
type TurnResult struct {
	Content      string
	Reasoning    []ReasoningSegment
	ToolCalls    []ToolRequest
	InputTokens  int
	OutputTokens int
}

// ReasoningSegment is one contiguous extended-thinking block.
type ReasoningSegment struct {
	ID       string
	Content  string
	Duration time.Duration
}

// Streamer runs one provider turn and fans the chunks out to the event bus
// while accumulating the full result.
//
// The provider retries connection failures internally, before the stream
// opens. A chunk error means bytes already flowed: the turn fails as-is and
// is never replayed, otherwise the model could act twice on the same input.
type Streamer struct {
	provider Provider
	bus      *bus.Bus
	logger   *slog.Logger
}

// NewStreamer wires a provider to the event bus.
func NewStreamer(provider Provider, eventBus *bus.Bus, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		provider: provider,
		bus:      eventBus,
		logger:   logger.With("component", "streamer"),
	}
}

// Stream executes one turn for a chat, publishing content and reasoning
// deltas as they arrive. Tool calls surface only in the result; duplicates
// by id are dropped.
func (s *Streamer) Stream(ctx context.Context, chatID string, req *CompletionRequest) (*TurnResult, error) {
	chunks, err := s.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &TurnResult{}
	var content strings.Builder
	var reasoning strings.Builder
	var reasoningStarted time.Time
	reasoningID := ""
	seen := make(map[string]bool)

	flushReasoning := func() {
		if reasoning.Len() == 0 {
			return
		}
		seg := ReasoningSegment{ID: reasoningID, Content: reasoning.String()}
		if !reasoningStarted.IsZero() {
			seg.Duration = time.Since(reasoningStarted)
		}
		result.Reasoning = append(result.Reasoning, seg)
		reasoning.Reset()
		reasoningStarted = time.Time{}
	}

	for chunk := range chunks {
		if chunk.Error != nil {
			// Drain so the provider goroutine can exit.
			for range chunks {
			}
			flushReasoning()
			result.Content = content.String()
			return result, chunk.Error
		}

		switch {
		case chunk.Text != "":
			content.WriteString(chunk.Text)
			s.publish(chatID, models.EventContentDelta, map[string]any{"text": chunk.Text})

		case chunk.ReasoningStart:
			reasoningStarted = time.Now()
			reasoningID = uuid.NewString()
			s.publish(chatID, models.EventReasoningStart, map[string]any{"reasoning_block_id": reasoningID})

		case chunk.Reasoning != "":
			if reasoningID == "" {
				// Providers that skip the explicit start marker.
				reasoningStarted = time.Now()
				reasoningID = uuid.NewString()
				s.publish(chatID, models.EventReasoningStart, map[string]any{"reasoning_block_id": reasoningID})
			}
			reasoning.WriteString(chunk.Reasoning)
			s.publish(chatID, models.EventReasoningDelta, map[string]any{"reasoning_block_id": reasoningID, "text": chunk.Reasoning})

		case chunk.ReasoningEnd:
			s.publish(chatID, models.EventReasoningEnd, map[string]any{"reasoning_block_id": reasoningID})
			flushReasoning()
			reasoningID = ""

		case chunk.ToolCall != nil:
			if seen[chunk.ToolCall.ID] {
				s.logger.Warn("duplicate tool call dropped", "chat_id", chatID, "tool_call_id", chunk.ToolCall.ID)
				continue
			}
			seen[chunk.ToolCall.ID] = true
			result.ToolCalls = append(result.ToolCalls, *chunk.ToolCall)
		}

		if chunk.Done {
			result.InputTokens = chunk.InputTokens
			result.OutputTokens = chunk.OutputTokens
		}
	}

	flushReasoning()
	result.Content = content.String()
	return result, ctx.Err()
}

func (s *Streamer) publish(chatID string, t models.EventType, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(chatID, models.NewEvent(t, payload))
}
