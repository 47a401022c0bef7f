package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/store"
)

// Strategy swaps observed transcript history for the latest observation when
// building a turn. It implements agent.MemoryStrategy.
type Strategy struct {
	store *store.Store
}

// NewStrategy wires the observational memory strategy.
func NewStrategy(db *store.Store) *Strategy {
	return &Strategy{store: db}
}

func (s *Strategy) Name() string { return StrategyName }

// Transform replaces every message at or before the observation waterline
// with a rendered observation block plus a short continuation exchange.
// Leading system messages always survive.
func (s *Strategy) Transform(ctx context.Context, tc *agent.TurnContext) error {
	obs, err := s.store.LatestObservation(ctx, tc.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest observation: %w", err)
	}
	if obs.ObservedUpToMessageID == "" {
		return nil
	}
	waterMsg, err := s.store.GetMessage(ctx, obs.ObservedUpToMessageID)
	if err != nil {
		return fmt.Errorf("waterline message: %w", err)
	}
	waterline := waterMsg.CreatedAt

	var head []agent.CompletionMessage
	rest := tc.Messages
	for len(rest) > 0 && rest[0].Role == "system" {
		head = append(head, rest[0])
		rest = rest[1:]
	}

	var tail []agent.CompletionMessage
	replaced := false
	for _, msg := range rest {
		if observedAt(msg.Timestamp, waterline) {
			replaced = true
			continue
		}
		tail = append(tail, msg)
	}
	if !replaced {
		return nil
	}

	out := head
	out = append(out, renderObservation(obs.Content, obs.CurrentTask))
	out = append(out, continuationExchange(obs.SuggestedResponse)...)
	out = append(out, tail...)
	tc.Messages = out
	return nil
}

// observedAt reports whether a persisted message falls inside the observed
// prefix. Messages synthesized mid-turn carry a zero timestamp and are
// always kept.
func observedAt(ts, waterline time.Time) bool {
	return !ts.IsZero() && !ts.After(waterline)
}

func renderObservation(content, currentTask string) agent.CompletionMessage {
	var b strings.Builder
	b.WriteString("<observations>\n")
	b.WriteString(content)
	b.WriteString("\n</observations>")
	if currentTask != "" {
		b.WriteString("\n\nCurrent task: ")
		b.WriteString(currentTask)
	}
	return agent.CompletionMessage{Role: "system", Content: b.String()}
}

// continuationExchange keeps the transcript coherent after history was
// swapped out: the model sees itself acknowledging the memory handoff.
func continuationExchange(suggested string) []agent.CompletionMessage {
	reply := suggested
	if reply == "" {
		reply = "Understood. I have reviewed my observations and will continue from where I left off."
	}
	return []agent.CompletionMessage{
		{Role: "user", Content: "The conversation above was condensed into your observations. Continue the task."},
		{Role: "assistant", Content: reply},
	}
}
