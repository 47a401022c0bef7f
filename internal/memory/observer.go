// Package memory implements observational memory: a background Observer that
// passively summarizes transcript chunks, an activation step that promotes
// buffered chunks into the prompt, and a Reflector that compresses the active
// memory when it grows too large.
package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/agent"
)

const observerSystemPrompt = `You observe a coding-assistant conversation and distill it into memory.
Group findings into three tiers:

Critical: decisions, constraints, unresolved errors, user requirements.
Important: file paths touched, commands run, approaches tried.
Background: everything else worth a single line.

Preserve file paths and error messages verbatim. Do not invent anything.
After the tiers, emit exactly two sections:
<current-task>one sentence naming what the assistant is working on now</current-task>
<suggested-response>one sentence the assistant could open its next reply with</suggested-response>`

const reflectorSystemPrompt = `You compress an existing memory document. Target 40-60% of its size.
Keep every Critical item intact, merge Important items that say the same thing,
and drop Background items that no longer matter. Preserve file paths and error
messages verbatim. Keep the <current-task> and <suggested-response> sections.`

// transcriptItem is one observable unit of chat history.
type transcriptItem struct {
	Role      string
	Content   string
	MessageID string
}

// observerOutput is a parsed Observer or Reflector response.
type observerOutput struct {
	Content           string
	CurrentTask       string
	SuggestedResponse string
}

// runObserver summarizes items into a chunk. priorChunks (at most two) give
// the model dedup context for what is already remembered.
func runObserver(ctx context.Context, provider agent.Provider, model string, items []transcriptItem, priorChunks []string) (*observerOutput, error) {
	var b strings.Builder
	if len(priorChunks) > 0 {
		b.WriteString("Already remembered (do not repeat):\n")
		for _, chunk := range priorChunks {
			b.WriteString(chunk)
			b.WriteString("\n---\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Conversation to observe:\n")
	for _, item := range items {
		fmt.Fprintf(&b, "%s: %s\n", item.Role, item.Content)
	}
	return complete(ctx, provider, model, observerSystemPrompt, b.String())
}

// runReflector compresses an activated observation.
func runReflector(ctx context.Context, provider agent.Provider, model, observation string) (*observerOutput, error) {
	return complete(ctx, provider, model, reflectorSystemPrompt, observation)
}

func complete(ctx context.Context, provider agent.Provider, model, system, user string) (*observerOutput, error) {
	chunks, err := provider.Complete(ctx, &agent.CompletionRequest{
		Model:     model,
		System:    system,
		Messages:  []agent.CompletionMessage{{Role: "user", Content: user}},
		MaxTokens: 4096,
	})
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		b.WriteString(chunk.Text)
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("empty observer response")
	}
	return parseObserverOutput(b.String()), nil
}

// parseObserverOutput strips the structured sections out of the body and
// returns them as separate fields.
func parseObserverOutput(raw string) *observerOutput {
	out := &observerOutput{}
	out.CurrentTask, raw = extractSection(raw, "current-task")
	out.SuggestedResponse, raw = extractSection(raw, "suggested-response")
	out.Content = strings.TrimSpace(raw)
	return out
}

func extractSection(raw, tag string) (value, rest string) {
	openTag, closeTag := "<"+tag+">", "</"+tag+">"
	start := strings.Index(raw, openTag)
	if start < 0 {
		return "", raw
	}
	end := strings.Index(raw[start:], closeTag)
	if end < 0 {
		return "", raw
	}
	value = strings.TrimSpace(raw[start+len(openTag) : start+end])
	rest = raw[:start] + raw[start+end+len(closeTag):]
	return value, rest
}
