package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tokenizer"
	"github.com/loomhq/loom/pkg/models"
)

const (
	// StrategyName identifies the observational strategy in MemoryState rows.
	StrategyName = "observational"

	// DefaultObserverThreshold is the unobserved token count that triggers
	// activation.
	DefaultObserverThreshold = 1000

	// DefaultReflectorThreshold is the observation size that triggers
	// compression.
	DefaultReflectorThreshold = 8000

	// DefaultBufferInterval is the passive-buffer chunk interval in tokens.
	// The effective divisor is never below minBufferInterval.
	DefaultBufferInterval = 500

	minBufferInterval = 500
)

// Config tunes the observational memory runner.
type Config struct {
	Model              string `yaml:"model"`
	ObserverThreshold  int    `yaml:"observer_threshold"`
	ReflectorThreshold int    `yaml:"reflector_threshold"`
	BufferInterval     int    `yaml:"buffer_interval"`
}

func (c *Config) withDefaults() Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.ObserverThreshold <= 0 {
		out.ObserverThreshold = DefaultObserverThreshold
	}
	if out.ReflectorThreshold <= 0 {
		out.ReflectorThreshold = DefaultReflectorThreshold
	}
	if out.BufferInterval <= 0 {
		out.BufferInterval = DefaultBufferInterval
	}
	return out
}

// Runner executes one observation cycle at a time for a chat.
type Runner struct {
	store    *store.Store
	provider agent.Provider
	est      *tokenizer.Estimator
	bus      *bus.Bus
	cfg      Config
	logger   *slog.Logger
}

// NewRunner wires a runner.
func NewRunner(db *store.Store, provider agent.Provider, est *tokenizer.Estimator, eventBus *bus.Bus, cfg *Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    db,
		provider: provider,
		est:      est,
		bus:      eventBus,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "memory"),
	}
}

// RunCycle performs one full observation cycle: passive buffering, then
// activation, then reflection, each gated by its threshold. A terminal
// status event is always published, including on error and cancellation.
func (r *Runner) RunCycle(ctx context.Context, chatID string) error {
	r.status(chatID, "observing", nil)
	terminal := false
	defer func() {
		if !terminal {
			r.status(chatID, "error", map[string]any{"retryable": true})
		}
	}()

	state, buffer, err := r.loadState(ctx, chatID)
	if err != nil {
		return err
	}
	latest, err := r.latestObservation(ctx, chatID)
	if err != nil {
		return err
	}

	items, err := r.loadItems(ctx, chatID)
	if err != nil {
		return err
	}
	active := itemsAfter(items, r.activeWaterline(ctx, latest))
	buffered := itemsAfter(items, buffer.UpToTimestamp)

	activeTokens := r.countItems(active)
	bufferTokens := r.countItems(buffered)

	chunked, err := r.maybeBuffer(ctx, chatID, state, buffer, buffered, bufferTokens)
	if err != nil {
		return err
	}

	if activeTokens < r.cfg.ObserverThreshold {
		if chunked {
			r.status(chatID, "observed", map[string]any{"buffered": true})
		} else {
			r.status(chatID, "observed", map[string]any{"noop": true})
		}
		terminal = true
		return nil
	}

	obs, err := r.activate(ctx, chatID, state, buffer, latest, active, activeTokens)
	if err != nil {
		return err
	}

	if obs.TokenCount >= r.cfg.ReflectorThreshold {
		r.status(chatID, "reflecting", map[string]any{"generation": obs.Generation})
		if err := r.reflect(ctx, chatID, obs); err != nil {
			return err
		}
	} else {
		r.status(chatID, "observed", map[string]any{
			"generation":   obs.Generation,
			"tokens_saved": activeTokens - obs.TokenCount,
		})
	}
	terminal = true
	return nil
}

// maybeBuffer runs the Observer passively when the boundary counter moved.
func (r *Runner) maybeBuffer(ctx context.Context, chatID string, state *models.MemoryState, buffer *models.ObserverBuffer, items []timestamped, tokens int) (bool, error) {
	interval := buffer.IntervalTokens
	if interval < minBufferInterval {
		interval = minBufferInterval
	}
	boundary := tokens / interval
	if boundary <= buffer.LastBoundary || len(items) == 0 {
		return false, nil
	}

	out, err := runObserver(ctx, r.provider, r.cfg.Model, plainItems(items), lastChunks(buffer.Chunks, 2))
	if err != nil {
		return false, fmt.Errorf("observer: %w", err)
	}

	// The newest item may be a tool call or reasoning block with no message
	// id; the waterline advances on its persisted timestamp while the
	// message reference walks back to the last real message.
	buffer.Chunks = append(buffer.Chunks, models.BufferedChunk{
		Content:       out.Content,
		TokenCount:    r.est.Count(out.Content),
		UpToMessageID: lastMessageID(items),
		UpToTimestamp: items[len(items)-1].at,
	})
	buffer.LastBoundary = boundary
	buffer.UpToMessageID = buffer.Chunks[len(buffer.Chunks)-1].UpToMessageID
	buffer.UpToTimestamp = buffer.Chunks[len(buffer.Chunks)-1].UpToTimestamp
	if out.CurrentTask != "" {
		buffer.CurrentTask = out.CurrentTask
	}
	if out.SuggestedResponse != "" {
		buffer.SuggestedResponse = out.SuggestedResponse
	}
	return true, r.saveState(ctx, chatID, state, buffer)
}

// activate merges buffered chunks into a new higher-generation observation.
func (r *Runner) activate(ctx context.Context, chatID string, state *models.MemoryState, buffer *models.ObserverBuffer, latest *models.Observation, active []timestamped, activeTokens int) (*models.Observation, error) {
	chunks := buffer.Chunks
	task, suggested := buffer.CurrentTask, buffer.SuggestedResponse
	if len(chunks) == 0 {
		// Nothing buffered yet: observe the active window directly.
		out, err := runObserver(ctx, r.provider, r.cfg.Model, plainItems(active), nil)
		if err != nil {
			return nil, fmt.Errorf("fallback observer: %w", err)
		}
		chunks = []models.BufferedChunk{{
			Content:       out.Content,
			TokenCount:    r.est.Count(out.Content),
			UpToMessageID: lastMessageID(active),
			UpToTimestamp: active[len(active)-1].at,
		}}
		task, suggested = out.CurrentTask, out.SuggestedResponse
	}

	var merged []string
	for _, chunk := range chunks {
		merged = append(merged, chunk.Content)
	}
	content := joinChunks(merged)

	generation := 0
	if latest != nil {
		generation = latest.Generation + 1
	}
	obs := &models.Observation{
		ChatID:                chatID,
		Generation:            generation,
		Content:               content,
		TokenCount:            r.est.Count(content),
		TriggerTokenCount:     activeTokens,
		ObservedUpToMessageID: chunks[len(chunks)-1].UpToMessageID,
		CurrentTask:           task,
		SuggestedResponse:     suggested,
	}
	if err := r.store.CreateObservation(ctx, obs); err != nil {
		return nil, fmt.Errorf("persist observation: %w", err)
	}

	buffer.Chunks = nil
	buffer.LastBoundary = 0
	buffer.CurrentTask = ""
	buffer.SuggestedResponse = ""
	buffer.UpToMessageID = obs.ObservedUpToMessageID
	if len(chunks) > 0 {
		buffer.UpToTimestamp = chunks[len(chunks)-1].UpToTimestamp
	}
	if err := r.saveState(ctx, chatID, state, buffer); err != nil {
		return nil, err
	}
	return obs, nil
}

// reflect compresses the observation into the next generation and drops the
// older ones.
func (r *Runner) reflect(ctx context.Context, chatID string, obs *models.Observation) error {
	out, err := runReflector(ctx, r.provider, r.cfg.Model, obs.Content)
	if err != nil {
		return fmt.Errorf("reflector: %w", err)
	}
	task := out.CurrentTask
	if task == "" {
		task = obs.CurrentTask
	}
	suggested := out.SuggestedResponse
	if suggested == "" {
		suggested = obs.SuggestedResponse
	}

	compressed := &models.Observation{
		ChatID:                chatID,
		Generation:            obs.Generation + 1,
		Content:               out.Content,
		TokenCount:            r.est.Count(out.Content),
		TriggerTokenCount:     obs.TriggerTokenCount,
		ObservedUpToMessageID: obs.ObservedUpToMessageID,
		CurrentTask:           task,
		SuggestedResponse:     suggested,
	}
	if err := r.store.CreateObservation(ctx, compressed); err != nil {
		return fmt.Errorf("persist reflection: %w", err)
	}
	if err := r.store.DeleteObservationsBelow(ctx, chatID, compressed.Generation); err != nil {
		return fmt.Errorf("prune generations: %w", err)
	}
	r.status(chatID, "reflected", map[string]any{
		"generation":    compressed.Generation,
		"tokens_before": obs.TokenCount,
		"tokens_after":  compressed.TokenCount,
	})
	return nil
}

func (r *Runner) loadState(ctx context.Context, chatID string) (*models.MemoryState, *models.ObserverBuffer, error) {
	buffer := &models.ObserverBuffer{IntervalTokens: r.cfg.BufferInterval}
	state, err := r.store.GetMemoryState(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.MemoryState{ChatID: chatID, Strategy: StrategyName}, buffer, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load memory state: %w", err)
	}
	if len(state.State) > 0 {
		if err := json.Unmarshal(state.State, buffer); err != nil {
			r.logger.Warn("corrupt observer buffer, resetting", "chat_id", chatID, "error", err)
			buffer = &models.ObserverBuffer{IntervalTokens: r.cfg.BufferInterval}
		}
	}
	if buffer.IntervalTokens <= 0 {
		buffer.IntervalTokens = r.cfg.BufferInterval
	}
	return state, buffer, nil
}

func (r *Runner) saveState(ctx context.Context, chatID string, state *models.MemoryState, buffer *models.ObserverBuffer) error {
	raw, err := json.Marshal(buffer)
	if err != nil {
		return fmt.Errorf("marshal observer buffer: %w", err)
	}
	state.ChatID = chatID
	state.Strategy = StrategyName
	state.State = raw
	if err := r.store.PutMemoryState(ctx, state); err != nil {
		return fmt.Errorf("save memory state: %w", err)
	}
	return nil
}

func (r *Runner) latestObservation(ctx context.Context, chatID string) (*models.Observation, error) {
	obs, err := r.store.LatestObservation(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest observation: %w", err)
	}
	return obs, nil
}

// activeWaterline resolves the timestamp of the latest observation's up-to
// message; zero when there is no observation.
func (r *Runner) activeWaterline(ctx context.Context, latest *models.Observation) time.Time {
	if latest == nil || latest.ObservedUpToMessageID == "" {
		return time.Time{}
	}
	msg, err := r.store.GetMessage(ctx, latest.ObservedUpToMessageID)
	if err != nil {
		return time.Time{}
	}
	return msg.CreatedAt
}

// timestamped pairs an item with its creation time for sorting and
// waterline comparison.
type timestamped struct {
	item transcriptItem
	at   time.Time
}

// loadItems merges messages, finished tool calls, and reasoning blocks into
// one time-ordered list.
func (r *Runner) loadItems(ctx context.Context, chatID string) ([]timestamped, error) {
	messages, err := r.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	calls, err := r.store.ListToolCalls(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load tool calls: %w", err)
	}
	reasoning, err := r.store.ListReasoningBlocks(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load reasoning: %w", err)
	}

	var out []timestamped
	for _, msg := range messages {
		out = append(out, timestamped{
			item: transcriptItem{Role: string(msg.Role), Content: msg.Content, MessageID: msg.ID},
			at:   msg.CreatedAt,
		})
	}
	for _, call := range calls {
		if call.Status == models.ToolCallPending || call.Status == models.ToolCallRunning {
			continue
		}
		content := fmt.Sprintf("%s(%s) → %s", call.Name, string(call.Input), call.Output)
		out = append(out, timestamped{
			item: transcriptItem{Role: "tool", Content: content},
			at:   call.CreatedAt,
		})
	}
	for _, block := range reasoning {
		out = append(out, timestamped{
			item: transcriptItem{Role: "reasoning", Content: block.Content},
			at:   block.CreatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	return out, nil
}

func itemsAfter(items []timestamped, waterline time.Time) []timestamped {
	var out []timestamped
	for _, entry := range items {
		if waterline.IsZero() || entry.at.After(waterline) {
			out = append(out, entry)
		}
	}
	return out
}

func plainItems(items []timestamped) []transcriptItem {
	out := make([]transcriptItem, len(items))
	for i, entry := range items {
		out[i] = entry.item
	}
	return out
}

// lastMessageID walks back to the newest item that is a real message, so
// observation waterlines always reference an existing message row.
func lastMessageID(items []timestamped) string {
	for i := len(items) - 1; i >= 0; i-- {
		if id := items[i].item.MessageID; id != "" {
			return id
		}
	}
	return ""
}

func (r *Runner) countItems(items []timestamped) int {
	total := 0
	for _, entry := range items {
		total += r.est.Count(entry.item.Content)
	}
	return total
}

func lastChunks(chunks []models.BufferedChunk, n int) []string {
	start := len(chunks) - n
	if start < 0 {
		start = 0
	}
	var out []string
	for _, chunk := range chunks[start:] {
		out = append(out, chunk.Content)
	}
	return out
}

func joinChunks(parts []string) string {
	out := ""
	for i, part := range parts {
		if i > 0 {
			out += "\n\n"
		}
		out += part
	}
	return out
}

func (r *Runner) status(chatID, status string, extra map[string]any) {
	if r.bus == nil {
		return
	}
	payload := map[string]any{"status": status}
	for k, v := range extra {
		payload[k] = v
	}
	r.bus.Publish(chatID, models.NewEvent(models.EventObservationStatus, payload))
}
