// Package bus implements the per-chat event bus. Events published for a chat
// are stamped with a monotonic sequence number and fanned out to every
// subscriber queue. Publishing never blocks: a subscriber whose queue is full
// is evicted instead of slowing the publisher down.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loomhq/loom/pkg/models"
)

// DefaultQueueCapacity is the per-subscriber queue size.
const DefaultQueueCapacity = 200

// Subscriber receives events for one chat. The channel is closed when the
// subscriber is evicted or the bus shuts down.
type Subscriber struct {
	C      chan *models.Event
	chatID string
}

type chatState struct {
	sequence    uint64
	subscribers map[*Subscriber]struct{}
}

// Bus is the process-wide event fanout. Safe for concurrent use.
type Bus struct {
	mu       sync.Mutex
	chats    map[string]*chatState
	capacity int
	logger   *slog.Logger

	published prometheus.Counter
	evicted   prometheus.Counter
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueCapacity overrides the per-subscriber queue capacity.
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithRegistry registers the bus metrics with the given registerer.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(b *Bus) {
		reg.MustRegister(b.published, b.evicted)
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		chats:    make(map[string]*chatState),
		capacity: DefaultQueueCapacity,
		logger:   logger.With("component", "bus"),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_bus_events_published_total",
			Help: "Events published to the chat event bus.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_bus_subscribers_evicted_total",
			Help: "Subscribers evicted for falling behind.",
		}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber for the chat. Events published before
// the call are not replayed; the bus holds no history.
func (b *Bus) Subscribe(chatID string) *Subscriber {
	sub := &Subscriber{
		C:      make(chan *models.Event, b.capacity),
		chatID: chatID,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.chats[chatID]
	if state == nil {
		state = &chatState{subscribers: make(map[*Subscriber]struct{})}
		b.chats[chatID] = state
	}
	state.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. A chat entry
// that has never carried an event is dropped with its last subscriber; an
// entry with a nonzero sequence is retained so a client that resubscribes
// mid-chat keeps seeing strictly increasing sequence numbers.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Bus) removeLocked(sub *Subscriber) {
	state := b.chats[sub.chatID]
	if state == nil {
		return
	}
	if _, ok := state.subscribers[sub]; !ok {
		return
	}
	delete(state.subscribers, sub)
	close(sub.C)
	if len(state.subscribers) == 0 && state.sequence == 0 {
		delete(b.chats, sub.chatID)
	}
}

// Publish stamps the event with the chat id, timestamp, and the next
// sequence number, then delivers it to every subscriber queue. Returns the
// stamped event. Never blocks: slow subscribers are evicted.
func (b *Bus) Publish(chatID string, event *models.Event) *models.Event {
	if event == nil {
		return nil
	}

	b.mu.Lock()
	state := b.chats[chatID]
	if state == nil {
		state = &chatState{subscribers: make(map[*Subscriber]struct{})}
		b.chats[chatID] = state
	}
	state.sequence++
	event.ChatID = chatID
	event.Timestamp = time.Now().UTC()
	event.Sequence = state.sequence

	var slow []*Subscriber
	for sub := range state.subscribers {
		select {
		case sub.C <- event:
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		b.removeLocked(sub)
	}
	b.mu.Unlock()

	b.published.Inc()
	if len(slow) > 0 {
		b.evicted.Add(float64(len(slow)))
		b.logger.Warn("evicted slow subscribers", "chat_id", chatID, "count", len(slow))
	}
	return event
}

// SubscriberCount returns the number of active subscribers for a chat.
func (b *Bus) SubscriberCount(chatID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.chats[chatID]
	if state == nil {
		return 0
	}
	return len(state.subscribers)
}
