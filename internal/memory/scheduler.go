package memory

import (
	"context"
	"log/slog"
	"sync"
)

// CycleRunner runs one observation cycle for a chat.
type CycleRunner interface {
	RunCycle(ctx context.Context, chatID string) error
}

// Scheduler runs at most one observation cycle per chat at a time. Requests
// that arrive while a cycle is running coalesce into a single follow-up run.
type Scheduler struct {
	runner CycleRunner
	logger *slog.Logger

	mu     sync.Mutex
	chats  map[string]*chatCycle
	closed bool
}

type chatCycle struct {
	cancel  context.CancelFunc
	done    chan struct{}
	pending bool
}

// NewScheduler wires a scheduler around a runner.
func NewScheduler(runner CycleRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner: runner,
		logger: logger.With("component", "memory"),
		chats:  make(map[string]*chatCycle),
	}
}

// Schedule requests an observation cycle for the chat. If one is already
// running, a single follow-up run is queued; duplicate requests collapse.
func (s *Scheduler) Schedule(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if cycle, ok := s.chats[chatID]; ok {
		cycle.pending = true
		return
	}
	s.start(chatID)
}

// start launches a cycle goroutine. Caller holds s.mu.
func (s *Scheduler) start(chatID string) {
	ctx, cancel := context.WithCancel(context.Background())
	cycle := &chatCycle{cancel: cancel, done: make(chan struct{})}
	s.chats[chatID] = cycle

	go func() {
		defer close(cycle.done)
		if err := s.runner.RunCycle(ctx, chatID); err != nil {
			if ctx.Err() != nil {
				s.logger.Debug("observation cycle cancelled", "chat_id", chatID)
			} else {
				s.logger.Warn("observation cycle failed", "chat_id", chatID, "error", err)
			}
		}
		s.finish(chatID, cycle, ctx)
	}()
}

func (s *Scheduler) finish(chatID string, cycle *chatCycle, ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chats[chatID] != cycle {
		return
	}
	delete(s.chats, chatID)
	if cycle.pending && !s.closed && ctx.Err() == nil {
		s.start(chatID)
	}
}

// Cancel stops any running cycle for the chat and drops its queued follow-up.
// It blocks until the cycle goroutine unwinds so callers can safely mutate
// chat history afterwards.
func (s *Scheduler) Cancel(chatID string) {
	s.mu.Lock()
	cycle, ok := s.chats[chatID]
	if ok {
		cycle.pending = false
		cycle.cancel()
	}
	s.mu.Unlock()
	if ok {
		<-cycle.done
	}
}

// Stop cancels all running cycles and rejects future scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	var waits []chan struct{}
	for _, cycle := range s.chats {
		cycle.pending = false
		cycle.cancel()
		waits = append(waits, cycle.done)
	}
	s.mu.Unlock()
	for _, done := range waits {
		<-done
	}
}
