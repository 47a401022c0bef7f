package agent

import (
	"context"
	"log/slog"
	"sync"
)

// TaskManager enforces the single-writer rule: at most one running turn per
// chat. Starting a new turn cancels and waits out the previous one.
type TaskManager struct {
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTaskManager creates an empty manager.
func NewTaskManager(logger *slog.Logger) *TaskManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskManager{
		logger: logger.With("component", "tasks"),
		tasks:  make(map[string]*task),
	}
}

// Start cancels any in-flight turn for the chat, then runs fn in a new
// goroutine under a fresh cancellable context.
func (m *TaskManager) Start(chatID string, fn func(ctx context.Context)) {
	m.Cancel(chatID)

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.tasks[chatID] = t
	m.mu.Unlock()

	go func() {
		defer close(t.done)
		defer cancel()
		fn(ctx)

		m.mu.Lock()
		if m.tasks[chatID] == t {
			delete(m.tasks, chatID)
		}
		m.mu.Unlock()
	}()
}

// Cancel stops the running turn for the chat, if any, and waits for it to
// unwind so its cleanup (approval rejection, agent_done) lands before the
// caller proceeds.
func (m *TaskManager) Cancel(chatID string) bool {
	m.mu.Lock()
	t, ok := m.tasks[chatID]
	if ok {
		delete(m.tasks, chatID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	t.cancel()
	<-t.done
	return true
}

// Running reports whether the chat has an in-flight turn.
func (m *TaskManager) Running(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[chatID]
	return ok
}

// CancelAll stops every running turn. Used on shutdown.
func (m *TaskManager) CancelAll() {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for id, t := range m.tasks {
		tasks = append(tasks, t)
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		<-t.done
	}
}
