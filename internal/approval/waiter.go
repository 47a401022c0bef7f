// Package approval implements the manual tool-approval pipeline: a one-shot
// rendezvous between the background agent turn waiting on a tool call and
// the HTTP route that records the user's decision, plus the auto-approve
// rule matcher that short-circuits the wait entirely.
package approval

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a wait.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionTimeout  Decision = "timeout"
)

// DefaultWaitTimeout bounds how long a turn blocks on user approval.
const DefaultWaitTimeout = 24 * time.Hour

type waitKey struct {
	chatID     string
	toolCallID string
}

type waitSlot struct {
	ch chan Decision
}

// Waiter coordinates one-shot approval rendezvous keyed by
// (chat id, tool call id). A decision signalled before the executor
// registers is buffered, so the user racing the approval_required event
// never loses: the late-registering waiter consumes the buffered decision
// immediately instead of blocking until the timeout.
type Waiter struct {
	mu    sync.Mutex
	slots map[waitKey]*waitSlot
	early map[waitKey]Decision
}

// NewWaiter creates an empty waiter.
func NewWaiter() *Waiter {
	return &Waiter{
		slots: make(map[waitKey]*waitSlot),
		early: make(map[waitKey]Decision),
	}
}

// RegisterAndWait blocks until the tool call is approved, rejected, the
// timeout elapses, or ctx is cancelled (reported as rejected). A decision
// that arrived before registration resolves without blocking. The slot is
// removed before returning regardless of outcome.
func (w *Waiter) RegisterAndWait(ctx context.Context, chatID, toolCallID string, timeout time.Duration) Decision {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	key := waitKey{chatID: chatID, toolCallID: toolCallID}
	slot := &waitSlot{ch: make(chan Decision, 1)}

	w.mu.Lock()
	if d, ok := w.early[key]; ok {
		delete(w.early, key)
		w.mu.Unlock()
		return d
	}
	w.slots[key] = slot
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		if w.slots[key] == slot {
			delete(w.slots, key)
		}
		w.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-slot.ch:
		return d
	case <-timer.C:
		return DecisionTimeout
	case <-ctx.Done():
		return DecisionRejected
	}
}

func (w *Waiter) signal(chatID, toolCallID string, d Decision) bool {
	key := waitKey{chatID: chatID, toolCallID: toolCallID}
	w.mu.Lock()
	slot, ok := w.slots[key]
	if ok {
		delete(w.slots, key)
	} else {
		w.early[key] = d
	}
	w.mu.Unlock()
	if !ok {
		return true
	}
	slot.ch <- d
	return true
}

// SignalApproved wakes the waiter for the tool call with an approval,
// buffering the decision when the executor has not registered yet.
func (w *Waiter) SignalApproved(chatID, toolCallID string) bool {
	return w.signal(chatID, toolCallID, DecisionApproved)
}

// SignalRejected wakes the waiter for the tool call with a rejection,
// buffering the decision when the executor has not registered yet.
func (w *Waiter) SignalRejected(chatID, toolCallID string) bool {
	return w.signal(chatID, toolCallID, DecisionRejected)
}

// RejectAll rejects every pending wait for the chat and drops buffered
// decisions. Used on turn cancellation so blocked tool calls resolve as
// rejected.
func (w *Waiter) RejectAll(chatID string) int {
	w.mu.Lock()
	var slots []*waitSlot
	for key, slot := range w.slots {
		if key.chatID == chatID {
			slots = append(slots, slot)
			delete(w.slots, key)
		}
	}
	for key := range w.early {
		if key.chatID == chatID {
			delete(w.early, key)
		}
	}
	w.mu.Unlock()

	for _, slot := range slots {
		slot.ch <- DecisionRejected
	}
	return len(slots)
}

// Pending returns the number of registered waits for the chat.
func (w *Waiter) Pending(chatID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for key := range w.slots {
		if key.chatID == chatID {
			n++
		}
	}
	return n
}
