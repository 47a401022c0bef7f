package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartCancelsPreviousTurn(t *testing.T) {
	m := NewTaskManager(nil)

	var firstCancelled atomic.Bool
	started := make(chan struct{})
	m.Start("chat-1", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		firstCancelled.Store(true)
	})
	<-started

	ran := make(chan struct{})
	m.Start("chat-1", func(ctx context.Context) {
		close(ran)
	})

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("second turn never ran")
	}
	if !firstCancelled.Load() {
		t.Error("first turn not cancelled before second started")
	}
}

func TestCancelWaitsForUnwind(t *testing.T) {
	m := NewTaskManager(nil)

	var cleaned atomic.Bool
	started := make(chan struct{})
	m.Start("chat-1", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		cleaned.Store(true)
	})
	<-started

	if !m.Cancel("chat-1") {
		t.Fatal("cancel found nothing")
	}
	if !cleaned.Load() {
		t.Error("cancel returned before the task unwound")
	}
	if m.Running("chat-1") {
		t.Error("still marked running")
	}
}

func TestCancelUnknownChat(t *testing.T) {
	m := NewTaskManager(nil)
	if m.Cancel("nope") {
		t.Error("cancelled a chat with no task")
	}
}

func TestIndependentChats(t *testing.T) {
	m := NewTaskManager(nil)

	block := make(chan struct{})
	for _, id := range []string{"a", "b"} {
		id := id
		started := make(chan struct{})
		m.Start(id, func(ctx context.Context) {
			close(started)
			select {
			case <-block:
			case <-ctx.Done():
			}
		})
		<-started
	}
	if !m.Running("a") || !m.Running("b") {
		t.Fatal("both chats should be running")
	}
	m.Cancel("a")
	if m.Running("a") || !m.Running("b") {
		t.Error("cancel leaked across chats")
	}
	close(block)
	m.CancelAll()
}
