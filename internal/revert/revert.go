// Package revert rolls chat state back to a checkpoint: it restores edited
// files from their snapshots, deletes everything the agent produced after
// the checkpoint, and re-anchors observational memory so no waterline points
// at a deleted message.
package revert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

// ErrWrongChat is returned when the checkpoint or file edit belongs to a
// different chat than the one being reverted.
var ErrWrongChat = errors.New("revert: entity belongs to a different chat")

// MemoryCanceller stops the in-flight observation cycle for a chat. Both
// revert operations call it before touching history.
type MemoryCanceller interface {
	Cancel(chatID string)
}

// Engine performs checkpoint and single-file reverts.
type Engine struct {
	store  *store.Store
	bus    *bus.Bus
	memory MemoryCanceller
	logger *slog.Logger
}

// NewEngine wires a revert engine. memory may be nil when no observational
// memory runner exists.
func NewEngine(db *store.Store, eventBus *bus.Bus, memory MemoryCanceller, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  db,
		bus:    eventBus,
		memory: memory,
		logger: logger.With("component", "revert"),
	}
}

// RevertToCheckpoint restores every file edited at or after the checkpoint
// from its snapshot, then deletes all chat state created after it.
func (e *Engine) RevertToCheckpoint(ctx context.Context, chatID, checkpointID string) error {
	if e.memory != nil {
		e.memory.Cancel(chatID)
	}

	cp, err := e.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.ChatID != chatID {
		return fmt.Errorf("checkpoint %s: %w", checkpointID, ErrWrongChat)
	}

	edits, err := e.store.ListFileEditsSince(ctx, chatID, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("list file edits: %w", err)
	}
	// Newest first, so a file edited several times lands on its oldest
	// snapshot.
	for _, edit := range edits {
		if err := e.restoreEdit(ctx, edit); err != nil {
			return err
		}
	}

	if err := e.deleteAfter(ctx, chatID, cp.CreatedAt); err != nil {
		return err
	}
	if err := e.store.PruneDanglingObservations(ctx, chatID); err != nil {
		return fmt.Errorf("prune observations: %w", err)
	}
	if err := e.trimMemoryState(ctx, chatID, cp.CreatedAt); err != nil {
		return err
	}
	if err := e.store.TouchChat(ctx, chatID, cp.CreatedAt); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}

	e.logger.Info("reverted to checkpoint",
		"chat_id", chatID, "checkpoint_id", checkpointID, "file_edits", len(edits))
	e.publish(chatID, models.EventCheckpoint, map[string]any{
		"action":        "reverted",
		"checkpoint_id": checkpointID,
	})
	return nil
}

// RevertFile restores one file from its snapshot and forgets the edit.
func (e *Engine) RevertFile(ctx context.Context, chatID, fileEditID string) error {
	if e.memory != nil {
		e.memory.Cancel(chatID)
	}

	edit, err := e.store.GetFileEdit(ctx, fileEditID)
	if err != nil {
		return fmt.Errorf("load file edit: %w", err)
	}
	if edit.ChatID != chatID {
		return fmt.Errorf("file edit %s: %w", fileEditID, ErrWrongChat)
	}
	if err := e.restoreEdit(ctx, edit); err != nil {
		return err
	}
	if err := e.store.DeleteFileEdit(ctx, fileEditID); err != nil {
		return fmt.Errorf("delete file edit: %w", err)
	}

	e.logger.Info("reverted file", "chat_id", chatID, "path", edit.Path)
	e.publish(chatID, models.EventFileEdit, map[string]any{
		"action":       "reverted",
		"file_edit_id": fileEditID,
		"path":         edit.Path,
	})
	return nil
}

// restoreEdit writes the snapshot content back, or unlinks the file when the
// edit created it from nothing.
func (e *Engine) restoreEdit(ctx context.Context, edit *models.FileEdit) error {
	if edit.SnapshotID == "" {
		e.logger.Warn("file edit has no snapshot, skipping", "path", edit.Path)
		return nil
	}
	snap, err := e.store.GetFileSnapshot(ctx, edit.SnapshotID)
	if err != nil {
		return fmt.Errorf("load snapshot for %s: %w", edit.Path, err)
	}
	if snap.Content == nil {
		if err := os.Remove(snap.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("unlink %s: %w", snap.Path, err)
		}
		return nil
	}
	if err := writeAtomic(snap.Path, *snap.Content); err != nil {
		return fmt.Errorf("restore %s: %w", snap.Path, err)
	}
	return nil
}

func (e *Engine) deleteAfter(ctx context.Context, chatID string, ts time.Time) error {
	steps := []struct {
		name string
		fn   func(context.Context, string, time.Time) error
	}{
		{"messages", e.store.DeleteMessagesAfter},
		{"tool calls", e.store.DeleteToolCallsAfter},
		{"file edits", e.store.DeleteFileEditsAfter},
		{"reasoning blocks", e.store.DeleteReasoningBlocksAfter},
		{"todos", e.store.DeleteTodosAfter},
		{"plans", e.store.DeletePlansAfter},
		{"checkpoints", e.store.DeleteCheckpointsAfter},
	}
	for _, step := range steps {
		if err := step.fn(ctx, chatID, ts); err != nil {
			return fmt.Errorf("delete %s: %w", step.name, err)
		}
	}
	return nil
}

// trimMemoryState drops buffered observer chunks whose waterline lands past
// the revert point.
func (e *Engine) trimMemoryState(ctx context.Context, chatID string, cutoff time.Time) error {
	state, err := e.store.GetMemoryState(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load memory state: %w", err)
	}
	var buffer models.ObserverBuffer
	if len(state.State) > 0 {
		if err := json.Unmarshal(state.State, &buffer); err != nil {
			e.logger.Warn("corrupt observer buffer, clearing", "chat_id", chatID, "error", err)
			buffer = models.ObserverBuffer{}
		}
	}

	var kept []models.BufferedChunk
	for _, chunk := range buffer.Chunks {
		if !chunk.UpToTimestamp.After(cutoff) {
			kept = append(kept, chunk)
		}
	}
	if len(kept) == len(buffer.Chunks) && !buffer.UpToTimestamp.After(cutoff) {
		return nil
	}

	buffer.Chunks = kept
	buffer.LastBoundary = 0
	if len(kept) > 0 {
		last := kept[len(kept)-1]
		buffer.UpToMessageID = last.UpToMessageID
		buffer.UpToTimestamp = last.UpToTimestamp
	} else {
		buffer.UpToMessageID = ""
		buffer.UpToTimestamp = time.Time{}
	}

	raw, err := json.Marshal(&buffer)
	if err != nil {
		return fmt.Errorf("marshal observer buffer: %w", err)
	}
	state.State = raw
	if err := e.store.PutMemoryState(ctx, state); err != nil {
		return fmt.Errorf("save memory state: %w", err)
	}
	return nil
}

// writeAtomic writes via a temp file in the same directory plus rename.
func writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".revert-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (e *Engine) publish(chatID string, t models.EventType, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(chatID, models.NewEvent(t, payload))
}
