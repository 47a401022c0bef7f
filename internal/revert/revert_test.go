package revert

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

type fakeCanceller struct {
	cancelled []string
}

func (f *fakeCanceller) Cancel(chatID string) { f.cancelled = append(f.cancelled, chatID) }

type fixture struct {
	db     *store.Store
	engine *Engine
	memory *fakeCanceller
	chatID string
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	dir := t.TempDir()
	project := &models.Project{Name: "p", Path: dir}
	if err := db.CreateProject(ctx, project); err != nil {
		t.Fatal(err)
	}
	chat := &models.Chat{ProjectID: project.ID}
	if err := db.CreateChat(ctx, chat); err != nil {
		t.Fatal(err)
	}

	memory := &fakeCanceller{}
	return &fixture{
		db:     db,
		engine: NewEngine(db, nil, memory, nil),
		memory: memory,
		chatID: chat.ID,
		dir:    dir,
	}
}

func (f *fixture) message(t *testing.T, role, content string, at time.Time) *models.Message {
	t.Helper()
	msg := &models.Message{ChatID: f.chatID, Role: models.Role(role), Content: content, CreatedAt: at}
	if err := f.db.CreateMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func (f *fixture) checkpoint(t *testing.T, msg *models.Message) *models.Checkpoint {
	t.Helper()
	cp := &models.Checkpoint{ChatID: f.chatID, MessageID: msg.ID, Label: msg.Content, CreatedAt: msg.CreatedAt}
	if err := f.db.CreateCheckpoint(context.Background(), cp); err != nil {
		t.Fatal(err)
	}
	return cp
}

// edit records a file edit plus snapshot of the pre-edit content. original
// nil means the edit created the file.
func (f *fixture) edit(t *testing.T, path string, original *string, at time.Time) *models.FileEdit {
	t.Helper()
	ctx := context.Background()
	snap := &models.FileSnapshot{ChatID: f.chatID, Path: path, Content: original, CreatedAt: at}
	if err := f.db.CreateFileSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}
	action := models.FileModified
	if original == nil {
		action = models.FileCreated
	}
	fe := &models.FileEdit{ChatID: f.chatID, Path: path, Action: action, SnapshotID: snap.ID, CreatedAt: at}
	if err := f.db.CreateFileEdit(ctx, fe); err != nil {
		t.Fatal(err)
	}
	return fe
}

func strptr(s string) *string { return &s }

func TestRevertRestoresFilesAndDeletesState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	kept := f.message(t, "user", "do the thing", base)
	cp := f.checkpoint(t, kept)

	f.message(t, "assistant", "working on it", base.Add(time.Second))
	if err := f.db.CreateToolCalls(ctx, []*models.ToolCall{{
		ChatID: f.chatID, Name: "edit_file", Status: models.ToolCallCompleted,
		CreatedAt: base.Add(2 * time.Second),
	}}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(f.dir, "main.go")
	if err := os.WriteFile(path, []byte("package main // edited"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.edit(t, path, strptr("package main"), base.Add(2*time.Second))

	if err := f.engine.RevertToCheckpoint(ctx, f.chatID, cp.ID); err != nil {
		t.Fatalf("revert: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "package main" {
		t.Errorf("file content = %q, want pre-edit content", got)
	}

	msgs, err := f.db.ListMessages(ctx, f.chatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != kept.ID {
		t.Errorf("messages after revert = %d, want only the checkpoint message", len(msgs))
	}
	calls, err := f.db.ListToolCalls(ctx, f.chatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 0 {
		t.Errorf("tool calls after revert = %d, want 0", len(calls))
	}
	edits, err := f.db.ListFileEdits(ctx, f.chatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(edits) != 0 {
		t.Errorf("file edits after revert = %d, want 0", len(edits))
	}
	if len(f.memory.cancelled) != 1 || f.memory.cancelled[0] != f.chatID {
		t.Error("memory runner was not cancelled first")
	}
}

func TestRevertUnlinksCreatedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	cp := f.checkpoint(t, f.message(t, "user", "add a helper", base))

	path := filepath.Join(f.dir, "helper.go")
	if err := os.WriteFile(path, []byte("package helper"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.edit(t, path, nil, base.Add(time.Second))

	if err := f.engine.RevertToCheckpoint(ctx, f.chatID, cp.ID); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("created-from-nothing file still exists: %v", err)
	}
}

func TestRevertRestoresNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	cp := f.checkpoint(t, f.message(t, "user", "iterate on config", base))

	path := filepath.Join(f.dir, "config.yaml")
	// Two successive edits: v0 -> v1 -> v2. Revert must land on v0, not v1.
	f.edit(t, path, strptr("v0"), base.Add(time.Second))
	f.edit(t, path, strptr("v1"), base.Add(2*time.Second))
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.RevertToCheckpoint(ctx, f.chatID, cp.ID); err != nil {
		t.Fatalf("revert: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v0" {
		t.Errorf("file content = %q, want oldest snapshot", got)
	}
}

func TestRevertDiscardsMemoryPastCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	early := f.message(t, "user", "early work", base)
	cp := f.checkpoint(t, f.message(t, "user", "checkpoint here", base.Add(time.Second)))
	late := f.message(t, "assistant", "late work", base.Add(2*time.Second))

	for gen, msg := range map[int]*models.Message{0: early, 1: late} {
		if err := f.db.CreateObservation(ctx, &models.Observation{
			ChatID: f.chatID, Generation: gen, Content: "memory",
			ObservedUpToMessageID: msg.ID,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.engine.RevertToCheckpoint(ctx, f.chatID, cp.ID); err != nil {
		t.Fatalf("revert: %v", err)
	}

	all, err := f.db.ListObservations(ctx, f.chatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("observations = %d, want only the pre-checkpoint one", len(all))
	}
	if all[0].Generation != 0 {
		t.Errorf("surviving generation = %d, want 0", all[0].Generation)
	}
	if _, err := f.db.GetMessage(ctx, all[0].ObservedUpToMessageID); err != nil {
		t.Errorf("surviving observation references a deleted message: %v", err)
	}
}

func TestRevertTrimsBufferedChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	cp := f.checkpoint(t, f.message(t, "user", "checkpoint here", base))

	buffer := models.ObserverBuffer{
		IntervalTokens: 500,
		LastBoundary:   2,
		Chunks: []models.BufferedChunk{
			{Content: "before", UpToMessageID: "m1", UpToTimestamp: base.Add(-time.Second)},
			{Content: "after", UpToMessageID: "m2", UpToTimestamp: base.Add(time.Second)},
		},
		UpToMessageID: "m2",
		UpToTimestamp: base.Add(time.Second),
	}
	raw, err := json.Marshal(&buffer)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.db.PutMemoryState(ctx, &models.MemoryState{
		ChatID: f.chatID, Strategy: "observational", State: raw,
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.RevertToCheckpoint(ctx, f.chatID, cp.ID); err != nil {
		t.Fatalf("revert: %v", err)
	}

	state, err := f.db.GetMemoryState(ctx, f.chatID)
	if err != nil {
		t.Fatal(err)
	}
	var got models.ObserverBuffer
	if err := json.Unmarshal(state.State, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Chunks) != 1 || got.Chunks[0].Content != "before" {
		t.Fatalf("chunks after revert = %+v, want only the pre-checkpoint chunk", got.Chunks)
	}
	if got.UpToMessageID != "m1" {
		t.Errorf("buffer waterline = %q, want m1", got.UpToMessageID)
	}
	if got.LastBoundary != 0 {
		t.Errorf("boundary counter = %d, want reset to 0", got.LastBoundary)
	}
}

func TestRevertFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	path := filepath.Join(f.dir, "a.txt")
	other := filepath.Join(f.dir, "b.txt")
	if err := os.WriteFile(path, []byte("edited"), 0o644); err != nil {
		t.Fatal(err)
	}
	target := f.edit(t, path, strptr("original"), base)
	f.edit(t, other, strptr("untouched"), base.Add(time.Second))

	if err := f.engine.RevertFile(ctx, f.chatID, target.ID); err != nil {
		t.Fatalf("revert file: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "original" {
		t.Errorf("file content = %q", got)
	}
	if _, err := f.db.GetFileEdit(ctx, target.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("reverted edit row still present, err=%v", err)
	}
	edits, err := f.db.ListFileEdits(ctx, f.chatID)
	if err != nil {
		t.Fatal(err)
	}
	if len(edits) != 1 || edits[0].Path != other {
		t.Errorf("other edits disturbed: %+v", edits)
	}
}

func TestRevertRejectsForeignCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().UTC()

	cp := f.checkpoint(t, f.message(t, "user", "mine", base))
	if err := f.engine.RevertToCheckpoint(ctx, "other-chat", cp.ID); err == nil {
		t.Fatal("expected an error for a checkpoint from another chat")
	}
}
