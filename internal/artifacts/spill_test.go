package artifacts

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tokenizer"
	"github.com/loomhq/loom/pkg/models"
)

func newTestSpill(t *testing.T) (*Store, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewStore(dir, db, tokenizer.New("gpt-4o"), logger), db, dir
}

func seedChat(t *testing.T, db *store.Store) (projectID, chatID string) {
	t.Helper()
	ctx := context.Background()
	p := &models.Project{Name: "demo", Path: "/tmp/demo"}
	if err := db.CreateProject(ctx, p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	c := &models.Chat{ProjectID: p.ID}
	if err := db.CreateChat(ctx, c); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return p.ID, c.ID
}

func TestSmallOutputPassesThrough(t *testing.T) {
	s, db, _ := newTestSpill(t)
	projectID, chatID := seedChat(t, db)

	res, err := s.MaybeSpill(context.Background(), projectID, chatID, "tc-1", "command_output", "short output")
	if err != nil {
		t.Fatalf("maybe spill: %v", err)
	}
	if res.Spilled || res.Content != "short output" {
		t.Errorf("small output should pass through unchanged: %+v", res)
	}
}

func TestLargeOutputSpills(t *testing.T) {
	s, db, _ := newTestSpill(t)
	projectID, chatID := seedChat(t, db)
	ctx := context.Background()

	var b strings.Builder
	for i := 0; i < 5000; i++ {
		b.WriteString("line with some repeated content for token mass\n")
	}
	full := b.String()

	res, err := s.MaybeSpill(ctx, projectID, chatID, "tc-2", "command_output", full)
	if err != nil {
		t.Fatalf("maybe spill: %v", err)
	}
	if !res.Spilled || res.Artifact == nil {
		t.Fatal("expected spill for oversized output")
	}
	if len(res.Content) >= len(full) {
		t.Errorf("preview not smaller than original: %d >= %d", len(res.Content), len(full))
	}
	if !strings.Contains(res.Content, res.Artifact.Path) {
		t.Error("preview does not reference the spilled file")
	}
	if !strings.Contains(res.Content, "read_file") {
		t.Error("truncation marker does not tell the model how to read the full output")
	}

	// Full content round-trips through the spill file.
	got, err := s.Read(res.Artifact.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if got != full {
		t.Error("spilled file content does not match original output")
	}

	rows, err := db.ListToolArtifactsByProject(ctx, projectID)
	if err != nil || len(rows) != 1 {
		t.Fatalf("artifact row not recorded: %v %+v", err, rows)
	}
	if rows[0].LineCount != 5001 {
		t.Errorf("line count = %d, want 5001", rows[0].LineCount)
	}
}

func TestThresholdBoundaryInline(t *testing.T) {
	s, db, _ := newTestSpill(t)
	projectID, chatID := seedChat(t, db)

	// Exactly at the threshold stays inline; only strictly-over spills.
	text := strings.Repeat("a ", 100)
	est := tokenizer.New("gpt-4o")
	for est.Count(text) < SpillThresholdTokens {
		text += "word "
	}
	for est.Count(text) > SpillThresholdTokens {
		text = text[:len(text)-5]
	}

	res, err := s.MaybeSpill(context.Background(), projectID, chatID, "tc-3", "command_output", text)
	if err != nil {
		t.Fatalf("maybe spill: %v", err)
	}
	if res.Spilled {
		t.Errorf("output at the threshold (%d tokens) should stay inline", est.Count(text))
	}
}

func TestReadOutsideRootRejected(t *testing.T) {
	s, _, _ := newTestSpill(t)
	if _, err := s.Read("/etc/passwd"); err == nil {
		t.Error("expected rejection for path outside the spill root")
	}
}

func TestCleanupProject(t *testing.T) {
	s, db, _ := newTestSpill(t)
	projectID, chatID := seedChat(t, db)
	ctx := context.Background()

	big := strings.Repeat("payload line\n", 4000)
	res, err := s.MaybeSpill(ctx, projectID, chatID, "tc-4", "command_output", big)
	if err != nil || !res.Spilled {
		t.Fatalf("spill: %v", err)
	}

	if err := s.CleanupProject(ctx, projectID); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(res.Artifact.Path); !os.IsNotExist(err) {
		t.Error("spilled file should be removed on cleanup")
	}
	rows, err := db.ListToolArtifactsByProject(ctx, projectID)
	if err != nil || len(rows) != 0 {
		t.Errorf("artifact rows should be removed on cleanup: %v %+v", err, rows)
	}
}
