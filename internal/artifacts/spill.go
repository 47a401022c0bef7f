// Package artifacts spills oversized tool outputs to disk so the transcript
// carries a bounded preview instead of the full payload. The full output
// remains readable through the normal file tools.
package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tokenizer"
	"github.com/loomhq/loom/pkg/models"
)

const (
	// SpillThresholdTokens is the output size above which the full text is
	// written to disk and replaced by a preview.
	SpillThresholdTokens = 2000

	// PreviewHeadTokens and PreviewTailTokens bound the preview kept inline.
	PreviewHeadTokens = 500
	PreviewTailTokens = 500

	// OutputsDirName is the directory under the data dir holding spilled files.
	OutputsDirName = "tool_outputs"
)

// Store writes spilled outputs under <dataDir>/tool_outputs/projects/<projectID>/
// and records each one as a ToolArtifact row.
type Store struct {
	baseDir   string
	db        *store.Store
	estimator *tokenizer.Estimator
	logger    *slog.Logger
}

// NewStore creates a spill store rooted at dataDir.
func NewStore(dataDir string, db *store.Store, est *tokenizer.Estimator, logger *slog.Logger) *Store {
	return &Store{
		baseDir:   filepath.Join(dataDir, OutputsDirName),
		db:        db,
		estimator: est,
		logger:    logger.With("component", "artifacts"),
	}
}

// OutputsDir returns the root directory for spilled outputs. The path
// resolver treats it as writable even when it sits outside the project root.
func (s *Store) OutputsDir() string {
	return s.baseDir
}

// SpillResult describes what MaybeSpill did with an output.
type SpillResult struct {
	Content  string // what goes into the transcript: original or preview
	Spilled  bool
	Artifact *models.ToolArtifact // set when spilled
}

// MaybeSpill returns the output unchanged when it fits the inline budget.
// Otherwise it writes the full text to disk, records an artifact row, and
// returns a head+tail preview with a pointer to the spilled file.
func (s *Store) MaybeSpill(ctx context.Context, projectID, chatID, toolCallID, kind, output string) (*SpillResult, error) {
	total := s.estimator.Count(output)
	if total <= SpillThresholdTokens {
		return &SpillResult{Content: output}, nil
	}

	dir := filepath.Join(s.baseDir, "projects", projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create spill dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+".txt")

	// Write to temp file first, then atomic rename.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(output), 0644); err != nil {
		return nil, fmt.Errorf("write spill file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return nil, fmt.Errorf("rename spill file: %w", err)
	}

	lines := strings.Count(output, "\n") + 1
	preview := s.preview(output, path, lines, total)

	artifact := &models.ToolArtifact{
		ToolCallID:   toolCallID,
		ChatID:       chatID,
		ProjectID:    projectID,
		Kind:         kind,
		Path:         path,
		LineCount:    lines,
		PreviewLines: strings.Count(preview, "\n") + 1,
	}
	if err := s.db.CreateToolArtifact(ctx, artifact); err != nil {
		os.Remove(path) //nolint:errcheck
		return nil, err
	}

	s.logger.Debug("spilled tool output",
		"tool_call_id", toolCallID, "tokens", total, "lines", lines, "path", path)
	return &SpillResult{Content: preview, Spilled: true, Artifact: artifact}, nil
}

// preview keeps the first and last PreviewHead/TailTokens worth of text,
// cut on line boundaries, with a marker naming the spilled file in between.
func (s *Store) preview(output, path string, lines, total int) string {
	headBytes := PreviewHeadTokens * tokenizer.CharsPerToken
	tailBytes := PreviewTailTokens * tokenizer.CharsPerToken

	head := output
	if len(head) > headBytes {
		head = head[:headBytes]
		if i := strings.LastIndexByte(head, '\n'); i > 0 {
			head = head[:i]
		}
	}
	tail := output
	if len(tail) > tailBytes {
		tail = tail[len(tail)-tailBytes:]
		if i := strings.IndexByte(tail, '\n'); i >= 0 {
			tail = tail[i+1:]
		}
	}

	var b strings.Builder
	b.WriteString(head)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "[output truncated: %d tokens over %d lines. Full output saved to %s. Use read_file with that absolute path to see the rest.]", total, lines, path)
	b.WriteString("\n\n")
	b.WriteString(tail)
	return b.String()
}

// Read returns the full content of a spilled file.
func (s *Store) Read(path string) (string, error) {
	// Confine reads to the spill root.
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve artifact path: %w", err)
	}
	rel, err := filepath.Rel(s.baseDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path outside spill root: %s", path)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	return string(data), nil
}

// CleanupProject removes all spilled files and artifact rows of a project.
// Called when the project is deleted.
func (s *Store) CleanupProject(ctx context.Context, projectID string) error {
	if err := s.db.DeleteToolArtifactsByProject(ctx, projectID); err != nil {
		return err
	}
	dir := filepath.Join(s.baseDir, "projects", projectID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove spill dir: %w", err)
	}
	return nil
}
