package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
)

const fileEditColumns = `id, chat_id, checkpoint_id, tool_call_id, path, action, diff, snapshot_id, created_at`

// CreateFileEdit inserts a file edit row.
func (s *Store) CreateFileEdit(ctx context.Context, fe *models.FileEdit) error {
	if fe.ID == "" {
		fe.ID = uuid.NewString()
	}
	if fe.CreatedAt.IsZero() {
		fe.CreatedAt = time.Now().UTC()
	}
	return s.exec(ctx, "create file edit",
		`INSERT INTO file_edits (id, chat_id, checkpoint_id, tool_call_id, path, action, diff, snapshot_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fe.ID, fe.ChatID, nullable(fe.CheckpointID), nullable(fe.ToolCallID),
		fe.Path, string(fe.Action), fe.Diff, nullable(fe.SnapshotID), nanos(fe.CreatedAt))
}

func scanFileEdit(scan func(dest ...any) error) (*models.FileEdit, error) {
	var fe models.FileEdit
	var action string
	var checkpoint, toolCall, snapshot sql.NullString
	var created int64
	if err := scan(&fe.ID, &fe.ChatID, &checkpoint, &toolCall, &fe.Path, &action, &fe.Diff, &snapshot, &created); err != nil {
		return nil, err
	}
	fe.Action = models.FileEditAction(action)
	fe.CheckpointID = scanNull(checkpoint)
	fe.ToolCallID = scanNull(toolCall)
	fe.SnapshotID = scanNull(snapshot)
	fe.CreatedAt = fromNanos(created)
	return &fe, nil
}

// GetFileEdit returns a file edit by id.
func (s *Store) GetFileEdit(ctx context.Context, id string) (*models.FileEdit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileEditColumns+` FROM file_edits WHERE id = ?`, id)
	fe, err := scanFileEdit(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get file edit: %w", err)
	}
	return fe, nil
}

// ListFileEdits returns the file edits of a chat in order.
func (s *Store) ListFileEdits(ctx context.Context, chatID string) ([]*models.FileEdit, error) {
	return s.listFileEdits(ctx,
		`SELECT `+fileEditColumns+` FROM file_edits WHERE chat_id = ? ORDER BY created_at, id`, chatID)
}

// ListFileEditsSince returns file edits created at or after ts, newest first,
// the order the revert engine restores them in.
func (s *Store) ListFileEditsSince(ctx context.Context, chatID string, ts time.Time) ([]*models.FileEdit, error) {
	return s.listFileEdits(ctx,
		`SELECT `+fileEditColumns+` FROM file_edits WHERE chat_id = ? AND created_at >= ? ORDER BY created_at DESC, id DESC`,
		chatID, nanos(ts))
}

func (s *Store) listFileEdits(ctx context.Context, query string, args ...any) ([]*models.FileEdit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list file edits: %w", err)
	}
	defer rows.Close()
	var out []*models.FileEdit
	for rows.Next() {
		fe, err := scanFileEdit(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan file edit: %w", err)
		}
		out = append(out, fe)
	}
	return out, rows.Err()
}

// DeleteFileEdit removes one file edit row.
func (s *Store) DeleteFileEdit(ctx context.Context, id string) error {
	return s.exec(ctx, "delete file edit", `DELETE FROM file_edits WHERE id = ?`, id)
}

// DeleteFileEditsAfter removes file edits created strictly after ts.
func (s *Store) DeleteFileEditsAfter(ctx context.Context, chatID string, ts time.Time) error {
	return s.exec(ctx, "delete file edits after",
		`DELETE FROM file_edits WHERE chat_id = ? AND created_at > ?`, chatID, nanos(ts))
}

// CreateFileSnapshot inserts an immutable pre-edit snapshot.
func (s *Store) CreateFileSnapshot(ctx context.Context, fs *models.FileSnapshot) error {
	if fs.ID == "" {
		fs.ID = uuid.NewString()
	}
	if fs.CreatedAt.IsZero() {
		fs.CreatedAt = time.Now().UTC()
	}
	var content any
	if fs.Content != nil {
		content = *fs.Content
	}
	return s.exec(ctx, "create file snapshot",
		`INSERT INTO file_snapshots (id, chat_id, checkpoint_id, file_edit_id, path, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fs.ID, fs.ChatID, nullable(fs.CheckpointID), nullable(fs.FileEditID),
		fs.Path, content, nanos(fs.CreatedAt))
}

// GetFileSnapshot returns a snapshot by id.
func (s *Store) GetFileSnapshot(ctx context.Context, id string) (*models.FileSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, checkpoint_id, file_edit_id, path, content, created_at FROM file_snapshots WHERE id = ?`, id)
	var fs models.FileSnapshot
	var checkpoint, fileEdit, content sql.NullString
	var created int64
	if err := row.Scan(&fs.ID, &fs.ChatID, &checkpoint, &fileEdit, &fs.Path, &content, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get file snapshot: %w", err)
	}
	fs.CheckpointID = scanNull(checkpoint)
	fs.FileEditID = scanNull(fileEdit)
	if content.Valid {
		fs.Content = &content.String
	}
	fs.CreatedAt = fromNanos(created)
	return &fs, nil
}

// SnapshotForToolCallPath returns the snapshot a tool call captured for a
// path, when one exists.
func (s *Store) SnapshotForToolCallPath(ctx context.Context, toolCallID, path string) (*models.FileSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fs.id FROM file_snapshots fs
		 JOIN file_edits fe ON fe.snapshot_id = fs.id
		 WHERE fe.tool_call_id = ? AND fs.path = ? LIMIT 1`, toolCallID, path)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshot for tool call: %w", err)
	}
	return s.GetFileSnapshot(ctx, id)
}
