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

// CreateCheckpoint inserts a checkpoint labeling a user message.
func (s *Store) CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	return s.exec(ctx, "create checkpoint",
		`INSERT INTO checkpoints (id, chat_id, message_id, label, created_at) VALUES (?, ?, ?, ?, ?)`,
		cp.ID, cp.ChatID, cp.MessageID, cp.Label, nanos(cp.CreatedAt))
}

// GetCheckpoint returns a checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, message_id, label, created_at FROM checkpoints WHERE id = ?`, id)
	var cp models.Checkpoint
	var created int64
	if err := row.Scan(&cp.ID, &cp.ChatID, &cp.MessageID, &cp.Label, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	cp.CreatedAt = fromNanos(created)
	return &cp, nil
}

// GetCheckpointByMessage returns the checkpoint labeling a message.
func (s *Store) GetCheckpointByMessage(ctx context.Context, messageID string) (*models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, message_id, label, created_at FROM checkpoints WHERE message_id = ?`, messageID)
	var cp models.Checkpoint
	var created int64
	if err := row.Scan(&cp.ID, &cp.ChatID, &cp.MessageID, &cp.Label, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint by message: %w", err)
	}
	cp.CreatedAt = fromNanos(created)
	return &cp, nil
}

// LatestCheckpoint returns the most recent checkpoint of a chat.
func (s *Store) LatestCheckpoint(ctx context.Context, chatID string) (*models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, message_id, label, created_at FROM checkpoints
		 WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, chatID)
	var cp models.Checkpoint
	var created int64
	if err := row.Scan(&cp.ID, &cp.ChatID, &cp.MessageID, &cp.Label, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	cp.CreatedAt = fromNanos(created)
	return &cp, nil
}

// ListCheckpoints returns all checkpoints of a chat in order.
func (s *Store) ListCheckpoints(ctx context.Context, chatID string) ([]*models.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, message_id, label, created_at FROM checkpoints
		 WHERE chat_id = ? ORDER BY created_at, id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []*models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		var created int64
		if err := rows.Scan(&cp.ID, &cp.ChatID, &cp.MessageID, &cp.Label, &created); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.CreatedAt = fromNanos(created)
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// DeleteCheckpointsAfter removes checkpoints created strictly after ts.
func (s *Store) DeleteCheckpointsAfter(ctx context.Context, chatID string, ts time.Time) error {
	return s.exec(ctx, "delete checkpoints after",
		`DELETE FROM checkpoints WHERE chat_id = ? AND created_at > ?`, chatID, nanos(ts))
}
