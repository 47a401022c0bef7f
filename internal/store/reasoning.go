package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
)

// CreateReasoningBlock inserts a reasoning block.
func (s *Store) CreateReasoningBlock(ctx context.Context, rb *models.ReasoningBlock) error {
	if rb.ID == "" {
		rb.ID = uuid.NewString()
	}
	if rb.CreatedAt.IsZero() {
		rb.CreatedAt = time.Now().UTC()
	}
	return s.exec(ctx, "create reasoning block",
		`INSERT INTO reasoning_blocks (id, chat_id, checkpoint_id, content, duration_ms, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rb.ID, rb.ChatID, nullable(rb.CheckpointID), rb.Content, rb.DurationMS, rb.TokenCount, nanos(rb.CreatedAt))
}

// ListReasoningBlocks returns the reasoning blocks of a chat in order.
func (s *Store) ListReasoningBlocks(ctx context.Context, chatID string) ([]*models.ReasoningBlock, error) {
	return s.listReasoning(ctx,
		`SELECT id, chat_id, checkpoint_id, content, duration_ms, token_count, created_at
		 FROM reasoning_blocks WHERE chat_id = ? ORDER BY created_at, id`, chatID)
}

// ListReasoningBlocksAfter returns reasoning blocks created strictly after ts.
func (s *Store) ListReasoningBlocksAfter(ctx context.Context, chatID string, ts time.Time) ([]*models.ReasoningBlock, error) {
	return s.listReasoning(ctx,
		`SELECT id, chat_id, checkpoint_id, content, duration_ms, token_count, created_at
		 FROM reasoning_blocks WHERE chat_id = ? AND created_at > ? ORDER BY created_at, id`, chatID, nanos(ts))
}

func (s *Store) listReasoning(ctx context.Context, query string, args ...any) ([]*models.ReasoningBlock, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reasoning blocks: %w", err)
	}
	defer rows.Close()
	var out []*models.ReasoningBlock
	for rows.Next() {
		var rb models.ReasoningBlock
		var checkpoint sql.NullString
		var created int64
		if err := rows.Scan(&rb.ID, &rb.ChatID, &checkpoint, &rb.Content, &rb.DurationMS, &rb.TokenCount, &created); err != nil {
			return nil, fmt.Errorf("scan reasoning block: %w", err)
		}
		rb.CheckpointID = scanNull(checkpoint)
		rb.CreatedAt = fromNanos(created)
		out = append(out, &rb)
	}
	return out, rows.Err()
}

// DeleteReasoningBlocksAfter removes reasoning blocks created strictly after ts.
func (s *Store) DeleteReasoningBlocksAfter(ctx context.Context, chatID string, ts time.Time) error {
	return s.exec(ctx, "delete reasoning blocks after",
		`DELETE FROM reasoning_blocks WHERE chat_id = ? AND created_at > ?`, chatID, nanos(ts))
}
