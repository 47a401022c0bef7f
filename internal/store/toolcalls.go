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

const toolCallColumns = `id, chat_id, checkpoint_id, name, status, input, output, parallel_group_id, created_at, completed_at, duration_ms`

// CreateToolCalls inserts tool calls in a single transaction. Parallel
// groups are created atomically before any member runs.
func (s *Store) CreateToolCalls(ctx context.Context, calls []*models.ToolCall) error {
	if len(calls) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create tool calls: %w", err)
	}
	defer tx.Rollback()

	for _, tc := range calls {
		if tc.ID == "" {
			tc.ID = uuid.NewString()
		}
		if tc.CreatedAt.IsZero() {
			tc.CreatedAt = time.Now().UTC()
		}
		if tc.Status == "" {
			tc.Status = models.ToolCallPending
		}
		var input any
		if len(tc.Input) > 0 {
			input = string(tc.Input)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tool_calls (id, chat_id, checkpoint_id, name, status, input, output, parallel_group_id, created_at, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tc.ID, tc.ChatID, nullable(tc.CheckpointID), tc.Name, string(tc.Status),
			input, tc.Output, nullable(tc.ParallelGroupID), nanos(tc.CreatedAt), tc.DurationMS); err != nil {
			return fmt.Errorf("insert tool call: %w", err)
		}
	}
	return tx.Commit()
}

func scanToolCall(scan func(dest ...any) error) (*models.ToolCall, error) {
	var tc models.ToolCall
	var status string
	var checkpoint, input, group sql.NullString
	var created int64
	var completed sql.NullInt64
	if err := scan(&tc.ID, &tc.ChatID, &checkpoint, &tc.Name, &status, &input, &tc.Output, &group, &created, &completed, &tc.DurationMS); err != nil {
		return nil, err
	}
	tc.Status = models.ToolCallStatus(status)
	tc.CheckpointID = scanNull(checkpoint)
	tc.ParallelGroupID = scanNull(group)
	if input.Valid {
		tc.Input = []byte(input.String)
	}
	tc.CreatedAt = fromNanos(created)
	if completed.Valid {
		t := fromNanos(completed.Int64)
		tc.CompletedAt = &t
	}
	return &tc, nil
}

// GetToolCall returns a tool call by id.
func (s *Store) GetToolCall(ctx context.Context, id string) (*models.ToolCall, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolCallColumns+` FROM tool_calls WHERE id = ?`, id)
	tc, err := scanToolCall(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tool call: %w", err)
	}
	return tc, nil
}

// ListToolCalls returns the tool calls of a chat in order.
func (s *Store) ListToolCalls(ctx context.Context, chatID string) ([]*models.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE chat_id = ? ORDER BY created_at, id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()
	var out []*models.ToolCall
	for rows.Next() {
		tc, err := scanToolCall(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// ListToolCallsAfter returns tool calls created strictly after ts.
func (s *Store) ListToolCallsAfter(ctx context.Context, chatID string, ts time.Time) ([]*models.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE chat_id = ? AND created_at > ? ORDER BY created_at, id`,
		chatID, nanos(ts))
	if err != nil {
		return nil, fmt.Errorf("list tool calls after: %w", err)
	}
	defer rows.Close()
	var out []*models.ToolCall
	for rows.Next() {
		tc, err := scanToolCall(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// UpdateToolCallStatus transitions a tool call, recording output and timing.
// Completion timestamps are set for terminal states.
func (s *Store) UpdateToolCallStatus(ctx context.Context, id string, status models.ToolCallStatus, output string) error {
	now := time.Now().UTC()
	switch status {
	case models.ToolCallCompleted, models.ToolCallError, models.ToolCallRejected:
		return s.exec(ctx, "update tool call",
			`UPDATE tool_calls SET status = ?, output = ?, completed_at = ?,
			 duration_ms = CAST((? - created_at) / 1000000 AS INTEGER) WHERE id = ?`,
			string(status), output, nanos(now), nanos(now), id)
	default:
		return s.exec(ctx, "update tool call",
			`UPDATE tool_calls SET status = ?, output = ? WHERE id = ?`,
			string(status), output, id)
	}
}

// DeleteToolCallsAfter removes tool calls created strictly after ts.
func (s *Store) DeleteToolCallsAfter(ctx context.Context, chatID string, ts time.Time) error {
	return s.exec(ctx, "delete tool calls after",
		`DELETE FROM tool_calls WHERE chat_id = ? AND created_at > ?`, chatID, nanos(ts))
}
