package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
)

// ReplaceTodos swaps the entire todo list of a chat in one transaction.
// update_todo_list semantics: the payload is the full desired list, so
// applying the same payload twice leaves the same set.
func (s *Store) ReplaceTodos(ctx context.Context, chatID, checkpointID string, todos []*models.Todo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace todos: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM todos WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("clear todos: %w", err)
	}
	for i, td := range todos {
		if td.ID == "" {
			td.ID = uuid.NewString()
		}
		if td.Status == "" {
			td.Status = models.TodoPending
		}
		if td.CreatedAt.IsZero() {
			td.CreatedAt = time.Now().UTC()
		}
		td.ChatID = chatID
		td.SortOrder = i
		if td.CheckpointID == "" {
			td.CheckpointID = checkpointID
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO todos (id, chat_id, checkpoint_id, content, status, sort_order, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			td.ID, td.ChatID, nullable(td.CheckpointID), td.Content, string(td.Status), td.SortOrder, nanos(td.CreatedAt)); err != nil {
			return fmt.Errorf("insert todo: %w", err)
		}
	}
	return tx.Commit()
}

// ListTodos returns the todos of a chat in list order.
func (s *Store) ListTodos(ctx context.Context, chatID string) ([]*models.Todo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, checkpoint_id, content, status, sort_order, created_at
		 FROM todos WHERE chat_id = ? ORDER BY sort_order, created_at`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()
	var out []*models.Todo
	for rows.Next() {
		var td models.Todo
		var status string
		var checkpoint sql.NullString
		var created int64
		if err := rows.Scan(&td.ID, &td.ChatID, &checkpoint, &td.Content, &status, &td.SortOrder, &created); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		td.Status = models.TodoStatus(status)
		td.CheckpointID = scanNull(checkpoint)
		td.CreatedAt = fromNanos(created)
		out = append(out, &td)
	}
	return out, rows.Err()
}

// CountIncompleteTodos returns the number of todos not yet completed.
func (s *Store) CountIncompleteTodos(ctx context.Context, chatID string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM todos WHERE chat_id = ? AND status != ?`, chatID, string(models.TodoCompleted))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count incomplete todos: %w", err)
	}
	return n, nil
}

// DeleteTodosAfter removes todos created strictly after ts.
func (s *Store) DeleteTodosAfter(ctx context.Context, chatID string, ts time.Time) error {
	return s.exec(ctx, "delete todos after",
		`DELETE FROM todos WHERE chat_id = ? AND created_at > ?`, chatID, nanos(ts))
}
