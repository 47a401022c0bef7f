package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
)

func marshalJSON(v any) (any, error) {
	switch t := v.(type) {
	case []models.Attachment:
		if len(t) == 0 {
			return nil, nil
		}
	case []models.ToolCall:
		if len(t) == 0 {
			return nil, nil
		}
	case []models.ToolResult:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// CreateMessage inserts a message.
func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	attachments, err := marshalJSON(m.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	toolCalls, err := marshalJSON(m.ToolCalls)
	if err != nil {
		return fmt.Errorf("encode tool calls: %w", err)
	}
	toolResults, err := marshalJSON(m.ToolResults)
	if err != nil {
		return fmt.Errorf("encode tool results: %w", err)
	}
	return s.exec(ctx, "create message",
		`INSERT INTO messages (id, chat_id, role, content, checkpoint_id, attachments, tool_calls, tool_results, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, string(m.Role), m.Content, nullable(m.CheckpointID),
		attachments, toolCalls, toolResults, nanos(m.CreatedAt))
}

func scanMessage(scan func(dest ...any) error) (*models.Message, error) {
	var m models.Message
	var role string
	var checkpoint, attachments, toolCalls, toolResults sql.NullString
	var created int64
	if err := scan(&m.ID, &m.ChatID, &role, &m.Content, &checkpoint, &attachments, &toolCalls, &toolResults, &created); err != nil {
		return nil, err
	}
	m.Role = models.Role(role)
	m.CheckpointID = scanNull(checkpoint)
	m.CreatedAt = fromNanos(created)
	if attachments.Valid {
		if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if toolCalls.Valid {
		if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	if toolResults.Valid {
		if err := json.Unmarshal([]byte(toolResults.String), &m.ToolResults); err != nil {
			return nil, fmt.Errorf("decode tool results: %w", err)
		}
	}
	return &m, nil
}

const messageColumns = `id, chat_id, role, content, checkpoint_id, attachments, tool_calls, tool_results, created_at`

// GetMessage returns a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListMessages returns all messages of a chat in chronological order.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? ORDER BY created_at, id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMessagesAfter returns messages of a chat created strictly after ts.
func (s *Store) ListMessagesAfter(ctx context.Context, chatID string, ts time.Time) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND created_at > ? ORDER BY created_at, id`,
		chatID, nanos(ts))
	if err != nil {
		return nil, fmt.Errorf("list messages after: %w", err)
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMessageContent rewrites a message's text content in place. Only the
// edit-message operation uses this, after reverting to the message's
// checkpoint.
func (s *Store) UpdateMessageContent(ctx context.Context, id, content string) error {
	return s.exec(ctx, "update message content",
		`UPDATE messages SET content = ? WHERE id = ?`, content, id)
}

// DeleteMessagesAfter removes messages of a chat created strictly after ts.
func (s *Store) DeleteMessagesAfter(ctx context.Context, chatID string, ts time.Time) error {
	return s.exec(ctx, "delete messages after",
		`DELETE FROM messages WHERE chat_id = ? AND created_at > ?`, chatID, nanos(ts))
}

// MessageExists reports whether a message id is present in the chat.
func (s *Store) MessageExists(ctx context.Context, chatID, messageID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE chat_id = ? AND id = ?`, chatID, messageID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("message exists: %w", err)
	}
	return n > 0, nil
}
