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

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// CreateProject inserts a project, assigning an id when absent.
func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	return s.exec(ctx, "create project",
		`INSERT INTO projects (id, name, path, sort_order, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Path, p.SortOrder, nanos(p.CreatedAt), nanos(p.UpdatedAt))
}

// GetProject returns a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, sort_order, created_at, updated_at FROM projects WHERE id = ?`, id)
	var p models.Project
	var created, updated int64
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &p.SortOrder, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &p, nil
}

// ListProjects returns all projects ordered by sort order.
func (s *Store) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, path, sort_order, created_at, updated_at FROM projects ORDER BY sort_order, created_at`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	var out []*models.Project
	for rows.Next() {
		var p models.Project
		var created, updated int64
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.SortOrder, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CreatedAt, p.UpdatedAt = fromNanos(created), fromNanos(updated)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeleteProject removes a project; chats and their entities cascade.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.exec(ctx, "delete project", `DELETE FROM projects WHERE id = ?`, id)
}

// CreateChat inserts a chat under a project.
func (s *Store) CreateChat(ctx context.Context, c *models.Chat) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	return s.exec(ctx, "create chat",
		`INSERT INTO chats (id, project_id, title, pinned, sort_order, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.Title, c.Pinned, c.SortOrder, nanos(c.CreatedAt), nanos(c.UpdatedAt))
}

// GetChat returns a chat by id.
func (s *Store) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, title, pinned, sort_order, created_at, updated_at FROM chats WHERE id = ?`, id)
	var c models.Chat
	var created, updated int64
	if err := row.Scan(&c.ID, &c.ProjectID, &c.Title, &c.Pinned, &c.SortOrder, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get chat: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &c, nil
}

// ListChats returns the chats of a project, pinned first.
func (s *Store) ListChats(ctx context.Context, projectID string) ([]*models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, title, pinned, sort_order, created_at, updated_at
		 FROM chats WHERE project_id = ? ORDER BY pinned DESC, sort_order, created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()
	var out []*models.Chat
	for rows.Next() {
		var c models.Chat
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Title, &c.Pinned, &c.SortOrder, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.CreatedAt, c.UpdatedAt = fromNanos(created), fromNanos(updated)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// UpdateChatTitle sets the chat title.
func (s *Store) UpdateChatTitle(ctx context.Context, chatID, title string) error {
	return s.exec(ctx, "update chat title",
		`UPDATE chats SET title = ?, updated_at = ? WHERE id = ?`, title, nanos(time.Now()), chatID)
}

// TouchChat sets the chat's updated-at timestamp.
func (s *Store) TouchChat(ctx context.Context, chatID string, at time.Time) error {
	return s.exec(ctx, "touch chat",
		`UPDATE chats SET updated_at = ? WHERE id = ?`, nanos(at), chatID)
}

// DeleteChat removes a chat and everything it owns.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	return s.exec(ctx, "delete chat", `DELETE FROM chats WHERE id = ?`, id)
}
