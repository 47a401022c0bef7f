package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
)

// CreateToolArtifact inserts an artifact row for a spilled tool output.
func (s *Store) CreateToolArtifact(ctx context.Context, a *models.ToolArtifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return s.exec(ctx, "create tool artifact",
		`INSERT INTO tool_artifacts (id, tool_call_id, chat_id, project_id, kind, path, line_count, preview_lines, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ToolCallID, a.ChatID, a.ProjectID, a.Kind, a.Path, a.LineCount, a.PreviewLines, nanos(a.CreatedAt))
}

// ListToolArtifactsByProject returns all artifacts under a project.
func (s *Store) ListToolArtifactsByProject(ctx context.Context, projectID string) ([]*models.ToolArtifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tool_call_id, chat_id, project_id, kind, path, line_count, preview_lines, created_at
		 FROM tool_artifacts WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tool artifacts: %w", err)
	}
	defer rows.Close()
	var out []*models.ToolArtifact
	for rows.Next() {
		var a models.ToolArtifact
		var created int64
		if err := rows.Scan(&a.ID, &a.ToolCallID, &a.ChatID, &a.ProjectID, &a.Kind, &a.Path, &a.LineCount, &a.PreviewLines, &created); err != nil {
			return nil, fmt.Errorf("scan tool artifact: %w", err)
		}
		a.CreatedAt = fromNanos(created)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// DeleteToolArtifactsByProject removes all artifact rows under a project.
func (s *Store) DeleteToolArtifactsByProject(ctx context.Context, projectID string) error {
	return s.exec(ctx, "delete tool artifacts",
		`DELETE FROM tool_artifacts WHERE project_id = ?`, projectID)
}
