package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
)

// CreateSubAgentRun inserts a sub-agent run row in the running state.
func (s *Store) CreateSubAgentRun(ctx context.Context, r *models.SubAgentRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = models.SubAgentRunning
	}
	return s.exec(ctx, "create sub-agent run",
		`INSERT INTO sub_agent_runs (id, chat_id, parent_tool_call_id, task, model, status, output, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ChatID, r.ParentToolCallID, r.Task, r.Model, string(r.Status), r.Output, r.DurationMS, nanos(r.CreatedAt))
}

// FinishSubAgentRun records the terminal state of a sub-agent run.
func (s *Store) FinishSubAgentRun(ctx context.Context, id string, status models.SubAgentStatus, output string, duration time.Duration) error {
	return s.exec(ctx, "finish sub-agent run",
		`UPDATE sub_agent_runs SET status = ?, output = ?, duration_ms = ? WHERE id = ?`,
		string(status), output, duration.Milliseconds(), id)
}

// ListSubAgentRuns returns the sub-agent runs of a chat in order.
func (s *Store) ListSubAgentRuns(ctx context.Context, chatID string) ([]*models.SubAgentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, parent_tool_call_id, task, model, status, output, duration_ms, created_at
		 FROM sub_agent_runs WHERE chat_id = ? ORDER BY created_at, id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list sub-agent runs: %w", err)
	}
	defer rows.Close()
	var out []*models.SubAgentRun
	for rows.Next() {
		var r models.SubAgentRun
		var status string
		var created int64
		if err := rows.Scan(&r.ID, &r.ChatID, &r.ParentToolCallID, &r.Task, &r.Model, &status, &r.Output, &r.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("scan sub-agent run: %w", err)
		}
		r.Status = models.SubAgentStatus(status)
		r.CreatedAt = fromNanos(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}
