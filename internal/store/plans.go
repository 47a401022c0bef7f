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

const planColumns = `id, chat_id, project_id, checkpoint_id, title, status, file_path, revision, content_sha256, last_editor, approved_action, implementation_chat_id, created_at, updated_at`

// CreateProjectPlan inserts a plan at revision 0 and records the initial
// revision row.
func (s *Store) CreateProjectPlan(ctx context.Context, p *models.ProjectPlan) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	if p.Status == "" {
		p.Status = "draft"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO project_plans (`+planColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ChatID, p.ProjectID, nullable(p.CheckpointID), p.Title, p.Status, p.FilePath,
		p.Revision, p.ContentSHA256, p.LastEditor, p.ApprovedAction, p.ImplementationChatID,
		nanos(p.CreatedAt), nanos(p.UpdatedAt)); err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO project_plan_revisions (id, plan_id, revision, content_sha256, editor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), p.ID, p.Revision, p.ContentSHA256, p.LastEditor, nanos(p.CreatedAt)); err != nil {
		return fmt.Errorf("insert plan revision: %w", err)
	}
	return tx.Commit()
}

func scanPlan(scan func(dest ...any) error) (*models.ProjectPlan, error) {
	var p models.ProjectPlan
	var checkpoint sql.NullString
	var created, updated int64
	if err := scan(&p.ID, &p.ChatID, &p.ProjectID, &checkpoint, &p.Title, &p.Status, &p.FilePath,
		&p.Revision, &p.ContentSHA256, &p.LastEditor, &p.ApprovedAction, &p.ImplementationChatID,
		&created, &updated); err != nil {
		return nil, err
	}
	p.CheckpointID = scanNull(checkpoint)
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	return &p, nil
}

// GetProjectPlan looks up one plan by id.
func (s *Store) GetProjectPlan(ctx context.Context, id string) (*models.ProjectPlan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM project_plans WHERE id = ?`, id)
	p, err := scanPlan(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

// ListProjectPlans returns all plans of a project, newest first.
func (s *Store) ListProjectPlans(ctx context.Context, projectID string) ([]*models.ProjectPlan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+planColumns+` FROM project_plans WHERE project_id = ? ORDER BY updated_at DESC, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()
	var out []*models.ProjectPlan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AdvanceProjectPlan bumps the plan to a new revision, recording the edit in
// the revision history. Returns the new revision number.
func (s *Store) AdvanceProjectPlan(ctx context.Context, id, contentSHA, editor string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("advance plan: %w", err)
	}
	defer tx.Rollback()

	var rev int
	if err := tx.QueryRowContext(ctx, `SELECT revision FROM project_plans WHERE id = ?`, id).Scan(&rev); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("advance plan: %w", err)
	}
	rev++
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE project_plans SET revision = ?, content_sha256 = ?, last_editor = ?, updated_at = ? WHERE id = ?`,
		rev, contentSHA, editor, nanos(now), id); err != nil {
		return 0, fmt.Errorf("update plan: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO project_plan_revisions (id, plan_id, revision, content_sha256, editor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), id, rev, contentSHA, editor, nanos(now)); err != nil {
		return 0, fmt.Errorf("insert plan revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rev, nil
}

// UpdateProjectPlanStatus moves a plan through its lifecycle and records the
// approved action and implementation chat when set.
func (s *Store) UpdateProjectPlanStatus(ctx context.Context, id, status, approvedAction, implementationChatID string) error {
	return s.exec(ctx, "update plan status",
		`UPDATE project_plans SET status = ?, approved_action = ?, implementation_chat_id = ?, updated_at = ? WHERE id = ?`,
		status, approvedAction, implementationChatID, nanos(time.Now().UTC()), id)
}

// ListPlanRevisions returns the revision history of a plan in order.
func (s *Store) ListPlanRevisions(ctx context.Context, planID string) ([]*models.ProjectPlanRevision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_id, revision, content_sha256, editor, created_at
		 FROM project_plan_revisions WHERE plan_id = ? ORDER BY revision`, planID)
	if err != nil {
		return nil, fmt.Errorf("list plan revisions: %w", err)
	}
	defer rows.Close()
	var out []*models.ProjectPlanRevision
	for rows.Next() {
		var r models.ProjectPlanRevision
		var created int64
		if err := rows.Scan(&r.ID, &r.PlanID, &r.Revision, &r.ContentSHA256, &r.Editor, &created); err != nil {
			return nil, fmt.Errorf("scan plan revision: %w", err)
		}
		r.CreatedAt = fromNanos(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeletePlansAfter removes plans created strictly after ts in a chat.
func (s *Store) DeletePlansAfter(ctx context.Context, chatID string, ts time.Time) error {
	return s.exec(ctx, "delete plans after",
		`DELETE FROM project_plans WHERE chat_id = ? AND created_at > ?`, chatID, nanos(ts))
}
