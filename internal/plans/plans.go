// Package plans manages project plan documents: markdown files on disk with
// their revision history in the store. Plan generation is not handled here;
// callers author content and this package persists, revises, and approves it.
package plans

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

// ErrRevisionConflict is returned when an update was authored against a
// stale revision of the plan.
var ErrRevisionConflict = errors.New("plans: plan changed since the base revision")

// Manager owns the plan documents under <dataDir>/project_plans.
type Manager struct {
	store   *store.Store
	bus     *bus.Bus
	dataDir string
	logger  *slog.Logger
}

// NewManager wires a plan manager rooted at dataDir.
func NewManager(db *store.Store, eventBus *bus.Bus, dataDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   db,
		bus:     eventBus,
		dataDir: dataDir,
		logger:  logger.With("component", "plans"),
	}
}

// PlanPath returns where a plan's markdown lives on disk.
func (m *Manager) PlanPath(projectID, planID string) string {
	return filepath.Join(m.dataDir, "project_plans", projectID, "plans", planID+".md")
}

// Create writes a new plan document at revision 0 and publishes plan_ready.
func (m *Manager) Create(ctx context.Context, chatID, checkpointID, title, content, editor string) (*models.ProjectPlan, error) {
	chat, err := m.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}

	plan := &models.ProjectPlan{
		ID:            uuid.NewString(),
		ChatID:        chatID,
		ProjectID:     chat.ProjectID,
		CheckpointID:  checkpointID,
		Title:         title,
		ContentSHA256: contentSHA(content),
		LastEditor:    editor,
	}
	plan.FilePath = m.PlanPath(plan.ProjectID, plan.ID)

	if err := writeAtomic(plan.FilePath, content); err != nil {
		return nil, fmt.Errorf("write plan file: %w", err)
	}
	if err := m.store.CreateProjectPlan(ctx, plan); err != nil {
		return nil, err
	}

	m.publish(chatID, models.EventPlanReady, map[string]any{
		"plan_id":   plan.ID,
		"title":     plan.Title,
		"file_path": plan.FilePath,
	})
	return plan, nil
}

// Update rewrites the plan content and appends a revision row. baseSHA, when
// non-empty, must match the stored content hash; a mismatch publishes
// plan_conflict and returns ErrRevisionConflict without touching the file.
func (m *Manager) Update(ctx context.Context, planID, content, editor, baseSHA string) (*models.ProjectPlan, error) {
	plan, err := m.store.GetProjectPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if baseSHA != "" && baseSHA != plan.ContentSHA256 {
		m.publish(plan.ChatID, models.EventPlanConflict, map[string]any{
			"plan_id":     plan.ID,
			"base_sha":    baseSHA,
			"current_sha": plan.ContentSHA256,
			"last_editor": plan.LastEditor,
		})
		return nil, ErrRevisionConflict
	}

	if err := writeAtomic(plan.FilePath, content); err != nil {
		return nil, fmt.Errorf("write plan file: %w", err)
	}
	sha := contentSHA(content)
	revision, err := m.store.AdvanceProjectPlan(ctx, planID, sha, editor)
	if err != nil {
		return nil, err
	}
	plan.Revision = revision
	plan.ContentSHA256 = sha
	plan.LastEditor = editor

	m.publish(plan.ChatID, models.EventPlanUpdated, map[string]any{
		"plan_id":  plan.ID,
		"revision": revision,
		"editor":   editor,
	})
	return plan, nil
}

// Approve marks the plan approved with the chosen follow-up action and
// publishes plan_approved.
func (m *Manager) Approve(ctx context.Context, planID, action, implementationChatID string) error {
	plan, err := m.store.GetProjectPlan(ctx, planID)
	if err != nil {
		return err
	}
	if err := m.store.UpdateProjectPlanStatus(ctx, planID, "approved", action, implementationChatID); err != nil {
		return err
	}
	m.publish(plan.ChatID, models.EventPlanApproved, map[string]any{
		"plan_id":                plan.ID,
		"approved_action":        action,
		"implementation_chat_id": implementationChatID,
	})
	return nil
}

// Read returns the plan row and its current markdown content.
func (m *Manager) Read(ctx context.Context, planID string) (*models.ProjectPlan, string, error) {
	plan, err := m.store.GetProjectPlan(ctx, planID)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(plan.FilePath)
	if err != nil {
		return nil, "", fmt.Errorf("read plan file: %w", err)
	}
	return plan, string(data), nil
}

// Revisions lists the plan's revision history, newest last.
func (m *Manager) Revisions(ctx context.Context, planID string) ([]*models.ProjectPlanRevision, error) {
	return m.store.ListPlanRevisions(ctx, planID)
}

func (m *Manager) publish(chatID string, t models.EventType, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(chatID, models.NewEvent(t, payload))
}

func contentSHA(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// writeAtomic lands the content via temp file and rename so readers never
// see a partial plan.
func writeAtomic(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".plan-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
