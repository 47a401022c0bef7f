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

const observationColumns = `id, chat_id, generation, content, token_count, trigger_token_count, observed_up_to_message_id, current_task, suggested_response, created_at`

// CreateObservation inserts an observation. (chat_id, generation) is unique.
func (s *Store) CreateObservation(ctx context.Context, o *models.Observation) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	return s.exec(ctx, "create observation",
		`INSERT INTO observations (id, chat_id, generation, content, token_count, trigger_token_count, observed_up_to_message_id, current_task, suggested_response, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ChatID, o.Generation, o.Content, o.TokenCount, o.TriggerTokenCount,
		nullable(o.ObservedUpToMessageID), o.CurrentTask, o.SuggestedResponse, nanos(o.CreatedAt))
}

func scanObservation(scan func(dest ...any) error) (*models.Observation, error) {
	var o models.Observation
	var upTo sql.NullString
	var created int64
	if err := scan(&o.ID, &o.ChatID, &o.Generation, &o.Content, &o.TokenCount, &o.TriggerTokenCount, &upTo, &o.CurrentTask, &o.SuggestedResponse, &created); err != nil {
		return nil, err
	}
	o.ObservedUpToMessageID = scanNull(upTo)
	o.CreatedAt = fromNanos(created)
	return &o, nil
}

// LatestObservation returns the highest-generation observation of a chat.
func (s *Store) LatestObservation(ctx context.Context, chatID string) (*models.Observation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE chat_id = ? ORDER BY generation DESC LIMIT 1`, chatID)
	o, err := scanObservation(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest observation: %w", err)
	}
	return o, nil
}

// ListObservations returns all observations of a chat by generation.
func (s *Store) ListObservations(ctx context.Context, chatID string) ([]*models.Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE chat_id = ? ORDER BY generation`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()
	var out []*models.Observation
	for rows.Next() {
		o, err := scanObservation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// DeleteObservation removes one observation row.
func (s *Store) DeleteObservation(ctx context.Context, id string) error {
	return s.exec(ctx, "delete observation", `DELETE FROM observations WHERE id = ?`, id)
}

// DeleteObservationsBelow removes observations with generation < gen. Run
// after a reflector produces generation gen so only the compressed memory
// survives.
func (s *Store) DeleteObservationsBelow(ctx context.Context, chatID string, gen int) error {
	return s.exec(ctx, "delete observations below",
		`DELETE FROM observations WHERE chat_id = ? AND generation < ?`, chatID, gen)
}

// PruneDanglingObservations removes observations whose waterline message no
// longer exists in the chat. Used by the revert engine.
func (s *Store) PruneDanglingObservations(ctx context.Context, chatID string) error {
	return s.exec(ctx, "prune observations",
		`DELETE FROM observations WHERE chat_id = ? AND observed_up_to_message_id IS NOT NULL
		 AND observed_up_to_message_id NOT IN (SELECT id FROM messages WHERE chat_id = ?)`,
		chatID, chatID)
}

// GetMemoryState returns the per-chat memory strategy state.
func (s *Store) GetMemoryState(ctx context.Context, chatID string) (*models.MemoryState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, strategy, state, updated_at FROM memory_states WHERE chat_id = ?`, chatID)
	var ms models.MemoryState
	var state sql.NullString
	var updated int64
	if err := row.Scan(&ms.ID, &ms.ChatID, &ms.Strategy, &state, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get memory state: %w", err)
	}
	if state.Valid {
		ms.State = []byte(state.String)
	}
	ms.UpdatedAt = fromNanos(updated)
	return &ms, nil
}

// PutMemoryState upserts the per-chat memory strategy state.
func (s *Store) PutMemoryState(ctx context.Context, ms *models.MemoryState) error {
	if ms.ID == "" {
		ms.ID = uuid.NewString()
	}
	ms.UpdatedAt = time.Now().UTC()
	var state any
	if len(ms.State) > 0 {
		state = string(ms.State)
	}
	return s.exec(ctx, "put memory state",
		`INSERT INTO memory_states (id, chat_id, strategy, state, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET strategy = excluded.strategy, state = excluded.state, updated_at = excluded.updated_at`,
		ms.ID, ms.ChatID, ms.Strategy, state, nanos(ms.UpdatedAt))
}

// DeleteMemoryState removes the memory state of a chat.
func (s *Store) DeleteMemoryState(ctx context.Context, chatID string) error {
	return s.exec(ctx, "delete memory state", `DELETE FROM memory_states WHERE chat_id = ?`, chatID)
}
