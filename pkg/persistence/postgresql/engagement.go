package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence"
)

// EngagementRepository handles lead_engagement_state and engagement_state_log operations.
type EngagementRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEngagementRepository creates a new engagement repository.
func NewEngagementRepository(db *sql.DB, logger *slog.Logger) *EngagementRepository {
	return &EngagementRepository{db: db, logger: logger}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getState(ctx context.Context, q querier, entityID string, forUpdate bool) (*models.EngagementState, error) {
	query := `
		SELECT entity_id, state, decision_id, human_actor, last_transition_at
		FROM lead_engagement_state
		WHERE entity_id = $1
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var state models.EngagementState

	err := q.QueryRowContext(ctx, query, entityID).Scan(
		&state.EntityID, &state.State, &state.DecisionID, &state.HumanActor, &state.LastTransitionAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to query engagement state: %w", err)
	}

	state.LastTransitionAt = state.LastTransitionAt.UTC()

	return &state, nil
}

func (r *EngagementRepository) Get(ctx context.Context, entityID string) (*models.EngagementState, error) {
	return getState(ctx, r.db, entityID, false)
}

// Transition locks the state row, applies fn and writes the state with its
// history row. A concurrent writer surfaces as persistence.ErrStaleState.
func (r *EngagementRepository) Transition(ctx context.Context, entityID string, fn persistence.TransitionFunc) (*models.EngagementState, error) {
	var next models.EngagementState

	err := withSerializableTx(ctx, r.db, func(tx *sql.Tx) error {
		stored, err := getState(ctx, tx, entityID, true)
		if err != nil {
			return err
		}

		current := persistence.UntrackedState(entityID)
		if stored != nil {
			current = *stored
		}

		var entry models.EngagementStateLogEntry

		next, entry, err = fn(current)
		if err != nil {
			return err
		}

		next.EntityID = entityID
		entry.EntityID = entityID

		if next.LastTransitionAt.IsZero() {
			next.LastTransitionAt = time.Now().UTC()
		}

		if stored == nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO lead_engagement_state (entity_id, state, decision_id, human_actor, last_transition_at)
				VALUES ($1, $2, $3, $4, $5)
			`, entityID, next.State, next.DecisionID, next.HumanActor, next.LastTransitionAt.UTC())
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE lead_engagement_state
				SET state = $2, decision_id = $3, human_actor = $4, last_transition_at = $5
				WHERE entity_id = $1 AND state = $6
			`, entityID, next.State, next.DecisionID, next.HumanActor, next.LastTransitionAt.UTC(), stored.State)
		}

		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %v", persistence.ErrStaleState, err)
			}

			return fmt.Errorf("failed to write engagement state: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO engagement_state_log (id, entity_id, from_state, to_state, guard, actor, reason, decision_id, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, entry.ID, entityID, entry.From, entry.To, entry.Guard, entry.Actor, entry.Reason, entry.DecisionID, entry.OccurredAt.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %v", persistence.ErrDecisionUsed, err)
			}

			return fmt.Errorf("failed to write engagement history: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &next, nil
}

// History returns every transition of an entity in the order it happened.
func (r *EngagementRepository) History(ctx context.Context, entityID string) ([]*models.EngagementStateLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, entity_id, from_state, to_state, guard, actor, reason, decision_id, occurred_at
		FROM engagement_state_log
		WHERE entity_id = $1
		ORDER BY seq
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query engagement history: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	entries := make([]*models.EngagementStateLogEntry, 0)

	for rows.Next() {
		var entry models.EngagementStateLogEntry

		err := rows.Scan(&entry.ID, &entry.EntityID, &entry.From, &entry.To, &entry.Guard,
			&entry.Actor, &entry.Reason, &entry.DecisionID, &entry.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan engagement history: %w", err)
		}

		entry.OccurredAt = entry.OccurredAt.UTC()
		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

// ControlRepository handles the single operational_controls row.
type ControlRepository struct {
	db *sql.DB
}

// NewControlRepository creates a new control repository.
func NewControlRepository(db *sql.DB) *ControlRepository {
	return &ControlRepository{db: db}
}

func (r *ControlRepository) Controls(ctx context.Context) (*models.OperatingControls, error) {
	var (
		controls models.OperatingControls
		flags    []byte
	)

	err := r.db.QueryRowContext(ctx, `SELECT autonomy_level, flags, updated_at FROM operational_controls WHERE id = 1`).
		Scan(&controls.AutonomyLevel, &flags, &controls.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.OperatingControls{}, nil
		}

		return nil, fmt.Errorf("failed to query operational controls: %w", err)
	}

	err = json.Unmarshal(flags, &controls.Flags)
	if err != nil {
		return nil, fmt.Errorf("failed to decode control flags: %w", err)
	}

	controls.UpdatedAt = controls.UpdatedAt.UTC()

	return &controls, nil
}

func (r *ControlRepository) SetControls(ctx context.Context, controls models.OperatingControls) error {
	if controls.Flags == nil {
		controls.Flags = map[string]bool{}
	}

	flags, err := json.Marshal(controls.Flags)
	if err != nil {
		return fmt.Errorf("failed to encode control flags: %w", err)
	}

	updatedAt := controls.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO operational_controls (id, autonomy_level, flags, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET autonomy_level = $1, flags = $2, updated_at = $3
	`, controls.AutonomyLevel, flags, updatedAt.UTC())
	if err != nil {
		return persistence.NewStoreError("SetControls", "controls", "", err)
	}

	return nil
}
