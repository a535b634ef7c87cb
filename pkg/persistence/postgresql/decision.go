package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence"
)

// DecisionRepository handles decision_log operations.
type DecisionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDecisionRepository creates a new decision repository.
func NewDecisionRepository(db *sql.DB, logger *slog.Logger) *DecisionRepository {
	return &DecisionRepository{db: db, logger: logger}
}

func (r *DecisionRepository) Append(ctx context.Context, entry *models.DecisionLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO decision_log (decision_id, proposal_id, allowed, entry, decided_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.Decision.ID, entry.Decision.ProposalID, entry.Decision.Allowed, data, entry.Decision.DecidedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewStoreError("Append", "decision", entry.Decision.ID, persistence.ErrImmutable)
		}

		return persistence.NewStoreError("Append", "decision", entry.Decision.ID, err)
	}

	return nil
}

func decodeDecision(data []byte) (*models.DecisionLogEntry, error) {
	var entry models.DecisionLogEntry

	err := json.Unmarshal(data, &entry)
	if err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}

	return &entry, nil
}

func (r *DecisionRepository) GetByID(ctx context.Context, decisionID string) (*models.DecisionLogEntry, error) {
	var data []byte

	err := r.db.QueryRowContext(ctx, `SELECT entry FROM decision_log WHERE decision_id = $1`, decisionID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to query decision: %w", err)
	}

	return decodeDecision(data)
}

// List returns the most recent decisions first.
func (r *DecisionRepository) List(ctx context.Context, limit int) ([]*models.DecisionLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT entry FROM decision_log ORDER BY seq DESC LIMIT $1`, limitClause(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	entries := make([]*models.DecisionLogEntry, 0)

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}

		entry, err := decodeDecision(data)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
