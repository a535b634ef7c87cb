package memory

import (
	"context"
	"encoding/json"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence"
)

type decisionRepository struct {
	p *Persistence
}

func cloneDecision(entry *models.DecisionLogEntry) *models.DecisionLogEntry {
	data, err := json.Marshal(entry)
	if err != nil {
		copied := *entry

		return &copied
	}

	var copied models.DecisionLogEntry
	if err := json.Unmarshal(data, &copied); err != nil {
		fallback := *entry

		return &fallback
	}

	return &copied
}

func (r *decisionRepository) Append(_ context.Context, entry *models.DecisionLogEntry) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, existing := range r.p.decisions {
		if existing.Decision.ID == entry.Decision.ID {
			return persistence.NewStoreError("Append", "decision", entry.Decision.ID, persistence.ErrImmutable)
		}
	}

	stored := cloneDecision(entry)

	if err := r.p.record(KindDecisionAppend, stored); err != nil {
		return err
	}

	r.p.decisions = append(r.p.decisions, stored)

	return nil
}

func (r *decisionRepository) GetByID(_ context.Context, decisionID string) (*models.DecisionLogEntry, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	for _, entry := range r.p.decisions {
		if entry.Decision.ID == decisionID {
			return cloneDecision(entry), nil
		}
	}

	return nil, nil
}

func (r *decisionRepository) List(_ context.Context, limit int) ([]*models.DecisionLogEntry, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	entries := make([]*models.DecisionLogEntry, 0, limitOf(len(r.p.decisions), limit))

	for i := len(r.p.decisions) - 1; i >= 0 && len(entries) < limitOf(len(r.p.decisions), limit); i-- {
		entries = append(entries, cloneDecision(r.p.decisions[i]))
	}

	return entries, nil
}
