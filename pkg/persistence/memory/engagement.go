package memory

import (
	"context"
	"maps"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence"
)

type engagementRepository struct {
	p *Persistence
}

func (r *engagementRepository) Get(_ context.Context, entityID string) (*models.EngagementState, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	state, ok := r.p.states[entityID]
	if !ok {
		return nil, nil
	}

	return &state, nil
}

func (r *engagementRepository) Transition(_ context.Context, entityID string, fn persistence.TransitionFunc) (*models.EngagementState, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	current, ok := r.p.states[entityID]
	if !ok {
		current = persistence.UntrackedState(entityID)
	}

	next, entry, err := fn(current)
	if err != nil {
		return nil, err
	}

	next.EntityID = entityID
	entry.EntityID = entityID

	if r.approvalSpent(entry) {
		return nil, persistence.ErrDecisionUsed
	}

	if err := r.p.record(KindEngagementTransition, transitionEvent{State: next, Log: entry}); err != nil {
		return nil, err
	}

	r.p.states[entityID] = next
	r.p.history = append(r.p.history, &entry)

	return &next, nil
}

// approvalSpent reports whether entry grants approval under a decision that
// already granted one. Callers hold the lock.
func (r *engagementRepository) approvalSpent(entry models.EngagementStateLogEntry) bool {
	if entry.Guard != models.GuardApprovalGranted || entry.DecisionID == "" {
		return false
	}

	for _, logged := range r.p.history {
		if logged.Guard == models.GuardApprovalGranted && logged.DecisionID == entry.DecisionID {
			return true
		}
	}

	return false
}

func (r *engagementRepository) History(_ context.Context, entityID string) ([]*models.EngagementStateLogEntry, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	entries := make([]*models.EngagementStateLogEntry, 0)

	for _, entry := range r.p.history {
		if entry.EntityID == entityID {
			copied := *entry
			entries = append(entries, &copied)
		}
	}

	return entries, nil
}

type controlRepository struct {
	p *Persistence
}

func (r *controlRepository) Controls(_ context.Context) (*models.OperatingControls, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	controls := r.p.controls
	controls.Flags = maps.Clone(r.p.controls.Flags)

	return &controls, nil
}

func (r *controlRepository) SetControls(_ context.Context, controls models.OperatingControls) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	controls.Flags = maps.Clone(controls.Flags)

	if err := r.p.record(KindControlsSet, controls); err != nil {
		return err
	}

	r.p.controls = controls

	return nil
}
