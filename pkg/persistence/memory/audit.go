package memory

import (
	"context"
	"time"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence"
)

type auditRepository struct {
	p *Persistence
}

func cloneAudit(record *models.AuditRecord) *models.AuditRecord {
	copied := *record
	if record.DeployedAt != nil {
		deployedAt := *record.DeployedAt
		copied.DeployedAt = &deployedAt
	}

	return &copied
}

// projection folds the audit event log into records in insertion order.
// Callers hold the lock.
func (p *Persistence) projection() []*models.AuditRecord {
	records := make([]*models.AuditRecord, 0)
	byID := make(map[string]*models.AuditRecord)

	for _, event := range p.auditEvents {
		if event.Record != nil {
			record := cloneAudit(event.Record)
			records = append(records, record)
			byID[record.ID] = record

			continue
		}

		if record, ok := byID[event.AuditID]; ok && record.DeployedAt == nil {
			at := event.At
			record.DeployedAt = &at
		}
	}

	return records
}

func (p *Persistence) findAudit(match func(*models.AuditRecord) bool) *models.AuditRecord {
	for _, record := range p.projection() {
		if match(record) {
			return record
		}
	}

	return nil
}

func (r *auditRepository) Insert(_ context.Context, record *models.AuditRecord) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if existing := r.p.findAudit(func(a *models.AuditRecord) bool {
		return a.ID == record.ID || a.ProposalID == record.ProposalID
	}); existing != nil {
		return persistence.NewStoreError("Insert", "audit", record.ID, persistence.ErrDuplicateAudit)
	}

	stored := cloneAudit(record)
	stored.DeployedAt = nil
	event := auditEvent{Record: stored, At: record.CreatedAt}

	if err := r.p.record(KindAuditInsert, event); err != nil {
		return err
	}

	r.p.auditEvents = append(r.p.auditEvents, event)

	return nil
}

func (r *auditRepository) GetByID(_ context.Context, id string) (*models.AuditRecord, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	return r.p.findAudit(func(a *models.AuditRecord) bool { return a.ID == id }), nil
}

func (r *auditRepository) GetByProposalID(_ context.Context, proposalID string) (*models.AuditRecord, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	return r.p.findAudit(func(a *models.AuditRecord) bool { return a.ProposalID == proposalID }), nil
}

func (r *auditRepository) List(_ context.Context, workflowID string, limit int) ([]*models.AuditRecord, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	records := r.p.projection()
	result := make([]*models.AuditRecord, 0)

	for i := len(records) - 1; i >= 0; i-- {
		if workflowID == "" || records[i].WorkflowID == workflowID {
			result = append(result, records[i])
		}
	}

	return result[:limitOf(len(result), limit)], nil
}

func (r *auditRepository) MarkDeployed(_ context.Context, id string, at time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	record := r.p.findAudit(func(a *models.AuditRecord) bool { return a.ID == id })
	if record == nil {
		return persistence.NewStoreError("MarkDeployed", "audit", id, persistence.ErrAuditNotFound)
	}

	if record.Deployed() {
		return persistence.NewStoreError("MarkDeployed", "audit", id, persistence.ErrAlreadyDeployed)
	}

	event := auditEvent{AuditID: id, At: at.UTC()}

	if err := r.p.record(KindAuditDeployed, event); err != nil {
		return err
	}

	r.p.auditEvents = append(r.p.auditEvents, event)

	return nil
}

func (r *auditRepository) InsertFailure(_ context.Context, failure *models.DeploymentFailure) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stored := *failure

	if err := r.p.record(KindDeploymentFailure, &stored); err != nil {
		return err
	}

	r.p.failures = append(r.p.failures, &stored)

	return nil
}

func (r *auditRepository) Failures(_ context.Context, auditID string) ([]*models.DeploymentFailure, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	failures := make([]*models.DeploymentFailure, 0)

	for _, failure := range r.p.failures {
		if failure.AuditID == auditID {
			copied := *failure
			failures = append(failures, &copied)
		}
	}

	return failures, nil
}

func (r *auditRepository) CountDeployedSince(_ context.Context, since time.Time) (int, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	count := 0

	for _, record := range r.p.projection() {
		if record.DeployedAt != nil && !record.DeployedAt.Before(since) {
			count++
		}
	}

	return count, nil
}
