// Package persistence provides the storage abstraction of the governance control plane.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/orion/pkg/models"
)

// Persistence aggregates every repository of the control plane.
type Persistence interface {
	ArchiveRepository() ArchiveRepository
	AuditRepository() AuditRepository
	DecisionRepository() DecisionRepository
	EngagementRepository() EngagementRepository
	ControlRepository() ControlRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ArchiveRepository stores content-addressed workflow snapshots.
// Reads return nil, nil when nothing matches.
type ArchiveRepository interface {
	// Insert stores entry unless (WorkflowID, VersionHash) is already archived,
	// in which case the existing entry is returned and created is false.
	Insert(ctx context.Context, entry *models.ArchiveEntry) (stored *models.ArchiveEntry, created bool, err error)
	GetByHash(ctx context.Context, workflowID, versionHash string) (*models.ArchiveEntry, error)
	GetLatest(ctx context.Context, workflowID string) (*models.ArchiveEntry, error)
	// List returns the most recent entries first.
	List(ctx context.Context, workflowID string, limit int) ([]*models.ArchiveEntry, error)
	WorkflowIDs(ctx context.Context) ([]string, error)
	// Prune deletes all but the keep most recent entries of a workflow.
	Prune(ctx context.Context, workflowID string, keep int) (int, error)
}

// AuditRepository is the append-only change ledger. DeployedAt is the only
// field that may change after insert, once.
type AuditRepository interface {
	Insert(ctx context.Context, record *models.AuditRecord) error
	GetByID(ctx context.Context, id string) (*models.AuditRecord, error)
	GetByProposalID(ctx context.Context, proposalID string) (*models.AuditRecord, error)
	List(ctx context.Context, workflowID string, limit int) ([]*models.AuditRecord, error)
	// MarkDeployed sets DeployedAt; ErrAlreadyDeployed if it was set before.
	MarkDeployed(ctx context.Context, id string, at time.Time) error
	InsertFailure(ctx context.Context, failure *models.DeploymentFailure) error
	Failures(ctx context.Context, auditID string) ([]*models.DeploymentFailure, error)
	CountDeployedSince(ctx context.Context, since time.Time) (int, error)
}

// DecisionRepository is the append-only decision log.
type DecisionRepository interface {
	Append(ctx context.Context, entry *models.DecisionLogEntry) error
	GetByID(ctx context.Context, decisionID string) (*models.DecisionLogEntry, error)
	List(ctx context.Context, limit int) ([]*models.DecisionLogEntry, error)
}

// TransitionFunc receives the freshly read state of an entity inside the
// atomic transition and returns the new state and its history row.
type TransitionFunc func(current models.EngagementState) (models.EngagementState, models.EngagementStateLogEntry, error)

// EngagementRepository owns the current engagement state and its history.
type EngagementRepository interface {
	Get(ctx context.Context, entityID string) (*models.EngagementState, error)
	// Transition reads the current state, applies fn and writes the new state
	// plus one history row as a single atomic unit. An untracked entity is
	// passed to fn as NOT_CONTACTED.
	Transition(ctx context.Context, entityID string, fn TransitionFunc) (*models.EngagementState, error)
	History(ctx context.Context, entityID string) ([]*models.EngagementStateLogEntry, error)
}

// ControlRepository reads the operational controls owned by external tooling.
type ControlRepository interface {
	Controls(ctx context.Context) (*models.OperatingControls, error)
	SetControls(ctx context.Context, controls models.OperatingControls) error
}

// UntrackedState is the state reported for entities that were never transitioned.
func UntrackedState(entityID string) models.EngagementState {
	return models.EngagementState{EntityID: entityID, State: models.StatusNotContacted}
}
