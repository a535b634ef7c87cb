// Package archive keeps content-addressed snapshots of workflow versions.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence"
	"github.com/dukex/orion/pkg/services"
	"github.com/dukex/orion/pkg/workflow"
	"github.com/google/uuid"
)

// DefaultListLimit bounds List when no limit is given.
const DefaultListLimit = 50

// Store archives workflow versions keyed by (workflow id, version hash).
type Store struct {
	repo   persistence.ArchiveRepository
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithClock overrides the archive timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(logger *slog.Logger, repo persistence.ArchiveRepository, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		logger: logger.With("module", "archive"),
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Archive snapshots definition. Archiving a version that is already stored
// returns the existing entry unchanged.
func (s *Store) Archive(ctx context.Context, definition *models.WorkflowDefinition, reason, actor string) (*models.ArchiveEntry, error) {
	const op = "archive.Archive"

	if definition == nil || definition.ID == "" {
		return nil, services.NewError(op, services.CodeValidationFailed, "workflow definition with an id is required", nil)
	}

	hash, err := workflow.VersionHash(definition)
	if err != nil {
		return nil, services.NewError(op, services.CodeValidationFailed, "workflow cannot be hashed", err)
	}

	entry := &models.ArchiveEntry{
		ID:          uuid.NewString(),
		WorkflowID:  definition.ID,
		VersionHash: hash,
		Snapshot:    *models.CloneWorkflow(definition),
		ArchivedBy:  actor,
		Reason:      reason,
		ArchivedAt:  s.now(),
	}

	stored, created, err := s.repo.Insert(ctx, entry)
	if err != nil {
		return nil, services.NewError(op, services.CodeInternal, "failed to archive workflow", err)
	}

	if created {
		s.logger.InfoContext(ctx, "Workflow version archived",
			"workflow_id", stored.WorkflowID,
			"version_hash", stored.VersionHash,
			"archived_by", actor,
		)
	} else {
		s.logger.DebugContext(ctx, "Workflow version already archived",
			"workflow_id", stored.WorkflowID,
			"version_hash", stored.VersionHash,
		)
	}

	return stored, nil
}

// GetByHash returns the archived version or a NOT_FOUND error wrapping
// persistence.ErrArchiveNotFound.
func (s *Store) GetByHash(ctx context.Context, workflowID, versionHash string) (*models.ArchiveEntry, error) {
	const op = "archive.GetByHash"

	entry, err := s.repo.GetByHash(ctx, workflowID, versionHash)
	if err != nil {
		return nil, services.NewError(op, services.CodeInternal, "failed to read archive", err)
	}

	if entry == nil {
		return nil, services.NewError(op, services.CodeNotFound,
			fmt.Sprintf("workflow %s has no archived version %s", workflowID, versionHash), persistence.ErrArchiveNotFound)
	}

	return entry, nil
}

// GetLatest returns the most recently archived version of a workflow.
func (s *Store) GetLatest(ctx context.Context, workflowID string) (*models.ArchiveEntry, error) {
	const op = "archive.GetLatest"

	entry, err := s.repo.GetLatest(ctx, workflowID)
	if err != nil {
		return nil, services.NewError(op, services.CodeInternal, "failed to read archive", err)
	}

	if entry == nil {
		return nil, services.NewError(op, services.CodeNotFound,
			fmt.Sprintf("workflow %s has no archived versions", workflowID), persistence.ErrArchiveNotFound)
	}

	return entry, nil
}

// List returns up to limit entries, most recent first.
func (s *Store) List(ctx context.Context, workflowID string, limit int) ([]*models.ArchiveEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	entries, err := s.repo.List(ctx, workflowID, limit)
	if err != nil {
		return nil, services.NewError("archive.List", services.CodeInternal, "failed to list archive", err)
	}

	return entries, nil
}

// Prune deletes all but the keep most recent versions of a workflow. It is an
// operator action; the change and rollback paths never call it.
func (s *Store) Prune(ctx context.Context, workflowID string, keep int) (int, error) {
	const op = "archive.Prune"

	if keep < 1 {
		return 0, services.NewError(op, services.CodeValidationFailed, "keep must be at least 1", nil)
	}

	removed, err := s.repo.Prune(ctx, workflowID, keep)
	if err != nil {
		return 0, services.NewError(op, services.CodeInternal, "failed to prune archive", err)
	}

	s.logger.InfoContext(ctx, "Archive pruned", "workflow_id", workflowID, "keep", keep, "removed", removed)

	return removed, nil
}

// PruneAll prunes every archived workflow and reports removals per workflow.
func (s *Store) PruneAll(ctx context.Context, keep int) (map[string]int, error) {
	workflowIDs, err := s.repo.WorkflowIDs(ctx)
	if err != nil {
		return nil, services.NewError("archive.PruneAll", services.CodeInternal, "failed to list archived workflows", err)
	}

	removed := make(map[string]int, len(workflowIDs))

	for _, workflowID := range workflowIDs {
		count, err := s.Prune(ctx, workflowID, keep)
		if err != nil {
			return removed, err
		}

		removed[workflowID] = count
	}

	return removed, nil
}
