package memory

import (
	"context"
	"sort"

	"github.com/dukex/orion/pkg/models"
)

type archiveRepository struct {
	p *Persistence
}

func cloneEntry(entry *models.ArchiveEntry) *models.ArchiveEntry {
	copied := *entry
	copied.Snapshot = *models.CloneWorkflow(&entry.Snapshot)

	return &copied
}

func (r *archiveRepository) Insert(_ context.Context, entry *models.ArchiveEntry) (*models.ArchiveEntry, bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, existing := range r.p.archives {
		if existing.WorkflowID == entry.WorkflowID && existing.VersionHash == entry.VersionHash {
			return cloneEntry(existing), false, nil
		}
	}

	stored := cloneEntry(entry)

	if err := r.p.record(KindArchiveInsert, stored); err != nil {
		return nil, false, err
	}

	r.p.archives = append(r.p.archives, stored)

	return cloneEntry(stored), true, nil
}

func (r *archiveRepository) GetByHash(_ context.Context, workflowID, versionHash string) (*models.ArchiveEntry, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	for _, entry := range r.p.archives {
		if entry.WorkflowID == workflowID && entry.VersionHash == versionHash {
			return cloneEntry(entry), nil
		}
	}

	return nil, nil
}

func (r *archiveRepository) GetLatest(ctx context.Context, workflowID string) (*models.ArchiveEntry, error) {
	entries, err := r.List(ctx, workflowID, 1)
	if err != nil || len(entries) == 0 {
		return nil, err
	}

	return entries[0], nil
}

func (r *archiveRepository) List(_ context.Context, workflowID string, limit int) ([]*models.ArchiveEntry, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	entries := r.p.newestFirst(workflowID)
	result := make([]*models.ArchiveEntry, 0, limitOf(len(entries), limit))

	for _, entry := range entries[:limitOf(len(entries), limit)] {
		result = append(result, cloneEntry(entry))
	}

	return result, nil
}

func (r *archiveRepository) WorkflowIDs(_ context.Context) ([]string, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	seen := make(map[string]struct{})
	ids := make([]string, 0)

	for _, entry := range r.p.archives {
		if _, ok := seen[entry.WorkflowID]; !ok {
			seen[entry.WorkflowID] = struct{}{}
			ids = append(ids, entry.WorkflowID)
		}
	}

	sort.Strings(ids)

	return ids, nil
}

func (r *archiveRepository) Prune(_ context.Context, workflowID string, keep int) (int, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if len(r.p.newestFirst(workflowID)) <= keep {
		return 0, nil
	}

	if err := r.p.record(KindArchivePrune, pruneEvent{WorkflowID: workflowID, Keep: keep}); err != nil {
		return 0, err
	}

	return r.p.prune(workflowID, keep), nil
}

// newestFirst returns the entries of a workflow, most recent first. Callers hold the lock.
func (p *Persistence) newestFirst(workflowID string) []*models.ArchiveEntry {
	entries := make([]*models.ArchiveEntry, 0)

	for i := len(p.archives) - 1; i >= 0; i-- {
		if p.archives[i].WorkflowID == workflowID {
			entries = append(entries, p.archives[i])
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ArchivedAt.After(entries[j].ArchivedAt)
	})

	return entries
}

// prune keeps the keep most recent entries of a workflow. Callers hold the write lock.
func (p *Persistence) prune(workflowID string, keep int) int {
	if keep < 0 {
		keep = 0
	}

	entries := p.newestFirst(workflowID)
	if len(entries) <= keep {
		return 0
	}

	drop := make(map[string]struct{}, len(entries)-keep)
	for _, entry := range entries[keep:] {
		drop[entry.ID] = struct{}{}
	}

	kept := p.archives[:0]

	for _, entry := range p.archives {
		if _, ok := drop[entry.ID]; !ok {
			kept = append(kept, entry)
		}
	}

	p.archives = kept

	return len(drop)
}
