package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence"
	"github.com/dukex/orion/pkg/persistence/memory"
	"github.com/dukex/orion/pkg/persistence/persistencetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPersistence(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		return memory.NewPersistence()
	})
}

type failingJournal struct{}

func (failingJournal) Append(string, any) error {
	return assert.AnError
}

func TestMemoryPersistence_JournalFailureAbortsMutation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence(memory.WithJournal(failingJournal{}))

	err := store.AuditRepository().Insert(ctx, &models.AuditRecord{ID: "a1", ProposalID: "p1", CreatedAt: time.Now()})
	require.ErrorIs(t, err, assert.AnError)

	record, err := store.AuditRepository().GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestMemoryPersistence_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()

	entry := &models.ArchiveEntry{ID: "e1", WorkflowID: "wf", VersionHash: "sha256:1", Snapshot: persistencetest.Snapshot("wf", "x"), ArchivedAt: time.Now()}
	_, _, err := store.ArchiveRepository().Insert(ctx, entry)
	require.NoError(t, err)

	got, err := store.ArchiveRepository().GetByHash(ctx, "wf", "sha256:1")
	require.NoError(t, err)

	got.Snapshot.Nodes[0].Parameters["url"] = "tampered"

	again, err := store.ArchiveRepository().GetByHash(ctx, "wf", "sha256:1")
	require.NoError(t, err)
	assert.Equal(t, "https://crm.example.com/x", again.Snapshot.Nodes[0].Parameters["url"])
}
