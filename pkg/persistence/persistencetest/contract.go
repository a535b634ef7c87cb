// Package persistencetest holds the behaviour every persistence implementation must share.
package persistencetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) persistence.Persistence

// Run executes the shared repository suite against the store built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("archive", func(t *testing.T) { testArchive(t, factory(t)) })
	t.Run("archive prune", func(t *testing.T) { testArchivePrune(t, factory(t)) })
	t.Run("audit", func(t *testing.T) { testAudit(t, factory(t)) })
	t.Run("audit duplicate proposal", func(t *testing.T) { testAuditDuplicate(t, factory(t)) })
	t.Run("decision log", func(t *testing.T) { testDecisions(t, factory(t)) })
	t.Run("engagement", func(t *testing.T) { testEngagement(t, factory(t)) })
	t.Run("engagement concurrent", func(t *testing.T) { testEngagementConcurrent(t, factory(t)) })
	t.Run("controls", func(t *testing.T) { testControls(t, factory(t)) })
}

// Snapshot builds a small workflow definition for archive tests.
func Snapshot(workflowID, marker string) models.WorkflowDefinition {
	return models.WorkflowDefinition{
		ID:     workflowID,
		Name:   "Lead follow-up",
		Active: true,
		Nodes: []models.Node{
			{
				ID:          "n1",
				Name:        "Fetch",
				Type:        "n8n-nodes-base.httpRequest",
				TypeVersion: 4.2,
				Position:    [2]float64{120, 40},
				Parameters:  map[string]any{"url": "https://crm.example.com/" + marker, "retries": float64(2)},
				Credentials: map[string]models.CredentialRef{"httpHeaderAuth": {ID: "7", Name: "CRM token"}},
			},
		},
		Connections: models.Connections{},
		Settings:    map[string]any{"executionOrder": "v1"},
	}
}

func archiveEntry(workflowID, hash, marker string, at time.Time) *models.ArchiveEntry {
	return &models.ArchiveEntry{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		VersionHash: hash,
		Snapshot:    Snapshot(workflowID, marker),
		ArchivedBy:  "tester",
		Reason:      "snapshot before change",
		ArchivedAt:  at,
	}
}

func testArchive(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	repo := store.ArchiveRepository()
	base := time.Now().UTC().Truncate(time.Millisecond)

	first := archiveEntry("wf-1", "sha256:aaa", "a", base)

	stored, created, err := repo.Insert(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, stored.ID)

	again := archiveEntry("wf-1", "sha256:aaa", "a", base.Add(time.Minute))

	stored, created, err = repo.Insert(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, stored.ID, "re-archiving returns the original entry")

	got, err := repo.GetByHash(ctx, "wf-1", "sha256:aaa")
	require.NoError(t, err)
	require.NotNil(t, got)

	want, err := json.Marshal(first.Snapshot)
	require.NoError(t, err)
	have, err := json.Marshal(got.Snapshot)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(have))

	missing, err := repo.GetByHash(ctx, "wf-1", "sha256:none")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, _, err = repo.Insert(ctx, archiveEntry("wf-1", "sha256:bbb", "b", base.Add(2*time.Minute)))
	require.NoError(t, err)
	_, _, err = repo.Insert(ctx, archiveEntry("wf-2", "sha256:ccc", "c", base.Add(3*time.Minute)))
	require.NoError(t, err)

	latest, err := repo.GetLatest(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "sha256:bbb", latest.VersionHash)

	list, err := repo.List(ctx, "wf-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "sha256:bbb", list[0].VersionHash)
	assert.Equal(t, "sha256:aaa", list[1].VersionHash)

	limited, err := repo.List(ctx, "wf-1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	ids, err := repo.WorkflowIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-1", "wf-2"}, ids)

	none, err := repo.GetLatest(ctx, "wf-unknown")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testArchivePrune(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	repo := store.ArchiveRepository()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := range 5 {
		_, _, err := repo.Insert(ctx, archiveEntry("wf-1", fmt.Sprintf("sha256:%d", i), fmt.Sprint(i), base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	_, _, err := repo.Insert(ctx, archiveEntry("wf-2", "sha256:other", "x", base))
	require.NoError(t, err)

	removed, err := repo.Prune(ctx, "wf-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	list, err := repo.List(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "sha256:4", list[0].VersionHash)
	assert.Equal(t, "sha256:3", list[1].VersionHash)

	removed, err = repo.Prune(ctx, "wf-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	other, err := repo.List(ctx, "wf-2", 0)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func auditRecord(proposalID string, at time.Time) *models.AuditRecord {
	return &models.AuditRecord{
		ID:           uuid.NewString(),
		ProposalID:   proposalID,
		DecisionID:   uuid.NewString(),
		WorkflowID:   "wf-1",
		WorkflowName: "Lead follow-up",
		ChangeType:   models.ChangeTypeModify,
		PreviousHash: "sha256:prev",
		ProposedHash: "sha256:next",
		Diff:         models.DiffSummary{ModifiedNodes: []string{"Fetch"}, AddedNodes: []string{}, RemovedNodes: []string{}, SensitiveChanges: []models.SensitiveChange{}},
		RiskScore:    5,
		RiskLevel:    models.RiskLow,
		Reason:       "tighten the lead fetch filter",
		ProposedBy:   "agent:sam",
		Approver:     models.AutoApprover,
		RollbackRef:  "sha256:prev",
		CreatedAt:    at,
	}
}

func testAudit(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	repo := store.AuditRepository()
	now := time.Now().UTC().Truncate(time.Millisecond)

	record := auditRecord(uuid.NewString(), now)
	require.NoError(t, repo.Insert(ctx, record))

	got, err := repo.GetByProposalID(ctx, record.ProposalID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, record.ID, got.ID)
	assert.False(t, got.Deployed())
	assert.Equal(t, []string{"Fetch"}, got.Diff.ModifiedNodes)

	count, err := repo.CountDeployedSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	deployedAt := now.Add(time.Second)
	require.NoError(t, repo.MarkDeployed(ctx, record.ID, deployedAt))

	err = repo.MarkDeployed(ctx, record.ID, deployedAt.Add(time.Minute))
	require.Error(t, err)
	assert.True(t, persistence.IsAlreadyDeployed(err))

	got, err = repo.GetByID(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeployedAt)
	assert.WithinDuration(t, deployedAt, *got.DeployedAt, time.Millisecond)

	err = repo.MarkDeployed(ctx, "missing", now)
	assert.ErrorIs(t, err, persistence.ErrAuditNotFound)

	count, err = repo.CountDeployedSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	failed := auditRecord(uuid.NewString(), now)
	require.NoError(t, repo.Insert(ctx, failed))
	require.NoError(t, repo.InsertFailure(ctx, &models.DeploymentFailure{
		ID:         uuid.NewString(),
		AuditID:    failed.ID,
		ProposalID: failed.ProposalID,
		WorkflowID: failed.WorkflowID,
		Stage:      "update",
		Error:      "engine unavailable",
		FailedAt:   now,
	}))

	failures, err := repo.Failures(ctx, failed.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "engine unavailable", failures[0].Error)

	stillPending, err := repo.GetByID(ctx, failed.ID)
	require.NoError(t, err)
	assert.False(t, stillPending.Deployed())

	list, err := repo.List(ctx, "wf-1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func testAuditDuplicate(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	repo := store.AuditRepository()

	record := auditRecord(uuid.NewString(), time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, record))

	duplicate := auditRecord(record.ProposalID, time.Now().UTC())
	err := repo.Insert(ctx, duplicate)
	assert.ErrorIs(t, err, persistence.ErrDuplicateAudit)
}

func testDecisions(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	repo := store.DecisionRepository()
	now := time.Now().UTC().Truncate(time.Millisecond)

	entries := make([]*models.DecisionLogEntry, 0, 3)

	for i := range 3 {
		entry := &models.DecisionLogEntry{
			Decision: models.Decision{
				ID:            uuid.NewString(),
				ProposalID:    uuid.NewString(),
				Allowed:       i%2 == 0,
				Reason:        "rate_limit: 10 deployments in the last hour (max 10)",
				AutonomyLevel: 2,
				Rules:         []models.RuleResult{{Rule: "rate_limit", Passed: i%2 == 0}},
				DecidedAt:     now.Add(time.Duration(i) * time.Second),
			},
			Proposal: models.ChangeProposal{ID: uuid.NewString(), WorkflowID: "wf-1", RiskLevel: models.RiskMedium},
			Context:  models.OperatingContext{AutonomyLevel: 2, RecentDeployments: 10, MaxDeploymentsPerHour: 10},
		}
		require.NoError(t, repo.Append(ctx, entry))

		entries = append(entries, entry)
	}

	err := repo.Append(ctx, entries[0])
	assert.Error(t, err, "decisions are never revised")

	got, err := repo.GetByID(ctx, entries[1].Decision.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Decision.Allowed)
	assert.Equal(t, 10, got.Context.RecentDeployments)

	list, err := repo.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, entries[2].Decision.ID, list[0].Decision.ID)

	missing, err := repo.GetByID(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func advance(to models.EngagementStatus, guard models.Guard) persistence.TransitionFunc {
	return func(current models.EngagementState) (models.EngagementState, models.EngagementStateLogEntry, error) {
		now := time.Now().UTC()
		next := current
		next.State = to
		next.LastTransitionAt = now

		return next, models.EngagementStateLogEntry{
			ID:         uuid.NewString(),
			From:       current.State,
			To:         to,
			Guard:      guard,
			Actor:      "tester",
			OccurredAt: now,
		}, nil
	}
}

func testEngagement(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	repo := store.EngagementRepository()

	state, err := repo.Get(ctx, "lead-1")
	require.NoError(t, err)
	assert.Nil(t, state)

	var seen models.EngagementStatus

	state, err = repo.Transition(ctx, "lead-1", func(current models.EngagementState) (models.EngagementState, models.EngagementStateLogEntry, error) {
		seen = current.State

		return advance(models.StatusSamActive, models.GuardOutreachStarted)(current)
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotContacted, seen)
	assert.Equal(t, models.StatusSamActive, state.State)

	_, err = repo.Transition(ctx, "lead-1", func(models.EngagementState) (models.EngagementState, models.EngagementStateLogEntry, error) {
		return models.EngagementState{}, models.EngagementStateLogEntry{}, assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	state, err = repo.Get(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSamActive, state.State, "a failed transition leaves the state untouched")

	_, err = repo.Transition(ctx, "lead-1", advance(models.StatusHumanRequested, models.GuardHumanRequestTriggered))
	require.NoError(t, err)

	history, err := repo.History(ctx, "lead-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.StatusNotContacted, history[0].From)
	assert.Equal(t, models.StatusSamActive, history[0].To)
	assert.Equal(t, models.GuardHumanRequestTriggered, history[1].Guard)

	other, err := repo.History(ctx, "lead-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testEngagementConcurrent(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	repo := store.EngagementRepository()

	_, err := repo.Transition(ctx, "lead-c", advance(models.StatusSamActive, models.GuardOutreachStarted))
	require.NoError(t, err)

	// Every writer asserts it starts from SAM_ACTIVE; only one can win.
	const writers = 8

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, writers)
	)

	for range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			<-start

			_, err := repo.Transition(ctx, "lead-c", func(current models.EngagementState) (models.EngagementState, models.EngagementStateLogEntry, error) {
				if current.State != models.StatusSamActive {
					return models.EngagementState{}, models.EngagementStateLogEntry{}, persistence.ErrStaleState
				}

				return advance(models.StatusAwaitingResponse, models.GuardMessageSent)(current)
			})
			errs <- err
		}()
	}

	close(start)
	wg.Wait()
	close(errs)

	successes := 0

	for err := range errs {
		if err == nil {
			successes++

			continue
		}

		assert.True(t, persistence.IsStaleState(err), "losing writer got %v", err)
	}

	assert.Equal(t, 1, successes)

	state, err := repo.Get(ctx, "lead-c")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingResponse, state.State)

	history, err := repo.History(ctx, "lead-c")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func testControls(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	repo := store.ControlRepository()

	controls, err := repo.Controls(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, controls.AutonomyLevel)

	require.NoError(t, repo.SetControls(ctx, models.OperatingControls{
		AutonomyLevel: 2,
		Flags:         map[string]bool{models.FlagNotifyOnDeploy: true},
	}))

	controls, err = repo.Controls(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, controls.AutonomyLevel)
	assert.True(t, controls.Flag(models.FlagNotifyOnDeploy))
}
