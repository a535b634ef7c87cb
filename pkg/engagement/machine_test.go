package engagement_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/orion/pkg/engagement"
	"github.com/dukex/orion/pkg/events"
	"github.com/dukex/orion/pkg/mocks"
	"github.com/dukex/orion/pkg/models"
	"github.com/dukex/orion/pkg/persistence"
	"github.com/dukex/orion/pkg/persistence/file"
	"github.com/dukex/orion/pkg/persistence/memory"
	"github.com/dukex/orion/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newMachine(t *testing.T, opts ...engagement.Option) (*engagement.Machine, *memory.Persistence) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := memory.NewPersistence()

	return engagement.NewMachine(logger, store.EngagementRepository(), opts...), store
}

// walk applies guards in order starting from NOT_CONTACTED.
func walk(t *testing.T, m *engagement.Machine, entityID string, steps ...models.StateTransition) {
	t.Helper()

	for _, step := range steps {
		_, err := m.Transition(context.Background(), engagement.TransitionRequest{
			EntityID: entityID,
			From:     step.From,
			To:       step.To,
			Guard:    step.Guard,
			Actor:    "test",
		})
		require.NoError(t, err, "%s -> %s", step.From, step.To)
	}
}

var toSamActive = models.StateTransition{From: models.StatusNotContacted, To: models.StatusSamActive, Guard: models.GuardOutreachStarted}

func TestTransitions_TableShape(t *testing.T) {
	assert.Len(t, engagement.Transitions, 17)

	for _, tr := range engagement.Transitions {
		assert.True(t, tr.From.Valid())
		assert.True(t, tr.To.Valid())
		assert.True(t, engagement.IsValidTransition(tr.From, tr.To, tr.Guard))
	}

	assert.Empty(t, engagement.From(models.StatusClosed), "CLOSED is terminal")
}

func TestIsValidTransition_AbsentPairsRejectEveryGuard(t *testing.T) {
	guards := []models.Guard{
		models.GuardOutreachStarted, models.GuardMessageSent, models.GuardResponseReceived,
		models.GuardHumanRequestTriggered, models.GuardApprovalGranted, models.GuardApprovalDenied,
		models.GuardHumanStarted, models.GuardHumanFinished, models.GuardAutonomyResumed,
		models.GuardOutreachResumed, models.GuardEngagementClosed,
	}

	pairs := make(map[[2]models.EngagementStatus]bool)
	for _, tr := range engagement.Transitions {
		pairs[[2]models.EngagementStatus{tr.From, tr.To}] = true
	}

	for _, from := range models.EngagementStatuses {
		for _, to := range models.EngagementStatuses {
			if pairs[[2]models.EngagementStatus{from, to}] {
				continue
			}

			for _, guard := range guards {
				assert.False(t, engagement.IsValidTransition(from, to, guard), "%s -> %s under %s", from, to, guard)
			}
		}
	}
}

func TestMachine_UntrackedEntity(t *testing.T) {
	m, _ := newMachine(t)

	state, err := m.Get(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotContacted, state.State)
	assert.False(t, state.Paused())
}

func TestMachine_HumanRequestPausesOutreach(t *testing.T) {
	publisher := &mocks.MockEventPublisher{}
	publisher.On("Publish", mock.Anything, "lead-1", mock.Anything).Return(nil)

	m, _ := newMachine(t, engagement.WithPublisher(publisher))
	ctx := context.Background()
	walk(t, m, "lead-1", toSamActive)

	before, err := m.Get(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSamActive, before.State)
	assert.False(t, before.Paused())

	after, err := m.RequestHumanInvolvement(ctx, "lead-1", "agent:sam", "prospect asked for a call")
	require.NoError(t, err)
	assert.Equal(t, models.StatusHumanRequested, after.State)
	assert.True(t, after.Paused())

	history, err := m.History(ctx, "lead-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.GuardHumanRequestTriggered, history[1].Guard)
	assert.Equal(t, "prospect asked for a call", history[1].Reason)

	publisher.AssertNumberOfCalls(t, "Publish", 2)

	last := publisher.Calls[1].Arguments.Get(2).(events.EngagementStateChanged)
	assert.True(t, last.Paused)
	assert.Equal(t, models.StatusSamActive, last.From)
}

func TestMachine_ClosedRejectsHumanRequest(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	walk(t, m, "lead-1", toSamActive,
		models.StateTransition{From: models.StatusSamActive, To: models.StatusClosed, Guard: models.GuardEngagementClosed},
	)

	_, err := m.RequestHumanInvolvement(ctx, "lead-1", "agent:sam", "")
	require.Error(t, err)
	assert.Equal(t, services.CodeInvalidStateTransition, services.CodeOf(err))

	state, err := m.Get(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, state.State)

	history, err := m.History(ctx, "lead-1")
	require.NoError(t, err)
	assert.Len(t, history, 2, "no history row for the refused request")
}

func TestMachine_StaleFromIsRejected(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	walk(t, m, "lead-1", toSamActive)

	_, err := m.Transition(ctx, engagement.TransitionRequest{
		EntityID: "lead-1",
		From:     models.StatusAwaitingResponse,
		To:       models.StatusSamActive,
		Guard:    models.GuardResponseReceived,
	})
	require.Error(t, err)
	assert.Equal(t, services.CodeInvalidStateTransition, services.CodeOf(err))

	state, err := m.Get(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSamActive, state.State)
}

func TestMachine_WrongGuard(t *testing.T) {
	m, _ := newMachine(t)

	_, err := m.Transition(context.Background(), engagement.TransitionRequest{
		EntityID: "lead-1",
		From:     models.StatusNotContacted,
		To:       models.StatusSamActive,
		Guard:    models.GuardMessageSent,
	})
	assert.Equal(t, services.CodeInvalidStateTransition, services.CodeOf(err))
}

func TestMachine_HumanLifecycle(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	walk(t, m, "lead-1", toSamActive)

	_, err := m.RequestHumanInvolvement(ctx, "lead-1", "agent:sam", "pricing question")
	require.NoError(t, err)

	_, err = m.ApproveHumanInvolvement(ctx, "lead-1", &models.Decision{ID: "d-0", Reason: "autonomy too low"}, "ops")
	assert.Equal(t, services.CodeOrionRejected, services.CodeOf(err))

	state, err := m.Get(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusHumanRequested, state.State, "a rejected decision never mutates state")

	state, err = m.ApproveHumanInvolvement(ctx, "lead-1", &models.Decision{ID: "d-1", Allowed: true, Reason: "all rules passed", DecidedAt: time.Now()}, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.StatusHumanApproved, state.State)
	assert.Equal(t, "d-1", state.DecisionID)

	state, err = m.StartHumanWork(ctx, "lead-1", "maria@example.com")
	require.NoError(t, err)
	assert.Equal(t, "maria@example.com", state.HumanActor)
	assert.True(t, state.Paused())

	state, err = m.CompleteHumanWork(ctx, "lead-1", "maria@example.com", true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReturnedToAutonomy, state.State)
	assert.False(t, state.Paused())
	assert.Empty(t, state.HumanActor)

	history, err := m.History(ctx, "lead-1")
	require.NoError(t, err)
	assert.Len(t, history, 6)
}

func TestMachine_CompleteHumanWorkNoPartialChain(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	walk(t, m, "lead-1", toSamActive)

	_, err := m.CompleteHumanWork(ctx, "lead-1", "maria@example.com", true)
	require.Error(t, err)
	assert.Equal(t, services.CodeInvalidStateTransition, services.CodeOf(err))

	state, err := m.Get(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSamActive, state.State)
}

func TestMachine_DenyHumanInvolvement(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	walk(t, m, "lead-1", toSamActive)

	_, err := m.RequestHumanInvolvement(ctx, "lead-1", "agent:sam", "")
	require.NoError(t, err)

	state, err := m.DenyHumanInvolvement(ctx, "lead-1", "ops", "agent can handle it")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSamActive, state.State)
	assert.False(t, state.Paused())
}

func TestMachine_RawTransitionCannotGrantApproval(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()
	walk(t, m, "lead-1", toSamActive)

	_, err := m.RequestHumanInvolvement(ctx, "lead-1", "agent:sam", "pricing question")
	require.NoError(t, err)

	_, err = m.Transition(ctx, engagement.TransitionRequest{
		EntityID: "lead-1",
		From:     models.StatusHumanRequested,
		To:       models.StatusHumanApproved,
		Guard:    models.GuardApprovalGranted,
		Actor:    "ops",
	})
	require.Error(t, err)
	assert.Equal(t, services.CodeUnauthorizedOperation, services.CodeOf(err))

	state, err := m.Get(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusHumanRequested, state.State)
}

func TestMachine_ApprovalDecisionIsBoundToOneRequest(t *testing.T) {
	m, _ := newMachine(t)
	ctx := context.Background()

	stale := &models.Decision{ID: "d-old", Allowed: true, Reason: "approved last week", DecidedAt: time.Now().Add(-time.Hour)}

	for _, entity := range []string{"lead-1", "lead-2", "lead-3"} {
		walk(t, m, entity, toSamActive)

		_, err := m.RequestHumanInvolvement(ctx, entity, "agent:sam", "pricing question")
		require.NoError(t, err)
	}

	decision := &models.Decision{ID: "d-1", Allowed: true, Reason: "all rules passed", DecidedAt: time.Now()}

	state, err := m.ApproveHumanInvolvement(ctx, "lead-1", decision, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.StatusHumanApproved, state.State)

	tests := []struct {
		name     string
		entity   string
		decision *models.Decision
	}{
		{name: "decision already spent", entity: "lead-2", decision: decision},
		{name: "decision predates request", entity: "lead-3", decision: stale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ApproveHumanInvolvement(ctx, tt.entity, tt.decision, "ops")
			require.Error(t, err)
			assert.Equal(t, services.CodeUnauthorizedOperation, services.CodeOf(err))

			state, err := m.Get(ctx, tt.entity)
			require.NoError(t, err)
			assert.Equal(t, models.StatusHumanRequested, state.State)
		})
	}
}

func TestMachine_ConcurrentTransitionsFromSameState(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	stores := []struct {
		name  string
		store func(t *testing.T) persistence.Persistence
	}{
		{name: "memory", store: func(*testing.T) persistence.Persistence { return memory.NewPersistence() }},
		{name: "file", store: func(t *testing.T) persistence.Persistence {
			store, err := file.NewPersistence(t.TempDir())
			require.NoError(t, err)

			t.Cleanup(func() { _ = store.Close(t.Context()) })

			return store
		}},
	}

	for _, tt := range stores {
		t.Run(tt.name, func(t *testing.T) {
			m := engagement.NewMachine(logger, tt.store(t).EngagementRepository())
			walk(t, m, "lead-1", toSamActive)

			requests := []engagement.TransitionRequest{
				{EntityID: "lead-1", From: models.StatusSamActive, To: models.StatusAwaitingResponse, Guard: models.GuardMessageSent, Actor: "agent:sam"},
				{EntityID: "lead-1", From: models.StatusSamActive, To: models.StatusHumanRequested, Guard: models.GuardHumanRequestTriggered, Actor: "agent:sam"},
			}

			var (
				wg    sync.WaitGroup
				start = make(chan struct{})
				errs  = make([]error, len(requests))
			)

			for i, req := range requests {
				wg.Add(1)

				go func() {
					defer wg.Done()

					<-start

					_, errs[i] = m.Transition(context.Background(), req)
				}()
			}

			close(start)
			wg.Wait()

			failed := 0

			for _, err := range errs {
				if err != nil {
					failed++

					assert.Equal(t, services.CodeInvalidStateTransition, services.CodeOf(err))
				}
			}

			assert.Equal(t, 1, failed, "exactly one writer wins")

			history, err := m.History(context.Background(), "lead-1")
			require.NoError(t, err)
			assert.Len(t, history, 2)
		})
	}
}
