package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/orion/pkg/channels/gochannel"
	"github.com/dukex/orion/pkg/eventbus"
	"github.com/dukex/orion/pkg/events"
	"github.com/dukex/orion/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_RoutesEngagementEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newBus(t)
	received := make(chan *events.EngagementStateChanged, 1)

	require.NoError(t, bus.Handle(events.EngagementStateChangedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.EngagementStateChanged)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	published := events.EngagementStateChanged{
		BaseEvent: events.NewBaseEvent(events.EngagementStateChangedEvent, ""),
		EntityID:  "lead-1",
		From:      models.StatusSamActive,
		To:        models.StatusHumanRequested,
		Guard:     models.GuardHumanRequestTriggered,
		Paused:    true,
	}
	require.NoError(t, bus.Publish(ctx, "lead-1", published))

	select {
	case event := <-received:
		assert.Equal(t, "lead-1", event.EntityID)
		assert.Equal(t, models.StatusHumanRequested, event.To)
		assert.True(t, event.Paused)
	case <-time.After(5 * time.Second):
		t.Fatal("engagement event was not delivered")
	}
}

func TestWatermillEventBus_GovernanceEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newBus(t)
	received := make(chan *events.ProposalEvaluated, 1)

	require.NoError(t, bus.Handle(events.ProposalEvaluatedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.ProposalEvaluated)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "wf-1", events.ProposalEvaluated{
		BaseEvent:  events.NewBaseEvent(events.ProposalEvaluatedEvent, "wf-1"),
		ProposalID: "p-1",
		Allowed:    false,
		Reason:     "rate_limit: 10 deployments in the last hour (max 10)",
		RiskLevel:  models.RiskMedium,
	}))

	select {
	case event := <-received:
		assert.Equal(t, "p-1", event.ProposalID)
		assert.Equal(t, "wf-1", event.WorkflowID)
		assert.False(t, event.Allowed)
	case <-time.After(5 * time.Second):
		t.Fatal("governance event was not delivered")
	}
}

func TestTopicFor(t *testing.T) {
	assert.Equal(t, events.EngagementTopic, events.TopicFor(events.EngagementStateChangedEvent))
	assert.Equal(t, events.Topic, events.TopicFor(events.WorkflowDeployedEvent))
}

func TestOnEngagementChange_DeliversTypedEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newBus(t)
	paused := make(chan string, 1)

	require.NoError(t, eventbus.OnEngagementChange(bus, func(_ context.Context, event *events.EngagementStateChanged) error {
		if event.Paused {
			paused <- event.EntityID
		}

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "lead-7", events.EngagementStateChanged{
		BaseEvent: events.NewBaseEvent(events.EngagementStateChangedEvent, ""),
		EntityID:  "lead-7",
		From:      models.StatusAwaitingResponse,
		To:        models.StatusHumanRequested,
		Guard:     models.GuardHumanRequestTriggered,
		Paused:    true,
	}))

	select {
	case entity := <-paused:
		assert.Equal(t, "lead-7", entity)
	case <-time.After(5 * time.Second):
		t.Fatal("pause was not delivered")
	}
}

type recordingSubscriber struct {
	handlers map[events.EventType]eventbus.EventHandler
}

func (r *recordingSubscriber) Handle(eventType events.EventType, handler eventbus.EventHandler) error {
	r.handlers[eventType] = handler

	return nil
}

func (r *recordingSubscriber) Subscribe(context.Context) error { return nil }

func TestOn_RejectsMismatchedPayload(t *testing.T) {
	sub := &recordingSubscriber{handlers: map[events.EventType]eventbus.EventHandler{}}

	require.NoError(t, eventbus.On(sub, events.DeploymentFailedEvent, func(context.Context, *events.DeploymentFailed) error {
		return nil
	}))

	handler := sub.handlers[events.DeploymentFailedEvent]
	require.NotNil(t, handler)

	assert.NoError(t, handler(context.Background(), &events.DeploymentFailed{Stage: "deploy"}))
	assert.Error(t, handler(context.Background(), &events.EngagementStateChanged{}))
}
