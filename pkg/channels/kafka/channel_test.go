package kafka_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/orion/pkg/channels/kafka"
	"github.com/dukex/orion/pkg/eventbus"
	"github.com/dukex/orion/pkg/events"
	"github.com/dukex/orion/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestCreateChannel_RequiresBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")

	_, _, err := kafka.CreateChannel(watermill.NopLogger{}, "orion", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAFKA_BROKERS")
}

func TestCreateChannel_BlankBrokerList(t *testing.T) {
	_, _, err := kafka.CreateChannel(watermill.NopLogger{}, "orion", " , ,")
	require.Error(t, err)
}

func TestParseBrokers(t *testing.T) {
	tests := []struct {
		name     string
		list     string
		expected []string
	}{
		{name: "single", list: "localhost:9092", expected: []string{"localhost:9092"}},
		{name: "spaces and blanks", list: " kafka-1:9092, ,kafka-2:9092 ,", expected: []string{"kafka-1:9092", "kafka-2:9092"}},
		{name: "empty", list: "", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, kafka.ParseBrokers(tt.list))
		})
	}
}

func TestPartitionKey(t *testing.T) {
	keyed := message.NewMessage("msg-1", nil)
	keyed.Metadata.Set(events.EventMetadataKey, "lead-1")

	key, err := kafka.PartitionKey(events.EngagementTopic, keyed)
	require.NoError(t, err)
	assert.Equal(t, "lead-1", key)

	unkeyed := message.NewMessage("msg-2", nil)

	key, err = kafka.PartitionKey(events.Topic, unkeyed)
	require.NoError(t, err)
	assert.Equal(t, "msg-2", key)
}

func TestKafkaEventBus_DeliversEngagementEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Kafka integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("test-cluster"),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	pub, sub, err := kafka.CreateChannel(watermill.NopLogger{}, "orion-test", strings.Join(brokers, ","))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	defer func() { _ = bus.Close() }()

	received := make(chan *events.EngagementStateChanged, 1)

	require.NoError(t, bus.Handle(events.EngagementStateChangedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.EngagementStateChanged)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "lead-1", events.EngagementStateChanged{
		BaseEvent: events.NewBaseEvent(events.EngagementStateChangedEvent, ""),
		EntityID:  "lead-1",
		From:      models.StatusSamActive,
		To:        models.StatusHumanRequested,
		Guard:     models.GuardHumanRequestTriggered,
		Paused:    true,
	}))

	select {
	case event := <-received:
		assert.Equal(t, "lead-1", event.EntityID)
		assert.True(t, event.Paused)
	case <-ctx.Done():
		t.Fatal("engagement event was not delivered over Kafka")
	}
}
