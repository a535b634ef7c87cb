// Package kafka provides the Kafka channel for the governance event bus.
package kafka

import (
	"errors"
	"os"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/orion/pkg/events"
)

// CreateChannel connects to brokers, a comma separated list that falls back
// to KAFKA_BROKERS when empty. Consumers join the group "cg-<serviceName>".
//
// Messages are partitioned by their event key so transitions of one entity,
// and deployments of one workflow, are consumed in the order they happened.
func CreateChannel(logger watermill.LoggerAdapter, serviceName, brokerList string) (*kafka.Publisher, *kafka.Subscriber, error) {
	if brokerList == "" {
		brokerList = os.Getenv("KAFKA_BROKERS")
	}

	brokers := ParseBrokers(brokerList)
	if len(brokers) == 0 {
		return nil, nil, errors.New("no Kafka brokers configured, set KAFKA_BROKERS")
	}

	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           marshaler,
			OverwriteSaramaConfig: subscriberConfig(serviceName),
			ConsumerGroup:         "cg-" + serviceName,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		return nil, nil, err
	}

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: publisherConfig(serviceName),
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		_ = subscriber.Close()

		return nil, nil, err
	}

	return publisher, subscriber, nil
}

// ParseBrokers splits a comma separated broker list, dropping blanks.
func ParseBrokers(list string) []string {
	var brokers []string

	for _, broker := range strings.Split(list, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}

	return brokers
}

// PartitionKey keys a message by the entity or workflow it describes. Events
// published without a key fall back to the message UUID.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(events.EventMetadataKey); key != "" {
		return key, nil
	}

	return msg.UUID, nil
}

func subscriberConfig(serviceName string) *sarama.Config {
	config := kafka.DefaultSaramaSubscriberConfig()
	config.ClientID = serviceName
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	return config
}

// publisherConfig enables the idempotent producer: a retried send of an
// engagement pause is never written twice.
func publisherConfig(serviceName string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = serviceName
	config.Version = sarama.V2_1_0_0
	config.Producer.Return.Successes = true
	config.Producer.Idempotent = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Net.MaxOpenRequests = 1

	return config
}
