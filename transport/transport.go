// Package transport defines the bus that carries out-of-band completions
// between replyflow hosts and workers. Each backend (kafka, rabbitmq, aws,
// nats, http, mqtt, channel) lives in its own sub-package and registers a
// Builder under its bus name.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is the publisher and subscriber pair of one bus.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the subscriber, then the publisher. Backends that share one
// pub/sub value are closed once.
func (t Transport) Close() error {
	var subErr, pubErr error
	if t.Subscriber != nil {
		subErr = t.Subscriber.Close()
	}
	if t.Publisher != nil && !samePubSub(t.Publisher, t.Subscriber) {
		pubErr = t.Publisher.Close()
	}
	if subErr != nil {
		return subErr
	}
	return pubErr
}

func samePubSub(pub message.Publisher, sub message.Subscriber) bool {
	other, ok := sub.(message.Publisher)
	return ok && other == pub
}

// Builder creates a bus from configuration.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config exposes only the settings bus backends need, so backends do not
// depend on the host configuration package.
type Config interface {
	// GetBusSystem returns the registered bus name.
	GetBusSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string

	// MQTT
	GetMQTTBroker() string
	GetMQTTClientID() string
	GetMQTTQoS() byte
}

// CapabilitiesProvider is implemented by backends that report capabilities
// at runtime.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
