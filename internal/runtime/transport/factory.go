// Package transport builds the completion bus a host publishes and consumes
// completions on.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/replyflow/internal/runtime/config"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	bus "github.com/drblury/replyflow/transport"

	// Register the bundled buses.
	_ "github.com/drblury/replyflow/transport/aws"
	_ "github.com/drblury/replyflow/transport/channel"
	_ "github.com/drblury/replyflow/transport/http"
	_ "github.com/drblury/replyflow/transport/kafka"
	_ "github.com/drblury/replyflow/transport/mqtt"
	_ "github.com/drblury/replyflow/transport/nats"
	_ "github.com/drblury/replyflow/transport/rabbitmq"
)

// Transport is the publisher and subscriber pair of a completion bus.
type Transport = bus.Transport

// Factory abstracts how a host initialises its completion bus.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the factory backed by the bus registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, errspkg.ErrConfigRequired
	}
	return bus.Build(ctx, conf, logger)
}

// Capabilities reports what the configured bus guarantees.
func Capabilities(conf *config.Config) bus.Capabilities {
	if conf == nil {
		return bus.Capabilities{}
	}
	return bus.GetCapabilities(conf.GetBusSystem())
}

// Warnings lists configuration concerns for the configured bus that do not
// prevent the host from starting.
func Warnings(conf *config.Config) []string {
	caps := Capabilities(conf)
	if caps == (bus.Capabilities{Name: caps.Name}) {
		return nil
	}
	var warnings []string
	if !caps.CrossProcess {
		warnings = append(warnings, "bus "+caps.Name+" is in-process; deferred replies only resolve on the host that accepted the command")
	}
	if !caps.SupportsReliableDelivery() {
		warnings = append(warnings, "bus "+caps.Name+" does not redeliver; completions lost in transit end as timeouts")
	}
	if caps.Name == "mqtt" && conf.GetMQTTQoS() == 0 {
		warnings = append(warnings, "mqtt QoS 0 may drop completions during reconnects")
	}
	return warnings
}
