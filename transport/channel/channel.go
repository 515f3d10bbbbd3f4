// Package channel provides the in-process completion bus on Watermill's
// gochannel pub/sub. Only workers in the host process can reach it.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/replyflow/transport"
)

// TransportName is the bus name this package registers.
const TransportName = "channel"

// OutputBuffer is the per-subscriber buffer, so a publishing worker does not
// block on a slow relay.
const OutputBuffer = 64

// Factory allows overriding the pub/sub creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the channel bus to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates the in-process bus. cfg is not consulted.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: OutputBuffer}, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this bus.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
