package transport

// Capabilities describes what a completion bus guarantees. The host reads
// them at start-up and warns about buses that can lose completions.
type Capabilities struct {
	// Name is the registered bus name.
	Name string

	// CrossProcess is true when workers in another process can publish
	// completions. The channel bus only reaches its own process.
	CrossProcess bool

	// Durable is true when published completions survive a broker restart.
	Durable bool

	// SupportsOrdering is true when completions for one topic arrive in
	// publish order.
	SupportsOrdering bool

	// SupportsTracing is true when message metadata travels as broker
	// headers, so trace and correlation ids survive the hop.
	SupportsTracing bool

	// SupportsAck is true when the consumer explicitly acknowledges.
	SupportsAck bool

	// SupportsNack is true when a failed completion is redelivered.
	SupportsNack bool

	// MaxMessageSize is the largest completion in bytes; 0 means unknown or
	// unlimited.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fits reports whether a completion of size bytes can travel on the bus.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		CrossProcess:     true,
		Durable:          true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		CrossProcess:     true,
		Durable:          true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// NATS core delivers at most once.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		CrossProcess:    true,
		SupportsTracing: true,
		MaxMessageSize:  1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:            "aws",
		CrossProcess:    true,
		Durable:         true,
		SupportsTracing: true,
		SupportsAck:     true,
		SupportsNack:    true,
		MaxMessageSize:  256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		CrossProcess:    true,
		SupportsTracing: true,
		SupportsAck:     true,
	}

	// MQTTCapabilities assume QoS 1; QoS 0 loses completions on reconnect.
	// Nacked messages are redelivered by the subscriber, not the broker.
	MQTTCapabilities = Capabilities{
		Name:             "mqtt",
		CrossProcess:     true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   256 << 20,
	}
)

// GetCapabilities looks name up in DefaultRegistry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
