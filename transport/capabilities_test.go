package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{name: "ack and nack", caps: Capabilities{SupportsAck: true, SupportsNack: true}, want: true},
		{name: "ack only", caps: Capabilities{SupportsAck: true}, want: false},
		{name: "nack only", caps: Capabilities{SupportsNack: true}, want: false},
		{name: "neither", caps: Capabilities{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestCapabilities_Fits(t *testing.T) {
	assert.True(t, Capabilities{}.Fits(10<<20), "zero limit means unlimited")
	assert.True(t, AWSCapabilities.Fits(256<<10))
	assert.False(t, AWSCapabilities.Fits(256<<10+1))
}

func TestPredefinedCapabilities(t *testing.T) {
	tests := []struct {
		caps         Capabilities
		name         string
		crossProcess bool
		reliable     bool
	}{
		{ChannelCapabilities, "channel", false, true},
		{KafkaCapabilities, "kafka", true, true},
		{RabbitMQCapabilities, "rabbitmq", true, true},
		{NATSCapabilities, "nats", true, false},
		{AWSCapabilities, "aws", true, true},
		{HTTPCapabilities, "http", true, false},
		{MQTTCapabilities, "mqtt", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.caps.Name)
			assert.Equal(t, tt.crossProcess, tt.caps.CrossProcess)
			assert.Equal(t, tt.reliable, tt.caps.SupportsReliableDelivery())
		})
	}
}
