package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/replyflow/transport"
	"github.com/drblury/replyflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.False(t, caps.CrossProcess)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuildDeliversCompletions(t *testing.T) {
	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := tr.Subscriber.Subscribe(ctx, "replyflow.completions")
	require.NoError(t, err)

	require.NoError(t, tr.Publisher.Publish("replyflow.completions", message.NewMessage("1", []byte(`{"kind":"reply"}`))))

	select {
	case msg := <-messages:
		assert.Equal(t, `{"kind":"reply"}`, string(msg.Payload))
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("completion not delivered")
	}
}

func TestBuildUsesFactory(t *testing.T) {
	original := Factory
	defer func() { Factory = original }()

	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	Factory = func(cfg gochannel.Config, _ watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		assert.Equal(t, int64(OutputBuffer), cfg.OutputChannelBuffer)
		return pub, sub
	}

	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
}
