// Package mqtt provides an MQTT completion bus on top of the Eclipse Paho
// client. One client connection backs both directions; every host that
// subscribes to the completion topic receives every completion.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/drblury/replyflow/transport"
)

// TransportName is the bus name this package registers.
const TransportName = "mqtt"

var (
	// ConnectTimeout bounds the initial broker connection.
	ConnectTimeout = 10 * time.Second
	// OperationTimeout bounds publish, subscribe and unsubscribe round trips.
	OperationTimeout = 5 * time.Second
)

// ErrClosed is returned by operations on a closed Bus.
var ErrClosed = errors.New("mqtt: bus is closed")

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(opts *paho.ClientOptions) paho.Client {
	return paho.NewClient(opts)
}

var codec = sonic.ConfigStd

func init() {
	Register()
}

// Register adds the MQTT bus to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MQTTCapabilities)
}

// Capabilities returns the capabilities of this bus.
func Capabilities() transport.Capabilities {
	return transport.MQTTCapabilities
}

// Build connects to the configured broker and returns a bus using the
// connection for publishing and subscribing.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	broker := cfg.GetMQTTBroker()
	if broker == "" {
		return transport.Transport{}, errors.New("mqtt: broker is required")
	}
	qos := cfg.GetMQTTQoS()
	if qos > 2 {
		return transport.Transport{}, fmt.Errorf("mqtt: invalid QoS %d", qos)
	}
	clientID := cfg.GetMQTTClientID()
	if clientID == "" {
		clientID = "replyflow-" + uuid.NewString()
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Error("MQTT connection lost", err, watermill.LogFields{"broker": broker})
	})

	client := ClientFactory(opts)
	token := client.Connect()
	if !token.WaitTimeout(ConnectTimeout) {
		return transport.Transport{}, fmt.Errorf("mqtt: connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return transport.Transport{}, fmt.Errorf("mqtt: connect to %s: %w", broker, err)
	}
	logger.Info("Connected to MQTT broker", watermill.LogFields{"broker": broker, "client_id": clientID, "qos": qos})

	bus := NewBus(client, qos, logger)
	return transport.Transport{Publisher: bus, Subscriber: bus}, nil
}

// Bus adapts a connected Paho client to watermill's Publisher and
// Subscriber.
type Bus struct {
	client  paho.Client
	qos     byte
	logger  watermill.LoggerAdapter
	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	subs    sync.WaitGroup
}

// NewBus wraps client, which must already be connected.
func NewBus(client paho.Client, qos byte, logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Bus{
		client:  client,
		qos:     qos,
		logger:  logger,
		closing: make(chan struct{}),
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish sends each message to topic and waits for the broker to accept it.
func (b *Bus) Publish(topic string, messages ...*message.Message) error {
	if b.isClosed() {
		return ErrClosed
	}
	for _, msg := range messages {
		payload, err := Marshal(msg)
		if err != nil {
			return err
		}
		token := b.client.Publish(topic, b.qos, false, payload)
		if err := wait(token, "publish "+msg.UUID); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe delivers messages on topic until ctx ends or the bus closes. A
// nacked message is delivered again.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs.Add(1)
	b.mu.Unlock()

	sub := &subscription{
		ctx:    ctx,
		out:    make(chan *message.Message),
		done:   make(chan struct{}),
		logger: b.logger.With(watermill.LogFields{"topic": topic}),
	}
	token := b.client.Subscribe(topic, b.qos, func(_ paho.Client, m paho.Message) {
		sub.deliver(m.Payload())
	})
	if err := wait(token, "subscribe "+topic); err != nil {
		b.subs.Done()
		return nil, err
	}

	go func() {
		defer b.subs.Done()
		select {
		case <-ctx.Done():
		case <-b.closing:
		}
		if b.client.IsConnected() {
			if err := wait(b.client.Unsubscribe(topic), "unsubscribe "+topic); err != nil {
				sub.logger.Error("Unsubscribe failed", err, nil)
			}
		}
		sub.stop()
	}()
	return sub.out, nil
}

// Close ends all subscriptions and disconnects the client.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closing)
	b.mu.Unlock()

	b.subs.Wait()
	b.client.Disconnect(250)
	return nil
}

type subscription struct {
	ctx      context.Context
	out      chan *message.Message
	done     chan struct{}
	logger   watermill.LoggerAdapter
	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

func (s *subscription) deliver(payload []byte) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	original, err := Unmarshal(payload)
	if err != nil {
		s.logger.Error("Dropping undecodable MQTT message", err, nil)
		return
	}

	for msg := original; ; msg = original.Copy() {
		ctx, cancel := context.WithCancel(s.ctx)
		msg.SetContext(ctx)

		select {
		case s.out <- msg:
		case <-s.done:
			cancel()
			return
		}

		select {
		case <-msg.Acked():
			cancel()
			return
		case <-msg.Nacked():
			cancel()
			s.logger.Debug("Message nacked, redelivering", watermill.LogFields{"message_uuid": msg.UUID})
		case <-s.done:
			cancel()
			return
		}
	}
}

func (s *subscription) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.done)
	s.inflight.Wait()
	close(s.out)
}

func wait(token paho.Token, op string) error {
	if !token.WaitTimeout(OperationTimeout) {
		return fmt.Errorf("mqtt: %s timed out", op)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: %s: %w", op, err)
	}
	return nil
}

// wireMessage is the MQTT payload. MQTT 3.1.1 has no headers, so metadata
// travels inside the payload.
type wireMessage struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Marshal encodes msg for the wire.
func Marshal(msg *message.Message) ([]byte, error) {
	raw, err := codec.Marshal(wireMessage{
		UUID:     msg.UUID,
		Metadata: msg.Metadata,
		Payload:  msg.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("mqtt: marshal %s: %w", msg.UUID, err)
	}
	return raw, nil
}

// Unmarshal decodes a payload produced by Marshal.
func Unmarshal(raw []byte) (*message.Message, error) {
	var wire wireMessage
	if err := codec.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("mqtt: unmarshal: %w", err)
	}
	if wire.UUID == "" {
		return nil, errors.New("mqtt: message has no uuid")
	}
	msg := message.NewMessage(wire.UUID, wire.Payload)
	for k, v := range wire.Metadata {
		msg.Metadata.Set(k, v)
	}
	return msg, nil
}
