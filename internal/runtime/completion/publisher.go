package completion

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
)

// Publisher sends completions to one topic.
type Publisher struct {
	pub   message.Publisher
	topic string
}

func NewPublisher(pub message.Publisher, topic string) (*Publisher, error) {
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &Publisher{pub: pub, topic: topic}, nil
}

// Publish encodes m and publishes it.
func (p *Publisher) Publish(ctx context.Context, m Message) error {
	msg, err := ToWatermill(m)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return p.pub.Publish(p.topic, msg)
}

// Topic returns the topic completions are published on.
func (p *Publisher) Topic() string { return p.topic }
