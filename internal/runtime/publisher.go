package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/replyflow/internal/runtime/completion"
	"github.com/drblury/replyflow/internal/runtime/envelope"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	UseProtoNames: true,
}

// Completer sends out-of-band completions. *Service implements it, so
// workers can be handed the narrow interface.
type Completer interface {
	PublishCompletion(ctx context.Context, m completion.Message) error
}

var _ Completer = (*Service)(nil)

// PublishCompletion encodes m and publishes it to topic.
func PublishCompletion(ctx context.Context, publisher message.Publisher, topic string, m completion.Message) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := completion.ToWatermill(m)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(topic, msg)
}

// PublishCompletion emits m on the completion topic. Every host consuming
// the topic routes it to the exchange, pipeline or caller it names. An
// exchange waiting on this host receives it directly, ahead of the exit of
// the worker that sent it.
func (s *Service) PublishCompletion(ctx context.Context, m completion.Message) error {
	if s == nil {
		return errors.New("replyflow service is nil")
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if sig, ok := m.Signal(s.lookupWorker); ok && s.acks.Deliver(sig) {
		return nil
	}
	return s.completions.Publish(ctx, m)
}

// Reply completes the acknowledged exchange tid with data.
func (s *Service) Reply(ctx context.Context, tid string, data map[string]any) error {
	if tid == "" {
		return errspkg.ErrTIDRequired
	}
	return s.PublishCompletion(ctx, completion.NewReply(tid, data))
}

// ReplyProto completes tid with the canonical JSON form of reply.
func (s *Service) ReplyProto(ctx context.Context, tid string, reply proto.Message) error {
	data, err := protoData(reply)
	if err != nil {
		return err
	}
	return s.Reply(ctx, tid, data)
}

// Login completes tid as a login for userID.
func (s *Service) Login(ctx context.Context, tid, userID string, data map[string]any) error {
	if tid == "" {
		return errspkg.ErrTIDRequired
	}
	return s.PublishCompletion(ctx, completion.NewLogin(tid, userID, data))
}

// Fail completes tid with the protocol error code.
func (s *Service) Fail(ctx context.Context, tid, code string) error {
	if tid == "" {
		return errspkg.ErrTIDRequired
	}
	return s.PublishCompletion(ctx, completion.NewFailure(tid, code))
}

// Renew keeps tid waiting. A non-empty workerID moves supervision to that
// worker on the host holding the exchange.
func (s *Service) Renew(ctx context.Context, tid, workerID string) error {
	if tid == "" {
		return errspkg.ErrTIDRequired
	}
	return s.PublishCompletion(ctx, completion.NewRenewal(tid, workerID))
}

// PublishResult answers an outbound call made by serviceID under token.
func (s *Service) PublishResult(ctx context.Context, serviceID, token string, data map[string]any) error {
	return s.PublishCompletion(ctx, completion.NewResult(serviceID, token, data))
}

// PublishEvent delivers a fire-and-forget event to serviceID.
func (s *Service) PublishEvent(ctx context.Context, serviceID, event string, data map[string]any) error {
	return s.PublishCompletion(ctx, completion.NewEvent(serviceID, event, data))
}

func protoData(msg proto.Message) (map[string]any, error) {
	if msg == nil {
		return nil, nil
	}
	raw, err := protoJSONMarshalOptions.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", msg, err)
	}
	var data map[string]any
	if err := envelope.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode %T: %w", msg, err)
	}
	return data, nil
}
