// Package completion carries out-of-band completions over a Watermill bus and
// relays them to the exchanges waiting for them.
package completion

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/replyflow/internal/runtime/correlation"
	"github.com/drblury/replyflow/internal/runtime/envelope"
	"github.com/drblury/replyflow/internal/runtime/ids"
)

// Kind names what a completion does.
type Kind string

const (
	KindReply   Kind = "reply"
	KindLogin   Kind = "login"
	KindError   Kind = "error"
	KindRenewal Kind = "renewal"
	// KindResult answers an outbound call made in caller role.
	KindResult Kind = "result"
	// KindEvent is a fire-and-forget event for a service.
	KindEvent Kind = "event"
)

// Metadata keys set on every bus message.
const (
	MetadataTID     = "rf_tid"
	MetadataKind    = "rf_kind"
	MetadataService = "rf_service"
)

// ErrInvalidMessage is returned by Validate and FromWatermill.
var ErrInvalidMessage = errors.New("replyflow: invalid completion message")

// Message is the bus representation of a completion.
type Message struct {
	ID       string         `json:"id"`
	Kind     Kind           `json:"kind"`
	Service  string         `json:"service,omitempty"`
	TID      string         `json:"tid,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	UserID   string         `json:"user_id,omitempty"`
	Code     string         `json:"code,omitempty"`
	WorkerID string         `json:"worker_id,omitempty"`
	Token    string         `json:"token,omitempty"`
	Event    string         `json:"event,omitempty"`
	Time     time.Time      `json:"time"`
}

func newMessage(kind Kind) Message {
	return Message{ID: ids.NewTID(), Kind: kind, Time: time.Now().UTC()}
}

// NewReply resolves tid with data.
func NewReply(tid string, data map[string]any) Message {
	m := newMessage(KindReply)
	m.TID, m.Data = tid, data
	return m
}

// NewLogin resolves tid with data for an authenticated user.
func NewLogin(tid, userID string, data map[string]any) Message {
	m := newMessage(KindLogin)
	m.TID, m.UserID, m.Data = tid, userID, data
	return m
}

// NewFailure resolves tid with an error code.
func NewFailure(tid, code string) Message {
	m := newMessage(KindError)
	m.TID, m.Code = tid, code
	return m
}

// NewRenewal keeps tid waiting. A non-empty workerID moves supervision to
// that worker.
func NewRenewal(tid, workerID string) Message {
	m := newMessage(KindRenewal)
	m.TID, m.WorkerID = tid, workerID
	return m
}

// NewResult answers the outbound call token of service.
func NewResult(service, token string, data map[string]any) Message {
	m := newMessage(KindResult)
	m.Service, m.Token, m.Data = service, token, data
	return m
}

// NewEvent delivers event to service.
func NewEvent(service, event string, data map[string]any) Message {
	m := newMessage(KindEvent)
	m.Service, m.Event, m.Data = service, event, data
	return m
}

func (m Message) Validate() error {
	switch m.Kind {
	case KindReply, KindLogin, KindRenewal:
		if m.TID == "" {
			return fmt.Errorf("%w: %s without tid", ErrInvalidMessage, m.Kind)
		}
	case KindError:
		if m.TID == "" || m.Code == "" {
			return fmt.Errorf("%w: error needs tid and code", ErrInvalidMessage)
		}
	case KindResult:
		if m.Service == "" || m.Token == "" {
			return fmt.Errorf("%w: result needs service and token", ErrInvalidMessage)
		}
	case KindEvent:
		if m.Service == "" || m.Event == "" {
			return fmt.Errorf("%w: event needs service and name", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	return nil
}

// Signal converts a correlation completion into a Signal. lookup resolves
// renewal worker ids; an unknown id yields a renewal without a worker.
func (m Message) Signal(lookup func(id string) (correlation.Worker, bool)) (correlation.Signal, bool) {
	switch m.Kind {
	case KindReply:
		return correlation.Reply(m.TID, m.Data), true
	case KindLogin:
		return correlation.Login(m.TID, m.UserID, m.Data), true
	case KindError:
		return correlation.Failure(m.TID, m.Code), true
	case KindRenewal:
		var worker correlation.Worker
		if m.WorkerID != "" && lookup != nil {
			if w, ok := lookup(m.WorkerID); ok {
				worker = w
			}
		}
		return correlation.Renewal(m.TID, worker), true
	default:
		return correlation.Signal{}, false
	}
}

// ToWatermill encodes m as a Watermill message.
func ToWatermill(m Message) (*message.Message, error) {
	if m.ID == "" {
		m.ID = ids.NewTID()
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	payload, err := envelope.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal completion: %w", err)
	}
	msg := message.NewMessage(m.ID, payload)
	msg.Metadata.Set(MetadataKind, string(m.Kind))
	if m.TID != "" {
		msg.Metadata.Set(MetadataTID, m.TID)
	}
	if m.Service != "" {
		msg.Metadata.Set(MetadataService, m.Service)
	}
	correlationID := m.TID
	if correlationID == "" {
		correlationID = m.ID
	}
	middleware.SetCorrelationID(correlationID, msg)
	return msg, nil
}

// FromWatermill decodes a bus message. Metadata fills in a tid or kind the
// payload left out.
func FromWatermill(msg *message.Message) (Message, error) {
	var m Message
	if err := envelope.Unmarshal(msg.Payload, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.ID == "" {
		m.ID = msg.UUID
	}
	if m.TID == "" {
		m.TID = msg.Metadata.Get(MetadataTID)
	}
	if m.Kind == "" {
		m.Kind = Kind(msg.Metadata.Get(MetadataKind))
	}
	if m.Service == "" {
		m.Service = msg.Metadata.Get(MetadataService)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
