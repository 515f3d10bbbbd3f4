package completion

import (
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/replyflow/internal/runtime/correlation"
	"github.com/drblury/replyflow/internal/runtime/logging"
	"github.com/drblury/replyflow/internal/runtime/pipeline"
)

// Deliverer routes a signal to a pending tid. *correlation.Engine implements
// it.
type Deliverer interface {
	DeliverTo(tid string, sig correlation.Signal) bool
}

// ServicePipeline is the part of a service pipeline the relay drives.
// *pipeline.Engine implements it.
type ServicePipeline interface {
	RunEvent(serviceID, event string, data pipeline.Data, rc *pipeline.RequestContext, state pipeline.State) (pipeline.Outcome, pipeline.State, error)
	ResolveAsyncResult(rc *pipeline.RequestContext, token string, data pipeline.Data, state pipeline.State) (bool, pipeline.State, error)
}

// RelayConfig wires a Relay. Workers and Pipelines are optional.
type RelayConfig struct {
	Acks      Deliverer
	Workers   func(id string) (correlation.Worker, bool)
	Pipelines func(serviceID string) (ServicePipeline, bool)
	Logger    logging.ServiceLogger
}

// Relay consumes completion messages and hands them to their destination.
type Relay struct {
	acks      Deliverer
	workers   func(id string) (correlation.Worker, bool)
	pipelines func(serviceID string) (ServicePipeline, bool)
	logger    logging.ServiceLogger
}

func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Acks == nil {
		return nil, errors.New("completion relay requires a deliverer")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Relay{
		acks:      cfg.Acks,
		workers:   cfg.Workers,
		pipelines: cfg.Pipelines,
		logger:    logger.With(logging.LogFields{"component": "completion_relay"}),
	}, nil
}

// Register subscribes the relay to topic on router.
func (r *Relay) Register(router *message.Router, sub message.Subscriber, topic string) *message.Handler {
	return router.AddNoPublisherHandler("replyflow_completions", topic, sub, r.Handle)
}

// Handle processes one bus message. Malformed messages and completions for
// tids nobody waits on are dropped; only pipeline failures are returned so
// the router can retry them.
func (r *Relay) Handle(msg *message.Message) error {
	m, err := FromWatermill(msg)
	if err != nil {
		r.logger.Error("Dropping malformed completion", err, logging.LogFields{"message_uuid": msg.UUID})
		return nil
	}

	switch m.Kind {
	case KindResult:
		return r.handleResult(msg, m)
	case KindEvent:
		return r.handleEvent(msg, m)
	}

	sig, _ := m.Signal(r.workers)
	if !r.acks.DeliverTo(m.TID, sig) {
		r.logger.Debug("No exchange waiting for completion", logging.LogFields{
			"tid":  m.TID,
			"kind": string(m.Kind),
		})
	}
	return nil
}

func (r *Relay) lookupPipeline(serviceID string) (ServicePipeline, bool) {
	if r.pipelines == nil {
		return nil, false
	}
	return r.pipelines(serviceID)
}

func (r *Relay) requestContext(msg *message.Message, m Message) *pipeline.RequestContext {
	rc := pipeline.NewRequestContext(msg.Context())
	rc.SessionID = m.ID
	rc.TID = m.TID
	rc.Logger = r.logger.With(logging.LogFields{"service": m.Service})
	return rc
}

func (r *Relay) handleResult(msg *message.Message, m Message) error {
	p, ok := r.lookupPipeline(m.Service)
	if !ok {
		r.logger.Debug("Dropping result for unknown service", logging.LogFields{"service": m.Service})
		return nil
	}
	matched, _, err := p.ResolveAsyncResult(r.requestContext(msg, m), m.Token, m.Data, nil)
	if err != nil {
		return fmt.Errorf("resolve result %s: %w", m.Token, err)
	}
	if !matched {
		r.logger.Debug("No caller waiting for result", logging.LogFields{"token": m.Token})
	}
	return nil
}

func (r *Relay) handleEvent(msg *message.Message, m Message) error {
	p, ok := r.lookupPipeline(m.Service)
	if !ok {
		r.logger.Debug("Dropping event for unknown service", logging.LogFields{"service": m.Service})
		return nil
	}
	outcome, _, err := p.RunEvent(m.Service, m.Event, m.Data, r.requestContext(msg, m), nil)
	if err != nil {
		return fmt.Errorf("event %s: %w", m.Event, err)
	}
	if outcome.Kind() == pipeline.KindError {
		r.logger.Info("Event handler reported an error", logging.LogFields{
			"event": m.Event,
			"code":  string(outcome.Code()),
		})
	}
	return nil
}
