// Package pipeline runs the parse, authorize and execute stages of a command
// and normalizes what each stage returns into an Outcome.
package pipeline

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	"github.com/drblury/replyflow/internal/runtime/logging"
)

// UnknownFieldsKey is the reply key under which unknown input fields are
// echoed back.
const UnknownFieldsKey = "unknown_fields"

// StageError wraps a callback failure with the stage it happened in.
type StageError struct {
	Stage   string
	Command string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("replyflow: %s stage of %q: %v", e.Stage, e.Command, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Option configures an Engine.
type Option func(*Engine)

// WithHooks installs command lifecycle hooks.
func WithHooks(h CommandHooks) Option {
	return func(e *Engine) { e.hooks = e.hooks.Merge(h) }
}

// WithTracer replaces the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// Engine drives a Handler. It holds no per-request state apart from the
// outbound calls registered with ExpectResult.
type Engine struct {
	handler Handler
	hooks   CommandHooks
	tracer  trace.Tracer

	mu      sync.Mutex
	waiters map[string]chan Data
}

func NewEngine(handler Handler, opts ...Option) (*Engine, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	e := &Engine{
		handler: handler,
		tracer:  otel.Tracer("github.com/drblury/replyflow/pipeline"),
		waiters: make(map[string]chan Data),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunRequest runs parse, authorize and execute for one command. Callback
// errors are returned wrapped in a StageError; the engine does not retry and
// does not recover panics.
func (e *Engine) RunRequest(serviceID, command string, data Data, rc *RequestContext, state State) (Outcome, State, error) {
	if rc == nil {
		rc = NewRequestContext(nil)
	}
	rc.Command = command

	ctx, span := e.tracer.Start(rc.Context(), "replyflow.command",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.service", serviceID),
			attribute.String("rpc.command", command),
			attribute.String("rpc.tid", rc.TID),
		),
	)
	defer span.End()
	rc.SetContext(ctx)

	cc := CommandContext{
		ServiceID: serviceID,
		Command:   command,
		TID:       rc.TID,
		SessionID: rc.SessionID,
		Context:   ctx,
		StartedAt: time.Now(),
	}
	if e.hooks.OnCommandStart != nil {
		e.hooks.OnCommandStart(cc)
	}

	outcome, state, err := e.runRequest(command, data, rc, state)
	cc.Duration = time.Since(cc.StartedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.hooks.OnCommandError != nil {
			e.hooks.OnCommandError(cc, err)
		}
		return Outcome{}, state, err
	}

	span.SetAttributes(attribute.String("rpc.outcome", outcome.Kind().String()))
	cc.Outcome = outcome
	if e.hooks.OnCommandDone != nil {
		e.hooks.OnCommandDone(cc)
	}
	return outcome, state, nil
}

func (e *Engine) runRequest(command string, data Data, rc *RequestContext, state State) (Outcome, State, error) {
	parsed, halt, state, err := e.parse(command, data, rc, state)
	if err != nil || halt.IsValid() {
		return halt, state, err
	}
	rc.Data = parsed

	allowed, next, err := e.handler.Authorize(rc, command, parsed, state)
	state = keep(state, next)
	if err != nil {
		return Outcome{}, state, &StageError{Stage: "authorize", Command: command, Err: err}
	}
	if !allowed {
		rc.Log().Debug("Command not authorized", logging.LogFields{"command": command})
		return Error(CodeUnauthorized), state, nil
	}

	outcome, next, err := e.handler.Execute(rc, command, parsed, state)
	state = keep(state, next)
	if err != nil {
		return Outcome{}, state, &StageError{Stage: "execute", Command: command, Err: err}
	}

	switch outcome.Kind() {
	case KindLogin:
		rc.UserID = outcome.userID
		outcome.reply = MergeUnknown(outcome.reply, rc.Unknown())
	case KindReply:
		outcome.reply = MergeUnknown(outcome.reply, rc.Unknown())
	case KindInvalid:
		return Outcome{}, state, &StageError{Stage: "execute", Command: command, Err: errspkg.ErrInvalidOutcome}
	}
	return outcome, state, nil
}

// RunEvent runs parse and the event handler. Only Reply, Error and Stop are
// valid event outcomes; unknown fields are not echoed.
func (e *Engine) RunEvent(serviceID, event string, data Data, rc *RequestContext, state State) (Outcome, State, error) {
	if rc == nil {
		rc = NewRequestContext(nil)
	}
	rc.Command = event

	ctx, span := e.tracer.Start(rc.Context(), "replyflow.event",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("rpc.service", serviceID),
			attribute.String("rpc.event", event),
		),
	)
	defer span.End()
	rc.SetContext(ctx)

	parsed, halt, state, err := e.parse(event, data, rc, state)
	if err != nil {
		span.RecordError(err)
		return Outcome{}, state, err
	}
	if halt.IsValid() {
		if !eventOutcome(halt) {
			return Outcome{}, state, &StageError{Stage: "parse", Command: event, Err: errspkg.ErrInvalidOutcome}
		}
		return halt, state, nil
	}
	rc.Data = parsed

	outcome, next, err := e.handler.HandleEvent(rc, event, parsed, state)
	state = keep(state, next)
	if err != nil {
		span.RecordError(err)
		return Outcome{}, state, &StageError{Stage: "event", Command: event, Err: err}
	}
	if !eventOutcome(outcome) {
		return Outcome{}, state, &StageError{Stage: "event", Command: event, Err: errspkg.ErrInvalidOutcome}
	}
	span.SetAttributes(attribute.String("rpc.outcome", outcome.Kind().String()))
	return outcome, state, nil
}

func eventOutcome(o Outcome) bool {
	switch o.Kind() {
	case KindReply, KindError, KindStop:
		return true
	default:
		return false
	}
}

// parse returns either normalized data or a halting outcome.
func (e *Engine) parse(name string, data Data, rc *RequestContext, state State) (Data, Outcome, State, error) {
	if data == nil {
		data = Data{}
	}
	res, next, err := e.handler.Parse(rc, name, data, state)
	state = keep(state, next)
	if err != nil {
		return nil, Outcome{}, state, &StageError{Stage: "parse", Command: name, Err: err}
	}

	switch res.kind {
	case parseSchema:
		if res.schema == nil {
			return nil, Outcome{}, state, &StageError{Stage: "parse", Command: name, Err: errspkg.ErrSchemaRequired}
		}
		normalized, unknown, verr := res.schema.Normalize(data)
		rc.AddUnknown(unknown...)
		if verr != nil {
			rc.Log().Debug("Validation failed", logging.LogFields{"command": name, "error": verr.Error()})
			return nil, Error(CodeValidationFailed), state, nil
		}
		return normalized, Outcome{}, state, nil
	case parseData:
		if res.data == nil {
			return Data{}, Outcome{}, state, nil
		}
		return res.data, Outcome{}, state, nil
	case parseHalt:
		switch res.outcome.Kind() {
		case KindStatus, KindError, KindStop:
			return nil, res.outcome, state, nil
		}
	}
	return nil, Outcome{}, state, &StageError{Stage: "parse", Command: name, Err: errspkg.ErrInvalidOutcome}
}

// MergeUnknown returns reply with the unknown field names added under
// UnknownFieldsKey. reply itself is not modified.
func MergeUnknown(reply Data, unknown []string) Data {
	if len(unknown) == 0 {
		return reply
	}
	merged := make(Data, len(reply)+1)
	maps.Copy(merged, reply)
	merged[UnknownFieldsKey] = unknown
	return merged
}

func keep(prev, next State) State {
	if next == nil {
		return prev
	}
	return next
}
