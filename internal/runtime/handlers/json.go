package handlers

import (
	"fmt"
	"reflect"

	"github.com/drblury/replyflow/internal/runtime/envelope"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
	"github.com/drblury/replyflow/internal/runtime/pipeline"
)

// JSONCommandFunc handles a typed command. The returned value is encoded as
// the reply data; a returned error is a fault, not a protocol error. Use
// CommandContext.Fail for protocol errors.
type JSONCommandFunc[T any, O any] func(cmd *CommandContext[T]) (O, error)

// CommandOption customises a typed command registration.
type CommandOption func(*commandOptions)

type commandOptions struct {
	schema    *pipeline.Schema
	authorize Authorizer
	err       error
}

// WithSchema validates command data against s before decoding.
func WithSchema(s *pipeline.Schema) CommandOption {
	return func(o *commandOptions) { o.schema = s }
}

// WithInferredSchema derives the validation schema from the JSON shape of P,
// normally the element type of the command payload.
func WithInferredSchema[P any]() CommandOption {
	schema, err := pipeline.SchemaFor[P]()
	return func(o *commandOptions) {
		o.schema = schema
		o.err = err
	}
}

// WithAuthorizer sets a per-command authorizer.
func WithAuthorizer(a Authorizer) CommandOption {
	return func(o *commandOptions) { o.authorize = a }
}

func applyOptions(opts []CommandOption) commandOptions {
	var o commandOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// JSONCommand builds a Command whose data is decoded into T and whose output
// O is encoded as the reply. T must be a pointer type.
func JSONCommand[T any, O any](name string, fn JSONCommandFunc[T, O], opts ...CommandOption) (Command, error) {
	if name == "" {
		return Command{}, errspkg.ErrCommandNameRequired
	}
	if fn == nil {
		return Command{}, errspkg.ErrHandlerRequired
	}

	newPayload, err := jsonPrototypeFactory[T]()
	if err != nil {
		return Command{}, err
	}

	o := applyOptions(opts)
	if o.err != nil {
		return Command{}, fmt.Errorf("command %s: %w", name, o.err)
	}

	return Command{
		Name:      name,
		Schema:    o.schema,
		Authorize: o.authorize,
		Execute: func(rc *pipeline.RequestContext, data pipeline.Data, state pipeline.State) (pipeline.Outcome, pipeline.State, error) {
			payload := newPayload()
			if err := decodeData(data, payload); err != nil {
				rc.Log().Debug("Command data does not decode", loggingpkg.LogFields{"command": name, "error": err.Error()})
				return pipeline.Error(pipeline.CodeValidationFailed), nil, nil
			}

			cmd := newCommandContext(rc, payload, state)
			out, err := fn(cmd)
			if err != nil {
				return pipeline.Outcome{}, cmd.State, err
			}

			reply, err := encodeData(out)
			if err != nil {
				return pipeline.Outcome{}, cmd.State, fmt.Errorf("command %s: encode reply: %w", name, err)
			}
			return cmd.outcome(reply), cmd.State, nil
		},
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	typ := reflect.TypeFor[T]()
	if typ.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("%w: got %s", errspkg.ErrPayloadPointer, typ)
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

func decodeData(data pipeline.Data, into any) error {
	raw, err := envelope.Marshal(data)
	if err != nil {
		return err
	}
	return envelope.Unmarshal(raw, into)
}

// encodeData turns a command output into reply data. A nil output or a
// JSON null yields an empty reply; non-object outputs are rejected.
func encodeData(out any) (pipeline.Data, error) {
	if out == nil {
		return nil, nil
	}
	if data, ok := out.(pipeline.Data); ok {
		return data, nil
	}
	raw, err := envelope.Marshal(out)
	if err != nil {
		return nil, err
	}
	var data pipeline.Data
	if err := envelope.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("reply must encode as a JSON object: %w", err)
	}
	return data, nil
}
