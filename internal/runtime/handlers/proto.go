package handlers

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/replyflow/internal/runtime/envelope"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
	"github.com/drblury/replyflow/internal/runtime/pipeline"
)

// ProtoCommandFunc handles a command whose data is a protobuf message in its
// canonical JSON mapping.
type ProtoCommandFunc[T proto.Message, O proto.Message] func(cmd *CommandContext[T]) (O, error)

// ProtoValidator checks a decoded or outgoing message.
type ProtoValidator func(proto.Message) error

var (
	protoUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}
	protoMarshal   = protojson.MarshalOptions{UseProtoNames: true}
)

// ProtoCommand builds a Command whose data is decoded into T through protojson
// and whose output O is encoded the same way. Fields T does not declare are
// ignored by the decoder; declare a schema to report them as unknown.
func ProtoCommand[T proto.Message, O proto.Message](name string, fn ProtoCommandFunc[T, O], validate ProtoValidator, opts ...CommandOption) (Command, error) {
	if name == "" {
		return Command{}, errspkg.ErrCommandNameRequired
	}
	if fn == nil {
		return Command{}, errspkg.ErrHandlerRequired
	}

	var zero T
	prototype, err := EnsureProtoPrototype(zero)
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
			payload, err := decodeProto(data, prototype)
			if err == nil && validate != nil {
				err = validate(payload)
			}
			if err != nil {
				rc.Log().Debug("Command data is not a valid message", loggingpkg.LogFields{"command": name, "error": err.Error()})
				return pipeline.Error(pipeline.CodeValidationFailed), nil, nil
			}

			cmd := newCommandContext(rc, payload, state)
			out, err := fn(cmd)
			if err != nil {
				return pipeline.Outcome{}, cmd.State, err
			}

			reply, err := encodeProto(out, validate)
			if err != nil {
				return pipeline.Outcome{}, cmd.State, fmt.Errorf("command %s: %w", name, err)
			}
			return cmd.outcome(reply), cmd.State, nil
		},
	}, nil
}

func decodeProto[T proto.Message](data pipeline.Data, prototype T) (T, error) {
	typed, err := clonePrototype(prototype)
	if err != nil {
		return typed, err
	}
	raw, err := envelope.Marshal(data)
	if err != nil {
		return typed, err
	}
	if err := protoUnmarshal.Unmarshal(raw, typed); err != nil {
		return typed, fmt.Errorf("unmarshal %T: %w", prototype, err)
	}
	return typed, nil
}

func encodeProto(out proto.Message, validate ProtoValidator) (pipeline.Data, error) {
	if isNilProto(out) {
		return nil, nil
	}
	if validate != nil {
		if err := validate(out); err != nil {
			return nil, fmt.Errorf("outgoing %T: %w", out, err)
		}
	}
	raw, err := protoMarshal.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", out, err)
	}
	var data pipeline.Data
	if err := envelope.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode %T reply: %w", out, err)
	}
	return data, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a new zero message of its type
// when candidate is a nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeFor[T]()
	if typ.Kind() != reflect.Pointer {
		return zero, fmt.Errorf("%w: got %s", errspkg.ErrPayloadPointer, typ)
	}

	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto(msg proto.Message) bool {
	if msg == nil {
		return true
	}
	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
