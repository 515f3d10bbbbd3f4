package runtime

import (
	"google.golang.org/protobuf/proto"

	handlerpkg "github.com/drblury/replyflow/internal/runtime/handlers"
)

// RegisterProtoCommand adds a protobuf command to a registered service whose
// handler is a *handlers.Router. validate may be nil.
func RegisterProtoCommand[T proto.Message, O proto.Message](svc *Service, serviceID, name string, fn handlerpkg.ProtoCommandFunc[T, O], validate handlerpkg.ProtoValidator, opts ...handlerpkg.CommandOption) error {
	router, err := commandRouter(svc, serviceID)
	if err != nil {
		return err
	}
	cmd, err := handlerpkg.ProtoCommand(name, fn, validate, opts...)
	if err != nil {
		return err
	}
	return router.Handle(cmd)
}
