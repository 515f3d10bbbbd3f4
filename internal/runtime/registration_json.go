package runtime

import (
	"fmt"

	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/replyflow/internal/runtime/handlers"
)

// RegisterJSONCommand adds a typed JSON command to a registered service whose
// handler is a *handlers.Router.
func RegisterJSONCommand[T any, O any](svc *Service, serviceID, name string, fn handlerpkg.JSONCommandFunc[T, O], opts ...handlerpkg.CommandOption) error {
	router, err := commandRouter(svc, serviceID)
	if err != nil {
		return err
	}
	cmd, err := handlerpkg.JSONCommand(name, fn, opts...)
	if err != nil {
		return err
	}
	return router.Handle(cmd)
}

func commandRouter(svc *Service, serviceID string) (*handlerpkg.Router, error) {
	if svc == nil {
		return nil, errspkg.ErrServiceRequired
	}
	registered, err := svc.service(serviceID)
	if err != nil {
		return nil, err
	}
	router, ok := registered.handler.(*handlerpkg.Router)
	if !ok {
		return nil, fmt.Errorf("%w: %s uses %T", errspkg.ErrNotCommandRouter, serviceID, registered.handler)
	}
	return router, nil
}
