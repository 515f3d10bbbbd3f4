package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired     = sterrors.New("replyflow: service is required")
	ErrServiceIDRequired   = sterrors.New("replyflow: service id is required")
	ErrServiceExists       = sterrors.New("replyflow: service is already registered")
	ErrHandlerRequired     = sterrors.New("replyflow: command handler is required")
	ErrRawHandlerRequired  = sterrors.New("replyflow: raw http handler is required")
	ErrAddressInUse        = sterrors.New("replyflow: listen address already serves another service")
	ErrCommandNameRequired = sterrors.New("replyflow: command name is required")
	ErrCommandExists       = sterrors.New("replyflow: command is already registered")
	ErrPublisherRequired   = sterrors.New("replyflow: publisher is required")
	ErrTopicRequired       = sterrors.New("replyflow: topic is required")
	ErrConfigRequired      = sterrors.New("replyflow: configuration is required")
	ErrLoggerRequired      = sterrors.New("replyflow: logger is required")
	ErrTIDRequired         = sterrors.New("replyflow: tid is required")
	ErrDuplicateTID        = sterrors.New("replyflow: tid is already pending")
	ErrAlreadyWaiting      = sterrors.New("replyflow: tid already has a waiter")
	ErrWorkerKilled        = sterrors.New("replyflow: worker killed")
	ErrInvalidOutcome      = sterrors.New("replyflow: outcome not allowed at this stage")
	ErrSchemaRequired      = sterrors.New("replyflow: schema is required")
	ErrStreamNotStarted    = sterrors.New("replyflow: stream not started")
	ErrStreamStarted       = sterrors.New("replyflow: stream already started")
	ErrStreamClosed        = sterrors.New("replyflow: stream closed")
	ErrEngineRequired      = sterrors.New("replyflow: pipeline engine is required")
	ErrAcksRequired        = sterrors.New("replyflow: correlation engine is required")
	ErrPayloadPointer      = sterrors.New("replyflow: command payload type must be a pointer")
	ErrRoutePatternInvalid = sterrors.New("replyflow: raw route pattern is invalid")
	ErrServiceNotFound     = sterrors.New("replyflow: service is not registered")
	ErrNotCommandRouter    = sterrors.New("replyflow: service handler is not a command router")
	ErrServiceStarted      = sterrors.New("replyflow: service host already started")
)

// ConfigValidationError marks a configuration that failed Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("replyflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
