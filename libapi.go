package replyflow

import (
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/replyflow/internal/runtime"
	catalogpkg "github.com/drblury/replyflow/internal/runtime/catalog"
	"github.com/drblury/replyflow/internal/runtime/completion"
	configpkg "github.com/drblury/replyflow/internal/runtime/config"
	"github.com/drblury/replyflow/internal/runtime/correlation"
	"github.com/drblury/replyflow/internal/runtime/envelope"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/replyflow/internal/runtime/handlers"
	"github.com/drblury/replyflow/internal/runtime/httpbinding"
	idspkg "github.com/drblury/replyflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
	"github.com/drblury/replyflow/internal/runtime/pipeline"
	transportpkg "github.com/drblury/replyflow/internal/runtime/transport"
	bus "github.com/drblury/replyflow/transport"
)

type (
	Config              = configpkg.Config
	ServiceConfig       = configpkg.ServiceConfig
	ExchangeSettings    = configpkg.ExchangeSettings
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ServiceRegistration = runtimepkg.ServiceRegistration
	ServiceInfo         = runtimepkg.ServiceInfo
	HostInfo            = runtimepkg.HostInfo
	Completer           = runtimepkg.Completer
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory
	TransportFunc       = transportpkg.FactoryFunc

	// Pipeline
	Handler        = pipeline.Handler
	PassThrough    = pipeline.PassThrough
	RequestContext = pipeline.RequestContext
	Data           = pipeline.Data
	State          = pipeline.State
	Outcome        = pipeline.Outcome
	OutcomeKind    = pipeline.Kind
	ErrorCode      = pipeline.ErrorCode
	ParseResult    = pipeline.ParseResult
	Schema         = pipeline.Schema
	StageError     = pipeline.StageError
	Pipeline       = pipeline.Engine
	CommandContext = pipeline.CommandContext
	CommandHooks   = pipeline.CommandHooks

	// Command router
	CommandRouter                        = handlerpkg.Router
	Command                              = handlerpkg.Command
	Event                                = handlerpkg.Event
	CommandOption                        = handlerpkg.CommandOption
	Authorizer                           = handlerpkg.Authorizer
	ResultHandler                        = handlerpkg.ResultHandler
	Executor                             = handlerpkg.Executor
	TypedCommandContext[T any]           = handlerpkg.CommandContext[T]
	JSONCommandFunc[T any, O any]        = handlerpkg.JSONCommandFunc[T, O]
	ProtoCommandFunc[T, O proto.Message] = handlerpkg.ProtoCommandFunc[T, O]
	ProtoValidator                       = handlerpkg.ProtoValidator

	// Raw delegation
	RawHandler     = httpbinding.RawHandler
	RawHandlerFunc = httpbinding.RawHandlerFunc
	RawResult      = httpbinding.RawResult

	// Correlation
	Signal         = correlation.Signal
	Resolution     = correlation.Resolution
	ResolutionKind = correlation.ResolutionKind
	Worker         = correlation.Worker
	WorkerHandle   = correlation.WorkerHandle
	Supervisor     = correlation.Supervisor

	// Completions
	Completion     = completion.Message
	CompletionKind = completion.Kind

	Catalog      = catalogpkg.Catalog
	CatalogEntry = catalogpkg.Entry

	MiddlewareBuilder          = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration     = runtimepkg.MiddlewareRegistration
	HTTPMiddlewareBuilder      = runtimepkg.HTTPMiddlewareBuilder
	HTTPMiddlewareRegistration = runtimepkg.HTTPMiddlewareRegistration
	RetryMiddlewareConfig      = runtimepkg.RetryMiddlewareConfig

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	CommandInfo           = runtimepkg.CommandInfo
	CommandStats          = runtimepkg.CommandStats
	ResourceUsage         = runtimepkg.ResourceUsage
	Metrics               = runtimepkg.Metrics
	ConfigValidationError = errspkg.ConfigValidationError

	// Completion lifecycle hooks
	CompletionContext = runtimepkg.CompletionContext
	CompletionHooks   = runtimepkg.CompletionHooks

	// Fault classification
	FaultClassifier = runtimepkg.FaultClassifier
	FaultCategory   = runtimepkg.FaultCategory

	// Bus registry
	BusBuilder      = bus.Builder
	BusConfig       = bus.Config
	BusRegistry     = bus.Registry
	BusCapabilities = bus.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewCommandRouter = handlerpkg.NewRouter
	WithSchema       = handlerpkg.WithSchema
	WithAuthorizer   = handlerpkg.WithAuthorizer
	NewSchema        = pipeline.NewSchema
	MustSchema       = pipeline.MustSchema

	// Outcomes
	Login  = pipeline.Login
	Reply  = pipeline.Reply
	Ack    = pipeline.Ack
	Status = pipeline.Status
	Error  = pipeline.Error
	Stop   = pipeline.Stop

	Respond  = httpbinding.Respond
	Streamed = httpbinding.Streamed
	Redirect = httpbinding.Redirect
	Static   = httpbinding.Static

	NewSupervisor = correlation.NewSupervisor
	NewCatalog    = catalogpkg.New

	PublishCompletion = runtimepkg.PublishCompletion

	DefaultMiddlewares        = runtimepkg.DefaultMiddlewares
	DefaultHTTPMiddlewares    = runtimepkg.DefaultHTTPMiddlewares
	CorrelationIDMiddleware   = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware     = runtimepkg.LogMessagesMiddleware
	TracerMiddleware          = runtimepkg.TracerMiddleware
	MetricsMiddleware         = runtimepkg.MetricsMiddleware
	RetryMiddleware           = runtimepkg.RetryMiddleware
	ConfiguredRetryMiddleware = runtimepkg.ConfiguredRetryMiddleware
	RecovererMiddleware       = runtimepkg.RecovererMiddleware
	RequestLogMiddleware      = runtimepkg.RequestLogMiddleware
	HTTPTracerMiddleware      = runtimepkg.HTTPTracerMiddleware
	HTTPMetricsMiddleware     = runtimepkg.HTTPMetricsMiddleware
	CompletionHooksMiddleware = runtimepkg.CompletionHooksMiddleware
	CompletionLoggingHooks    = runtimepkg.CompletionLoggingHooks
	CompletionAlertingHooks   = runtimepkg.CompletionAlertingHooks
	CommandLoggingHooks       = pipeline.LoggingHooks
	CommandMetricsHooks       = pipeline.MetricsHooks
	CommandAlertingHooks      = pipeline.AlertingHooks

	// Bus registry
	GetCapabilities    = bus.GetCapabilities
	DefaultBusRegistry = bus.DefaultRegistry
	RegisterBus        = bus.Register
	BuildBus           = bus.Build
	DefaultTransport   = transportpkg.DefaultFactory
	TransportWarnings  = transportpkg.Warnings

	Marshal       = envelope.Marshal
	MarshalIndent = envelope.MarshalIndent
	Unmarshal     = envelope.Unmarshal
	Encode        = envelope.Encode
	Decode        = envelope.Decode

	ErrServiceRequired   = errspkg.ErrServiceRequired
	ErrServiceIDRequired = errspkg.ErrServiceIDRequired
	ErrServiceExists     = errspkg.ErrServiceExists
	ErrServiceNotFound   = errspkg.ErrServiceNotFound
	ErrServiceStarted    = errspkg.ErrServiceStarted
	ErrHandlerRequired   = errspkg.ErrHandlerRequired
	ErrNotCommandRouter  = errspkg.ErrNotCommandRouter
	ErrAddressInUse      = errspkg.ErrAddressInUse
	ErrCommandExists     = errspkg.ErrCommandExists
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrTIDRequired       = errspkg.ErrTIDRequired
	ErrAlreadyWaiting    = errspkg.ErrAlreadyWaiting
	ErrInvalidOutcome    = errspkg.ErrInvalidOutcome
	ErrInvalidCompletion = completion.ErrInvalidMessage

	NewSlogServiceLogger    = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger = loggingpkg.NewZerologServiceLogger
	NewConsoleLogger        = loggingpkg.NewConsoleLogger

	NewTID = idspkg.NewTID
)

// Protocol error codes.
const (
	CodeUnauthorized     = pipeline.CodeUnauthorized
	CodeValidationFailed = pipeline.CodeValidationFailed
	CodeProcessDown      = pipeline.CodeProcessDown
	CodeTimeout          = pipeline.CodeTimeout
	CodeBadCommand       = pipeline.CodeBadCommand
	CodeInternal         = pipeline.CodeInternal
)

// Fault categories reported in command statistics.
const (
	FaultCategoryNone      = runtimepkg.FaultCategoryNone
	FaultCategoryParse     = runtimepkg.FaultCategoryParse
	FaultCategoryAuthorize = runtimepkg.FaultCategoryAuthorize
	FaultCategoryExecute   = runtimepkg.FaultCategoryExecute
	FaultCategoryCancelled = runtimepkg.FaultCategoryCancelled
	FaultCategoryOther     = runtimepkg.FaultCategoryOther
)

// RegisterJSONCommand adds a typed JSON command to a service registered with
// a CommandRouter.
func RegisterJSONCommand[T any, O any](svc *Service, serviceID, name string, fn JSONCommandFunc[T, O], opts ...CommandOption) error {
	return runtimepkg.RegisterJSONCommand(svc, serviceID, name, fn, opts...)
}

// RegisterProtoCommand adds a protobuf command to a service registered with
// a CommandRouter. validate may be nil.
func RegisterProtoCommand[T proto.Message, O proto.Message](svc *Service, serviceID, name string, fn ProtoCommandFunc[T, O], validate ProtoValidator, opts ...CommandOption) error {
	return runtimepkg.RegisterProtoCommand(svc, serviceID, name, fn, validate, opts...)
}

func JSONCommand[T any, O any](name string, fn JSONCommandFunc[T, O], opts ...CommandOption) (Command, error) {
	return handlerpkg.JSONCommand(name, fn, opts...)
}

func ProtoCommand[T proto.Message, O proto.Message](name string, fn ProtoCommandFunc[T, O], validate ProtoValidator, opts ...CommandOption) (Command, error) {
	return handlerpkg.ProtoCommand(name, fn, validate, opts...)
}

func WithInferredSchema[P any]() CommandOption {
	return handlerpkg.WithInferredSchema[P]()
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
