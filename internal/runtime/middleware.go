package runtime

import (
	"errors"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/replyflow/internal/runtime/completion"
	idspkg "github.com/drblury/replyflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
)

const tracerName = "github.com/drblury/replyflow"

// MiddlewareBuilder constructs a bus middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on
// the completion router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// HTTPMiddlewareBuilder constructs an HTTP middleware for one registered
// service.
type HTTPMiddlewareBuilder func(s *Service, serviceID string) (func(http.Handler) http.Handler, error)

// HTTPMiddlewareRegistration captures how a middleware is placed in front of
// every service binding.
type HTTPMiddlewareRegistration struct {
	Name       string
	Middleware func(http.Handler) http.Handler
	Builder    HTTPMiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the bus middleware chain used by NewService.
// Retry reads its tuning from the Retry* configuration fields.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		ConfiguredRetryMiddleware(),
		RecovererMiddleware(),
	}
}

// DefaultHTTPMiddlewares returns the HTTP middleware chain placed in front of
// every binding.
func DefaultHTTPMiddlewares() []HTTPMiddlewareRegistration {
	return []HTTPMiddlewareRegistration{
		RequestLogMiddleware(),
		HTTPTracerMiddleware(),
		HTTPMetricsMiddleware(),
	}
}

// MetricsMiddleware adds Watermill's Prometheus router metrics and serves
// /metrics on the configured port.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				s.registerer,
				metricsNamespace,
				s.Conf.BusSystem,
			)

			metricsBuilder.AddPrometheusRouterMetrics(s.router)

			if s.Conf.MetricsPort > 0 {
				if err := s.RegisterHTTPHandler(portAddress(s.Conf.MetricsPort), "/metrics", promhttp.Handler()); err != nil {
					return nil, err
				}
			}

			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// CorrelationIDMiddleware ensures each completion carries a correlation
// identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs the payload and metadata of handled completions
// at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps completion handling in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return tracerMiddleware(s.tracer), nil
		},
	}
}

// RetryMiddleware retries completion handling using cfg; zero values get
// defaults.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name:       "retry",
		Middleware: retryMiddleware(normalized),
	}
}

// ConfiguredRetryMiddleware is RetryMiddleware tuned from the service config.
func ConfiguredRetryMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return retryMiddleware(RetryMiddlewareConfig{
				MaxRetries:      s.Conf.RetryMaxRetries,
				InitialInterval: s.Conf.RetryInitialInterval,
				MaxInterval:     s.Conf.RetryMaxInterval,
			}.withDefaults()), nil
		},
	}
}

// RecovererMiddleware converts panics in the relay into handler errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the completion router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if middleware.MessageCorrelationID(msg) == "" {
			middleware.SetCorrelationID(idspkg.NewTID(), msg)
		}
		return h(msg)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing completion", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig) message.HandlerMiddleware {
	return middleware.Retry{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		ShouldRetry: func(params middleware.RetryParams) bool {
			if cfg.RetryIf != nil {
				return cfg.RetryIf(params.Err)
			}
			return true
		},
	}.Middleware
}

func tracerMiddleware(tracer trace.Tracer) message.HandlerMiddleware {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := tracer.Start(msg.Context(), "replyflow.completion",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.message.id", msg.UUID),
					attribute.String("rpc.tid", msg.Metadata.Get(completion.MetadataTID)),
					attribute.String("replyflow.completion.kind", msg.Metadata.Get(completion.MetadataKind)),
				),
			)
			defer span.End()
			msg.SetContext(ctx)

			msgs, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return msgs, err
		}
	}
}

// RequestLogMiddleware logs every HTTP request served by a binding.
func RequestLogMiddleware() HTTPMiddlewareRegistration {
	return HTTPMiddlewareRegistration{
		Name: "log_requests",
		Builder: func(s *Service, serviceID string) (func(http.Handler) http.Handler, error) {
			if s.Logger == nil {
				return nil, errors.New("request log middleware requires a logger")
			}
			return requestLogMiddleware(s.Logger.With(loggingpkg.LogFields{"service": serviceID})), nil
		},
	}
}

// HTTPTracerMiddleware opens a server span for each HTTP request.
func HTTPTracerMiddleware() HTTPMiddlewareRegistration {
	return HTTPMiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service, serviceID string) (func(http.Handler) http.Handler, error) {
			return httpTracerMiddleware(s.tracer, serviceID), nil
		},
	}
}

// HTTPMetricsMiddleware counts served requests by status code.
func HTTPMetricsMiddleware() HTTPMiddlewareRegistration {
	return HTTPMiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service, serviceID string) (func(http.Handler) http.Handler, error) {
			if s.metrics == nil {
				return nil, nil
			}
			return httpMetricsMiddleware(s.metrics, serviceID), nil
		},
	}
}

func (s *Service) buildHTTPMiddlewares(serviceID string) ([]func(http.Handler) http.Handler, error) {
	out := make([]func(http.Handler) http.Handler, 0, len(s.httpMiddlewares))
	for _, reg := range s.httpMiddlewares {
		var mw func(http.Handler) http.Handler
		switch {
		case reg.Middleware != nil:
			mw = reg.Middleware
		case reg.Builder != nil:
			var err error
			mw, err = reg.Builder(s, serviceID)
			if err != nil {
				return nil, err
			}
		default:
			return nil, errors.New("http middleware registration requires Middleware or Builder")
		}
		if mw != nil {
			out = append(out, mw)
		}
	}
	return out, nil
}

func statusOf(ww chimw.WrapResponseWriter) int {
	if status := ww.Status(); status != 0 {
		return status
	}
	return http.StatusOK
}

func requestLogMiddleware(logger loggingpkg.ServiceLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request served", loggingpkg.LogFields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      statusOf(ww),
				"bytes":       ww.BytesWritten(),
				"remote_addr": r.RemoteAddr,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}

func httpTracerMiddleware(tracer trace.Tracer, serviceID string) func(http.Handler) http.Handler {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), "replyflow.http",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("rpc.service", serviceID),
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := statusOf(ww)
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
		})
	}
}

func httpMetricsMiddleware(m *Metrics, serviceID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			m.ObserveHTTP(serviceID, r.Method, statusOf(ww))
		})
	}
}
