package runtime

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/drblury/replyflow/internal/runtime/completion"
	configpkg "github.com/drblury/replyflow/internal/runtime/config"
	idspkg "github.com/drblury/replyflow/internal/runtime/ids"
)

func newBusMessage(payload string) *message.Message {
	msg := message.NewMessage(idspkg.NewTID(), []byte(payload))
	msg.Metadata = message.Metadata{}
	return msg
}

func TestCorrelationIDMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("adds missing id", func(t *testing.T) {
		msg := newBusMessage("")
		called := false
		_, err := correlationIDMiddleware(func(m *message.Message) ([]*message.Message, error) {
			called = true
			if middleware.MessageCorrelationID(m) == "" {
				t.Fatal("expected correlation id to be populated")
			}
			return nil, nil
		})(msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !called {
			t.Fatal("handler not invoked")
		}
	})

	t.Run("keeps existing id", func(t *testing.T) {
		msg := newBusMessage("")
		middleware.SetCorrelationID("fixed", msg)
		_, err := correlationIDMiddleware(func(m *message.Message) ([]*message.Message, error) {
			if got := middleware.MessageCorrelationID(m); got != "fixed" {
				t.Fatalf("expected correlation id to be preserved, got %q", got)
			}
			return nil, nil
		})(msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestLogMessagesMiddleware(t *testing.T) {
	logger := &recordingLogger{}
	mw := logMessagesMiddleware(logger)

	msg := newBusMessage(`{"kind":"reply"}`)
	msg.Metadata.Set(completion.MetadataTID, "tid-1")
	if _, err := mw(func(*message.Message) ([]*message.Message, error) { return nil, nil })(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries := logger.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].level != "debug" || entries[0].msg != "Processing completion" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
	if entries[0].fields["payload"] != `{"kind":"reply"}` {
		t.Fatalf("unexpected payload field: %v", entries[0].fields["payload"])
	}
}

func TestLogMessagesMiddlewareFallsBackToServiceLogger(t *testing.T) {
	if _, err := LogMessagesMiddleware(nil).Builder(&Service{}); err == nil {
		t.Fatal("expected error without any logger")
	}
	mw, err := LogMessagesMiddleware(nil).Builder(&Service{Logger: newTestLogger()})
	if err != nil || mw == nil {
		t.Fatalf("expected middleware, got %v / %v", mw, err)
	}
}

func TestRetryMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("retries until success", func(t *testing.T) {
		mw := retryMiddleware(RetryMiddlewareConfig{
			MaxRetries:      3,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		})
		attempts := 0
		_, err := mw(func(*message.Message) ([]*message.Message, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return nil, nil
		})(newBusMessage(""))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempts != 3 {
			t.Fatalf("expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("honours RetryIf", func(t *testing.T) {
		permanent := errors.New("permanent")
		mw := retryMiddleware(RetryMiddlewareConfig{
			MaxRetries:      3,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			RetryIf:         func(err error) bool { return !errors.Is(err, permanent) },
		})
		attempts := 0
		_, err := mw(func(*message.Message) ([]*message.Message, error) {
			attempts++
			return nil, permanent
		})(newBusMessage(""))
		if !errors.Is(err, permanent) {
			t.Fatalf("expected permanent error, got %v", err)
		}
		if attempts != 1 {
			t.Fatalf("expected a single attempt, got %d", attempts)
		}
	})
}

func TestRetryMiddlewareConfigDefaults(t *testing.T) {
	cfg := RetryMiddlewareConfig{}.withDefaults()
	if cfg.MaxRetries != 5 || cfg.InitialInterval != time.Second || cfg.MaxInterval != 16*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	cfg = RetryMiddlewareConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Second}.withDefaults()
	if cfg.MaxRetries != 2 || cfg.InitialInterval != time.Millisecond || cfg.MaxInterval != time.Second {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
}

func TestTracerMiddlewarePropagatesErrors(t *testing.T) {
	mw := tracerMiddleware(noop.NewTracerProvider().Tracer("test"))
	boom := errors.New("boom")

	msg := newBusMessage("")
	msg.Metadata.Set(completion.MetadataTID, "tid-1")
	_, err := mw(func(m *message.Message) ([]*message.Message, error) {
		if m.Context() == nil {
			t.Fatal("expected span context on message")
		}
		return nil, boom
	})(msg)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestRegisterMiddlewareValidation(t *testing.T) {
	if err := (&Service{}).RegisterMiddleware(CorrelationIDMiddleware()); err == nil {
		t.Fatal("expected error without router")
	}

	svc := newTestService(t, nil, ServiceDependencies{DisableDefaultMiddlewares: true})
	if err := svc.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}); err == nil {
		t.Fatal("expected error for registration without middleware")
	}
	nilBuilder := MiddlewareRegistration{
		Name:    "skipped",
		Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, nil },
	}
	if err := svc.RegisterMiddleware(nilBuilder); err != nil {
		t.Fatalf("nil middleware should be skipped, got %v", err)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		svc := newTestService(t, nil, ServiceDependencies{DisableDefaultMiddlewares: true})
		mw, err := MetricsMiddleware().Builder(svc)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if mw != nil {
			t.Fatal("expected no middleware when metrics are disabled")
		}
	})

	t.Run("enabled", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		svc := newTestService(t, &configpkg.Config{MetricsEnabled: true, MetricsPort: 9464}, ServiceDependencies{
			Registerer:                reg,
			DisableDefaultMiddlewares: true,
		})
		mw, err := MetricsMiddleware().Builder(svc)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if mw == nil {
			t.Fatal("expected router metrics middleware")
		}
		if !svc.httpPatterns[":9464"]["/metrics"] {
			t.Fatal("expected /metrics to be mounted on the metrics port")
		}
		if _, err := MetricsMiddleware().Builder(svc); err == nil {
			t.Fatal("expected second /metrics mount to fail")
		}
	})
}

func TestRequestLogMiddleware(t *testing.T) {
	logger := &recordingLogger{}
	h := requestLogMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}")))

	entries := logger.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].fields["status"] != http.StatusTeapot {
		t.Fatalf("unexpected status field: %v", entries[0].fields["status"])
	}
	if entries[0].fields["bytes"] != 5 {
		t.Fatalf("unexpected bytes field: %v", entries[0].fields["bytes"])
	}
}

func TestHTTPMetricsMiddlewareCountsStatus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	if err := m.Register(); err != nil {
		t.Fatalf("register: %v", err)
	}
	h := httpMetricsMiddleware(m, "demo")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("demo", http.MethodPost, "200")); got != 2 {
		t.Fatalf("expected 2 requests, got %v", got)
	}
}

func TestHTTPTracerMiddlewareServesRequest(t *testing.T) {
	h := httpTracerMiddleware(noop.NewTracerProvider().Tracer("test"), "demo")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestBuildHTTPMiddlewares(t *testing.T) {
	svc := &Service{Logger: newTestLogger(), httpMiddlewares: []HTTPMiddlewareRegistration{
		{Name: "skipped", Builder: func(*Service, string) (func(http.Handler) http.Handler, error) { return nil, nil }},
		{Name: "static", Middleware: func(next http.Handler) http.Handler { return next }},
	}}
	mws, err := svc.buildHTTPMiddlewares("demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mws) != 1 {
		t.Fatalf("expected one middleware, got %d", len(mws))
	}

	svc.httpMiddlewares = append(svc.httpMiddlewares, HTTPMiddlewareRegistration{Name: "empty"})
	if _, err := svc.buildHTTPMiddlewares("demo"); err == nil {
		t.Fatal("expected error for registration without middleware")
	}

	svc.httpMiddlewares = []HTTPMiddlewareRegistration{{
		Name:    "broken",
		Builder: func(*Service, string) (func(http.Handler) http.Handler, error) { return nil, errors.New("nope") },
	}}
	if _, err := svc.buildHTTPMiddlewares("demo"); err == nil {
		t.Fatal("expected builder error")
	}
}
