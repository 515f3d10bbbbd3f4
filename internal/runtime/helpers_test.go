package runtime

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/replyflow/internal/runtime/config"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
	transportpkg "github.com/drblury/replyflow/internal/runtime/transport"
	"github.com/drblury/replyflow/transport/transporttest"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	base    loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (r *recordingLogger) init() {
	if r.mu == nil {
		r.mu = &sync.Mutex{}
		r.entries = &[]logEntry{}
	}
}

func (r *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	r.init()
	merged := loggingpkg.LogFields{}
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r.mu.Lock()
	*r.entries = append(*r.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
	r.mu.Unlock()
}

func (r *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	r.init()
	merged := loggingpkg.LogFields{}
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: r.mu, entries: r.entries, base: merged}
}

func (r *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	r.record("debug", msg, nil, fields)
}

func (r *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	r.record("info", msg, nil, fields)
}

func (r *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	r.record("error", msg, err, fields)
}

func (r *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	r.record("trace", msg, nil, fields)
}

func (r *recordingLogger) snapshot() []logEntry {
	r.init()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]logEntry, len(*r.entries))
	copy(out, *r.entries)
	return out
}

// fakeBus returns a factory handing out recording transport fakes.
func fakeBus() (transportpkg.Factory, *transporttest.Publisher, *transporttest.Subscriber) {
	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	factory := transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{Publisher: pub, Subscriber: sub}, nil
	})
	return factory, pub, sub
}

// newTestService builds a Service on the in-process bus with an isolated
// Prometheus registry.
func newTestService(t *testing.T, conf *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	if conf == nil {
		conf = &configpkg.Config{}
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	svc, err := NewService(context.Background(), conf, newTestLogger(), deps)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// captureListeners binds every address on a random loopback port and
// reports the real addresses by requested address.
func captureListeners(t *testing.T) func() map[string]string {
	t.Helper()
	var mu sync.Mutex
	bound := make(map[string]string)

	orig := listen
	listen = func(address string) (net.Listener, error) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		mu.Lock()
		bound[address] = ln.Addr().String()
		mu.Unlock()
		return ln, nil
	}
	t.Cleanup(func() { listen = orig })

	return func() map[string]string {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[string]string, len(bound))
		for k, v := range bound {
			out[k] = v
		}
		return out
	}
}
