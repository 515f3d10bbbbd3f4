package correlation

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	"github.com/drblury/replyflow/internal/runtime/ids"
	"github.com/drblury/replyflow/internal/runtime/logging"
)

// Worker is a unit of work that promised a deferred reply. Done is closed
// when the worker terminates for any reason; Err reports why.
type Worker interface {
	ID() string
	Done() <-chan struct{}
	Err() error
}

// NormalizeWorker returns nil for a nil interface and for an interface
// holding a nil pointer, and w otherwise.
func NormalizeWorker(w Worker) Worker {
	if w == nil {
		return nil
	}
	if v := reflect.ValueOf(w); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil
	}
	return w
}

// Down reports the termination of a monitored worker.
type Down struct {
	WorkerID string
	Reason   error
}

// Monitor is the liveness-subscription capability. The returned channel
// receives at most one Down; release stops the subscription and is safe to
// call more than once.
type Monitor interface {
	Monitor(w Worker) (down <-chan Down, release func())
}

// MonitorFunc adapts a function to Monitor.
type MonitorFunc func(w Worker) (<-chan Down, func())

func (f MonitorFunc) Monitor(w Worker) (<-chan Down, func()) { return f(w) }

// WatchDone monitors w by waiting on its Done channel.
var WatchDone = MonitorFunc(func(w Worker) (<-chan Down, func()) {
	return watch(w, nil)
})

func watch(w Worker, active *atomic.Int64) (<-chan Down, func()) {
	if w = NormalizeWorker(w); w == nil {
		return nil, func() {}
	}
	down := make(chan Down, 1)
	stop := make(chan struct{})
	if active != nil {
		active.Add(1)
	}
	go func() {
		if active != nil {
			defer active.Add(-1)
		}
		select {
		case <-w.Done():
			down <- Down{WorkerID: w.ID(), Reason: w.Err()}
		case <-stop:
		}
	}()
	var once sync.Once
	return down, func() { once.Do(func() { close(stop) }) }
}

// WorkerHandle is a worker started by a Supervisor.
type WorkerHandle struct {
	id     string
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
}

func (h *WorkerHandle) ID() string            { return h.id }
func (h *WorkerHandle) Name() string          { return h.name }
func (h *WorkerHandle) Done() <-chan struct{} { return h.done }

// Context is cancelled when the worker is killed.
func (h *WorkerHandle) Context() context.Context { return h.ctx }

func (h *WorkerHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Kill terminates the worker unconditionally. Monitors fire immediately even
// if the worker function ignores its context.
func (h *WorkerHandle) Kill(reason error) {
	if reason == nil {
		reason = errspkg.ErrWorkerKilled
	}
	h.finish(reason)
}

func (h *WorkerHandle) finish(err error) bool {
	finished := false
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		h.cancel()
		close(h.done)
		finished = true
	})
	return finished
}

// Supervisor runs workers, keeps them addressable by id and monitors their
// liveness.
type Supervisor struct {
	mu       sync.Mutex
	workers  map[string]*WorkerHandle
	logger   logging.ServiceLogger
	monitors atomic.Int64
}

// NewSupervisor creates an empty supervisor. A nil logger discards output.
func NewSupervisor(logger logging.ServiceLogger) *Supervisor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Supervisor{
		workers: make(map[string]*WorkerHandle),
		logger:  logger.With(logging.LogFields{"component": "supervisor"}),
	}
}

// Spawn starts fn in its own goroutine. The worker ends when fn returns,
// panics or is killed; a panic is reported as the worker's error.
func (s *Supervisor) Spawn(ctx context.Context, name string, fn func(ctx context.Context) error) *WorkerHandle {
	if ctx == nil {
		ctx = context.Background()
	}
	wctx, cancel := context.WithCancel(ctx)
	h := &WorkerHandle{
		id:     ids.NewWorkerID(),
		name:   name,
		ctx:    wctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.workers[h.id] = h
	s.mu.Unlock()

	go func() {
		defer s.forget(h)
		err := s.run(h, fn)
		if h.finish(err) && err != nil {
			s.logger.Error("Worker failed", err, logging.LogFields{"worker_id": h.id, "worker": h.name})
		}
	}()
	return h
}

func (s *Supervisor) run(h *WorkerHandle, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", h.name, r)
		}
	}()
	if fn == nil {
		return nil
	}
	return fn(h.ctx)
}

func (s *Supervisor) forget(h *WorkerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[h.id] == h {
		delete(s.workers, h.id)
	}
}

// Lookup returns the live worker registered under id.
func (s *Supervisor) Lookup(id string) (*WorkerHandle, bool) {
	s.mu.Lock()
	h, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-h.done:
		return nil, false
	default:
		return h, true
	}
}

// Kill terminates the worker registered under id.
func (s *Supervisor) Kill(id string, reason error) bool {
	h, ok := s.Lookup(id)
	if !ok {
		return false
	}
	h.Kill(reason)
	return true
}

// Running reports how many workers are still registered.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Monitor implements Monitor for any Worker, not only the supervisor's own.
func (s *Supervisor) Monitor(w Worker) (<-chan Down, func()) {
	return watch(w, &s.monitors)
}

// ActiveMonitors reports how many liveness subscriptions are still attached.
func (s *Supervisor) ActiveMonitors() int {
	return int(s.monitors.Load())
}
