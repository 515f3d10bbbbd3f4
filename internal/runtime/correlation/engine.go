// Package correlation matches out-of-band completions to the exchange that is
// blocked waiting for them, and supervises the workers that promised them.
package correlation

import (
	"context"
	"sync"
	"time"

	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	"github.com/drblury/replyflow/internal/runtime/ids"
	"github.com/drblury/replyflow/internal/runtime/logging"
)

// NewTID returns a fresh transaction id for one exchange.
func NewTID() string {
	return ids.NewTID()
}

// Observer receives pending-ack lifecycle events, typically for metrics.
type Observer interface {
	AckPending(tid string)
	AckRenewed(tid string, replaced bool)
	AckResolved(tid string, kind ResolutionKind, waited time.Duration)
}

type nopObserver struct{}

func (nopObserver) AckPending(string)                                 {}
func (nopObserver) AckRenewed(string, bool)                           {}
func (nopObserver) AckResolved(string, ResolutionKind, time.Duration) {}

// Option configures an Engine.
type Option func(*Engine)

// WithMonitor sets the liveness-subscription capability. Defaults to
// WatchDone.
func WithMonitor(m Monitor) Option {
	return func(e *Engine) {
		if m != nil {
			e.monitor = m
		}
	}
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithLogger sets the logger used when no exchange logger is on the context.
func WithLogger(l logging.ServiceLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

type entry struct {
	box     *mailbox
	waiting bool
}

// Engine owns the pending-ack table. It is safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	pending  map[string]*entry
	monitor  Monitor
	observer Observer
	logger   logging.ServiceLogger
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		pending:  make(map[string]*entry),
		monitor:  WatchDone,
		observer: nopObserver{},
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register creates the pending entry for tid so completions sent before the
// owner starts waiting are queued rather than dropped.
func (e *Engine) Register(tid string) error {
	if tid == "" {
		return errspkg.ErrTIDRequired
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[tid]; ok {
		return errspkg.ErrDuplicateTID
	}
	e.pending[tid] = &entry{box: newMailbox()}
	return nil
}

// Deliver routes sig to the entry named by sig.TID.
func (e *Engine) Deliver(sig Signal) bool {
	return e.DeliverTo(sig.TID, sig)
}

// DeliverTo queues sig on the mailbox of tid. It never blocks and reports
// false when tid is not pending.
func (e *Engine) DeliverTo(tid string, sig Signal) bool {
	e.mu.Lock()
	ent, ok := e.pending[tid]
	e.mu.Unlock()
	if !ok || !ent.box.push(sig) {
		e.logger.Debug("Dropping completion for unknown tid", logging.LogFields{
			"tid":  tid,
			"kind": sig.Kind.String(),
		})
		return false
	}
	return true
}

// Cancel drops the entry for tid. A waiter, if any, is not woken; use the
// waiter's context for that.
func (e *Engine) Cancel(tid string) bool {
	e.mu.Lock()
	ent, ok := e.pending[tid]
	if ok && !ent.waiting {
		delete(e.pending, tid)
	}
	e.mu.Unlock()
	if ok && !ent.waiting {
		ent.box.close()
		return true
	}
	return false
}

// Pending reports the number of registered tids.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) acquire(tid string) (*entry, error) {
	if tid == "" {
		return nil, errspkg.ErrTIDRequired
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.pending[tid]
	if !ok {
		ent = &entry{box: newMailbox()}
		e.pending[tid] = ent
	}
	if ent.waiting {
		return nil, errspkg.ErrAlreadyWaiting
	}
	ent.waiting = true
	return ent, nil
}

func (e *Engine) release(tid string, ent *entry) {
	e.mu.Lock()
	if e.pending[tid] == ent {
		delete(e.pending, tid)
	}
	e.mu.Unlock()
	ent.box.close()
}

// AwaitResolution blocks until tid resolves. Exactly one of reply, login,
// error, process_down, timeout or cancellation ends the wait; the entry is
// removed and supervision released before it returns. The deadline is fixed
// for the whole call and renewals do not extend it.
func (e *Engine) AwaitResolution(ctx context.Context, tid string, worker Worker, deadline time.Time) Resolution {
	log := e.loggerFor(ctx).With(logging.LogFields{"tid": tid})

	ent, err := e.acquire(tid)
	if err != nil {
		return Resolution{Kind: Cancelled, TID: tid, Reason: err}
	}

	start := time.Now()
	e.observer.AckPending(tid)

	down, demonitor := e.monitor.Monitor(NormalizeWorker(worker))
	defer func() {
		demonitor()
		e.release(tid, ent)
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	finish := func(r Resolution) Resolution {
		r.TID = tid
		r.Waited = time.Since(start)
		e.observer.AckResolved(tid, r.Kind, r.Waited)
		log.Debug("Pending ack resolved", logging.LogFields{
			"resolution": r.Kind.String(),
			"waited":     r.Waited.String(),
		})
		return r
	}

	// apply handles queued signals in arrival order. moved reports that a
	// renewal switched supervision to another worker.
	apply := func(sigs []Signal) (r Resolution, resolved, moved bool) {
		for _, sig := range sigs {
			if sig.TID != tid {
				log.Debug("Ignoring completion for another tid", logging.LogFields{"signal_tid": sig.TID})
				continue
			}
			switch sig.Kind {
			case SignalReply:
				return Resolution{Kind: ResolvedReply, Reply: sig.Reply}, true, moved
			case SignalLogin:
				return Resolution{Kind: ResolvedLogin, Reply: sig.Reply, UserID: sig.UserID}, true, moved
			case SignalError:
				return Resolution{Kind: ResolvedError, Code: sig.Code}, true, moved
			case SignalRenewal:
				if sig.Worker == nil {
					e.observer.AckRenewed(tid, false)
					log.Debug("Pending ack renewed", nil)
					continue
				}
				demonitor()
				down, demonitor = e.monitor.Monitor(sig.Worker)
				moved = true
				e.observer.AckRenewed(tid, true)
				log.Debug("Pending ack moved to new worker", logging.LogFields{"worker_id": sig.Worker.ID()})
			default:
				log.Debug("Ignoring unknown completion kind", logging.LogFields{"kind": int(sig.Kind)})
			}
		}
		return Resolution{}, false, moved
	}

	for {
		select {
		case <-ent.box.notify:
			if r, ok, _ := apply(ent.box.drain()); ok {
				return finish(r)
			}
		case d := <-down:
			// A worker's completion sent before it exited wins over its exit.
			r, ok, moved := apply(ent.box.drain())
			if ok {
				return finish(r)
			}
			if moved {
				continue
			}
			return finish(Resolution{Kind: ProcessDown, Code: CodeProcessDown, Reason: d.Reason})
		case <-timer.C:
			return finish(Resolution{Kind: TimedOut, Code: CodeTimeout})
		case <-ctx.Done():
			return finish(Resolution{Kind: Cancelled, Reason: ctx.Err()})
		}
	}
}

type loggerKey struct{}

// ContextWithLogger attaches an exchange logger used by AwaitResolution.
func ContextWithLogger(ctx context.Context, l logging.ServiceLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func (e *Engine) loggerFor(ctx context.Context) logging.ServiceLogger {
	if l, ok := ctx.Value(loggerKey{}).(logging.ServiceLogger); ok && l != nil {
		return l
	}
	return e.logger
}
