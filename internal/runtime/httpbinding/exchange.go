package httpbinding

import (
	"errors"
	"net/http"
	"sync"

	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
)

// exchange implements pipeline.Exchange on top of an http.ResponseWriter.
// Streams use chunked transfer encoding and are flushed after every chunk.
type exchange struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	ctrl    *http.ResponseController
	started bool
	closed  bool
}

func newExchange(w http.ResponseWriter) *exchange {
	return &exchange{w: w, ctrl: http.NewResponseController(w)}
}

func (e *exchange) StartStream(status int, header http.Header) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errspkg.ErrStreamStarted
	}
	dst := e.w.Header()
	for k, vs := range header {
		dst[k] = append([]string(nil), vs...)
	}
	dst.Del("Content-Length")
	e.w.WriteHeader(status)
	e.started = true
	return e.flush()
}

func (e *exchange) WriteChunk(p []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return errspkg.ErrStreamNotStarted
	}
	if e.closed {
		return errspkg.ErrStreamClosed
	}
	if _, err := e.w.Write(p); err != nil {
		return err
	}
	return e.flush()
}

func (e *exchange) CloseStream() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return errspkg.ErrStreamNotStarted
	}
	if e.closed {
		return errspkg.ErrStreamClosed
	}
	e.closed = true
	return e.flush()
}

func (e *exchange) Streamed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *exchange) flush() error {
	if err := e.ctrl.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
