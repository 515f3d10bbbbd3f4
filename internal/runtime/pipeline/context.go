package pipeline

import (
	"context"
	"net/http"
	"sort"

	"github.com/drblury/replyflow/internal/runtime/logging"
)

// Exchange is the transport handle captured on a RequestContext. A callback
// that streams through it owns the response; the binding writes nothing
// further once Streamed reports true.
type Exchange interface {
	StartStream(status int, header http.Header) error
	WriteChunk(p []byte) error
	CloseStream() error
	Streamed() bool
}

// RequestContext carries everything known about one inbound command or event.
// It belongs to the goroutine serving the exchange and is discarded once the
// exchange is answered.
type RequestContext struct {
	SessionID string
	// Owner identifies the execution context that will write the reply.
	Owner  string
	Local  string
	Remote string
	TID    string

	Command string
	Data    Data

	Debug          bool
	TimeoutPending bool
	UserID         string

	Exchange Exchange
	Logger   logging.ServiceLogger

	ctx     context.Context
	unknown map[string]struct{}
}

// NewRequestContext returns an empty RequestContext bound to ctx.
func NewRequestContext(ctx context.Context) *RequestContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &RequestContext{ctx: ctx}
}

// Context returns the exchange context. It is cancelled when the caller goes
// away.
func (rc *RequestContext) Context() context.Context {
	if rc.ctx == nil {
		return context.Background()
	}
	return rc.ctx
}

// SetContext replaces the exchange context.
func (rc *RequestContext) SetContext(ctx context.Context) {
	if ctx != nil {
		rc.ctx = ctx
	}
}

// AddUnknown records input field names the parse schema did not declare.
func (rc *RequestContext) AddUnknown(names ...string) {
	if len(names) == 0 {
		return
	}
	if rc.unknown == nil {
		rc.unknown = make(map[string]struct{}, len(names))
	}
	for _, name := range names {
		rc.unknown[name] = struct{}{}
	}
}

// Unknown returns the recorded unknown field names, sorted.
func (rc *RequestContext) Unknown() []string {
	if len(rc.unknown) == 0 {
		return nil
	}
	out := make([]string, 0, len(rc.unknown))
	for name := range rc.unknown {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Log returns the exchange logger, never nil.
func (rc *RequestContext) Log() logging.ServiceLogger {
	if rc.Logger == nil {
		return logging.Nop()
	}
	return rc.Logger
}
