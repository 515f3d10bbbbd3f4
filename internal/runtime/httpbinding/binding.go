// Package httpbinding serves the command protocol over HTTP. POST / submits a
// command; every other request is delegated to a raw handler.
package httpbinding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	catalogpkg "github.com/drblury/replyflow/internal/runtime/catalog"
	configpkg "github.com/drblury/replyflow/internal/runtime/config"
	"github.com/drblury/replyflow/internal/runtime/correlation"
	"github.com/drblury/replyflow/internal/runtime/envelope"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	"github.com/drblury/replyflow/internal/runtime/ids"
	"github.com/drblury/replyflow/internal/runtime/logging"
	"github.com/drblury/replyflow/internal/runtime/pipeline"
)

// Pipeline runs commands. *pipeline.Engine implements it.
type Pipeline interface {
	RunRequest(serviceID, command string, data pipeline.Data, rc *pipeline.RequestContext, state pipeline.State) (pipeline.Outcome, pipeline.State, error)
}

// Acks is the part of the correlation engine the binding needs.
// *correlation.Engine implements it.
type Acks interface {
	Register(tid string) error
	Cancel(tid string) bool
	AwaitResolution(ctx context.Context, tid string, worker correlation.Worker, deadline time.Time) correlation.Resolution
}

// Config wires a Binding. Settings is read once per exchange.
type Config struct {
	ServiceID   string
	Pipeline    Pipeline
	Acks        Acks
	Raw         RawHandler
	Catalog     catalogpkg.Catalog
	Settings    func() configpkg.ExchangeSettings
	NewState    func() pipeline.State
	Logger      logging.ServiceLogger
	Middlewares []func(http.Handler) http.Handler
}

// Binding is an http.Handler for one service.
type Binding struct {
	serviceID string
	pipeline  Pipeline
	acks      Acks
	raw       RawHandler
	catalog   catalogpkg.Catalog
	settings  func() configpkg.ExchangeSettings
	newState  func() pipeline.State
	logger    logging.ServiceLogger
	router    chi.Router
}

func New(cfg Config) (*Binding, error) {
	if cfg.Pipeline == nil {
		return nil, errspkg.ErrEngineRequired
	}
	if cfg.Acks == nil {
		return nil, errspkg.ErrAcksRequired
	}
	b := &Binding{
		serviceID: cfg.ServiceID,
		pipeline:  cfg.Pipeline,
		acks:      cfg.Acks,
		raw:       cfg.Raw,
		catalog:   cfg.Catalog,
		settings:  cfg.Settings,
		newState:  cfg.NewState,
		logger:    cfg.Logger,
	}
	if b.raw == nil {
		b.raw = notFound
	}
	if b.catalog == nil {
		b.catalog = catalogpkg.Default()
	}
	if b.settings == nil {
		defaults := (&configpkg.Config{}).ExchangeSettings(cfg.ServiceID)
		b.settings = func() configpkg.ExchangeSettings { return defaults }
	}
	if b.logger == nil {
		b.logger = logging.Nop()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.Middlewares {
		r.Use(mw)
	}
	r.Post("/", b.serveCommand)
	r.NotFound(b.serveRaw)
	r.MethodNotAllowed(b.serveRaw)
	b.router = r
	return b, nil
}

func (b *Binding) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

// accept allocates the request context of a new exchange.
func (b *Binding) accept(w http.ResponseWriter, r *http.Request) (*pipeline.RequestContext, *exchange, configpkg.ExchangeSettings) {
	settings := b.settings()
	ex := newExchange(w)

	rc := pipeline.NewRequestContext(r.Context())
	rc.SessionID = ids.NewSessionID()
	rc.Owner = ids.NewWorkerID()
	rc.TID = correlation.NewTID()
	rc.Remote = r.RemoteAddr
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		rc.Local = addr.String()
	}
	rc.Debug = settings.Debug
	rc.Exchange = ex
	rc.Logger = logging.ForExchange(b.logger, settings.Debug, logging.LogFields{
		"service":    b.serviceID,
		"tid":        rc.TID,
		"session_id": rc.SessionID,
	})
	return rc, ex, settings
}

func (b *Binding) serveCommand(w http.ResponseWriter, r *http.Request) {
	rc, ex, settings := b.accept(w, r)
	log := rc.Log()

	// Register before the pipeline runs so completions that race the Ack
	// outcome are queued.
	if err := b.acks.Register(rc.TID); err != nil {
		log.Error("Failed to register tid", err, nil)
		b.writeFailure(w, http.StatusInternalServerError, catalogpkg.Internal)
		return
	}
	defer b.acks.Cancel(rc.TID)

	if !isJSON(r.Header.Get("Content-Type")) {
		log.Debug("Rejecting content type", logging.LogFields{"content_type": r.Header.Get("Content-Type")})
		b.writeFailure(w, http.StatusBadRequest, catalogpkg.BadRequest)
		return
	}
	if r.ContentLength > settings.MaxBodySize {
		log.Debug("Rejecting declared body size", logging.LogFields{"content_length": r.ContentLength})
		b.writeFailure(w, http.StatusInternalServerError, catalogpkg.BodyTooLarge)
		return
	}

	body, err := readBody(w, r, settings.MaxBodySize, settings.ChunkReadTimeout)
	switch {
	case errors.Is(err, errBodyTooLarge):
		b.writeFailure(w, http.StatusInternalServerError, catalogpkg.BodyTooLarge)
		return
	case err != nil:
		log.Debug("Failed to read body", logging.LogFields{"error": err.Error()})
		b.writeFailure(w, http.StatusBadRequest, catalogpkg.BadRequest)
		return
	}

	req, err := envelope.DecodeRequest(body)
	if err != nil {
		b.writeFailure(w, http.StatusBadRequest, catalogpkg.BadRequest)
		return
	}
	rc.Data = req.Data

	outcome, err := b.dispatch(req, rc)
	if ex.Streamed() {
		b.finishStream(ex, log)
		return
	}
	if err != nil {
		log.Error("Command failed", err, logging.LogFields{"command": req.Command})
		b.writeFailure(w, http.StatusInternalServerError, catalogpkg.Internal)
		return
	}
	b.reply(w, rc, outcome, settings)
}

// dispatch runs the pipeline and turns a callback panic into an error, so a
// faulty handler terminates only its own exchange.
func (b *Binding) dispatch(req envelope.Request, rc *pipeline.RequestContext) (outcome pipeline.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("command %s panicked: %v", req.Command, p)
		}
	}()
	var state pipeline.State
	if b.newState != nil {
		state = b.newState()
	}
	outcome, _, err = b.pipeline.RunRequest(b.serviceID, req.Command, req.Data, rc, state)
	return outcome, err
}

func (b *Binding) reply(w http.ResponseWriter, rc *pipeline.RequestContext, outcome pipeline.Outcome, settings configpkg.ExchangeSettings) {
	switch outcome.Kind() {
	case pipeline.KindReply, pipeline.KindLogin:
		b.writeEnvelope(w, http.StatusOK, envelope.Success(outcome.Reply()))
	case pipeline.KindError:
		b.writeFailure(w, http.StatusOK, string(outcome.Code()))
	case pipeline.KindStatus:
		if !validStatus(outcome.StatusCode()) {
			rc.Log().Error("Invalid status outcome", fmt.Errorf("status %d out of range", outcome.StatusCode()), nil)
			b.writeFailure(w, http.StatusInternalServerError, catalogpkg.Internal)
			return
		}
		w.WriteHeader(outcome.StatusCode())
	case pipeline.KindStop:
		rc.Log().Debug("Closing connection", logging.LogFields{"reason": outcome.Reason()})
		w.Header().Set("Connection", "close")
		b.writeEnvelope(w, http.StatusOK, envelope.Success(outcome.Reply()))
	case pipeline.KindAck:
		b.awaitAck(w, rc, outcome.Worker(), settings.AckTimeout)
	default:
		b.writeFailure(w, http.StatusInternalServerError, catalogpkg.Internal)
	}
}

// awaitAck blocks the exchange until the deferred reply resolves.
func (b *Binding) awaitAck(w http.ResponseWriter, rc *pipeline.RequestContext, worker correlation.Worker, timeout time.Duration) {
	rc.TimeoutPending = true
	ctx := correlation.ContextWithLogger(rc.Context(), rc.Log())
	res := b.acks.AwaitResolution(ctx, rc.TID, worker, time.Now().Add(timeout))
	rc.TimeoutPending = false

	if rc.Exchange != nil && rc.Exchange.Streamed() {
		return
	}
	switch res.Kind {
	case correlation.ResolvedReply:
		b.writeEnvelope(w, http.StatusOK, envelope.Success(pipeline.MergeUnknown(res.Reply, rc.Unknown())))
	case correlation.ResolvedLogin:
		rc.UserID = res.UserID
		b.writeEnvelope(w, http.StatusOK, envelope.Success(pipeline.MergeUnknown(res.Reply, rc.Unknown())))
	case correlation.ResolvedError, correlation.ProcessDown, correlation.TimedOut:
		b.writeFailure(w, http.StatusOK, res.Code)
	case correlation.Cancelled:
		rc.Log().Debug("Exchange closed while waiting", logging.LogFields{"reason": fmt.Sprint(res.Reason)})
	}
}

func (b *Binding) serveRaw(w http.ResponseWriter, r *http.Request) {
	rc, ex, _ := b.accept(w, r)

	res, err := b.handleRaw(rc, r)
	if ex.Streamed() {
		b.finishStream(ex, rc.Log())
		return
	}
	if err != nil {
		rc.Log().Error("Raw handler failed", err, logging.LogFields{"method": r.Method, "path": r.URL.Path})
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	WriteRaw(w, r, res)
}

func (b *Binding) handleRaw(rc *pipeline.RequestContext, r *http.Request) (res RawResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("raw handler panicked: %v", p)
		}
	}()
	return b.raw.HandleRaw(rc, r)
}

func (b *Binding) finishStream(ex *exchange, log logging.ServiceLogger) {
	if err := ex.CloseStream(); err != nil && !errors.Is(err, errspkg.ErrStreamClosed) {
		log.Error("Failed to close stream", err, nil)
	}
}

// validStatus reports whether net/http accepts code as a response status.
func validStatus(code int) bool {
	return code >= 100 && code <= 999
}

func (b *Binding) writeFailure(w http.ResponseWriter, status int, code string) {
	number, text := b.catalog.Lookup(code)
	b.writeEnvelope(w, status, envelope.Failure(number, text))
}

func (b *Binding) writeEnvelope(w http.ResponseWriter, status int, reply envelope.Reply) {
	payload, err := reply.Bytes()
	if err != nil {
		b.logger.Error("Failed to encode reply", err, nil)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
