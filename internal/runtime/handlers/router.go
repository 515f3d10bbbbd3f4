package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	"github.com/drblury/replyflow/internal/runtime/httpbinding"
	"github.com/drblury/replyflow/internal/runtime/pipeline"
)

// Executor runs a command or an event.
type Executor func(rc *pipeline.RequestContext, data pipeline.Data, state pipeline.State) (pipeline.Outcome, pipeline.State, error)

// Authorizer decides whether the command may run.
type Authorizer func(rc *pipeline.RequestContext, command string, data pipeline.Data, state pipeline.State) (bool, error)

// ResultHandler post-processes an asynchronous result before it reaches its
// waiter.
type ResultHandler func(rc *pipeline.RequestContext, token string, data pipeline.Data, state pipeline.State) (pipeline.Data, pipeline.State, error)

// Command is one registered command. Schema and Authorize are optional.
type Command struct {
	Name      string
	Schema    *pipeline.Schema
	Authorize Authorizer
	Execute   Executor
}

// Event is one registered inbound event.
type Event struct {
	Name   string
	Schema *pipeline.Schema
	Handle Executor
}

// Router dispatches pipeline stages to per-name registrations and raw
// exchanges to per-pattern handlers. Command and event names share one
// namespace.
type Router struct {
	mu        sync.RWMutex
	commands  map[string]Command
	events    map[string]Event
	authorize Authorizer
	results   ResultHandler
	raw       *http.ServeMux
	hasRaw    bool
	fallback  httpbinding.RawHandler
}

var (
	_ pipeline.Handler       = (*Router)(nil)
	_ httpbinding.RawHandler = (*Router)(nil)
)

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{
		commands: make(map[string]Command),
		events:   make(map[string]Event),
		raw:      http.NewServeMux(),
	}
}

// Handle registers cmd.
func (r *Router) Handle(cmd Command) error {
	if cmd.Name == "" {
		return errspkg.ErrCommandNameRequired
	}
	if cmd.Execute == nil {
		return errspkg.ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(cmd.Name) {
		return fmt.Errorf("%w: %s", errspkg.ErrCommandExists, cmd.Name)
	}
	r.commands[cmd.Name] = cmd
	return nil
}

// MustHandle registers the result of a command constructor and panics on
// error:
//
//	router.MustHandle(handlers.JSONCommand("echo", echo))
func (r *Router) MustHandle(cmd Command, err error) {
	if err == nil {
		err = r.Handle(cmd)
	}
	if err != nil {
		panic(err)
	}
}

// AddEvent registers ev.
func (r *Router) AddEvent(ev Event) error {
	if ev.Name == "" {
		return errspkg.ErrCommandNameRequired
	}
	if ev.Handle == nil {
		return errspkg.ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(ev.Name) {
		return fmt.Errorf("%w: %s", errspkg.ErrCommandExists, ev.Name)
	}
	r.events[ev.Name] = ev
	return nil
}

func (r *Router) taken(name string) bool {
	_, isCommand := r.commands[name]
	_, isEvent := r.events[name]
	return isCommand || isEvent
}

// SetAuthorizer sets the authorizer for commands that do not carry their own.
func (r *Router) SetAuthorizer(a Authorizer) {
	r.mu.Lock()
	r.authorize = a
	r.mu.Unlock()
}

// SetResultHandler sets the hook applied to asynchronous results.
func (r *Router) SetResultHandler(h ResultHandler) {
	r.mu.Lock()
	r.results = h
	r.mu.Unlock()
}

// Raw routes exchanges matching pattern to h. Patterns follow net/http
// ServeMux syntax, e.g. "GET /static/" or "/health".
func (r *Router) Raw(pattern string, h httpbinding.RawHandler) (err error) {
	if h == nil {
		return errspkg.ErrRawHandlerRequired
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", errspkg.ErrRoutePatternInvalid, rec)
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw.Handle(pattern, rawRoute{h})
	r.hasRaw = true
	return nil
}

// NotFound sets the raw handler used when no pattern matches.
func (r *Router) NotFound(h httpbinding.RawHandler) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// Commands lists registered command names, sorted.
func (r *Router) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) Parse(_ *pipeline.RequestContext, name string, data pipeline.Data, _ pipeline.State) (pipeline.ParseResult, pipeline.State, error) {
	r.mu.RLock()
	cmd, isCommand := r.commands[name]
	ev, isEvent := r.events[name]
	r.mu.RUnlock()

	var schema *pipeline.Schema
	switch {
	case isCommand:
		schema = cmd.Schema
	case isEvent:
		schema = ev.Schema
	default:
		return pipeline.Halt(pipeline.Error(pipeline.CodeBadCommand)), nil, nil
	}
	if schema != nil {
		return pipeline.WithSchema(schema), nil, nil
	}
	return pipeline.Parsed(data), nil, nil
}

func (r *Router) Authorize(rc *pipeline.RequestContext, command string, data pipeline.Data, state pipeline.State) (bool, pipeline.State, error) {
	r.mu.RLock()
	cmd := r.commands[command]
	authorize := r.authorize
	r.mu.RUnlock()

	if cmd.Authorize != nil {
		authorize = cmd.Authorize
	}
	if authorize == nil {
		return true, nil, nil
	}
	ok, err := authorize(rc, command, data, state)
	return ok, nil, err
}

func (r *Router) Execute(rc *pipeline.RequestContext, command string, data pipeline.Data, state pipeline.State) (pipeline.Outcome, pipeline.State, error) {
	r.mu.RLock()
	cmd, ok := r.commands[command]
	r.mu.RUnlock()
	if !ok {
		return pipeline.Error(pipeline.CodeBadCommand), nil, nil
	}
	return cmd.Execute(rc, data, state)
}

func (r *Router) HandleEvent(rc *pipeline.RequestContext, event string, data pipeline.Data, state pipeline.State) (pipeline.Outcome, pipeline.State, error) {
	r.mu.RLock()
	ev, ok := r.events[event]
	r.mu.RUnlock()
	if !ok {
		return pipeline.Error(pipeline.CodeBadCommand), nil, nil
	}
	return ev.Handle(rc, data, state)
}

func (r *Router) HandleResult(rc *pipeline.RequestContext, token string, data pipeline.Data, state pipeline.State) (pipeline.Data, pipeline.State, error) {
	r.mu.RLock()
	results := r.results
	r.mu.RUnlock()
	if results == nil {
		return data, nil, nil
	}
	return results(rc, token, data, state)
}

// HandleRaw serves a raw exchange from the registered patterns.
func (r *Router) HandleRaw(rc *pipeline.RequestContext, req *http.Request) (httpbinding.RawResult, error) {
	r.mu.RLock()
	hasRaw := r.hasRaw
	fallback := r.fallback
	var matched http.Handler
	if hasRaw {
		matched, _ = r.raw.Handler(req)
	}
	r.mu.RUnlock()

	if route, ok := matched.(rawRoute); ok {
		return route.h.HandleRaw(rc, req)
	}
	if fallback != nil {
		return fallback.HandleRaw(rc, req)
	}
	return httpbinding.Respond(http.StatusNotFound, nil, nil), nil
}

// rawRoute lets ServeMux do pattern matching only; it is never served.
type rawRoute struct {
	h httpbinding.RawHandler
}

func (rawRoute) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNotFound)
}
