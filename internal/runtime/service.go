package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	catalogpkg "github.com/drblury/replyflow/internal/runtime/catalog"
	"github.com/drblury/replyflow/internal/runtime/completion"
	configpkg "github.com/drblury/replyflow/internal/runtime/config"
	"github.com/drblury/replyflow/internal/runtime/correlation"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
	"github.com/drblury/replyflow/internal/runtime/pipeline"
	transportpkg "github.com/drblury/replyflow/internal/runtime/transport"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

var listen = func(address string) (net.Listener, error) {
	return net.Listen("tcp", address)
}

// ServiceDependencies holds the optional collaborators of a Service. Leave
// fields nil to use the defaults.
type ServiceDependencies struct {
	Catalog          catalogpkg.Catalog
	Supervisor       *correlation.Supervisor
	TransportFactory transportpkg.Factory
	Registerer       prometheus.Registerer
	Tracer           trace.Tracer
	FaultClassifier  FaultClassifier

	// Hooks run around every command of every registered service.
	Hooks           pipeline.CommandHooks
	CompletionHooks CompletionHooks

	Middlewares               []MiddlewareRegistration     // Appended after the default bus middleware chain.
	HTTPMiddlewares           []HTTPMiddlewareRegistration // Appended after the default HTTP middleware chain.
	DisableDefaultMiddlewares bool                         // Skips both default chains when true.
}

// Service hosts command services over HTTP and consumes out-of-band
// completions from the configured bus.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	catalog    catalogpkg.Catalog
	supervisor *correlation.Supervisor
	acks       *correlation.Engine
	metrics    *Metrics
	stats      *statsRegistry
	resources  *resourceTracker
	registerer prometheus.Registerer
	tracer     trace.Tracer
	hooks      pipeline.CommandHooks

	transport   transportpkg.Transport
	router      *message.Router
	completions *completion.Publisher
	warnings    []string

	httpMiddlewares []HTTPMiddlewareRegistration

	services   map[string]*registeredService
	servicesMu sync.RWMutex

	httpServers   map[string]*http.ServeMux
	httpPatterns  map[string]map[string]bool
	httpServersMu sync.Mutex

	started   bool
	closeOnce sync.Once
}

// NewService constructs a Service for the supplied configuration. Register
// services on the returned Service before calling Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	conf.WithDefaults()
	if err := errspkg.NewConfigValidationError(conf.Validate()); err != nil {
		return nil, err
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating replyflow service",
		loggingpkg.LogFields{
			"bus":    conf.BusSystem,
			"config": conf.String(),
		})

	s := &Service{
		Conf:         conf,
		Logger:       log,
		catalog:      deps.Catalog,
		supervisor:   deps.Supervisor,
		registerer:   deps.Registerer,
		tracer:       deps.Tracer,
		stats:        newStatsRegistry(deps.FaultClassifier),
		services:     make(map[string]*registeredService),
		httpServers:  make(map[string]*http.ServeMux),
		httpPatterns: make(map[string]map[string]bool),
	}
	if s.catalog == nil {
		s.catalog = catalogpkg.Default()
	}
	if s.supervisor == nil {
		s.supervisor = correlation.NewSupervisor(log)
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}

	s.metrics = NewMetrics(s.registerer)
	if conf.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	s.acks = correlation.NewEngine(
		correlation.WithMonitor(s.supervisor),
		correlation.WithObserver(observers{s.metrics, s.stats}),
		correlation.WithLogger(log),
	)
	s.hooks = pipeline.LoggingHooks(loggingpkg.ForExchange(log, conf.Debug, nil)).
		Merge(s.metrics.Hooks()).
		Merge(s.stats.Hooks()).
		Merge(deps.Hooks)
	s.resources = newResourceTracker(func(u *ResourceUsage) {
		u.Workers = s.supervisor.Running()
		u.PendingAcks = s.acks.Pending()
		u.PendingResults = s.pendingResults()
	})

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build %s bus: %w", conf.BusSystem, err)
	}
	s.transport = transport
	s.warnings = transportpkg.Warnings(conf)

	s.completions, err = completion.NewPublisher(transport.Publisher, conf.CompletionTopic)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: shutdownTimeout}, wmLogger)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	relay, err := completion.NewRelay(completion.RelayConfig{
		Acks:      s.acks,
		Workers:   s.lookupWorker,
		Pipelines: s.lookupPipeline,
		Logger:    log,
	})
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	relay.Register(s.router, transport.Subscriber, conf.CompletionTopic)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = transport.Close()
		return nil, err
	}

	return s, nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	var httpDefaults []HTTPMiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
		httpDefaults = DefaultHTTPMiddlewares()
	}

	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares)+1)
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)
	registrations = append(registrations, CompletionHooksMiddleware(deps.CompletionHooks))

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}

	s.httpMiddlewares = append(httpDefaults, deps.HTTPMiddlewares...)
	return nil
}

// Start serves every registered service and consumes completions until ctx
// is cancelled. HTTP servers are shut down gracefully before it returns.
func (s *Service) Start(ctx context.Context) error {
	if err := s.StartWebUIServer(); err != nil {
		_ = s.Close()
		return err
	}

	for _, warning := range s.warnings {
		s.Logger.Info("Bus warning", loggingpkg.LogFields{"bus": s.Conf.BusSystem, "warning": warning})
	}

	servers, err := s.listenHTTPServers()
	if err != nil {
		_ = s.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.addr})
			if err := srv.server.Serve(srv.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		// A router stopped by a signal ends the HTTP servers too.
		defer cancel()
		return routerRun(s.router, gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.addr, err))
			}
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	if closeErr := s.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Close releases the bus. Start calls it on return.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Closing a router that never ran waits out its close timeout.
		if s.router != nil && s.router.IsRunning() {
			_ = s.router.Close()
		}
		err = s.transport.Close()
	})
	return err
}

// Deliver routes sig to the exchange waiting on its tid.
func (s *Service) Deliver(sig correlation.Signal) bool {
	return s.acks.Deliver(sig)
}

// Supervisor returns the supervisor whose workers back acknowledged commands.
func (s *Service) Supervisor() *correlation.Supervisor {
	return s.supervisor
}

// Acks returns the correlation engine of the host.
func (s *Service) Acks() *correlation.Engine {
	return s.acks
}

// Metrics returns the Prometheus collectors of the host.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Warnings lists the delivery caveats of the configured bus.
func (s *Service) Warnings() []string {
	out := make([]string, len(s.warnings))
	copy(out, s.warnings)
	return out
}

// Stats returns the per-command statistics collected so far.
func (s *Service) Stats() []*CommandInfo {
	return s.stats.Commands()
}

// Resources samples the host process.
func (s *Service) Resources() ResourceUsage {
	return s.resources.Snapshot()
}

func (s *Service) lookupWorker(id string) (correlation.Worker, bool) {
	h, ok := s.supervisor.Lookup(id)
	if !ok {
		return nil, false
	}
	return h, true
}

func (s *Service) lookupPipeline(serviceID string) (completion.ServicePipeline, bool) {
	p, ok := s.Pipeline(serviceID)
	if !ok {
		return nil, false
	}
	return p, true
}

func (s *Service) pendingResults() int {
	s.servicesMu.RLock()
	defer s.servicesMu.RUnlock()
	total := 0
	for _, svc := range s.services {
		total += svc.pipeline.PendingResults()
	}
	return total
}

// RegisterHTTPHandler mounts handler under pattern on the server listening
// at address. Servers are created on first use and started by Start.
func (s *Service) RegisterHTTPHandler(address, pattern string, handler http.Handler) error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.started {
		return errspkg.ErrServiceStarted
	}

	patterns, ok := s.httpPatterns[address]
	if !ok {
		patterns = make(map[string]bool)
		s.httpPatterns[address] = patterns
	}
	if patterns[pattern] {
		return fmt.Errorf("%w: %s%s", errspkg.ErrAddressInUse, address, pattern)
	}

	mux, ok := s.httpServers[address]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[address] = mux
	}

	mux.Handle(pattern, handler)
	patterns[pattern] = true
	return nil
}

type httpServer struct {
	addr     string
	server   *http.Server
	listener net.Listener
}

// listenHTTPServers binds every address before anything is served so a
// taken port fails Start instead of a background goroutine.
func (s *Service) listenHTTPServers() ([]httpServer, error) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	s.started = true
	servers := make([]httpServer, 0, len(s.httpServers))
	for addr, mux := range s.httpServers {
		ln, err := listen(addr)
		if err != nil {
			for _, srv := range servers {
				_ = srv.listener.Close()
			}
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		servers = append(servers, httpServer{
			addr:     addr,
			listener: ln,
			server: &http.Server{
				Handler:           mux,
				ReadHeaderTimeout: readHeaderTimeout,
			},
		})
	}
	return servers, nil
}

func portAddress(port int) string {
	return ":" + strconv.Itoa(port)
}
