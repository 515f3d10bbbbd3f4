package runtime

import (
	"fmt"
	"sort"

	configpkg "github.com/drblury/replyflow/internal/runtime/config"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	"github.com/drblury/replyflow/internal/runtime/httpbinding"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
	"github.com/drblury/replyflow/internal/runtime/pipeline"
)

// ServiceRegistration describes one command service. Raw defaults to
// Handler when Handler also serves raw exchanges; Address defaults to the
// configured listen address for ID.
type ServiceRegistration struct {
	ID       string
	Handler  pipeline.Handler
	Raw      httpbinding.RawHandler
	Address  string
	NewState func() pipeline.State
	Hooks    pipeline.CommandHooks
}

type registeredService struct {
	id       string
	address  string
	handler  pipeline.Handler
	pipeline *pipeline.Engine
	binding  *httpbinding.Binding
}

// ServiceInfo describes a registered service.
type ServiceInfo struct {
	ID       string         `json:"id"`
	Address  string         `json:"address"`
	Commands []*CommandInfo `json:"commands"`
}

// RegisterService creates the pipeline engine and HTTP binding for reg and
// mounts the binding on its listen address.
func (s *Service) RegisterService(reg ServiceRegistration) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if reg.ID == "" {
		return errspkg.ErrServiceIDRequired
	}
	if reg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}

	s.servicesMu.Lock()
	defer s.servicesMu.Unlock()

	if _, ok := s.services[reg.ID]; ok {
		return fmt.Errorf("%w: %s", errspkg.ErrServiceExists, reg.ID)
	}

	engine, err := pipeline.NewEngine(reg.Handler,
		pipeline.WithHooks(s.hooks.Merge(reg.Hooks)),
		pipeline.WithTracer(s.tracer),
	)
	if err != nil {
		return err
	}

	raw := reg.Raw
	if raw == nil {
		raw, _ = reg.Handler.(httpbinding.RawHandler)
	}

	middlewares, err := s.buildHTTPMiddlewares(reg.ID)
	if err != nil {
		return fmt.Errorf("service %s: %w", reg.ID, err)
	}

	conf := s.Conf
	binding, err := httpbinding.New(httpbinding.Config{
		ServiceID:   reg.ID,
		Pipeline:    engine,
		Acks:        s.acks,
		Raw:         raw,
		Catalog:     s.catalog,
		Settings:    func() configpkg.ExchangeSettings { return conf.ExchangeSettings(reg.ID) },
		NewState:    reg.NewState,
		Logger:      s.Logger,
		Middlewares: middlewares,
	})
	if err != nil {
		return err
	}

	address := reg.Address
	if address == "" {
		address = conf.ServiceAddress(reg.ID)
	}
	if err := s.RegisterHTTPHandler(address, "/", binding); err != nil {
		return fmt.Errorf("service %s: %w", reg.ID, err)
	}

	s.services[reg.ID] = &registeredService{
		id:       reg.ID,
		address:  address,
		handler:  reg.Handler,
		pipeline: engine,
		binding:  binding,
	}

	s.Logger.Info("Registered service", loggingpkg.LogFields{
		"service": reg.ID,
		"address": address,
	})
	return nil
}

// Pipeline returns the pipeline engine of a registered service.
func (s *Service) Pipeline(serviceID string) (*pipeline.Engine, bool) {
	s.servicesMu.RLock()
	defer s.servicesMu.RUnlock()
	svc, ok := s.services[serviceID]
	if !ok {
		return nil, false
	}
	return svc.pipeline, true
}

// Handler returns the HTTP handler serving a registered service, for tests
// and for embedding in another server.
func (s *Service) Handler(serviceID string) (*httpbinding.Binding, bool) {
	s.servicesMu.RLock()
	defer s.servicesMu.RUnlock()
	svc, ok := s.services[serviceID]
	if !ok {
		return nil, false
	}
	return svc.binding, true
}

// Services lists the registered services sorted by id.
func (s *Service) Services() []ServiceInfo {
	s.servicesMu.RLock()
	out := make([]ServiceInfo, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, ServiceInfo{ID: svc.id, Address: svc.address})
	}
	s.servicesMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for i := range out {
		out[i].Commands = s.stats.ServiceCommands(out[i].ID)
	}
	return out
}

func (s *Service) service(serviceID string) (*registeredService, error) {
	s.servicesMu.RLock()
	defer s.servicesMu.RUnlock()
	svc, ok := s.services[serviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrServiceNotFound, serviceID)
	}
	return svc, nil
}
