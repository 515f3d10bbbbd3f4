package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/replyflow/internal/runtime/envelope"
)

// HostInfo is served at /api/services.
type HostInfo struct {
	Bus      string        `json:"bus"`
	Warnings []string      `json:"warnings,omitempty"`
	Resource ResourceUsage `json:"resource"`
	Services []ServiceInfo `json:"services"`
}

// StartWebUIServer mounts the introspection API when the web UI is enabled.
func (s *Service) StartWebUIServer() error {
	if !s.Conf.WebUIEnabled {
		return nil
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = 8081
	}
	addr := portAddress(port)

	if err := s.RegisterHTTPHandler(addr, "/api/commands", http.HandlerFunc(s.handleGetCommands)); err != nil {
		return err
	}
	return s.RegisterHTTPHandler(addr, "/api/services", http.HandlerFunc(s.handleGetServices))
}

func (s *Service) handleGetCommands(w http.ResponseWriter, r *http.Request) {
	s.serveJSON(w, r, func() any { return s.Stats() })
}

func (s *Service) handleGetServices(w http.ResponseWriter, r *http.Request) {
	s.serveJSON(w, r, func() any {
		return HostInfo{
			Bus:      s.Conf.BusSystem,
			Warnings: s.Warnings(),
			Resource: s.Resources(),
			Services: s.Services(),
		}
	})
}

func (s *Service) serveJSON(w http.ResponseWriter, r *http.Request, body func() any) {
	w.Header().Set("Content-Type", "application/json")

	if s.Conf != nil && len(s.Conf.WebUICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if allowedOrigin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := envelope.Marshal(body())
	if err != nil {
		s.Logger.Error("Failed to encode introspection payload", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(payload)
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
