package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"sandbox-governor/internal/config"
)

// Server is the governor's admin HTTP API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	handlers := NewHandlers(deps)
	s := &Server{
		handlers: handlers,
		cfg:      cfg,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	h := s.handlers
	sec := s.cfg.Security

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /execute", h.HandleExecute)
	apiMux.HandleFunc("GET /containers", h.HandleListContainers)
	apiMux.HandleFunc("DELETE /containers/{id}", h.HandleRemoveContainer)
	apiMux.HandleFunc("POST /cleanup", h.HandleCleanup)
	apiMux.HandleFunc("POST /emergency/stop", h.HandleEmergencyStop)
	apiMux.HandleFunc("POST /emergency/reset", h.HandleEmergencyReset)
	apiMux.HandleFunc("GET /emergency", h.HandleEmergencyStatus)
	apiMux.HandleFunc("GET /alerts", h.HandleAlerts)
	apiMux.HandleFunc("GET /terminations", h.HandleTerminations)

	authedAPI := AuthMiddleware(sec.APIKeyHeader, sec.AllowedKeys, sec.AllowUnauthenticated)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	if s.cfg.Metrics.Enabled && h.deps.Metrics != nil {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(h.deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(h.deps.Metrics)(handler)
	handler = RateLimitMiddleware(sec.RateLimitRPS, sec.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(s.cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
