// Package web serves the pqlmem HTTP API.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/pqlmem"
	"github.com/saltyorg/pqlmem/internal/auth"
	"github.com/saltyorg/pqlmem/internal/config"
	"github.com/saltyorg/pqlmem/internal/metrics"
	"github.com/saltyorg/pqlmem/internal/web/handlers"
	"github.com/saltyorg/pqlmem/internal/web/middleware"
	"github.com/saltyorg/pqlmem/internal/web/sse"
)

// Server represents the web server
type Server struct {
	port          int
	bind          string
	allowedNets   []*net.IPNet
	router        *chi.Mux
	manager       *pqlmem.Manager
	apiKeyService *auth.APIKeyService
	sseBroker     *sse.Broker
	handlers      *handlers.Handlers
	metrics       *metrics.Metrics
}

// NewServer creates a new web server. broker may be nil, in which case the
// server creates its own.
func NewServer(manager *pqlmem.Manager, broker *sse.Broker, port int, bind string, allowedNets []*net.IPNet) *Server {
	if broker == nil {
		broker = sse.NewBroker()
	}
	return &Server{
		port:        port,
		bind:        bind,
		allowedNets: allowedNets,
		router:      chi.NewRouter(),
		manager:     manager,
		sseBroker:   broker,
	}
}

// SetAPIKeyService enables API key checks on every /api route
func (s *Server) SetAPIKeyService(svc *auth.APIKeyService) {
	s.apiKeyService = svc
}

// SetMetrics enables request metrics and the /metrics endpoint. It must be
// called before SetHandlers.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetHandlers installs the handlers and builds the routes
func (s *Server) SetHandlers(h *handlers.Handlers) {
	h.SetSSEBroker(s.sseBroker)
	s.handlers = h
	s.setupRoutes()
}

// SSEBroker returns the SSE broker for broadcasting events
func (s *Server) SSEBroker() *sse.Broker {
	return s.sseBroker
}

// Router returns the HTTP handler, mainly for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router
	h := s.handlers

	r.Use(chimiddleware.RequestID)
	// AllowSubnet runs before RealIP so it checks the direct connection source
	r.Use(middleware.AllowSubnet(s.allowedNets))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		// Scrapers rarely send API keys; the subnet allow-list still applies
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKey(s.apiKeyService))

		// Long-lived stream, kept out of the request timeout
		r.Get("/events", s.sseBroker.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.GetTimeouts().Request))

			r.Get("/status", h.Status)
			r.Post("/engine/start", h.StartEngine)
			r.Post("/engine/stop", h.StopEngine)

			r.Route("/databases", func(r chi.Router) {
				r.Get("/", h.ListDatabases)
				r.Post("/", h.CreateDatabase)
				r.Delete("/", h.DropDatabase)
				r.Get("/exists", h.DatabaseExists)
				r.Post("/sql", h.ExecuteSQL)
				r.Post("/migrations", h.RunMigrations)
			})
		})
	})
}

// Start runs the HTTP server until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	var addr string
	if s.bind != "" {
		addr = net.JoinHostPort(s.bind, fmt.Sprint(s.port))
	} else {
		addr = fmt.Sprintf(":%d", s.port)
	}

	server := &http.Server{
		Addr:    addr,
		Handler: s.router,
		// ReadTimeout is for reading request body
		ReadTimeout: 15 * time.Second,
		// WriteTimeout disabled (0) to allow SSE long-lived connections
		// Chi middleware timeout protects regular requests
		WriteTimeout: 0,
		// IdleTimeout for keep-alive connections between requests
		IdleTimeout: 120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down HTTP server")
		// Stop SSE broker first to close all client connections gracefully
		s.sseBroker.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetTimeouts().Shutdown)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		s.sseBroker.Stop()
		return err
	}
}
