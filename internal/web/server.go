package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zapdeck/panel/internal/auth"
	"github.com/zapdeck/panel/internal/observability"
)

// Server wires the API handler, middleware, and HTTP listener.
type Server struct {
	httpServer *http.Server
	registry   *Registry
	logger     *observability.Logger
}

// ServerConfig assembles the server.
type ServerConfig struct {
	Addr    string
	Handler *Handler
	Auth    *auth.Service
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewServer builds the HTTP server with all routes registered.
func NewServer(cfg ServerConfig) *Server {
	h := cfg.Handler
	requireAuth := auth.Middleware(cfg.Auth, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", h.handleLogin)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	protected := map[string]http.HandlerFunc{
		"/api/settings":                 h.handleSettings,
		"/api/settings/prompt":          h.handlePrompt,
		"/api/settings/evolution":       h.handleEvolution,
		"/api/settings/evolution/test":  h.handleEvolutionTest,
		"/api/connection":               h.handleConnection,
		"/api/connection/connect":       h.handleConnect,
		"/api/connection/disconnect":    h.handleDisconnect,
		"/api/connection/qrcode":        h.handleQRCode,
		"/api/connection/notifications": h.handleNotifications,
	}
	for path, handler := range protected {
		mux.Handle(path, requireAuth(handler))
	}

	var root http.Handler = mux
	root = LoggingMiddleware(cfg.Logger, cfg.Metrics)(root)
	root = RequestIDMiddleware(root)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           root,
			ReadHeaderTimeout: 10 * time.Second,
		},
		registry: h.registry,
		logger:   cfg.Logger,
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes all connection sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.registry != nil {
		s.registry.CloseAll()
	}
	return err
}

// Routes exposes the root handler for tests.
func (s *Server) Routes() http.Handler {
	return s.httpServer.Handler
}
