// Package server exposes the session manager over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/visorlabs/visor-cli/api/schemas"
	"github.com/visorlabs/visor-cli/internal/config"
	"github.com/visorlabs/visor-cli/internal/session"
)

// Server hosts the HTTP API in front of a session manager.
type Server struct {
	cfg     config.ServerConfig
	logger  *zap.Logger
	manager *session.Manager
	store   schemas.SessionStore

	httpServer *http.Server
	listener   net.Listener
}

// New builds a server. store may be nil when persistence is not configured.
func New(cfg config.ServerConfig, manager *session.Manager, store schemas.SessionStore, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger.Named("server"),
		manager: manager,
		store:   store,
	}
}

// Handler builds the full route tree. Exposed so tests can drive it through
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)

	// WebSocket routes stay outside the timeout middleware; the stream is
	// long-lived by nature.
	r.Group(func(r chi.Router) {
		if s.cfg.Auth.Enabled {
			r.Use(s.jwtAuth)
		}
		r.Get("/ws/v1/sessions/{sessionID}", s.handleSessionStream)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(120 * time.Second))
		if s.cfg.Auth.Enabled {
			r.Use(s.jwtAuth)
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/run", s.handleRunSync)
			r.Post("/sessions", s.handleStartSession)
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{sessionID}", s.handleGetSession)
			r.Delete("/sessions/{sessionID}", s.handleCancelSession)
		})
	})

	return r
}

// Start binds the listen address and serves until ctx is cancelled, then
// drains connections and running sessions within the shutdown grace period.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.Handler()}

	s.manager.StartSweeper()
	s.logger.Info("API server listening.", zap.String("address", listener.Addr().String()))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down.", zap.Duration("grace", s.cfg.ShutdownGrace))

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := s.manager.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Session manager shutdown error", zap.Error(err))
		return err
	}
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// requestLogger logs one line per completed request through zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request handled.",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
