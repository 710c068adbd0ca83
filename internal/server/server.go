package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/groupcart/groupcart/internal/domain"
	"github.com/groupcart/groupcart/internal/server/handler"
	"github.com/groupcart/groupcart/internal/server/middleware"
	"github.com/groupcart/groupcart/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// JoinRateLimit caps join attempts per client IP per JoinRateWindow.
	// Zero disables the limit.
	JoinRateLimit  int
	JoinRateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health       *handler.HealthHandler
	Sessions     *handler.SessionHandler
	Participants *handler.ParticipantHandler
}

// Server is the HTTP + WebSocket API server for the group-purchase engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth) and attaches the WebSocket
// hub. The limiter, when non-nil, throttles the join endpoint per client IP.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Session lifecycle endpoints.
	mux.HandleFunc("POST /api/sessions", handlers.Sessions.CreateSession)
	mux.HandleFunc("GET /api/sessions", handlers.Sessions.ListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", handlers.Sessions.GetSession)
	mux.HandleFunc("GET /api/sessions/{id}/participants", handlers.Sessions.ListParticipants)
	mux.HandleFunc("GET /api/sessions/{id}/progress", handlers.Sessions.GetProgress)
	mux.HandleFunc("GET /api/sessions/{id}/can_join", handlers.Sessions.CanJoin)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", handlers.Sessions.CancelSession)
	mux.HandleFunc("POST /api/sessions/{id}/fulfill", handlers.Sessions.CompleteFulfillment)

	// Participation endpoints. Join carries its own rate limit since it is
	// the contended hot path during a popular session's recruitment.
	var join http.Handler = http.HandlerFunc(handlers.Participants.Join)
	if limiter != nil && cfg.JoinRateLimit > 0 {
		join = middleware.RateLimit(limiter, "join", cfg.JoinRateLimit, cfg.JoinRateWindow)(join)
	}
	mux.Handle("POST /api/sessions/{id}/join", join)
	mux.HandleFunc("POST /api/sessions/{id}/leave", handlers.Participants.Leave)
	mux.HandleFunc("GET /api/users/{id}/participations", handlers.Participants.ListUserParticipations)

	// Payment endpoints.
	mux.HandleFunc("POST /api/participants/{id}/charge", handlers.Participants.Charge)
	mux.HandleFunc("POST /api/participants/{id}/refund", handlers.Participants.Refund)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Handler returns the fully assembled handler chain. Useful for tests that
// serve the API without binding a port.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
