// Package gateway exposes the turn runner over HTTP: JSON turns, server-sent
// event streams, a websocket stream and read access to stored sessions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/harun/tata/internal/observability"
	"github.com/harun/tata/internal/tracing"
	"github.com/harun/tata/pkg/orchestrator"
	"github.com/harun/tata/pkg/session"
	"github.com/harun/tata/pkg/stream"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const maxRequestBytes = 1 << 20

// TurnRunner executes turns.
type TurnRunner interface {
	Run(ctx context.Context, input orchestrator.TurnInput) (*orchestrator.TurnResult, error)
	RunStream(ctx context.Context, input orchestrator.TurnInput) (<-chan stream.Event, error)
}

// Config holds server configuration.
type Config struct {
	Host              string
	Port              int
	AuthToken         string
	RequestsPerMinute int
	MaxConcurrent     int
	WriteTimeout      time.Duration
	Runner            TurnRunner
	Store             session.Store
	Logger            zerolog.Logger
}

// Server is the HTTP gateway.
type Server struct {
	cfg      Config
	runner   TurnRunner
	store    session.Store
	auth     *TokenAuth
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	server   *http.Server
	handler  http.Handler
}

// NewServer creates a gateway.
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Runner == nil {
		return nil, fmt.Errorf("turn runner is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}

	s := &Server{
		cfg:     cfg,
		runner:  cfg.Runner,
		store:   cfg.Store,
		auth:    NewTokenAuth(cfg.AuthToken),
		limiter: NewRateLimiter(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		logger:  cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the router, used by tests and embedding servers.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/turns", s.handleTurn)
			r.Post("/turns/stream", s.handleTurnStream)
			r.Get("/ws", s.handleWebSocket)
		})

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), tracing.TracerGateway, "gateway.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path))
		defer span.End()

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("request_id", chimw.GetReqID(ctx)).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

// Start listens in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info().Msg("Shutting down gateway")
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
