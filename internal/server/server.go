// Package server exposes the engine over HTTP: health and metrics, event
// ingestion, DLQ inspection and reprocessing, and a websocket stream of
// queue notifications.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentcore/internal/engine"
	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/pkg/eventqueue"
)

// Server is the admin HTTP server.
type Server struct {
	addr   string
	secret string
	engine *engine.Engine
	hub    *Hub
	logger zerolog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// Config holds server configuration.
type Config struct {
	Addr string
	// SharedSecret is required in the X-Agentcore-Secret header of mutating
	// requests and the stream. Empty disables the check.
	SharedSecret string
	Engine       *engine.Engine
}

// NewServer creates a server and subscribes its stream hub to the engine's
// queue notifications.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8088"
	}

	logger := log.With().Str("component", "server").Logger()
	s := &Server{
		addr:   cfg.Addr,
		secret: cfg.SharedSecret,
		engine: cfg.Engine,
		hub:    NewHub(logger),
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	cfg.Engine.Queue().On(eventqueue.NotifyAll, s.hub.Notify)
	return s, nil
}

// Hub returns the stream hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/queue/stats", s.handleQueueStats)
	mux.HandleFunc("POST /v1/events", s.requireSecret(s.handleEnqueue))

	mux.HandleFunc("GET /v1/dlq", s.handleDLQList)
	mux.HandleFunc("GET /v1/dlq/stats", s.handleDLQStats)
	mux.HandleFunc("GET /v1/dlq/{id}", s.handleDLQGet)
	mux.HandleFunc("POST /v1/dlq/{id}/reprocess", s.requireSecret(s.handleDLQReprocess))
	mux.HandleFunc("POST /v1/dlq/reprocess", s.requireSecret(s.handleDLQReprocessCriteria))

	mux.HandleFunc("GET /v1/sessions/{threadID}", s.handleSessionGet)

	mux.HandleFunc("GET /v1/stream", s.requireSecret(s.handleStream))
	return s.logRequests(mux)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting admin server")
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin server error")
		}
	}(s.server)
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop tells stream clients the server is going away, closes them and shuts
// the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.logger.Info().Msg("Shutting down admin server")
	s.hub.Broadcast("server.shutdown", map[string]any{"message": "server is shutting down"})
	s.hub.Close()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Admin server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.URL.Path == "/v1/stream" {
			// the upgrader needs the raw writer
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
