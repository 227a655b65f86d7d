// Package server implements the WebSocket session manager and the small
// HTTP surface around it (health and root endpoints).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hward/chatrelay/internal/buildinfo"
	"github.com/hward/chatrelay/internal/orchestrator"
	"github.com/hward/chatrelay/internal/tools"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server accepts WebSocket chat sessions and hands each request to the
// orchestrator. It also serves the health and root endpoints.
type Server struct {
	address  string
	port     int
	orch     *orchestrator.Orchestrator
	registry *tools.Registry
	adapter  string
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates the session manager. adapter names the model backend for
// the health endpoint (e.g. "openai").
func New(address string, port int, orch *orchestrator.Orchestrator, registry *tools.Registry, adapter string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		orch:     orch,
		registry: registry,
		adapter:  adapter,
		logger:   logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; auth is
			// out of scope for the relay itself.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/chat", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.withLogging(mux),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: WebSocket connections are long-lived.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and closes the listener. Live
// turns are cancelled through the base context.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "chatrelay",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":          "healthy",
		"version":         buildinfo.Version,
		"adapter":         s.adapter,
		"tool_transports": len(s.registry.Transports()),
	}, s.logger)
}
