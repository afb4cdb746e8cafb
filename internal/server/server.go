// Package server implements the HTTP API server for Kokoro.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kokoro-ai/kokoro/internal/storage"
	"github.com/kokoro-ai/kokoro/internal/stream"
)

// Server is the Kokoro HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Broker, Memories, Index, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Store    storage.Store
	Decision DecisionStreamer
	Cycle    Reflector
	Journal  stream.TurnWriter
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Broker    *Broker
	Memories  Recaller
	Index     HealthChecker
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Reply shaping.
	FallbackReply string
	PartialSuffix string

	// LocalPublish routes state events through the broker in-process
	// instead of LISTEN/NOTIFY. Set for the SQLite store.
	LocalPublish bool
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Decision:            cfg.Decision,
		Cycle:               cfg.Cycle,
		Journal:             cfg.Journal,
		Broker:              cfg.Broker,
		Memories:            cfg.Memories,
		Index:               cfg.Index,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		FallbackReply:       cfg.FallbackReply,
		PartialSuffix:       cfg.PartialSuffix,
		LocalPublish:        cfg.LocalPublish,
	})

	mux := http.NewServeMux()

	// Chat turn (SSE response).
	mux.HandleFunc("POST /v1/chat", h.HandleChat)

	// Explicit reflection cycle.
	mux.HandleFunc("POST /v1/reflect", h.HandleReflect)

	// Persona reads.
	mux.HandleFunc("GET /v1/personas/{identity}", h.HandleGetPersona)
	mux.HandleFunc("GET /v1/personas/{identity}/turns", h.HandleRecentTurns)
	mux.HandleFunc("GET /v1/personas/{identity}/growth", h.HandleGrowthHistory)

	// State-change subscription (long-lived connection).
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health.
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
