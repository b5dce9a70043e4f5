// Package api provides the HTTP REST API for Luma.
//
// Endpoints:
//
//	POST   /api/chat                 - one-shot chat turn
//	POST   /api/chat/stream          - streaming chat turn (SSE)
//	POST   /api/chat/feedback        - attach feedback to a conversation
//	GET    /api/chat/{conversation}  - latest audited turn of a conversation
//	POST   /api/knowledge            - ingest documents
//	PUT    /api/knowledge/{id}       - replace a stored document
//	DELETE /api/knowledge/{id}       - delete a stored document
//	GET    /api/knowledge            - list stored documents
//	POST   /api/knowledge/search     - similarity search
//	GET    /health                   - liveness probe
//	GET    /ready                    - readiness probe
//
// File structure:
//   - server.go: HTTP server setup and lifecycle
//   - middleware.go: HTTP middleware (logging, recovery)
//   - health.go: health check endpoints
//   - chat.go: chat endpoints including SSE streaming
//   - knowledge.go: knowledge-base management endpoints
//   - response.go: JSON response helpers
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumakb/luma/internal/log"
)

const (
	// DefaultAddr is the default address for the HTTP server.
	DefaultAddr = "127.0.0.1:8080"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout is the timeout for reading request headers.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is the maximum duration for writing the response. It is
	// generous because SSE streams write for the lifetime of a model call.
	WriteTimeout = 5 * time.Minute

	// IdleTimeout is the maximum time to wait for the next request on
	// keep-alive connections.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP server for Luma's REST API.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger

	health    *HealthHandler
	chat      *ChatHandler
	knowledge *KnowledgeHandler
}

// NewServer creates an HTTP server with all routes registered.
func NewServer(pool *pgxpool.Pool, chatSvc ChatService, knowledgeSvc KnowledgeService, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	mux := http.NewServeMux()

	s := &Server{
		mux:       mux,
		logger:    logger,
		health:    NewHealthHandler(pool, logger),
		chat:      NewChatHandler(chatSvc, logger),
		knowledge: NewKnowledgeHandler(knowledgeSvc, logger),
	}

	s.health.RegisterRoutes(mux)
	s.chat.RegisterRoutes(mux)
	s.knowledge.RegisterRoutes(mux)

	return s
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery → logging → handler.
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
