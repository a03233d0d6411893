// Package server exposes the agent over HTTP: a Responses-style endpoint
// answering in JSON or server-sent events, and a WebSocket endpoint that
// forwards raw loop events.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/martinemde/docagent/agentloop"
)

// maxRequestBodySize bounds request bodies and WebSocket frames.
const maxRequestBodySize = 1 << 20

// Runner is the part of agentloop.Agent the server needs.
type Runner interface {
	Stream(ctx context.Context, req agentloop.RunRequest) <-chan agentloop.Event
}

// Options configures a Server.
type Options struct {
	Runner    Runner
	RateLimit int // requests per minute per user, 0 disables
	RateBurst int
	Logger    *slog.Logger
}

// Server serves the agent endpoints.
type Server struct {
	runner   Runner
	limiter  *RateLimiter
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a Server.
func New(opts Options) (*Server, error) {
	if opts.Runner == nil {
		return nil, errors.New("server: runner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runner:  opts.Runner,
		limiter: NewRateLimiter(opts.RateLimit, opts.RateBurst, logger),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}, nil
}

// Handler returns the routed endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /invocations", s.handleResponses)
	mux.HandleFunc("POST /v1/responses", s.handleResponses)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully, giving in-flight requests up to 30 seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	defer s.limiter.Close()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
