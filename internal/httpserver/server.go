// Package httpserver exposes the websocket endpoint, a read-only rooms API
// and the health check
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// New wraps handler in an http.Server. Read and write timeouts stay unset
// because upgraded connections live for the whole session.
func New(addr string, handler http.Handler, log *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		log: log,
	}
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	s.log.Info("starting http server", "addr", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. Hijacked
// websocket connections are not tracked here.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server", "addr", s.httpServer.Addr)
	return s.httpServer.Shutdown(ctx)
}
