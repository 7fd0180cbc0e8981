package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/vitwit/solpay/config"
	"github.com/vitwit/solpay/logger"
)

// Server represents the HTTP server lifecycle.
type Server struct {
	httpServer *http.Server
	logger     logger.Logger
}

// New constructs a Server instance using the provided router.
func New(log logger.Logger, cfg config.HTTPConfig, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log,
	}
}

// Start begins listening for HTTP traffic. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", map[string]any{"addr": s.httpServer.Addr})
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully terminates all active connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server", nil)
	return s.httpServer.Shutdown(ctx)
}
