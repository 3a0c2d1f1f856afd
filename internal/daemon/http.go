package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/leadsync/internal/api"
	"go.uber.org/zap"
)

// HTTPServer runs the JSON API.
type HTTPServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewHTTPServer binds addr. The write timeout is left open for the
// long-running sync and follow-up requests and the event stream.
func NewHTTPServer(addr string, h *api.Handler, logger *zap.Logger) (*HTTPServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &HTTPServer{
		srv: &http.Server{
			Handler:      h.Routes(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		},
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the bound address.
func (s *HTTPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Start serves until Stop. It blocks.
func (s *HTTPServer) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.Addr().String()))
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts down gracefully, bounded by ctx.
func (s *HTTPServer) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
}
