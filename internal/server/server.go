package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server pairs an http.Server with the listener it serves. Request
// contexts derive from a base context that Shutdown cancels, so long-poll
// handlers return instead of holding the drain open.
type Server struct {
	name     string
	srv      *http.Server
	listener net.Listener
	logger   *slog.Logger
	stop     context.CancelFunc
}

func New(name string, ln net.Listener, h http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	base, stop := context.WithCancel(context.Background())
	return &Server{
		name:     name,
		listener: ln,
		logger:   logger,
		stop:     stop,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
			BaseContext:       func(net.Listener) context.Context { return base },
		},
	}
}

// Addr reports the listener address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve blocks until the server stops. A graceful Shutdown returns nil.
func (s *Server) Serve() error {
	s.logger.Info("http server listening",
		slog.String("server", s.name),
		slog.String("addr", s.Addr()),
	)
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", s.name, err)
	}
	return nil
}

// Shutdown stops accepting connections, cancels in-flight request
// contexts and waits for active requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s server shutdown: %w", s.name, err)
	}
	s.logger.Info("http server stopped", slog.String("server", s.name))
	return nil
}
