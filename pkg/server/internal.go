package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/instances/pkg/logger"
)

// Internal serves the probes, the membership and the metrics of the agent.
type Internal struct {
	addr   string
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

func NewInternal(addr string, child ...ChildServer) *Internal {
	return &Internal{
		addr: addr,
		server: &http.Server{
			Addr:     addr,
			ErrorLog: logger.LogCompatible,
			Handler:  NewRouter(child...),
		},
	}
}

// Start serves until Shutdown is called. It returns nil after Shutdown.
func (s *Internal) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return xerrors.WithStack(err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	logger.Named("internal").Info("Start Internal server", zap.String("listen", l.Addr().String()))
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return xerrors.WithStack(err)
	}

	return nil
}

// Addr returns the address the server is listening on. It is nil before Start.
func (s *Internal) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Internal) Shutdown(ctx context.Context) error {
	logger.Named("internal").Info("Shutdown Internal server")
	if err := s.server.Shutdown(ctx); err != nil {
		return xerrors.WithStack(err)
	}

	return nil
}
