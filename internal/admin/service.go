package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/cmatc13/overseer/pkg/service"
)

// Service runs a Server under supervision. Binding happens in Start so a busy
// port fails the start; later Serve failures are reported through Errors.
type Service struct {
	server *Server
	http   *http.Server
	errs   chan error
	addr   atomic.Value
	done   chan struct{}
}

// NewService wraps server for registration with the supervisor.
func NewService(server *Server) *Service {
	return &Service{
		server: server,
		errs:   make(chan error, 1),
	}
}

// Factory returns a service.Factory producing a fresh Service per start.
func Factory(server *Server) service.Factory {
	return func(context.Context) (any, error) {
		return NewService(server), nil
	}
}

// Start binds the listen address and serves in the background.
func (s *Service) Start(ctx context.Context) error {
	cfg := s.server.config
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return err
	}
	s.addr.Store(ln.Addr().String())

	s.http = &http.Server{
		Handler:      s.server.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errs <- err
		}
	}()

	s.server.logger.Info("Admin API listening", "addr", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Service) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	err := s.http.Shutdown(ctx)
	<-s.done
	s.server.logger.Info("Admin API stopped")
	return err
}

// Errors reports failures of the serve loop.
func (s *Service) Errors() <-chan error {
	return s.errs
}

// Addr returns the bound address once started.
func (s *Service) Addr() string {
	addr, _ := s.addr.Load().(string)
	return addr
}

// HealthCheck reports whether the server answers its own /health route.
func HealthCheck(ctx context.Context, instance any) (bool, error) {
	svc, ok := instance.(*Service)
	if !ok || svc.Addr() == "" {
		return false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+svc.Addr()+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	// 503 still proves the server is up; other services being down is
	// reported by the health route itself.
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusServiceUnavailable, nil
}
