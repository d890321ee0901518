package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/config"
)

// =============================================================================
// GRACEFUL SERVER
// =============================================================================

// GracefulServer wraps a gRPC server serving the Runtime service, with
// health checking and graceful shutdown.
type GracefulServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     Logger
	address    string
	drain      time.Duration

	mu         sync.Mutex
	listener   net.Listener
	isShutdown bool
}

// NewGracefulServer registers svc on a new gRPC server. Without opts the
// server gets ServerOptions with no metrics and default limits.
func NewGracefulServer(svc *RuntimeServer, address string, opts ...grpc.ServerOption) *GracefulServer {
	if len(opts) == 0 {
		opts = ServerOptions(svc.logger, nil, config.GRPCConfig{})
	}
	gs := grpc.NewServer(opts...)
	svc.Register(gs)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return &GracefulServer{
		grpcServer: gs,
		health:     hs,
		logger:     svc.logger,
		address:    address,
		drain:      10 * time.Second,
	}
}

// SetDrainTimeout bounds how long Start waits for in-flight calls after its
// context ends. Non-positive values are ignored.
func (s *GracefulServer) SetDrainTimeout(d time.Duration) {
	if d > 0 {
		s.drain = d
	}
}

// Start listens on the configured address and serves until ctx is
// cancelled, then drains for at most the drain timeout.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	errCh := s.serve(lis)
	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.ShutdownWithTimeout(s.drain)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// Serve serves on lis in the background. The returned channel yields the
// serve error, if any, and is closed when serving ends.
func (s *GracefulServer) Serve(lis net.Listener) <-chan error {
	return s.serve(lis)
}

func (s *GracefulServer) serve(lis net.Listener) <-chan error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("grpc_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// GracefulStop stops accepting connections and waits for in-flight calls.
// Attached streams are ended by the caller cancelling them or by Stop.
func (s *GracefulServer) GracefulStop() {
	if !s.markShutdown() {
		return
	}
	s.health.Shutdown()
	s.logger.Info("grpc_graceful_stop_started")
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// Stop closes every connection immediately.
func (s *GracefulServer) Stop() {
	if !s.markShutdown() {
		return
	}
	s.health.Shutdown()
	s.logger.Warn("grpc_immediate_stop")
	s.grpcServer.Stop()
}

func (s *GracefulServer) markShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isShutdown {
		return false
	}
	s.isShutdown = true
	return true
}

// ShutdownWithTimeout stops gracefully, forcing an immediate stop when the
// drain takes longer than timeout.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
		<-done
	}
}

// GetGRPCServer returns the underlying grpc.Server.
func (s *GracefulServer) GetGRPCServer() *grpc.Server {
	return s.grpcServer
}

// Address returns the bound address once serving, else the configured one.
func (s *GracefulServer) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}
