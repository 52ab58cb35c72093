// Package health exposes the service's readiness over the standard gRPC
// health checking protocol.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Service is the name clients check.
const Service = "askstream"

// Server serves grpc.health.v1.Health.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
}

// New creates a health server. Service starts as NOT_SERVING.
func New() *Server {
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	hs := grpchealth.NewServer()
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{grpc: gs, health: hs}
}

// SetServing updates the status of Service.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(Service, status)
	slog.Info("Health status changed", "service", Service, "status", status.String())
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen health: %w", err)
	}
	slog.Info("gRPC health server starting", "addr", lis.Addr().String())
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then reports NOT_SERVING to all
// watchers and stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.Shutdown()
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve health: %w", err)
		}
		return nil
	}
}

// Shutdown marks every service NOT_SERVING and stops the server.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
