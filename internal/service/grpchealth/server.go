// Package grpchealth exposes per-protocol reachability through the standard gRPC health service.
// The service name of a protocol is its id; the empty service name reports the monitor itself.
package grpchealth

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
}

func New() *Server {
	s := &Server{
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve blocks serving on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	l := logger.WithComponent("gRPC")
	l.Info().Str("address", lis.Addr().String()).Msg("gRPC health service listening.")
	return s.grpcServer.Serve(lis)
}

// ListenAndServe listens on port and serves in the background.
func (s *Server) ListenAndServe(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on grpc port %d: %w", port, err)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC health service stopped.")
		}
	}()
	return nil
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// SetResult publishes the state of a single result.
func (s *Server) SetResult(r types.ProbeResult) {
	s.health.SetServingStatus(r.ProtocolID, statusOf(r.State()))
}

// Forget marks a removed protocol as unknown.
func (s *Server) Forget(protocolID string) {
	s.health.SetServingStatus(protocolID, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
}

func (s *Server) Name() string { return "grpc-health" }

// Notify implements notify.Notifier.
func (s *Server) Notify(ctx context.Context, events []types.TransitionEvent) error {
	for _, ev := range events {
		s.health.SetServingStatus(ev.ProtocolID, statusOf(ev.Current))
	}
	return nil
}

func statusOf(st types.HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	switch st {
	case types.StatusUp:
		return healthpb.HealthCheckResponse_SERVING
	case types.StatusDown:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}
