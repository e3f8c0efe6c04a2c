// Package grpcserver exposes the standard gRPC health service for the gateway.
package grpcserver

import (
	"net"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"marketplace-chat/internal/observability"
)

// Server wraps a grpc.Server carrying the health service.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	service string
	logger  zerolog.Logger
}

// New builds a server reporting health for service.
func New(service string, logger zerolog.Logger) *Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.UnaryServerMetrics()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)

	return &Server{grpc: srv, health: hs, service: service, logger: logger}
}

// Serve blocks until lis is closed or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("grpc health server listening")
	return s.grpc.Serve(lis)
}

// SetServing flips the health status of the whole server and the named service.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.service, status)
}

// Stop drains in-flight RPCs and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
