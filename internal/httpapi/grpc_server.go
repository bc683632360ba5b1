package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"cwphosting.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer exposes the standard gRPC health service. Its status follows the readiness probe.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
}

// NewGRPCServer creates the health service wrapper. It reports NOT_SERVING until the first Refresh.
func NewGRPCServer(r readinessChecker) *GRPCServer {
	s := &GRPCServer{health: health.NewServer(), readiness: r}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh evaluates readiness once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) error {
	err := s.readiness.Check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(err == nil)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
	return err
}

// Run refreshes the status every interval until ctx is done, then marks the server as shutting down.
func (s *GRPCServer) Run(ctx context.Context, interval time.Duration) {
	l := obs.Component("grpc")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cctx, cancel := context.WithTimeout(ctx, interval)
		if err := s.Refresh(cctx); err != nil && ctx.Err() == nil {
			l.Warn().Err(err).Msg("readiness check failed")
		}
		cancel()
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
