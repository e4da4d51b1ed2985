// Package health exposes the standard gRPC health service for the biometric
// API and a probe client for checking it from the command line.
package health

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported alongside the overall ("") status.
const ServiceName = "biometric.v1.Biometric"

const defaultInterval = 10 * time.Second

// Checker reports whether a dependency is reachable.
type Checker interface {
	Ping(ctx context.Context) error
}

// Server publishes serving status derived from a Checker.
type Server struct {
	grpc     *grpc.Server
	health   *grpchealth.Server
	checker  Checker
	interval time.Duration
	logger   *zap.Logger
}

func NewServer(checker Checker, interval time.Duration, logger *zap.Logger) *Server {
	if interval <= 0 {
		interval = defaultInterval
	}
	hs := grpchealth.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		grpc:     gs,
		health:   hs,
		checker:  checker,
		interval: interval,
		logger:   logger.Named("health"),
	}
}

// Serve answers health checks on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.Refresh(ctx)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-done:
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()

	err := s.grpc.Serve(lis)
	close(done)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Refresh pings the checker once and publishes the result.
func (s *Server) Refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.checker != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.checker.Ping(pingCtx)
		cancel()
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn("dependency check failed", zap.Error(err))
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
