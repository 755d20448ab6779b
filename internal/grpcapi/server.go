// Package grpcapi serves the standard gRPC health service, driven by the
// same readiness checks as /readyz.
package grpcapi

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"campusgov.org/internal/obs"
)

// ServiceName is the health entry for the governance core.
const ServiceName = "campusgov.Governance"

// ReadinessChecker reports whether backing stores are reachable.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// Server wraps a grpc.Server with a health service.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	ready    ReadinessChecker
	interval time.Duration
}

// NewServer registers health and reflection. interval controls how often
// readiness is re-checked while serving.
func NewServer(ready ReadinessChecker, interval time.Duration, opts ...grpc.ServerOption) *Server {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := &Server{
		grpc:     grpc.NewServer(opts...),
		health:   health.NewServer(),
		ready:    ready,
		interval: interval,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	return s
}

// CheckReady runs one readiness check and publishes the result.
func (s *Server) CheckReady(ctx context.Context) bool {
	ok := true
	if s.ready != nil {
		if err := s.ready.Check(ctx); err != nil {
			ok = false
			obs.LogEvent(obs.LevelWarn, "readiness check failed", map[string]any{"error": err})
		}
	}
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	obs.SetReady(ok)
	return ok
}

// Serve blocks until ctx ends or the listener fails.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.CheckReady(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			s.CheckReady(checkCtx)
			cancel()
		case err := <-errCh:
			if errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return err
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			return nil
		}
	}
}
