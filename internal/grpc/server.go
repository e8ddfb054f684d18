package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the name reported to health probes.
const ServiceName = "payment-service"

// ReadinessFunc reports whether the process can serve traffic.
type ReadinessFunc func(ctx context.Context) error

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	ready  ReadinessFunc
	logger *zap.Logger
}

func NewServer(ready ReadinessFunc, logger *zap.Logger) *Server {
	s := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)

	return &Server{grpc: s, health: hs, ready: ready, logger: logger}
}

// Probe runs the readiness check once and publishes the result for both the
// overall server and ServiceName.
func (s *Server) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if s.ready != nil {
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

func (s *Server) watch(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, every/2)
			s.Probe(probeCtx)
			cancel()
		}
	}
}

// Serve blocks until the listener fails or Stop is called. Readiness is
// re-evaluated every probeEvery while serving.
func (s *Server) Serve(ctx context.Context, port string, probeEvery time.Duration) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.Probe(ctx)
	if probeEvery > 0 {
		go s.watch(ctx, probeEvery)
	}

	s.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
