// Package grpcserver serves the gRPC health endpoint behind the recovery and logging interceptors.
package grpcserver

import (
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported next to the overall ("") status.
const ServiceName = "tgcollector"

// Server owns the gRPC server and its health status.
type Server struct {
	gs     *grpc.Server
	health *health.Server
	log    *zap.Logger
}

// New builds a server that reports NOT_SERVING until SetServing(true).
func New(log *zap.Logger, reflect bool, opts ...grpc.ServerOption) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(
		RecoverUnary(log),
		LoggingUnary(log),
	))
	gs := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	if reflect {
		reflection.Register(gs)
	}
	s := &Server{gs: gs, health: hs, log: log}
	s.SetServing(false)
	return s
}

// GRPC exposes the underlying server for registering additional services.
func (s *Server) GRPC() *grpc.Server { return s.gs }

// SetServing flips the overall and named health status.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	s.log.Info("health", zap.String("status", st.String()))
}

// Serve blocks until the listener fails or the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("listening", zap.String("addr", lis.Addr().String()))
	return s.gs.Serve(lis)
}

// Stop drains in-flight calls, forcing a stop after timeout.
func (s *Server) Stop(timeout time.Duration) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.gs.Stop()
	}
}
