package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1 << 20

func startBufGRPC(t *testing.T, srv *Server) (healthpb.HealthClient, func()) {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	go func() { _ = srv.Serve(lis) }()
	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	stop := func() { _ = cc.Close(); srv.Stop(time.Second); _ = lis.Close() }
	return healthpb.NewHealthClient(cc), stop
}

func check(t *testing.T, cl healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := cl.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("check %q: %v", service, err)
	}
	return resp.GetStatus()
}

func TestServer_HealthTransitions(t *testing.T) {
	t.Parallel()

	srv := New(zaptest.NewLogger(t), false)
	cl, stop := startBufGRPC(t, srv)
	defer stop()

	if got := check(t, cl, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("want NOT_SERVING before start, got %s", got)
	}

	srv.SetServing(true)
	if got := check(t, cl, ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("want SERVING, got %s", got)
	}
	if got := check(t, cl, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("want overall SERVING, got %s", got)
	}

	srv.SetServing(false)
	if got := check(t, cl, ServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("want NOT_SERVING during shutdown, got %s", got)
	}
}

func TestServer_UnknownService(t *testing.T) {
	t.Parallel()

	srv := New(zaptest.NewLogger(t), true)
	cl, stop := startBufGRPC(t, srv)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := cl.Check(ctx, &healthpb.HealthCheckRequest{Service: "nope"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("want NotFound, got %v", err)
	}
}
