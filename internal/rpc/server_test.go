package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/trajectory-optimizer/internal/compute"
	"github.com/signalsfoundry/trajectory-optimizer/internal/logging"
	"github.com/signalsfoundry/trajectory-optimizer/internal/observability"
)

func dialServer(t *testing.T, h *Health, register func(*grpc.Server)) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	metrics, err := observability.NewRPCCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewRPCCollector error: %v", err)
	}
	srv := NewServer(logging.Noop(), metrics, h)
	if register != nil {
		register(srv)
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func startServer(t *testing.T, h *Health) healthpb.HealthClient {
	t.Helper()
	return healthpb.NewHealthClient(dialServer(t, h, nil))
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) error: %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealthFollowsSolveOutcome(t *testing.T) {
	pub := compute.NewPublisher()
	h := NewHealth(nil)
	detach := h.Attach(pub)
	defer detach()
	client := startServer(t, h)

	if got := check(t, client, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("process status = %v, want SERVING", got)
	}
	if got := check(t, client, TrajectoryService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status before first solve = %v, want NOT_SERVING", got)
	}

	pub.Publish(compute.Publication{Revision: 1, Iterations: 3})
	if got := check(t, client, TrajectoryService); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status after converged solve = %v, want SERVING", got)
	}

	pub.Fail("infeasible")
	if got := check(t, client, TrajectoryService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after failed solve = %v, want NOT_SERVING", got)
	}
}

func TestHealthAttachSeesExistingPublication(t *testing.T) {
	pub := compute.NewPublisher()
	pub.Publish(compute.Publication{Revision: 4})
	h := NewHealth(nil)
	defer h.Attach(pub)()

	client := startServer(t, h)
	if got := check(t, client, TrajectoryService); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v, want SERVING", got)
	}
}

func TestRequestIDInterceptorUsesIncomingMetadata(t *testing.T) {
	interceptor := RequestIDUnaryServerInterceptor(nil)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(requestIDMetadataKey, "req-42"))
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	var seen string
	_, err := interceptor(ctx, nil, info, func(ctx context.Context, _ interface{}) (interface{}, error) {
		seen = logging.RequestIDFromContext(ctx)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("interceptor error: %v", err)
	}
	if seen != "req-42" {
		t.Fatalf("request id = %q, want req-42", seen)
	}
}

func TestRequestIDInterceptorGeneratesID(t *testing.T) {
	interceptor := RequestIDUnaryServerInterceptor(logging.Noop())
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	var seen string
	_, _ = interceptor(context.Background(), nil, info, func(ctx context.Context, _ interface{}) (interface{}, error) {
		seen = logging.RequestIDFromContext(ctx)
		return nil, nil
	})
	if seen == "" {
		t.Fatalf("expected a generated request id")
	}
}
