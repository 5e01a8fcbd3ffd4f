// Package rpc hosts the optimizer's gRPC surface: health reporting, the
// session control service and the interceptors shared by both.
package rpc

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/signalsfoundry/trajectory-optimizer/internal/logging"
	"github.com/signalsfoundry/trajectory-optimizer/internal/observability"
)

// NewServer builds a gRPC server with tracing, request logging, metrics and
// error mapping installed, and registers h plus server reflection.
func NewServer(log logging.Logger, metrics *observability.RPCCollector, h *Health, opts ...grpc.ServerOption) *grpc.Server {
	chain := []grpc.UnaryServerInterceptor{
		TracingUnaryServerInterceptor(),
		RequestIDUnaryServerInterceptor(log),
	}
	if metrics != nil {
		chain = append(chain, metrics.UnaryServerInterceptor())
	}
	chain = append(chain, ErrorUnaryServerInterceptor())

	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	}
	srv := grpc.NewServer(append(base, opts...)...)
	if h != nil {
		healthpb.RegisterHealthServer(srv, h.Server())
	}
	reflection.Register(srv)
	return srv
}
