package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// RPCCollector bundles Prometheus metrics for the status RPC surface and
// provides helpers to wire them into gRPC servers and HTTP handlers.
type RPCCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewRPCCollector registers RPC metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewRPCCollector(reg prometheus.Registerer) (*RPCCollector, error) {
	reg, gatherer := registryPair(reg)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_rpc_requests_total",
		Help: "Total number of handled RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"})
	requests, err := registerCounterVec(reg, requests, "optimizer_rpc_requests_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optimizer_rpc_duration_seconds",
		Help:    "RPC latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"service", "method"})
	durations, err = registerHistogramVec(reg, durations, "optimizer_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &RPCCollector{
		gatherer:     gatherer,
		RPCRequests:  requests,
		RPCDurations: durations,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *RPCCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RPCCollector) Handler() http.Handler {
	return handlerFor(c.gatherer)
}

func handlerFor(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registryPair(reg prometheus.Registerer) (prometheus.Registerer, prometheus.Gatherer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	return reg, gatherer
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
