package rpc

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/trajectory-optimizer/internal/logging"
	"github.com/signalsfoundry/trajectory-optimizer/internal/observability"
)

const requestIDMetadataKey = "x-request-id"

// RequestIDUnaryServerInterceptor puts a request_id on the context, taken
// from inbound metadata when the caller sent one, and attaches a request
// logger annotated with request_id and method.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if incoming := firstHeader(md, requestIDMetadataKey); incoming != "" {
				ctx = logging.ContextWithRequestID(ctx, incoming)
			}
		}

		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(logging.String("method", info.FullMethod)))
		ctx = logging.ContextWithLogger(ctx, reqLog)

		resp, err := handler(ctx, req)
		if err != nil {
			reqLog.Warn(ctx, "rpc failed", logging.Err(err))
		}
		return resp, err
	}
}

// ErrorUnaryServerInterceptor converts handler errors into gRPC statuses.
func ErrorUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		return resp, ToStatusError(err)
	}
}

// TracingUnaryServerInterceptor names and annotates the RPC span, starting
// one when no stats handler created it.
func TracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	tracer := observability.Tracer("rpc")

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		service, method := observability.SplitMethod(info.FullMethod)
		name := fmt.Sprintf("optimizer/%s/%s", service, method)
		span := trace.SpanFromContext(ctx)
		created := false
		if !span.SpanContext().IsValid() {
			ctx, span = tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
			created = true
		} else {
			span.SetName(name)
		}

		attrs := []attribute.KeyValue{
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
			attribute.String("rpc.full_method", strings.TrimPrefix(info.FullMethod, "/")),
		}
		if reqID := logging.RequestIDFromContext(ctx); reqID != "" {
			attrs = append(attrs, attribute.String("request_id", reqID))
		}
		span.SetAttributes(attrs...)

		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		if created {
			span.End()
		}
		return resp, err
	}
}

func firstHeader(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
