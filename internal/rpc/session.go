package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/trajectory-optimizer/internal/compute"
	"github.com/signalsfoundry/trajectory-optimizer/internal/history"
	"github.com/signalsfoundry/trajectory-optimizer/internal/logging"
	"github.com/signalsfoundry/trajectory-optimizer/kb"
	"github.com/signalsfoundry/trajectory-optimizer/model"
)

// SessionServiceName is the fully qualified name of the session control service.
const SessionServiceName = "optimizer.v1.Session"

// DefaultRecentSolves is the page size RecentSolves uses for a zero limit.
const DefaultRecentSolves = 20

const maxRecentSolves = 1000

// ErrHistoryDisabled is returned by backends running without a history store.
var ErrHistoryDisabled = errors.New("solve history disabled")

// SessionStatus summarises one session.
type SessionStatus struct {
	Revision uint64
	// Latest is nil until a solve converges.
	Latest  *compute.Publication
	PathRed bool
	// GoalFeasible reports whether the final position satisfies every plane
	// and polygon.
	GoalFeasible   bool
	TelemetryPorts []uint16
	SimElapsed     time.Duration
	// History is nil when solve history is disabled.
	History *history.Stats
}

// SessionBackend is the session the control service drives.
type SessionBackend interface {
	Reset() error
	LoadFile(path string) error
	SaveFile(path string) error
	RemoveShape(h model.Handle) error
	Status(ctx context.Context) (SessionStatus, error)
	RecentSolves(ctx context.Context, limit int) ([]compute.SolveRecord, error)
}

// SessionServer is the server API of optimizer.v1.Session. Requests and
// replies are protobuf well-known types.
type SessionServer interface {
	Reset(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Load(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Save(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	RemoveShape(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RecentSolves(context.Context, *wrapperspb.UInt32Value) (*structpb.ListValue, error)
}

func sessionMethod[Req, Resp any](name string, call func(SessionServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	full := "/" + SessionServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SessionServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SessionServer), ctx, req.(*Req))
			})
		},
	}
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		sessionMethod("Reset", SessionServer.Reset),
		sessionMethod("Load", SessionServer.Load),
		sessionMethod("Save", SessionServer.Save),
		sessionMethod("RemoveShape", SessionServer.RemoveShape),
		sessionMethod("Status", SessionServer.Status),
		sessionMethod("RecentSolves", SessionServer.RecentSolves),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "optimizer/v1/session",
}

// RegisterSession exposes b as optimizer.v1.Session on srv.
func RegisterSession(srv grpc.ServiceRegistrar, b SessionBackend, log logging.Logger) {
	if log == nil {
		log = logging.Noop()
	}
	srv.RegisterService(&sessionServiceDesc, &sessionService{backend: b, log: log})
}

type sessionService struct {
	backend SessionBackend
	log     logging.Logger
}

func (s *sessionService) logger(ctx context.Context) logging.Logger {
	return logging.LoggerFromContext(ctx, s.log)
}

func (s *sessionService) Reset(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.backend.Reset(); err != nil {
		return nil, err
	}
	s.logger(ctx).Info(ctx, "session reset")
	return &emptypb.Empty{}, nil
}

func requirePath(op string, in *wrapperspb.StringValue) (string, error) {
	if p := in.GetValue(); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("%s: empty path: %w", op, kb.ErrInvalidParameter)
}

func (s *sessionService) Load(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	path, err := requirePath("load", in)
	if err != nil {
		return nil, err
	}
	if err := s.backend.LoadFile(path); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (s *sessionService) Save(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	path, err := requirePath("save", in)
	if err != nil {
		return nil, err
	}
	if err := s.backend.SaveFile(path); err != nil {
		return nil, err
	}
	s.logger(ctx).Info(ctx, "constraints saved", logging.String("path", path))
	return &emptypb.Empty{}, nil
}

func (s *sessionService) RemoveShape(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	h, err := model.ParseHandle(in.GetValue())
	if err != nil {
		return nil, err
	}
	if err := s.backend.RemoveShape(h); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (s *sessionService) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.backend.Status(ctx)
	if err != nil {
		return nil, err
	}
	ports := make([]any, len(st.TelemetryPorts))
	for i, p := range st.TelemetryPorts {
		ports[i] = uint32(p)
	}
	fields := map[string]any{
		"revision":            st.Revision,
		"path_red":            st.PathRed,
		"goal_feasible":       st.GoalFeasible,
		"telemetry_ports":     ports,
		"sim_elapsed_seconds": st.SimElapsed.Seconds(),
	}
	if pub := st.Latest; pub != nil {
		fields["trajectory"] = map[string]any{
			"revision":   pub.Revision,
			"cost":       pub.Cost,
			"iterations": pub.Iterations,
			"states":     pub.Trajectory.Len(),
			"at":         pub.At.UTC().Format(time.RFC3339Nano),
		}
	}
	if h := st.History; h != nil {
		fields["history"] = map[string]any{
			"total":           h.Total,
			"converged":       h.Converged,
			"failed":          h.Failed,
			"mean_iterations": h.MeanIterations,
		}
	}
	return structpb.NewStruct(fields)
}

func (s *sessionService) RecentSolves(ctx context.Context, in *wrapperspb.UInt32Value) (*structpb.ListValue, error) {
	limit := int(in.GetValue())
	switch {
	case limit == 0:
		limit = DefaultRecentSolves
	case limit > maxRecentSolves:
		return nil, fmt.Errorf("recent solves limit %d over %d: %w", limit, maxRecentSolves, kb.ErrInvalidParameter)
	}
	recs, err := s.backend.RecentSolves(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(recs))
	for _, r := range recs {
		out = append(out, map[string]any{
			"cycle_id":    r.CycleID,
			"revision":    r.Revision,
			"status":      r.Status,
			"iterations":  r.Iterations,
			"cost":        r.Cost,
			"duration_ms": float64(r.Duration) / float64(time.Millisecond),
			"message":     r.Message,
			"at":          r.At.UTC().Format(time.RFC3339Nano),
		})
	}
	return structpb.NewList(out)
}
