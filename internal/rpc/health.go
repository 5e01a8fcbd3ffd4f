package rpc

import (
	"context"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/trajectory-optimizer/internal/compute"
	"github.com/signalsfoundry/trajectory-optimizer/internal/logging"
)

// TrajectoryService is the health service name reflecting solver state.
// It reports SERVING while the latest solve converged.
const TrajectoryService = "optimizer.Trajectory"

// Health publishes process and solver health over grpc.health.v1.
type Health struct {
	srv *health.Server
	log logging.Logger
}

// NewHealth returns a health server with the process marked SERVING and
// the trajectory service NOT_SERVING until a solve succeeds.
func NewHealth(log logging.Logger) *Health {
	if log == nil {
		log = logging.Noop()
	}
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.SetServingStatus(TrajectoryService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Health{srv: srv, log: log}
}

// Server exposes the underlying health implementation for registration.
func (h *Health) Server() *health.Server { return h.srv }

// Attach follows pub: converged trajectories mark the service SERVING and
// failed solves mark it NOT_SERVING.
func (h *Health) Attach(pub *compute.Publisher) (detach func()) {
	if pub.LatestPublication() != nil {
		h.set(healthpb.HealthCheckResponse_SERVING)
	}
	return pub.Subscribe(func(ev compute.Event) {
		switch ev.Type {
		case compute.EventTrajectoryUpdated:
			h.set(healthpb.HealthCheckResponse_SERVING)
		case compute.EventSolveFailed:
			h.log.Debug(context.Background(), "trajectory not serving", logging.String("reason", ev.Message))
			h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		}
	})
}

func (h *Health) set(s healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus(TrajectoryService, s)
}

// Shutdown marks every service NOT_SERVING.
func (h *Health) Shutdown() { h.srv.Shutdown() }
