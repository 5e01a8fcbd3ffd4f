package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("optimizer_rpc_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "optimizer_rpc_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("optimizer_rpc_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("optimizer_rpc_requests_total error label = %v, want 1", got)
	}
}

func TestSolverCollectorRecordsCycles(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSolverCollector(reg)
	if err != nil {
		t.Fatalf("NewSolverCollector: %v", err)
	}

	c.ObserveSolve("converged", 20*time.Millisecond, 4)
	c.ObserveSolve("failed", 5*time.Millisecond, 10)
	c.ObserveSolve("converged", 10*time.Millisecond, 3)
	c.ObserveIteration(12.5)
	c.ObserveInfeasibleRetry()
	c.SetConstraintCounts(1, 2, 3, 4, 5)
	c.PacketAccepted("drone")
	c.PacketDropped("drone")
	c.PacketDropped("drone")

	if got := testutil.ToFloat64(c.SolveOutcomes.WithLabelValues("converged")); got != 2 {
		t.Fatalf("converged solves = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.TrustRadius); got != 12.5 {
		t.Fatalf("trust radius = %v, want 12.5", got)
	}
	if got := testutil.ToFloat64(c.InfeasibleRetry); got != 1 {
		t.Fatalf("infeasible retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ModelEntities.WithLabelValues("polygon")); got != 3 {
		t.Fatalf("polygon gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.TelemetryPackets.WithLabelValues("drone", "dropped")); got != 2 {
		t.Fatalf("dropped packets = %v, want 2", got)
	}
	if count := histogramSampleCount(t, reg, "optimizer_solve_duration_seconds", nil); count != 3 {
		t.Fatalf("solve duration samples = %d, want 3", count)
	}
}

func TestSolverCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSolverCollector(reg)
	if err != nil {
		t.Fatalf("NewSolverCollector: %v", err)
	}
	second, err := NewSolverCollector(reg)
	if err != nil {
		t.Fatalf("second NewSolverCollector: %v", err)
	}
	first.ObserveInfeasibleRetry()
	if got := testutil.ToFloat64(second.InfeasibleRetry); got != 1 {
		t.Fatalf("second collector sees %v retries, want shared counter", got)
	}
}

func TestNilSolverCollectorIsSafe(t *testing.T) {
	var c *SolverCollector
	c.ObserveSolve("failed", time.Second, 1)
	c.ObserveIteration(1)
	c.SetConstraintCounts(0, 0, 0, 0, 0)
	c.PacketDropped("path")
	if c.Gatherer() != nil {
		t.Fatalf("nil collector returned a gatherer")
	}
}

func TestMetricsHandlerExposesSolverMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rpc, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}
	solver, err := NewSolverCollector(reg)
	if err != nil {
		t.Fatalf("NewSolverCollector: %v", err)
	}
	solver.SetConstraintCounts(3, 4, 5, 6, 7)
	solver.ObserveSolve("converged", time.Millisecond, 2)
	rpc.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()
	rpc.RPCDurations.WithLabelValues("svc", "method").Observe(0.01)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	rpc.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"optimizer_rpc_requests_total",
		"optimizer_rpc_duration_seconds",
		"optimizer_solves_total",
		`optimizer_model_entities{kind="ellipse"} 4`,
		`optimizer_model_entities{kind="waypoint"} 7`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
