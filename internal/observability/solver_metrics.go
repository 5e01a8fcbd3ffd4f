package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SolverCollector exposes optimizer metrics. It satisfies the metrics
// interfaces of the constraint model, the SCvx solver, the compute loop and
// the telemetry listeners.
type SolverCollector struct {
	gatherer prometheus.Gatherer

	SolveDuration    prometheus.Histogram
	SolveIterations  prometheus.Histogram
	SolveOutcomes    *prometheus.CounterVec
	TrustRadius      prometheus.Gauge
	InfeasibleRetry  prometheus.Counter
	ModelEntities    *prometheus.GaugeVec
	TelemetryPackets *prometheus.CounterVec
}

// NewSolverCollector registers optimizer metrics against the provided registerer.
func NewSolverCollector(reg prometheus.Registerer) (*SolverCollector, error) {
	reg, gatherer := registryPair(reg)

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "optimizer_solve_duration_seconds",
		Help:    "Wall time of one snapshot, build and solve cycle.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}), "optimizer_solve_duration_seconds")
	if err != nil {
		return nil, err
	}

	iterations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "optimizer_solve_iterations",
		Help:    "SCvx outer iterations per solve.",
		Buckets: prometheus.LinearBuckets(1, 1, 15),
	}), "optimizer_solve_iterations")
	if err != nil {
		return nil, err
	}

	outcomes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_solves_total",
		Help: "Completed solves labeled by final status.",
	}, []string{"status"}), "optimizer_solves_total")
	if err != nil {
		return nil, err
	}

	trust, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "optimizer_trust_radius",
		Help: "Trust region radius after the latest SCvx iteration.",
	}), "optimizer_trust_radius")
	if err != nil {
		return nil, err
	}

	retries, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "optimizer_infeasible_retries_total",
		Help: "Subproblems retried with a shrunken trust region after an infeasibility certificate.",
	}), "optimizer_infeasible_retries_total")
	if err != nil {
		return nil, err
	}

	entities, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "optimizer_model_entities",
		Help: "Current number of entities in the constraint model, labeled by kind.",
	}, []string{"kind"}), "optimizer_model_entities")
	if err != nil {
		return nil, err
	}

	packets, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_telemetry_packets_total",
		Help: "Telemetry packets received, labeled by feed and result (accepted or dropped).",
	}, []string{"feed", "result"}), "optimizer_telemetry_packets_total")
	if err != nil {
		return nil, err
	}

	return &SolverCollector{
		gatherer:         gatherer,
		SolveDuration:    duration,
		SolveIterations:  iterations,
		SolveOutcomes:    outcomes,
		TrustRadius:      trust,
		InfeasibleRetry:  retries,
		ModelEntities:    entities,
		TelemetryPackets: packets,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SolverCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveSolve records one compute cycle.
func (c *SolverCollector) ObserveSolve(status string, d time.Duration, iterations int) {
	if c == nil {
		return
	}
	c.SolveDuration.Observe(d.Seconds())
	c.SolveIterations.Observe(float64(iterations))
	c.SolveOutcomes.WithLabelValues(status).Inc()
}

// ObserveIteration records the trust radius after an outer iteration.
func (c *SolverCollector) ObserveIteration(delta float64) {
	if c == nil {
		return
	}
	c.TrustRadius.Set(delta)
}

func (c *SolverCollector) ObserveInfeasibleRetry() {
	if c == nil {
		return
	}
	c.InfeasibleRetry.Inc()
}

// SetConstraintCounts mirrors the model's entity counts.
func (c *SolverCollector) SetConstraintCounts(points, ellipses, polygons, planes, waypoints int) {
	if c == nil {
		return
	}
	c.ModelEntities.WithLabelValues("point").Set(float64(points))
	c.ModelEntities.WithLabelValues("ellipse").Set(float64(ellipses))
	c.ModelEntities.WithLabelValues("polygon").Set(float64(polygons))
	c.ModelEntities.WithLabelValues("plane").Set(float64(planes))
	c.ModelEntities.WithLabelValues("waypoint").Set(float64(waypoints))
}

func (c *SolverCollector) PacketAccepted(feed string) {
	if c == nil {
		return
	}
	c.TelemetryPackets.WithLabelValues(feed, "accepted").Inc()
}

func (c *SolverCollector) PacketDropped(feed string) {
	if c == nil {
		return
	}
	c.TelemetryPackets.WithLabelValues(feed, "dropped").Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
