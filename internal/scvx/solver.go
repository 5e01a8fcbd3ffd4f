package scvx

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/trajectory-optimizer/internal/convex"
	"github.com/signalsfoundry/trajectory-optimizer/internal/logging"
	"github.com/signalsfoundry/trajectory-optimizer/internal/observability"
)

// Status is the solver state machine: Initialized -> Iterating -> Converged | Failed.
type Status int

const (
	StatusInitialized Status = iota
	StatusIterating
	StatusConverged
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusIterating:
		return "iterating"
	case StatusConverged:
		return "converged"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConvexSolver solves one convex subproblem. convex.ErrInfeasible makes the
// solver shrink the trust region and retry.
type ConvexSolver interface {
	Solve(ctx context.Context, p *convex.Problem) (convex.Solution, error)
}

// Iteration describes one finished outer iteration.
type Iteration struct {
	Index    int
	Delta    float64
	Rho      float64
	DL       float64
	Cost     float64
	Accepted bool
	Retries  int
}

// Metrics receives per-solve measurements.
type Metrics interface {
	ObserveIteration(delta float64)
	ObserveInfeasibleRetry()
}

// Result is the outcome of one Solve call. Trajectory is always the best
// trajectory found, also when Status is StatusFailed.
type Result struct {
	Status     Status
	Trajectory Trajectory
	Cost       float64
	Iterations int
	Message    string
}

// Solver runs SCvx. It holds no per-problem state and touches nothing shared,
// so one Solver may be reused across solves.
type Solver struct {
	params  Params
	convex  ConvexSolver
	log     logging.Logger
	tracer  trace.Tracer
	metrics Metrics
	hook    func(Iteration)
}

// Option configures a Solver.
type Option func(*Solver)

// WithConvexSolver swaps the subproblem solver.
func WithConvexSolver(c ConvexSolver) Option {
	return func(s *Solver) { s.convex = c }
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Solver) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Solver) { s.tracer = t }
}

// WithMetrics wires iteration metrics.
func WithMetrics(m Metrics) Option {
	return func(s *Solver) { s.metrics = m }
}

// WithIterationHook calls fn after every outer iteration, on the solving goroutine.
func WithIterationHook(fn func(Iteration)) Option {
	return func(s *Solver) { s.hook = fn }
}

// NewSolver constructs a Solver with the ADMM kernel by default.
func NewSolver(params Params, opts ...Option) (*Solver, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("scvx params: %w", err)
	}
	s := &Solver{
		params: params,
		convex: convex.New(),
		log:    logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.tracer == nil {
		s.tracer = observability.Tracer("scvx")
	}
	return s, nil
}

// Params returns the algorithm constants.
func (s *Solver) Params() Params { return s.params }

// Solve optimizes p. When warm has exactly K states it seeds the reference;
// otherwise the minimum-effort trajectory does.
//
// Cancellation of ctx is observed before each outer iteration; the running
// subproblem is always finished. A cancelled solve returns the best
// trajectory so far with StatusFailed and ctx.Err().
func (s *Solver) Solve(ctx context.Context, p *Problem, warm *Trajectory) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{Status: StatusFailed, Message: err.Error()}, err
	}
	ctx, span := s.tracer.Start(ctx, observability.SpanSolve, trace.WithAttributes(
		attribute.Int("scvx.horizon", p.K),
		attribute.Int("scvx.obstacles", len(p.Obstacles)),
		attribute.Int("scvx.half_plane_groups", len(p.HalfPlanes)),
	))
	defer span.End()
	if id := logging.CycleIDFromContext(ctx); id != "" {
		span.SetAttributes(attribute.String("cycle_id", id))
	}
	log := logging.LoggerFromContext(ctx, s.log)
	start := time.Now()

	res, err := s.run(ctx, p, warm)
	span.SetAttributes(
		attribute.String("scvx.status", res.Status.String()),
		attribute.Int("scvx.iterations", res.Iterations),
		attribute.Float64("scvx.cost", res.Cost),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if res.Status == StatusFailed {
		span.SetStatus(codes.Error, res.Message)
	}
	log.Debug(ctx, "scvx solve finished",
		logging.String("status", res.Status.String()),
		logging.Int("iterations", res.Iterations),
		logging.Float64("cost", res.Cost),
		logging.Duration("elapsed", time.Since(start)),
	)
	return res, err
}

func (s *Solver) run(ctx context.Context, p *Problem, warm *Trajectory) (Result, error) {
	var (
		ref []float64
		err error
	)
	if warm != nil && warm.Len() == p.K {
		ref, err = p.projectBoundary(warm.Accelerations())
	} else {
		ref, err = p.initialReference()
	}
	if err != nil {
		return Result{Status: StatusFailed, Message: err.Error()}, fmt.Errorf("%w: %v", ErrInvalidProblem, err)
	}

	log := logging.LoggerFromContext(ctx, s.log)
	lambda := s.params.Lambda
	refTraj := p.integrate(ref)
	refCost := p.trueCost(refTraj, lambda)
	best := Result{Status: StatusIterating, Trajectory: refTraj, Cost: refCost}
	delta := s.params.TrustRadius
	// Subproblems always run to completion; cancellation is handled here.
	subCtx := context.WithoutCancel(ctx)

	for it := 1; it <= s.params.MaxIter; it++ {
		if err := ctx.Err(); err != nil {
			best.Status, best.Message = StatusFailed, "solve cancelled"
			return best, err
		}
		best.Iterations = it

		iterCtx, span := s.tracer.Start(ctx, observability.SpanIteration, trace.WithAttributes(
			attribute.Int("scvx.iteration", it),
			attribute.Float64("scvx.trust_radius", delta),
		))
		lin := p.linearize(refTraj)

		var (
			sol      convex.Solution
			retries  int
			solveErr error
		)
		for {
			sub, _ := p.subproblem(ref, lin, delta, lambda)
			sol, solveErr = s.convex.Solve(subCtx, sub)
			if !errors.Is(solveErr, convex.ErrInfeasible) || retries >= s.params.InfeasibleRetries {
				break
			}
			retries++
			delta /= s.params.Alpha
			if s.metrics != nil {
				s.metrics.ObserveInfeasibleRetry()
			}
			log.Debug(iterCtx, "subproblem infeasible, shrinking trust region",
				logging.Int("iteration", it),
				logging.Float64("trust_radius", delta),
			)
		}
		if solveErr != nil {
			span.RecordError(solveErr)
			span.SetStatus(codes.Error, solveErr.Error())
			span.End()
			best.Status = StatusFailed
			best.Message = fmt.Sprintf("iteration %d: %v", it, solveErr)
			return best, nil
		}

		cand, err := p.projectBoundary(sol.X[:3*p.K])
		if err != nil {
			span.End()
			best.Status, best.Message = StatusFailed, err.Error()
			return best, nil
		}
		candTraj := p.integrate(cand)
		candCost := p.trueCost(candTraj, lambda)
		predicted := refCost - p.linearCost(candTraj, lin, lambda)

		step := Iteration{Index: it, Delta: delta, DL: predicted, Cost: candCost, Retries: retries}
		if predicted < s.params.DLTol {
			step.Accepted = candCost <= refCost
			if candCost < best.Cost {
				best.Trajectory, best.Cost = candTraj, candCost
			}
			s.finishIteration(span, step)
			if v := p.violation(best.Trajectory, nil); v > s.params.FeasTol {
				best.Status = StatusFailed
				best.Message = fmt.Sprintf("stalled at iteration %d with constraint violation %.3g", it, v)
				return best, nil
			}
			best.Status = StatusConverged
			return best, nil
		}

		step.Rho = (refCost - candCost) / predicted
		next, accept := updateTrustRegion(delta, step.Rho, s.params)
		step.Accepted = accept
		if accept {
			ref, refTraj, refCost = cand, candTraj, candCost
			if candCost < best.Cost {
				best.Trajectory, best.Cost = candTraj, candCost
			}
		}
		s.finishIteration(span, step)
		delta = next
	}

	best.Status = StatusFailed
	best.Message = fmt.Sprintf("no convergence after %d iterations", s.params.MaxIter)
	return best, nil
}

func (s *Solver) finishIteration(span trace.Span, it Iteration) {
	span.SetAttributes(
		attribute.Float64("scvx.rho", it.Rho),
		attribute.Float64("scvx.dl", it.DL),
		attribute.Float64("scvx.cost", it.Cost),
		attribute.Bool("scvx.accepted", it.Accepted),
	)
	span.End()
	if s.metrics != nil {
		s.metrics.ObserveIteration(it.Delta)
	}
	if s.hook != nil {
		s.hook(it)
	}
}

// MinClearance returns the smallest horizontal distance from tr to the
// surface of any obstacle; negative when tr enters one.
func (p *Problem) MinClearance(tr Trajectory) float64 {
	minC := math.Inf(1)
	for k := 1; k < len(tr.States) && k < p.K; k++ {
		for _, o := range p.Obstacles {
			d := horizontal(tr.States[k].R.Sub(o.CenterAt(k))).Norm() - o.Radius
			minC = math.Min(minC, d)
		}
	}
	return minC
}
