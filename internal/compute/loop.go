// Package compute runs the background solve loop: snapshot the constraint
// model, build a problem, run SCvx and publish the result.
package compute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/trajectory-optimizer/core"
	"github.com/signalsfoundry/trajectory-optimizer/internal/logging"
	"github.com/signalsfoundry/trajectory-optimizer/internal/observability"
	"github.com/signalsfoundry/trajectory-optimizer/internal/scvx"
	"github.com/signalsfoundry/trajectory-optimizer/kb"
)

// ErrAlreadyRunning is returned by Start while the loop goroutine is alive.
// The call is a no-op.
var ErrAlreadyRunning = errors.New("compute loop already running")

// DefaultInterval is the pause between solve cycles.
const DefaultInterval = 50 * time.Millisecond

// Source provides consistent model snapshots.
type Source interface {
	Snapshot() kb.Snapshot
}

// SolveRecord summarises one solve cycle.
type SolveRecord struct {
	CycleID    string
	Revision   uint64
	Status     string
	Iterations int
	Cost       float64
	Duration   time.Duration
	Message    string
	At         time.Time
}

// Recorder persists solve records.
type Recorder interface {
	RecordSolve(ctx context.Context, rec SolveRecord) error
}

// Metrics observes solve cycles.
type Metrics interface {
	ObserveSolve(status string, d time.Duration, iterations int)
}

// Loop repeatedly solves the current model on one background goroutine.
type Loop struct {
	src    Source
	solver *scvx.Solver
	pub    *Publisher

	build    core.BuildConfig
	interval time.Duration
	log      logging.Logger
	tracer   trace.Tracer
	recorder Recorder
	metrics  Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

func WithBuildConfig(cfg core.BuildConfig) Option {
	return func(l *Loop) { l.build = cfg }
}

func WithLogger(log logging.Logger) Option {
	return func(l *Loop) {
		if log != nil {
			l.log = log
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(l *Loop) { l.tracer = t }
}

func WithRecorder(r Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

func WithMetrics(m Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// NewLoop wires a loop; it does not start it.
func NewLoop(src Source, solver *scvx.Solver, pub *Publisher, opts ...Option) *Loop {
	l := &Loop{
		src:      src,
		solver:   solver,
		pub:      pub,
		build:    core.DefaultBuildConfig(),
		interval: DefaultInterval,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.tracer == nil {
		l.tracer = observability.Tracer("compute")
	}
	return l
}

// Publisher returns the publisher results go to.
func (l *Loop) Publisher() *Publisher { return l.pub }

// Start launches the loop goroutine. A second Start while it is alive is a
// no-op returning ErrAlreadyRunning. The loop stops when ctx is cancelled or
// Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runningLocked() {
		l.log.Warn(ctx, "compute loop start ignored: already running")
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	go l.run(runCtx, done)
	l.log.Info(ctx, "compute loop started", logging.Duration("interval", l.interval))
	return nil
}

// Stop cancels the loop and waits for the goroutine to exit. The solver
// finishes its current outer iteration first.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.log.Info(context.Background(), "compute loop stopped")
}

// Running reports whether the loop goroutine is alive.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runningLocked()
}

func (l *Loop) runningLocked() bool {
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
			l.log.Warn(ctx, "solve cycle error", logging.Err(err))
		}
		timer.Reset(l.interval)
	}
}

// RunOnce performs one snapshot, build, solve and publish cycle.
func (l *Loop) RunOnce(ctx context.Context) (scvx.Result, error) {
	ctx, log, cycleID := logging.WithCycleLogger(ctx, l.log)
	ctx, span := l.tracer.Start(ctx, observability.SpanSolveCycle, trace.WithAttributes(
		attribute.String("cycle_id", cycleID),
	))
	defer span.End()
	start := time.Now()

	snap := l.src.Snapshot()
	span.SetAttributes(attribute.Int64("model.revision", int64(snap.Revision)))

	res, err := l.solve(ctx, snap)
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		// Shutdown: do not publish a half-finished solve.
		return res, ctx.Err()
	}

	rec := SolveRecord{
		CycleID:    cycleID,
		Revision:   snap.Revision,
		Status:     res.Status.String(),
		Iterations: res.Iterations,
		Cost:       res.Cost,
		Duration:   elapsed,
		Message:    res.Message,
		At:         start,
	}
	if res.Status == scvx.StatusConverged {
		l.pub.Publish(Publication{
			Trajectory: res.Trajectory,
			Revision:   snap.Revision,
			Cost:       res.Cost,
			Iterations: res.Iterations,
			At:         time.Now(),
		})
		l.pub.SetPathStatus(false)
		log.Debug(ctx, "trajectory published",
			logging.Int("iterations", res.Iterations),
			logging.Float64("cost", res.Cost),
			logging.Duration("elapsed", elapsed),
		)
	} else {
		msg := res.Message
		if err != nil {
			msg = err.Error()
			rec.Message = msg
		}
		span.SetStatus(codes.Error, msg)
		l.pub.Fail(msg)
		l.pub.SetPathStatus(true)
		log.Warn(ctx, "solve failed", logging.String("reason", msg))
	}

	if l.metrics != nil {
		l.metrics.ObserveSolve(rec.Status, elapsed, res.Iterations)
	}
	if l.recorder != nil {
		if rerr := l.recorder.RecordSolve(ctx, rec); rerr != nil {
			log.Warn(ctx, "record solve failed", logging.Err(rerr))
		}
	}
	return res, err
}

func (l *Loop) solve(ctx context.Context, snap kb.Snapshot) (scvx.Result, error) {
	prob, err := core.BuildProblem(snap, l.build)
	if err != nil {
		return scvx.Result{Status: scvx.StatusFailed, Message: err.Error()}, fmt.Errorf("build problem: %w", err)
	}
	var warm *scvx.Trajectory
	if tr, ok := l.pub.Latest(); ok {
		warm = &tr
	}
	return l.solver.Solve(ctx, prob, warm)
}
