// Package session owns one optimizer session: the constraint model and every
// component reading or writing it.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/signalsfoundry/trajectory-optimizer/core"
	"github.com/signalsfoundry/trajectory-optimizer/internal/compute"
	"github.com/signalsfoundry/trajectory-optimizer/internal/config"
	"github.com/signalsfoundry/trajectory-optimizer/internal/flightsim"
	"github.com/signalsfoundry/trajectory-optimizer/internal/history"
	"github.com/signalsfoundry/trajectory-optimizer/internal/logging"
	"github.com/signalsfoundry/trajectory-optimizer/internal/observability"
	"github.com/signalsfoundry/trajectory-optimizer/internal/persist"
	"github.com/signalsfoundry/trajectory-optimizer/internal/rpc"
	"github.com/signalsfoundry/trajectory-optimizer/internal/scvx"
	"github.com/signalsfoundry/trajectory-optimizer/internal/telemetry"
	"github.com/signalsfoundry/trajectory-optimizer/kb"
	"github.com/signalsfoundry/trajectory-optimizer/model"
	"github.com/signalsfoundry/trajectory-optimizer/timectrl"
)

var _ rpc.SessionBackend = (*Session)(nil)

// Session coordinates the model, the compute loop and the network layer.
// Foreground callers edit Model directly; Reset, LoadFile and SaveFile act
// on the whole session. It backs the optimizer.v1.Session RPC service.
type Session struct {
	cfg config.Config
	log logging.Logger

	Model     *kb.ConstraintModel
	Publisher *compute.Publisher
	Loop      *compute.Loop
	Health    *rpc.Health
	Metrics   *observability.SolverCollector

	// Servers is nil when telemetry is disabled.
	Servers *telemetry.Servers

	emitter *telemetry.Emitter
	history *history.Store
	clock   *timectrl.TimeController
	detach  []func()

	mu        sync.Mutex
	cancel    context.CancelFunc
	clockDone <-chan struct{}
}

// Option customises Session construction.
type Option func(*options)

type options struct {
	reg prometheus.Registerer
	log logging.Logger
}

// WithRegisterer selects the Prometheus registry for solver metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

func WithLogger(log logging.Logger) Option {
	return func(o *options) { o.log = log }
}

// New wires a session from cfg. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) (s *Session, err error) {
	o := options{log: logging.Noop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.log == nil {
		o.log = logging.Noop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	metrics, err := observability.NewSolverCollector(o.reg)
	if err != nil {
		return nil, fmt.Errorf("solver metrics: %w", err)
	}

	s = &Session{
		cfg:       cfg,
		log:       o.log,
		Model:     kb.NewConstraintModel(kb.WithMetricsRecorder(metrics)),
		Publisher: compute.NewPublisher(),
		Health:    rpc.NewHealth(o.log),
		Metrics:   metrics,
	}
	defer func() {
		if err != nil {
			_ = s.Close()
			s = nil
		}
	}()

	if err := s.applyScalars(); err != nil {
		return s, err
	}

	solver, err := scvx.NewSolver(cfg.Params(),
		scvx.WithLogger(o.log),
		scvx.WithMetrics(metrics),
	)
	if err != nil {
		return s, err
	}

	loopOpts := []compute.Option{
		compute.WithInterval(cfg.Loop.Interval),
		compute.WithBuildConfig(cfg.BuildConfig()),
		compute.WithLogger(o.log),
		compute.WithMetrics(metrics),
	}
	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			return s, err
		}
		s.history = store
		loopOpts = append(loopOpts, compute.WithRecorder(store))
	}
	s.Loop = compute.NewLoop(s.Model, solver, s.Publisher, loopOpts...)
	s.detach = append(s.detach, s.Health.Attach(s.Publisher))

	canvas := core.Canvas{Scale: cfg.Canvas.Scale}
	if cfg.Telemetry.Enable {
		s.Servers = telemetry.NewServers(s.Model,
			telemetry.WithHost(cfg.Telemetry.Host),
			telemetry.WithCanvas(canvas),
			telemetry.WithMetrics(metrics),
			telemetry.WithLogger(o.log),
		)
	}
	if cfg.Telemetry.EmitAddr != "" {
		em, err := telemetry.NewEmitter(cfg.Telemetry.EmitAddr, o.log)
		if err != nil {
			return s, err
		}
		s.emitter = em
		s.detach = append(s.detach, em.Attach(s.Publisher))
	}
	if cfg.Sim.Enable {
		s.clock = timectrl.NewTimeController(time.Now(), cfg.Sim.Tick, timectrl.RealTime)
		s.clock.Speed = cfg.Sim.Speed
		sim := flightsim.New(s.Model, s.Publisher,
			flightsim.WithCanvas(canvas),
			flightsim.WithLogger(o.log),
		)
		sim.Attach(s.clock)
	}

	if cfg.Scene != "" {
		if err := s.LoadFile(cfg.Scene); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Config returns the configuration the session was built from.
func (s *Session) Config() config.Config { return s.cfg }

// Start brings up the telemetry servers, the simulation clock and, when
// configured to autostart, the compute loop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return compute.ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)

	if s.Servers != nil {
		if err := s.Servers.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}
	if s.cfg.Loop.Autostart {
		if err := s.Loop.Start(runCtx); err != nil {
			cancel()
			return multierr.Append(err, s.stopServers())
		}
	}
	if s.clock != nil {
		s.clockDone = s.clock.Start(runCtx, 0)
	}
	s.cancel = cancel
	s.log.Info(ctx, "session started",
		logging.Any("telemetry", s.Servers != nil),
		logging.Any("sim", s.clock != nil),
	)
	return nil
}

// Reset starts a new session: every entity is cleared and the configured
// horizon is restored in one transaction, and simulation time rewinds to
// its start. The compute loop keeps running.
func (s *Session) Reset() error {
	err := s.Model.Replace(kb.Snapshot{
		HorizonLength: s.cfg.Solver.HorizonLength,
		FinalTime:     s.cfg.Solver.FinalTime,
	})
	if err != nil {
		return err
	}
	if s.clock != nil {
		s.clock.SetTime(s.clock.StartTime)
	}
	return nil
}

// RemoveShape deletes the shape named by h.
func (s *Session) RemoveShape(h model.Handle) error {
	return s.Model.Remove(h)
}

// Status summarises the model, the latest solve and the running services.
func (s *Session) Status(ctx context.Context) (rpc.SessionStatus, error) {
	snap := s.Model.Snapshot()
	st := rpc.SessionStatus{
		Revision:     snap.Revision,
		Latest:       s.Publisher.LatestPublication(),
		PathRed:      s.Publisher.PathRed(),
		GoalFeasible: snap.HalfPlaneArrays().Feasible(snap.FinalPosition),
	}
	if s.Servers != nil {
		st.TelemetryPorts = s.Servers.Ports()
	}
	if s.clock != nil {
		st.SimElapsed = s.clock.Elapsed()
	}
	if s.history != nil {
		stats, err := s.history.Stats(ctx)
		if err != nil {
			return st, err
		}
		st.History = &stats
	}
	return st, nil
}

// RecentSolves returns up to limit solve records, newest first.
func (s *Session) RecentSolves(ctx context.Context, limit int) ([]compute.SolveRecord, error) {
	if s.history == nil {
		return nil, rpc.ErrHistoryDisabled
	}
	return s.history.Recent(ctx, limit)
}

// LoadFile replaces the model with the constraints stored at path. A corrupt
// file leaves the model untouched.
func (s *Session) LoadFile(path string) error {
	snap, err := persist.LoadFile(path)
	if err != nil {
		return err
	}
	cur := s.Model.Snapshot()
	snap.FinalPosition = cur.FinalPosition
	snap.HorizonLength = s.cfg.Solver.HorizonLength
	snap.FinalTime = s.cfg.Solver.FinalTime
	if err := s.Model.Replace(snap); err != nil {
		return err
	}
	s.log.Info(context.Background(), "constraints loaded",
		logging.String("path", path),
		logging.Int("shapes", len(snap.Shapes())),
	)
	return nil
}

// SaveFile writes the current constraints to path.
func (s *Session) SaveFile(path string) error {
	return persist.SaveFile(path, s.Model.Snapshot())
}

// Close stops every running component and releases its resources.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel, clockDone := s.cancel, s.clockDone
	s.cancel, s.clockDone = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s.Loop != nil {
		s.Loop.Stop()
	}
	if clockDone != nil {
		<-clockDone
	}
	for _, fn := range s.detach {
		fn()
	}
	s.detach = nil
	s.Health.Shutdown()

	err := s.stopServers()
	if s.emitter != nil {
		err = multierr.Append(err, s.emitter.Close())
		s.emitter = nil
	}
	if s.history != nil {
		err = multierr.Append(err, s.history.Close())
		s.history = nil
	}
	return err
}

func (s *Session) stopServers() error {
	if s.Servers == nil {
		return nil
	}
	return s.Servers.Stop()
}

func (s *Session) applyScalars() error {
	return s.Model.Apply(func(tx *kb.Tx) error {
		return multierr.Combine(
			tx.SetHorizonLength(s.cfg.Solver.HorizonLength),
			tx.SetFinalTime(s.cfg.Solver.FinalTime),
		)
	})
}
