// Package flightsim flies the drone along published trajectories.
package flightsim

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/trajectory-optimizer/core"
	"github.com/signalsfoundry/trajectory-optimizer/internal/compute"
	"github.com/signalsfoundry/trajectory-optimizer/internal/logging"
	"github.com/signalsfoundry/trajectory-optimizer/kb"
	"github.com/signalsfoundry/trajectory-optimizer/timectrl"
)

// Model is the part of the constraint model the simulator writes.
type Model interface {
	Apply(fn func(tx *kb.Tx) error) error
}

// Simulator advances the drone on every clock step. It flies one
// publication to its end before adopting the latest one, so the vehicle
// keeps moving while the solver republishes from the new position.
type Simulator struct {
	model  Model
	pub    *compute.Publisher
	canvas core.Canvas
	log    logging.Logger

	mu      sync.Mutex
	flying  *compute.Publication
	elapsed time.Duration
}

type Option func(*Simulator)

func WithCanvas(c core.Canvas) Option {
	return func(s *Simulator) {
		if c.Scale > 0 {
			s.canvas = c
		}
	}
}

func WithLogger(log logging.Logger) Option {
	return func(s *Simulator) {
		if log != nil {
			s.log = log
		}
	}
}

func New(m Model, pub *compute.Publisher, opts ...Option) *Simulator {
	s := &Simulator{
		model:  m,
		pub:    pub,
		canvas: core.Canvas{Scale: core.DefaultScale},
		log:    logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Attach registers the simulator on tc.
func (s *Simulator) Attach(tc *timectrl.TimeController) {
	tc.AddListener(func(_ time.Time, step time.Duration) {
		if err := s.Step(step); err != nil {
			s.log.Warn(context.Background(), "flight sim step failed", logging.Err(err))
		}
	})
}

// Step advances simulated flight by d. The drone moves and its position is
// appended to the path in one model transaction. It does nothing when there
// is no trajectory left to fly.
func (s *Simulator) Step(d time.Duration) error {
	s.mu.Lock()
	if s.flying == nil || s.finishedLocked() {
		latest := s.pub.LatestPublication()
		if latest == nil || latest == s.flying {
			s.mu.Unlock()
			return nil
		}
		s.flying, s.elapsed = latest, 0
	}
	s.elapsed += d
	tr := s.flying.Trajectory
	t := s.elapsed.Seconds()
	s.mu.Unlock()

	r, err := core.PositionAt(tr, t)
	if err != nil {
		return err
	}
	p := s.canvas.ToCanvas(r)
	return s.model.Apply(func(tx *kb.Tx) error {
		if err := tx.SetDronePosition(p); err != nil {
			return err
		}
		return tx.AppendPathPoint(p)
	})
}

func (s *Simulator) finishedLocked() bool {
	tr := s.flying.Trajectory
	return s.elapsed.Seconds() >= tr.Dt*float64(tr.Len()-1)
}
