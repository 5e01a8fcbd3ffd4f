// Package scvx computes dynamically feasible multicopter trajectories by
// successive convexification: every outer iteration linearizes the
// non-convex constraints about a reference trajectory, solves the convex
// subproblem inside a trust region and accepts or rejects the step from the
// ratio of true to predicted cost decrease.
package scvx

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Axes of the solver frame. Vectors are (up, east, north).
const (
	Up    = 0
	East  = 1
	North = 2
)

// StandardGravity is the magnitude of g in m/s².
const StandardGravity = 9.81

// ErrInvalidProblem reports a problem rejected before iterating.
var ErrInvalidProblem = errors.New("invalid trajectory problem")

// Obstacle is a keep-out cylinder along the up axis. Centers holds the
// centre at every time step t_k; a single entry means a static obstacle.
type Obstacle struct {
	Radius  float64
	Centers []r3.Vector
}

// CenterAt returns the centre at step k.
func (o Obstacle) CenterAt(k int) r3.Vector {
	if len(o.Centers) == 1 {
		return o.Centers[0]
	}
	return o.Centers[k]
}

// Circle is a keep-in cylinder along the up axis.
type Circle struct {
	Radius float64
	Center r3.Vector
}

// HalfPlaneGroup is a set of horizontal half-plane rows Normal·p <= Offset.
// When Any is false every row must hold; when true at least one must.
type HalfPlaneGroup struct {
	Any     bool
	Normals []r3.Vector
	Offsets []float64
}

// Problem is one trajectory optimization instance in SI units.
type Problem struct {
	K  int
	Dt float64
	Tf float64

	Gravity r3.Vector
	AMin    float64
	AMax    float64
	TiltMax float64

	Obstacles  []Obstacle
	KeepIn     []Circle
	HalfPlanes []HalfPlaneGroup

	RI, VI, AI r3.Vector
	RF, VF, AF r3.Vector
}

// NewProblem fills the horizon fields and the default vehicle limits.
func NewProblem(k int, tf float64) *Problem {
	p := &Problem{
		K:       k,
		Tf:      tf,
		Gravity: r3.Vector{X: -StandardGravity},
		AMin:    1.0 / 0.3,
		AMax:    4.0 / 0.3,
		TiltMax: 40 * math.Pi / 180,
	}
	if k >= 2 {
		p.Dt = tf / float64(k-1)
	}
	p.AI = p.Gravity.Mul(-1)
	p.AF = p.Gravity.Mul(-1)
	return p
}

func finite(v r3.Vector) bool {
	for _, x := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Validate rejects problems the solver cannot iterate on.
func (p *Problem) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil problem", ErrInvalidProblem)
	}
	if p.K < 2 {
		return fmt.Errorf("%w: horizon length %d", ErrInvalidProblem, p.K)
	}
	if !(p.Dt > 0) || !(p.Tf > 0) || math.IsInf(p.Tf, 0) {
		return fmt.Errorf("%w: dt=%v tf=%v", ErrInvalidProblem, p.Dt, p.Tf)
	}
	if want := p.Tf / float64(p.K-1); math.Abs(p.Dt-want) > 1e-9*want {
		return fmt.Errorf("%w: dt=%v, want tf/(K-1)=%v", ErrInvalidProblem, p.Dt, want)
	}
	if !(p.AMin > 0) || !(p.AMax > 0) || p.AMin > p.AMax {
		return fmt.Errorf("%w: thrust bounds [%v, %v]", ErrInvalidProblem, p.AMin, p.AMax)
	}
	if !(p.TiltMax > 0) || p.TiltMax >= math.Pi/2 {
		return fmt.Errorf("%w: tilt limit %v", ErrInvalidProblem, p.TiltMax)
	}
	for _, v := range []r3.Vector{p.Gravity, p.RI, p.VI, p.AI, p.RF, p.VF, p.AF} {
		if !finite(v) {
			return fmt.Errorf("%w: non-finite boundary condition %v", ErrInvalidProblem, v)
		}
	}
	for i, o := range p.Obstacles {
		if math.IsNaN(o.Radius) || o.Radius < 0 {
			return fmt.Errorf("%w: obstacle %d radius %v", ErrInvalidProblem, i, o.Radius)
		}
		if len(o.Centers) != 1 && len(o.Centers) != p.K {
			return fmt.Errorf("%w: obstacle %d has %d centres for K=%d", ErrInvalidProblem, i, len(o.Centers), p.K)
		}
	}
	for i, g := range p.HalfPlanes {
		if len(g.Normals) == 0 || len(g.Normals) != len(g.Offsets) {
			return fmt.Errorf("%w: half-plane group %d", ErrInvalidProblem, i)
		}
	}
	return nil
}

// State is the vehicle state at one time step.
type State struct {
	R r3.Vector
	V r3.Vector
	A r3.Vector
}

// Trajectory is a K-step solution sampled every Dt seconds.
type Trajectory struct {
	Dt     float64
	States []State
}

// Len returns the number of time steps.
func (t Trajectory) Len() int { return len(t.States) }

// Clone returns an independent copy.
func (t Trajectory) Clone() Trajectory {
	return Trajectory{Dt: t.Dt, States: append([]State(nil), t.States...)}
}

// Accelerations flattens the control history into the solver's decision vector.
func (t Trajectory) Accelerations() []float64 {
	a := make([]float64, 3*len(t.States))
	for k, s := range t.States {
		a[3*k+Up], a[3*k+East], a[3*k+North] = s.A.X, s.A.Y, s.A.Z
	}
	return a
}

// Params are the SCvx algorithm constants.
type Params struct {
	MaxIter           int
	TrustRadius       float64
	Lambda            float64
	Alpha             float64
	DLTol             float64
	Rho0              float64
	Rho1              float64
	Rho2              float64
	InfeasibleRetries int
	// FeasTol bounds the summed true constraint violation a converged
	// trajectory may carry.
	FeasTol float64
}

// DefaultParams returns the tuned defaults.
func DefaultParams() Params {
	return Params{
		MaxIter:           10,
		TrustRadius:       100,
		Lambda:            1e2,
		Alpha:             2,
		DLTol:             1,
		Rho0:              -0.1,
		Rho1:              0.25,
		Rho2:              0.9,
		InfeasibleRetries: 3,
		FeasTol:           1e-2,
	}
}

// Validate checks the band ordering and positivity of the constants.
func (p Params) Validate() error {
	switch {
	case p.MaxIter < 1:
		return fmt.Errorf("max_iter %d must be positive", p.MaxIter)
	case !(p.TrustRadius > 0):
		return fmt.Errorf("trust radius %v must be positive", p.TrustRadius)
	case !(p.Lambda > 0):
		return fmt.Errorf("lambda %v must be positive", p.Lambda)
	case !(p.Alpha > 1):
		return fmt.Errorf("alpha %v must exceed 1", p.Alpha)
	case !(p.Rho0 < p.Rho1 && p.Rho1 < p.Rho2):
		return fmt.Errorf("rho bands %v < %v < %v out of order", p.Rho0, p.Rho1, p.Rho2)
	case p.InfeasibleRetries < 0:
		return fmt.Errorf("infeasible retries %d must not be negative", p.InfeasibleRetries)
	case math.IsNaN(p.FeasTol) || p.FeasTol < 0:
		return fmt.Errorf("feasibility tolerance %v must not be negative", p.FeasTol)
	}
	return nil
}
