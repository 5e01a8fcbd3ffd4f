package core

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/signalsfoundry/trajectory-optimizer/internal/scvx"
	"github.com/signalsfoundry/trajectory-optimizer/kb"
)

// DefaultScale is the number of canvas units per metre.
const DefaultScale = 100.0

// OrbitConfig parameterises obstacle orbit motion.
type OrbitConfig struct {
	Radius float64 // metres
	Phase  float64 // radians
	Speed  float64 // metres per second
}

// Vehicle holds the multicopter limits.
type Vehicle struct {
	AMin    float64
	AMax    float64
	TiltMax float64 // radians
}

// BuildConfig controls the snapshot to problem conversion.
type BuildConfig struct {
	Scale   float64
	Vehicle Vehicle
	Orbit   OrbitConfig
}

// DefaultBuildConfig matches the defaults of scvx.NewProblem.
func DefaultBuildConfig() BuildConfig {
	p := scvx.NewProblem(2, 1)
	return BuildConfig{
		Scale:   DefaultScale,
		Vehicle: Vehicle{AMin: p.AMin, AMax: p.AMax, TiltMax: p.TiltMax},
	}
}

// Canvas converts between canvas coordinates and the solver frame.
type Canvas struct {
	Scale float64
}

// ToSolver maps canvas (x, y) to (up=0, east=x/scale, north=y/scale).
func (c Canvas) ToSolver(p r2.Point) r3.Vector {
	return r3.Vector{Y: p.X / c.Scale, Z: p.Y / c.Scale}
}

// ToCanvas drops the up component and scales back to canvas units.
func (c Canvas) ToCanvas(v r3.Vector) r2.Point {
	return r2.Point{X: v.Y * c.Scale, Y: v.Z * c.Scale}
}

// BuildProblem converts a model snapshot into a solver problem. The
// vehicle starts at the drone position and must come to rest at the final
// position, hovering at both ends.
func BuildProblem(snap kb.Snapshot, cfg BuildConfig) (*scvx.Problem, error) {
	if !(cfg.Scale > 0) || math.IsInf(cfg.Scale, 0) {
		return nil, fmt.Errorf("%w: canvas scale %v", scvx.ErrInvalidProblem, cfg.Scale)
	}
	canvas := Canvas{Scale: cfg.Scale}

	p := scvx.NewProblem(snap.HorizonLength, snap.FinalTime)
	if cfg.Vehicle.AMax > 0 {
		p.AMin, p.AMax, p.TiltMax = cfg.Vehicle.AMin, cfg.Vehicle.AMax, cfg.Vehicle.TiltMax
	}
	p.RI = canvas.ToSolver(snap.Drone.Pos)
	p.RF = canvas.ToSolver(snap.FinalPosition)

	for _, e := range snap.Ellipses {
		center := canvas.ToSolver(e.Shape.Center)
		radius := e.Shape.Radius / cfg.Scale
		if e.Shape.Direction.KeepIn() {
			p.KeepIn = append(p.KeepIn, scvx.Circle{Radius: radius, Center: center})
			continue
		}
		p.Obstacles = append(p.Obstacles, scvx.Obstacle{
			Radius:  radius,
			Centers: Sample(NewMotionModel(center, cfg.Orbit), p.K, p.Dt),
		})
	}

	hp := snap.HalfPlaneArrays()
	groups := map[int]int{}
	for i := 0; i < hp.Len(); i++ {
		n, b := hp.Row(i)
		gi, ok := groups[hp.Group[i]]
		if !ok {
			gi = len(p.HalfPlanes)
			groups[hp.Group[i]] = gi
			p.HalfPlanes = append(p.HalfPlanes, scvx.HalfPlaneGroup{Any: hp.Modes[i] == kb.Any})
		}
		g := &p.HalfPlanes[gi]
		g.Normals = append(g.Normals, r3.Vector{Y: n.X, Z: n.Y})
		g.Offsets = append(g.Offsets, b/cfg.Scale)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ErrEmptyTrajectory is returned when a trajectory has no states to sample.
var ErrEmptyTrajectory = errors.New("empty trajectory")

// PositionAt linearly interpolates the trajectory position t seconds after
// its start, clamping to the end points.
func PositionAt(tr scvx.Trajectory, t float64) (r3.Vector, error) {
	n := tr.Len()
	if n == 0 {
		return r3.Vector{}, ErrEmptyTrajectory
	}
	if n == 1 || t <= 0 || tr.Dt <= 0 {
		return tr.States[0].R, nil
	}
	f := t / tr.Dt
	i := int(f)
	if i >= n-1 {
		return tr.States[n-1].R, nil
	}
	w := f - float64(i)
	a, b := tr.States[i].R, tr.States[i+1].R
	return a.Mul(1 - w).Add(b.Mul(w)), nil
}
