package core

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/signalsfoundry/trajectory-optimizer/internal/scvx"
	"github.com/signalsfoundry/trajectory-optimizer/kb"
	"github.com/signalsfoundry/trajectory-optimizer/model"
)

func TestBuildProblemConvertsCanvasUnits(t *testing.T) {
	store := kb.NewConstraintModel()
	if _, err := store.AddEllipse(model.Ellipse{Center: r2.Point{X: 150, Y: 10}, Radius: 50}); err != nil {
		t.Fatalf("AddEllipse error: %v", err)
	}
	if _, err := store.AddEllipse(model.Ellipse{
		Attrs:  model.Attrs{Direction: model.Flipped},
		Center: r2.Point{X: 0, Y: 0}, Radius: 1000,
	}); err != nil {
		t.Fatalf("AddEllipse error: %v", err)
	}
	if _, err := store.AddPlane(model.Plane{P1: r2.Point{X: 0, Y: -200}, P2: r2.Point{X: 100, Y: -200}}); err != nil {
		t.Fatalf("AddPlane error: %v", err)
	}
	if _, err := store.AddPolygon(model.Polygon{Vertices: []r2.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}}}); err != nil {
		t.Fatalf("AddPolygon error: %v", err)
	}
	if err := store.SetDronePosition(r2.Point{X: 100, Y: 200}); err != nil {
		t.Fatalf("SetDronePosition error: %v", err)
	}
	if err := store.SetFinalPosition(r2.Point{X: 300, Y: -100}); err != nil {
		t.Fatalf("SetFinalPosition error: %v", err)
	}

	p, err := BuildProblem(store.Snapshot(), DefaultBuildConfig())
	if err != nil {
		t.Fatalf("BuildProblem error: %v", err)
	}
	if p.K != kb.DefaultHorizonLength || math.Abs(p.Dt-kb.DefaultFinalTime/float64(p.K-1)) > 1e-12 {
		t.Fatalf("horizon K=%d dt=%v", p.K, p.Dt)
	}
	if p.RI != (r3.Vector{Y: 1, Z: 2}) || p.RF != (r3.Vector{Y: 3, Z: -1}) {
		t.Fatalf("boundary positions RI=%v RF=%v", p.RI, p.RF)
	}
	if p.AI != (r3.Vector{X: scvx.StandardGravity}) {
		t.Fatalf("initial acceleration %v, want hover", p.AI)
	}
	if len(p.Obstacles) != 1 || p.Obstacles[0].Radius != 0.5 || p.Obstacles[0].CenterAt(3) != (r3.Vector{Y: 1.5, Z: 0.1}) {
		t.Fatalf("obstacles=%+v", p.Obstacles)
	}
	if len(p.KeepIn) != 1 || p.KeepIn[0].Radius != 10 {
		t.Fatalf("keep-in=%+v", p.KeepIn)
	}
	if len(p.HalfPlanes) != 2 || p.HalfPlanes[0].Any || !p.HalfPlanes[1].Any || len(p.HalfPlanes[1].Normals) != 3 {
		t.Fatalf("half-planes=%+v", p.HalfPlanes)
	}
	// The plane runs east along y=-200, so the feasible left side is north of -2 m.
	g := p.HalfPlanes[0]
	if v := g.Normals[0].Dot(r3.Vector{Z: -1}) - g.Offsets[0]; v > 0 {
		t.Fatalf("north=-1 m violates plane by %v", v)
	}
	if v := g.Normals[0].Dot(r3.Vector{Z: -3}) - g.Offsets[0]; v <= 0 {
		t.Fatalf("north=-3 m satisfies plane")
	}
}

func TestBuildProblemOrbitingObstacles(t *testing.T) {
	store := kb.NewConstraintModel()
	if _, err := store.AddEllipse(model.Ellipse{Center: r2.Point{X: 100, Y: 100}, Radius: 20}); err != nil {
		t.Fatalf("AddEllipse error: %v", err)
	}
	cfg := DefaultBuildConfig()
	cfg.Orbit = OrbitConfig{Radius: 0.5, Phase: math.Pi / 2, Speed: 1}
	p, err := BuildProblem(store.Snapshot(), cfg)
	if err != nil {
		t.Fatalf("BuildProblem error: %v", err)
	}
	if got := len(p.Obstacles[0].Centers); got != p.K {
		t.Fatalf("orbit centres=%d, want %d", got, p.K)
	}
}

func TestBuildProblemRejectsBadScale(t *testing.T) {
	cfg := DefaultBuildConfig()
	cfg.Scale = 0
	if _, err := BuildProblem(kb.NewConstraintModel().Snapshot(), cfg); !errors.Is(err, scvx.ErrInvalidProblem) {
		t.Fatalf("err=%v, want ErrInvalidProblem", err)
	}
}

func TestPositionAt(t *testing.T) {
	tr := scvx.Trajectory{Dt: 1, States: []scvx.State{
		{R: r3.Vector{Y: 0}}, {R: r3.Vector{Y: 2}}, {R: r3.Vector{Y: 4}},
	}}
	cases := []struct {
		t    float64
		want float64
	}{{-1, 0}, {0, 0}, {0.5, 1}, {1.5, 3}, {2, 4}, {10, 4}}
	for _, tc := range cases {
		got, err := PositionAt(tr, tc.t)
		if err != nil {
			t.Fatalf("PositionAt(%v) error: %v", tc.t, err)
		}
		if math.Abs(got.Y-tc.want) > 1e-12 {
			t.Fatalf("PositionAt(%v)=%v, want east %v", tc.t, got, tc.want)
		}
	}
	if _, err := PositionAt(scvx.Trajectory{}, 1); !errors.Is(err, ErrEmptyTrajectory) {
		t.Fatalf("empty trajectory err=%v", err)
	}
}

func TestCanvasRoundTrip(t *testing.T) {
	c := Canvas{Scale: DefaultScale}
	p := r2.Point{X: 123, Y: -45}
	if got := c.ToCanvas(c.ToSolver(p)); got.Sub(p).Norm() > 1e-9 {
		t.Fatalf("round trip %v -> %v", p, got)
	}
}
