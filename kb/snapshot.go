package kb

import (
	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"github.com/signalsfoundry/trajectory-optimizer/model"
)

// Entity pairs a shape copy with the handle it lives under.
type Entity[T model.Shape] struct {
	Handle model.Handle
	Shape  T
}

// Snapshot is a deep copy of the model at one revision.
type Snapshot struct {
	Revision uint64

	Points   []Entity[model.Point]
	Ellipses []Entity[model.Ellipse]
	Polygons []Entity[model.Polygon]
	Planes   []Entity[model.Plane]

	Waypoints model.Waypoints
	Path      model.Path
	Drone     model.Drone

	FinalPosition r2.Point
	HorizonLength int
	FinalTime     float64
}

func collect[T model.Shape](entries []entry) []Entity[T] {
	if len(entries) == 0 {
		return nil
	}
	out := make([]Entity[T], 0, len(entries))
	for _, e := range entries {
		out = append(out, Entity[T]{Handle: e.h, Shape: model.Clone(e.shape).(T)})
	}
	return out
}

func (s *state) snapshot(rev uint64) Snapshot {
	snap := Snapshot{
		Revision: rev,
		Points:   collect[model.Point](s.shapes[model.KindPoint]),
		Ellipses: collect[model.Ellipse](s.shapes[model.KindEllipse]),
		Polygons: collect[model.Polygon](s.shapes[model.KindPolygon]),
		Planes:   collect[model.Plane](s.shapes[model.KindPlane]),
		Waypoints: model.Waypoints{
			Port: s.waypointsPort,
		},
		Path: model.Path{
			Points: model.ClonePoints(s.path.Points),
			Port:   s.path.Port,
		},
		Drone:         s.drone,
		FinalPosition: s.finalPosition,
		HorizonLength: s.horizonLength,
		FinalTime:     s.finalTime,
	}
	if len(s.waypoints) > 0 {
		snap.Waypoints.Points = make([]r2.Point, len(s.waypoints))
		for i, w := range s.waypoints {
			snap.Waypoints.Points[i] = w.p
		}
	}
	return snap
}

// Shapes returns every shape in kind order, each kind in insertion order.
func (s Snapshot) Shapes() []model.Shape {
	out := make([]model.Shape, 0, len(s.Points)+len(s.Ellipses)+len(s.Polygons)+len(s.Planes))
	for _, e := range s.Points {
		out = append(out, e.Shape)
	}
	for _, e := range s.Ellipses {
		out = append(out, e.Shape)
	}
	for _, e := range s.Polygons {
		out = append(out, e.Shape)
	}
	for _, e := range s.Planes {
		out = append(out, e.Shape)
	}
	return out
}

// EllipseArrays returns parallel (radius, centre-east, centre-north) arrays
// in insertion order. Canvas x is east and canvas y is north.
func (s Snapshot) EllipseArrays() (r, cE, cN []float64) {
	r = make([]float64, len(s.Ellipses))
	cE = make([]float64, len(s.Ellipses))
	cN = make([]float64, len(s.Ellipses))
	for i, e := range s.Ellipses {
		r[i] = e.Shape.Radius
		cE[i] = e.Shape.Center.X
		cN[i] = e.Shape.Center.Y
	}
	return r, cE, cN
}

// GroupMode says how the rows of one half-plane group combine.
type GroupMode int

const (
	// All rows of the group must hold (planes, keep-in polygons).
	All GroupMode = iota
	// Any one row of the group must hold (keep-out polygons).
	Any
)

func (g GroupMode) String() string {
	if g == Any {
		return "any"
	}
	return "all"
}

// HalfPlanes holds rows A[i]·p <= B[i] in canvas coordinates (east, north).
// A[i] is a unit normal pointing to the side where row i is violated.
type HalfPlanes struct {
	// A has one row per half-plane and two columns; nil when there are no rows.
	A     *mat.Dense
	B     []float64
	Group []int
	Modes []GroupMode
}

// Len returns the number of rows.
func (h HalfPlanes) Len() int { return len(h.B) }

// Row returns the normal and offset of row i.
func (h HalfPlanes) Row(i int) (r2.Point, float64) {
	return r2.Point{X: h.A.At(i, 0), Y: h.A.At(i, 1)}, h.B[i]
}

// Violation returns how far p lies on the violated side of row i; zero or
// negative when the row holds.
func (h HalfPlanes) Violation(i int, p r2.Point) float64 {
	n, b := h.Row(i)
	return n.Dot(p) - b
}

// Feasible reports whether p satisfies every group: each row of an All
// group and at least one row of an Any group.
func (h HalfPlanes) Feasible(p r2.Point) bool {
	anyHolds := make(map[int]bool)
	for i := range h.B {
		holds := h.Violation(i, p) <= 0
		if h.Modes[i] == All {
			if !holds {
				return false
			}
			continue
		}
		g := h.Group[i]
		anyHolds[g] = anyHolds[g] || holds
	}
	for _, ok := range anyHolds {
		if !ok {
			return false
		}
	}
	return true
}

// HalfPlaneArrays decomposes planes into one row each, then polygons into one
// row per edge. Planes come first, each in its own All group; every polygon
// is one group, All when keep-in and Any when keep-out.
func (s Snapshot) HalfPlaneArrays() HalfPlanes {
	var (
		normals []r2.Point
		out     HalfPlanes
	)
	group := 0
	for _, e := range s.Planes {
		p := e.Shape
		d := p.P2.Sub(p.P1)
		// Left of P1->P2 is feasible by default, so the violated side is the right.
		n := r2.Point{X: d.Y, Y: -d.X}.Normalize()
		if p.Direction == model.Flipped {
			n = n.Mul(-1)
		}
		normals = append(normals, n)
		out.B = append(out.B, n.Dot(p.P1))
		out.Group = append(out.Group, group)
		out.Modes = append(out.Modes, All)
		group++
	}
	for _, e := range s.Polygons {
		v := e.Shape.Vertices
		sign := 1.0
		if model.SignedArea(v) < 0 {
			sign = -1
		}
		mode := Any
		if e.Shape.Direction.KeepIn() {
			mode = All
		}
		for i := range v {
			d := v[(i+1)%len(v)].Sub(v[i])
			outward := r2.Point{X: d.Y, Y: -d.X}.Normalize().Mul(sign)
			n := outward
			if mode == Any {
				n = outward.Mul(-1)
			}
			normals = append(normals, n)
			out.B = append(out.B, n.Dot(v[i]))
			out.Group = append(out.Group, group)
			out.Modes = append(out.Modes, mode)
		}
		group++
	}
	if len(normals) == 0 {
		return out
	}
	out.A = mat.NewDense(len(normals), 2, nil)
	for i, n := range normals {
		out.A.Set(i, 0, n.X)
		out.A.Set(i, 1, n.Y)
	}
	return out
}
