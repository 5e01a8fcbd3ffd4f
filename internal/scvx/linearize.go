package scvx

import (
	"math"

	"github.com/golang/geo/r3"
)

var (
	upAxis   = r3.Vector{X: 1}
	eastAxis = r3.Vector{Y: 1}
)

func horizontal(v r3.Vector) r3.Vector { return r3.Vector{Y: v.Y, Z: v.Z} }

// linearization holds the first-order data of the non-convex terms about
// one reference trajectory. It is rebuilt every outer iteration.
type linearization struct {
	// thrustDir[k] is the unit direction of the reference acceleration.
	thrustDir []r3.Vector
	// obsDir[j][k] is the unit horizontal normal from obstacle j to the reference.
	obsDir [][]r3.Vector
	// active[g][k] is the edge imposed for an Any group; unused for All groups.
	active [][]int
}

func unitOr(v, fallback r3.Vector) r3.Vector {
	n := v.Norm()
	if n < 1e-9 {
		return fallback
	}
	return v.Mul(1 / n)
}

// leftOf rotates a horizontal direction a quarter turn toward north.
func leftOf(u r3.Vector) r3.Vector { return r3.Vector{Y: -u.Z, Z: u.Y} }

// travelDir is the horizontal direction of motion at step k, falling back
// to the straight line from RI to RF. The second result is false when the
// reference is stationary and the endpoints coincide horizontally.
func (p *Problem) travelDir(ref Trajectory, k int) (r3.Vector, bool) {
	if v := horizontal(ref.States[k].V); v.Norm() > 1e-6 {
		return v.Normalize(), true
	}
	if d := horizontal(p.RF.Sub(p.RI)); d.Norm() > 1e-6 {
		return d.Normalize(), true
	}
	return r3.Vector{}, false
}

func (p *Problem) linearize(ref Trajectory) *linearization {
	lin := &linearization{
		thrustDir: make([]r3.Vector, p.K),
		obsDir:    make([][]r3.Vector, len(p.Obstacles)),
		active:    make([][]int, len(p.HalfPlanes)),
	}
	for k, s := range ref.States {
		lin.thrustDir[k] = unitOr(s.A, upAxis)
	}
	for j, o := range p.Obstacles {
		lin.obsDir[j] = make([]r3.Vector, p.K)
		for k, s := range ref.States {
			d := horizontal(s.R.Sub(o.CenterAt(k)))
			if d.Norm() >= o.Radius {
				lin.obsDir[j][k] = unitOr(d, eastAxis)
				continue
			}
			// Inside the cylinder the radial normal points back along the
			// path when the reference crosses the centre, so the step is
			// pushed sideways instead.
			u, ok := p.travelDir(ref, k)
			if !ok {
				lin.obsDir[j][k] = unitOr(d, eastAxis)
				continue
			}
			l := leftOf(u)
			if l.Dot(d) < -1e-9 {
				l = l.Mul(-1)
			}
			lin.obsDir[j][k] = l
		}
	}
	for g, grp := range p.HalfPlanes {
		if !grp.Any {
			continue
		}
		lin.active[g] = make([]int, p.K)
		for k, s := range ref.States {
			lin.active[g][k] = mostSatisfied(grp, s.R)
			if groupViolation(grp, s.R) == 0 {
				continue
			}
			if u, ok := p.travelDir(ref, k); ok {
				if i, ok := sidestepEdge(grp, s.R, leftOf(u)); ok {
					lin.active[g][k] = i
				}
			}
		}
	}
	return lin
}

// sidestepEdge picks, for a point inside a keep-out region, the edge
// reached soonest by moving along l or its opposite. Edges nearly parallel
// to l are skipped.
func sidestepEdge(g HalfPlaneGroup, r r3.Vector, l r3.Vector) (int, bool) {
	h := horizontal(r)
	best, bestD := -1, math.Inf(1)
	for i, n := range g.Normals {
		along := math.Abs(n.Dot(l))
		if along < 0.1*n.Norm() {
			continue
		}
		if d := (n.Dot(h) - g.Offsets[i]) / along; d < bestD {
			best, bestD = i, d
		}
	}
	return best, best >= 0
}

func mostSatisfied(g HalfPlaneGroup, r r3.Vector) int {
	best, bestV := 0, math.Inf(1)
	for i, n := range g.Normals {
		if v := n.Dot(horizontal(r)) - g.Offsets[i]; v < bestV {
			best, bestV = i, v
		}
	}
	return best
}

func groupViolation(g HalfPlaneGroup, r r3.Vector) float64 {
	h := horizontal(r)
	v := g.Normals[0].Dot(h) - g.Offsets[0]
	for i := 1; i < len(g.Normals); i++ {
		vi := g.Normals[i].Dot(h) - g.Offsets[i]
		if g.Any {
			v = math.Min(v, vi)
		} else {
			v = math.Max(v, vi)
		}
	}
	return math.Max(0, v)
}

func (p *Problem) effort(tr Trajectory) float64 {
	sum := 0.0
	for _, s := range tr.States {
		sum += s.A.Norm2()
	}
	return p.Dt * sum
}

// hardViolation measures the convex vehicle limits the subproblem imposes
// exactly; it is zero for any subproblem solution.
func (p *Problem) hardViolation(tr Trajectory) float64 {
	v := 0.0
	cosT := math.Cos(p.TiltMax)
	for _, s := range tr.States {
		n := s.A.Norm()
		v += math.Max(0, n-p.AMax)
		v += math.Max(0, n-s.A.X/cosT)
	}
	return v
}

// violation sums the softened constraint violations of tr. With a nil
// linearization it measures the true non-convex constraints; otherwise the
// constraints linearized by lin.
func (p *Problem) violation(tr Trajectory, lin *linearization) float64 {
	v := 0.0
	for k, s := range tr.States {
		if lin == nil {
			v += math.Max(0, p.AMin-s.A.Norm())
		} else {
			v += math.Max(0, p.AMin-lin.thrustDir[k].Dot(s.A))
		}
	}
	for k := 1; k < p.K; k++ {
		r := tr.States[k].R
		for j, o := range p.Obstacles {
			d := horizontal(r.Sub(o.CenterAt(k)))
			if lin == nil {
				v += math.Max(0, o.Radius-d.Norm())
			} else {
				v += math.Max(0, o.Radius-lin.obsDir[j][k].Dot(d))
			}
		}
		for g, grp := range p.HalfPlanes {
			if lin != nil && grp.Any {
				i := lin.active[g][k]
				v += math.Max(0, grp.Normals[i].Dot(horizontal(r))-grp.Offsets[i])
				continue
			}
			v += groupViolation(grp, r)
		}
		for _, c := range p.KeepIn {
			v += math.Max(0, horizontal(r.Sub(c.Center)).Norm()-c.Radius)
		}
	}
	return v
}

// trueCost is J: effort plus weighted true violations.
func (p *Problem) trueCost(tr Trajectory, lambda float64) float64 {
	return p.effort(tr) + lambda*(p.violation(tr, nil)+p.hardViolation(tr))
}

// linearCost is L: effort plus weighted linearized violations.
func (p *Problem) linearCost(tr Trajectory, lin *linearization, lambda float64) float64 {
	return p.effort(tr) + lambda*(p.violation(tr, lin)+p.hardViolation(tr))
}
