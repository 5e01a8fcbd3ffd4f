package scvx

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/signalsfoundry/trajectory-optimizer/internal/convex"
)

// layout places the decision variables: 3K accelerations, K thrust slacks,
// then one slack per (obstacle, step), (half-plane group, step) and
// (keep-in circle, step) for steps 1..K-1.
type layout struct {
	k   int
	amn int
	obs int
	grp int
	cir int
	n   int
}

func newLayout(p *Problem) layout {
	steps := p.K - 1
	l := layout{k: p.K, amn: 3 * p.K}
	l.obs = l.amn + p.K
	l.grp = l.obs + len(p.Obstacles)*steps
	l.cir = l.grp + len(p.HalfPlanes)*steps
	l.n = l.cir + len(p.KeepIn)*steps
	return l
}

func (l layout) obsSlack(j, k int) int { return l.obs + j*(l.k-1) + k - 1 }
func (l layout) grpSlack(g, k int) int { return l.grp + g*(l.k-1) + k - 1 }
func (l layout) cirSlack(c, k int) int { return l.cir + c*(l.k-1) + k - 1 }

// positionAlong expresses dir·r_k as Σ coef·a[idx] + off.
func (p *Problem) positionAlong(k int, dir r3.Vector) convex.Sparse {
	var e convex.Sparse
	for j := 0; j < k; j++ {
		c := p.posCoef(k, j)
		for d := 0; d < 3; d++ {
			if w := component(dir, d); w != 0 {
				e.Idx = append(e.Idx, 3*j+d)
				e.Coef = append(e.Coef, c*w)
			}
		}
	}
	e.Off = dir.Dot(p.freePosition(k))
	return e
}

// clearanceMargin tightens the position constraints of the subproblem so
// the sampled trajectory still clears them after the approximate solve.
const clearanceMargin = 1e-2

func withSlack(e convex.Sparse, slack int, coef float64) convex.Sparse {
	e.Idx = append(e.Idx, slack)
	e.Coef = append(e.Coef, coef)
	return e
}

// subproblem assembles the convex program about ref with trust radius delta.
func (p *Problem) subproblem(ref []float64, lin *linearization, delta, lambda float64) (*convex.Problem, layout) {
	lay := newLayout(p)
	n := lay.n
	rows := convex.NewRows(n)

	E, e := p.boundaryRows()
	er, ec := E.Dims()
	for i := 0; i < er; i++ {
		var idx []int
		var coef []float64
		for j := 0; j < ec; j++ {
			if v := E.At(i, j); v != 0 {
				idx = append(idx, j)
				coef = append(coef, v)
			}
		}
		rows.Add(idx, coef, e[i], e[i])
	}

	for i := 0; i < 3*p.K; i++ {
		rows.Add([]int{i}, []float64{1}, ref[i]-delta, ref[i]+delta)
	}

	for k := 0; k < p.K; k++ {
		u := lin.thrustDir[k]
		rows.Add(
			[]int{3*k + Up, 3*k + East, 3*k + North, lay.amn + k},
			[]float64{u.X, u.Y, u.Z, 1},
			p.AMin, convex.Inf,
		)
	}

	var cones []convex.Cone
	for k := 1; k < p.K; k++ {
		for j, o := range p.Obstacles {
			nh := lin.obsDir[j][k]
			ex := withSlack(p.positionAlong(k, nh), lay.obsSlack(j, k), 1)
			rows.Add(ex.Idx, ex.Coef, o.Radius+clearanceMargin+nh.Dot(horizontal(o.CenterAt(k)))-ex.Off, convex.Inf)
		}
		for g, grp := range p.HalfPlanes {
			s := lay.grpSlack(g, k)
			for i, nrm := range grp.Normals {
				if grp.Any && lin.active[g][k] != i {
					continue
				}
				ex := withSlack(p.positionAlong(k, nrm), s, -1)
				rows.Add(ex.Idx, ex.Coef, -convex.Inf, grp.Offsets[i]-clearanceMargin*nrm.Norm()-ex.Off)
			}
		}
		for c, circ := range p.KeepIn {
			east := p.positionAlong(k, eastAxis)
			east.Off -= circ.Center.Y
			north := p.positionAlong(k, r3.Vector{Z: 1})
			north.Off -= circ.Center.Z
			t := convex.Sparse{Idx: []int{lay.cirSlack(c, k)}, Coef: []float64{1}, Off: math.Max(circ.Radius-clearanceMargin, 0)}
			cones = append(cones, convex.NewCone(n, t, []convex.Sparse{east, north}))
		}
	}

	for i := lay.amn; i < n; i++ {
		rows.Add([]int{i}, []float64{1}, 0, convex.Inf)
	}

	invCos := 1 / math.Cos(p.TiltMax)
	for k := 0; k < p.K; k++ {
		acc := []convex.Sparse{
			{Idx: []int{3*k + Up}, Coef: []float64{1}},
			{Idx: []int{3*k + East}, Coef: []float64{1}},
			{Idx: []int{3*k + North}, Coef: []float64{1}},
		}
		cones = append(cones,
			convex.NewCone(n, convex.Sparse{Off: p.AMax}, acc),
			convex.NewCone(n, convex.Sparse{Idx: []int{3*k + Up}, Coef: []float64{invCos}}, acc),
		)
	}

	P := mat.NewSymDense(n, nil)
	q := make([]float64, n)
	for i := 0; i < 3*p.K; i++ {
		P.SetSym(i, i, 2*p.Dt)
	}
	for i := lay.amn; i < n; i++ {
		q[i] = lambda
	}

	return &convex.Problem{
		N:     n,
		P:     P,
		Q:     q,
		A:     rows.Matrix(),
		L:     rows.L,
		U:     rows.U,
		Cones: cones,
	}, lay
}
