package scvx

import (
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

func vecAt(a []float64, k int) r3.Vector {
	return r3.Vector{X: a[3*k+Up], Y: a[3*k+East], Z: a[3*k+North]}
}

func setVec(a []float64, k int, v r3.Vector) {
	a[3*k+Up], a[3*k+East], a[3*k+North] = v.X, v.Y, v.Z
}

func component(v r3.Vector, d int) float64 {
	switch d {
	case Up:
		return v.X
	case East:
		return v.Y
	default:
		return v.Z
	}
}

// posCoef is ∂r_k/∂a_j for the zero-order-hold double integrator.
func (p *Problem) posCoef(k, j int) float64 {
	if j >= k {
		return 0
	}
	return p.Dt * p.Dt * (float64(k-j) - 0.5)
}

// freePosition is r_k with every a_j = 0: RI + k·dt·VI + (k·dt)²/2·g.
func (p *Problem) freePosition(k int) r3.Vector {
	t := float64(k) * p.Dt
	return p.RI.Add(p.VI.Mul(t)).Add(p.Gravity.Mul(t * t / 2))
}

// integrate propagates the accelerations from the initial state.
func (p *Problem) integrate(a []float64) Trajectory {
	tr := Trajectory{Dt: p.Dt, States: make([]State, p.K)}
	r, v := p.RI, p.VI
	for k := 0; k < p.K; k++ {
		acc := vecAt(a, k)
		tr.States[k] = State{R: r, V: v, A: acc}
		total := acc.Add(p.Gravity)
		r = r.Add(v.Mul(p.Dt)).Add(total.Mul(p.Dt * p.Dt / 2))
		v = v.Add(total.Mul(p.Dt))
	}
	return tr
}

// boundaryRows returns E, e such that E·a = e encodes r_{K-1} = RF,
// v_{K-1} = VF, a_0 = AI and a_{K-1} = AF.
func (p *Problem) boundaryRows() (*mat.Dense, []float64) {
	n := 3 * p.K
	last := p.K - 1
	E := mat.NewDense(12, n, nil)
	e := make([]float64, 12)
	rFree := p.freePosition(last)
	vFree := p.VI.Add(p.Gravity.Mul(float64(last) * p.Dt))
	for d := 0; d < 3; d++ {
		for j := 0; j < last; j++ {
			E.Set(d, 3*j+d, p.posCoef(last, j))
			E.Set(3+d, 3*j+d, p.Dt)
		}
		e[d] = component(p.RF, d) - component(rFree, d)
		e[3+d] = component(p.VF, d) - component(vFree, d)

		E.Set(6+d, d, 1)
		e[6+d] = component(p.AI, d)
		E.Set(9+d, 3*last+d, 1)
		e[9+d] = component(p.AF, d)
	}
	return E, e
}

// projectBoundary returns the accelerations closest to a that satisfy the
// boundary conditions in the least-squares sense.
func (p *Problem) projectBoundary(a []float64) ([]float64, error) {
	E, e := p.boundaryRows()
	rows, _ := E.Dims()

	x := mat.NewVecDense(len(a), append([]float64(nil), a...))
	var ex mat.VecDense
	ex.MulVec(E, x)
	res := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		res.SetVec(i, e[i]-ex.AtVec(i))
	}

	// Boundary rows are linearly dependent when K is tiny; the ridge keeps
	// the normal matrix definite.
	gram := mat.NewSymDense(rows, nil)
	gram.SymOuterK(1, E)
	for i := 0; i < rows; i++ {
		gram.SetSym(i, i, gram.At(i, i)+1e-10)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(gram); !ok {
		return nil, fmt.Errorf("boundary projection: singular normal matrix")
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, res); err != nil {
		return nil, fmt.Errorf("boundary projection: %w", err)
	}
	var dx mat.VecDense
	dx.MulVec(E.T(), &w)
	x.AddVec(x, &dx)
	return x.RawVector().Data, nil
}

// initialReference is the minimum-effort acceleration history meeting the
// boundary conditions. Starting and ending at rest it flies the straight
// line from RI to RF.
func (p *Problem) initialReference() ([]float64, error) {
	return p.projectBoundary(make([]float64, 3*p.K))
}
