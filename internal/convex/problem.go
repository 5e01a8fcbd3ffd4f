// Package convex solves small dense conic quadratic programs
//
//	minimize   ½ xᵀPx + qᵀx
//	subject to l <= Ax <= u
//	           ||G_j x + h_j|| <= c_jᵀx + d_j   for every cone j
//
// with an operator-splitting (ADMM) method in the style of OSQP. It is sized
// for the few hundred variables a trajectory subproblem needs.
package convex

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInfeasible reports a primal infeasibility certificate.
	ErrInfeasible = errors.New("convex: problem is infeasible")
	// ErrMalformed reports inconsistent problem dimensions.
	ErrMalformed = errors.New("convex: malformed problem")
)

// Inf is an unbounded row limit.
var Inf = math.Inf(1)

// Problem is one conic QP instance.
type Problem struct {
	// N is the number of variables.
	N int
	// P is the quadratic cost; nil means a linear program.
	P *mat.SymDense
	Q []float64

	// A holds the box rows; nil when there are none.
	A    *mat.Dense
	L, U []float64

	Cones []Cone
}

// Cone is the second-order cone constraint ||G x + H|| <= C·x + D.
type Cone struct {
	G *mat.Dense
	H []float64
	C []float64
	D float64
}

// Dim returns the number of stacked rows the cone contributes.
func (c Cone) Dim() int {
	r, _ := c.G.Dims()
	return r + 1
}

// Validate checks that every block agrees with N.
func (p *Problem) Validate() error {
	if p.N <= 0 {
		return fmt.Errorf("%w: %d variables", ErrMalformed, p.N)
	}
	if len(p.Q) != p.N {
		return fmt.Errorf("%w: q has %d entries, want %d", ErrMalformed, len(p.Q), p.N)
	}
	if p.P != nil && p.P.SymmetricDim() != p.N {
		return fmt.Errorf("%w: P is %d-dimensional, want %d", ErrMalformed, p.P.SymmetricDim(), p.N)
	}
	if p.A != nil {
		r, c := p.A.Dims()
		if c != p.N || len(p.L) != r || len(p.U) != r {
			return fmt.Errorf("%w: A is %dx%d with %d/%d limits", ErrMalformed, r, c, len(p.L), len(p.U))
		}
		for i := range p.L {
			if p.L[i] > p.U[i] {
				return fmt.Errorf("%w: row %d has l > u", ErrMalformed, i)
			}
		}
	} else if len(p.L) != 0 || len(p.U) != 0 {
		return fmt.Errorf("%w: limits without rows", ErrMalformed)
	}
	for j, c := range p.Cones {
		if c.G == nil {
			return fmt.Errorf("%w: cone %d has no G", ErrMalformed, j)
		}
		r, cols := c.G.Dims()
		if cols != p.N || len(c.H) != r || len(c.C) != p.N {
			return fmt.Errorf("%w: cone %d dimensions", ErrMalformed, j)
		}
	}
	return nil
}

// Rows builds box rows incrementally.
type Rows struct {
	n    int
	data []float64
	L, U []float64
}

// NewRows starts an empty row set over n variables.
func NewRows(n int) *Rows { return &Rows{n: n} }

// Add appends the row l <= Σ coef[i]·x[idx[i]] <= u.
func (r *Rows) Add(idx []int, coef []float64, l, u float64) {
	row := make([]float64, r.n)
	for i, j := range idx {
		row[j] += coef[i]
	}
	r.data = append(r.data, row...)
	r.L = append(r.L, l)
	r.U = append(r.U, u)
}

// Len returns the number of rows added so far.
func (r *Rows) Len() int { return len(r.L) }

// Matrix returns the stacked rows, or nil when empty.
func (r *Rows) Matrix() *mat.Dense {
	if len(r.L) == 0 {
		return nil
	}
	return mat.NewDense(len(r.L), r.n, r.data)
}

// Sparse describes a cone from index/coefficient lists.
type Sparse struct {
	Idx  []int
	Coef []float64
	Off  float64
}

// NewCone builds ||(z_1..z_m)|| <= t from sparse affine expressions over n variables.
func NewCone(n int, t Sparse, z []Sparse) Cone {
	c := Cone{
		G: mat.NewDense(len(z), n, nil),
		H: make([]float64, len(z)),
		C: make([]float64, n),
		D: t.Off,
	}
	for i, j := range t.Idx {
		c.C[j] += t.Coef[i]
	}
	for r, e := range z {
		for i, j := range e.Idx {
			c.G.Set(r, j, c.G.At(r, j)+e.Coef[i])
		}
		c.H[r] = e.Off
	}
	return c
}
