package convex

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Status describes how a solve ended.
type Status int

const (
	// StatusSolved means both residuals met the tolerances.
	StatusSolved Status = iota
	// StatusInaccurate means the iteration limit was hit first; X is the last iterate.
	StatusInaccurate
)

func (s Status) String() string {
	if s == StatusSolved {
		return "solved"
	}
	return "solved_inaccurate"
}

// Settings tune the ADMM iteration.
type Settings struct {
	Rho        float64
	Sigma      float64
	Alpha      float64
	EpsAbs     float64
	EpsRel     float64
	EpsPrimInf float64
	MaxIter    int
	CheckEvery int
	AdaptEvery int
}

// DefaultSettings mirrors the usual OSQP defaults.
func DefaultSettings() Settings {
	return Settings{
		Rho:        0.1,
		Sigma:      1e-6,
		Alpha:      1.6,
		EpsAbs:     1e-4,
		EpsRel:     1e-4,
		EpsPrimInf: 1e-5,
		MaxIter:    4000,
		CheckEvery: 10,
		AdaptEvery: 25,
	}
}

// Solution is the primal/dual pair at termination.
type Solution struct {
	X          []float64
	Y          []float64
	Status     Status
	Iterations int
	PrimalRes  float64
	DualRes    float64
}

// Solver runs ADMM on Problems. It holds no per-problem state and is safe for
// concurrent use.
type Solver struct {
	settings Settings
}

// Option configures a Solver.
type Option func(*Solver)

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(sv *Solver) { sv.settings = s }
}

// New constructs a Solver.
func New(opts ...Option) *Solver {
	s := &Solver{settings: DefaultSettings()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const (
	rhoMin      = 1e-6
	rhoMax      = 1e6
	rhoEqScale  = 1e3
	rhoAdaptTol = 5.0
	segBox      = 0
	segCone     = 1
)

type segment struct {
	kind  int
	start int
	dim   int
}

// workspace holds the stacked constraint operator z = Mx with z ∈ C.
type workspace struct {
	n, m int
	s    Settings

	P *mat.SymDense
	q []float64
	M *mat.Dense

	l, u []float64 // box limits for rows < nBox
	off  []float64 // cone offsets: z + off ∈ K
	segs []segment
	nBox int
	eq   []bool

	rho  float64
	rhoV []float64
	chol mat.Cholesky
}

func newWorkspace(p *Problem, s Settings) (*workspace, error) {
	nBox := 0
	if p.A != nil {
		nBox, _ = p.A.Dims()
	}
	m := nBox
	for _, c := range p.Cones {
		m += c.Dim()
	}
	w := &workspace{n: p.N, m: m, s: s, q: p.Q, nBox: nBox, rho: s.Rho}
	w.P = p.P
	if w.P == nil {
		w.P = mat.NewSymDense(p.N, nil)
	}
	if m == 0 {
		return w, nil
	}
	w.M = mat.NewDense(m, p.N, nil)
	w.off = make([]float64, m)
	w.eq = make([]bool, m)
	if nBox > 0 {
		w.M.Slice(0, nBox, 0, p.N).(*mat.Dense).Copy(p.A)
		w.l = p.L
		w.u = p.U
		w.segs = append(w.segs, segment{kind: segBox, start: 0, dim: nBox})
		for i := 0; i < nBox; i++ {
			w.eq[i] = p.L[i] == p.U[i]
		}
	}
	row := nBox
	for _, c := range p.Cones {
		d := c.Dim()
		w.M.SetRow(row, c.C)
		w.off[row] = c.D
		w.M.Slice(row+1, row+d, 0, p.N).(*mat.Dense).Copy(c.G)
		copy(w.off[row+1:row+d], c.H)
		w.segs = append(w.segs, segment{kind: segCone, start: row, dim: d})
		row += d
	}
	return w, nil
}

func (w *workspace) setRho(rho float64) error {
	w.rho = math.Min(math.Max(rho, rhoMin), rhoMax)
	if w.rhoV == nil {
		w.rhoV = make([]float64, w.m)
	}
	for i := 0; i < w.m; i++ {
		switch {
		case i < w.nBox && w.eq[i]:
			w.rhoV[i] = rhoEqScale * w.rho
		case i < w.nBox && math.IsInf(w.l[i], -1) && math.IsInf(w.u[i], 1):
			w.rhoV[i] = rhoMin
		default:
			w.rhoV[i] = w.rho
		}
	}
	return w.factor()
}

// factor computes the Cholesky factor of P + σI + MᵀRM.
func (w *workspace) factor() error {
	kkt := mat.NewSymDense(w.n, nil)
	if w.m > 0 {
		scaled := mat.NewDense(w.n, w.m, nil)
		scaled.CloneFrom(w.M.T())
		for j := 0; j < w.m; j++ {
			sr := math.Sqrt(w.rhoV[j])
			for i := 0; i < w.n; i++ {
				scaled.Set(i, j, scaled.At(i, j)*sr)
			}
		}
		kkt.SymOuterK(1, scaled)
	}
	for i := 0; i < w.n; i++ {
		for j := i; j < w.n; j++ {
			v := kkt.At(i, j) + w.P.At(i, j)
			if i == j {
				v += w.s.Sigma
			}
			kkt.SetSym(i, j, v)
		}
	}
	if ok := w.chol.Factorize(kkt); !ok {
		return fmt.Errorf("%w: KKT matrix is not positive definite", ErrMalformed)
	}
	return nil
}

// project maps z onto C in place.
func (w *workspace) project(z []float64) {
	for _, sg := range w.segs {
		switch sg.kind {
		case segBox:
			for i := sg.start; i < sg.start+sg.dim; i++ {
				z[i] = math.Min(math.Max(z[i], w.l[i]), w.u[i])
			}
		case segCone:
			seg := z[sg.start : sg.start+sg.dim]
			off := w.off[sg.start : sg.start+sg.dim]
			for i := range seg {
				seg[i] += off[i]
			}
			projectSOC(seg)
			for i := range seg {
				seg[i] -= off[i]
			}
		}
	}
}

// projectSOC projects (t, z) onto {||z|| <= t} in place.
func projectSOC(v []float64) {
	t := v[0]
	nz := 0.0
	for _, x := range v[1:] {
		nz += x * x
	}
	nz = math.Sqrt(nz)
	switch {
	case nz <= t:
		return
	case nz <= -t:
		for i := range v {
			v[i] = 0
		}
	default:
		a := (t + nz) / 2
		v[0] = a
		for i := 1; i < len(v); i++ {
			v[i] *= a / nz
		}
	}
}

// Solve runs ADMM until the residuals meet the tolerances, a primal
// infeasibility certificate is found, or MaxIter is reached.
func (s *Solver) Solve(ctx context.Context, p *Problem) (Solution, error) {
	if err := p.Validate(); err != nil {
		return Solution{}, err
	}
	w, err := newWorkspace(p, s.settings)
	if err != nil {
		return Solution{}, err
	}
	if err := w.setRho(s.settings.Rho); err != nil {
		return Solution{}, err
	}

	n, m := w.n, w.m
	x := mat.NewVecDense(n, nil)
	xt := mat.NewVecDense(n, nil)
	rhs := mat.NewVecDense(n, nil)
	z := make([]float64, m)
	y := make([]float64, m)
	dy := make([]float64, m)
	zt := make([]float64, m)
	tmp := make([]float64, m)
	w.project(z)

	alpha, sigma := s.settings.Alpha, s.settings.Sigma
	sol := Solution{Status: StatusInaccurate}

	for it := 1; it <= s.settings.MaxIter; it++ {
		// rhs = σx − q + Mᵀ(Rz − y)
		for i := 0; i < n; i++ {
			rhs.SetVec(i, sigma*x.AtVec(i)-w.q[i])
		}
		if m > 0 {
			for i := 0; i < m; i++ {
				tmp[i] = w.rhoV[i]*z[i] - y[i]
			}
			var mt mat.VecDense
			mt.MulVec(w.M.T(), mat.NewVecDense(m, tmp))
			rhs.AddVec(rhs, &mt)
		}
		if err := w.chol.SolveVecTo(xt, rhs); err != nil {
			return Solution{}, fmt.Errorf("convex: linear solve: %w", err)
		}

		if m > 0 {
			var mx mat.VecDense
			mx.MulVec(w.M, xt)
			for i := 0; i < m; i++ {
				zt[i] = alpha*mx.AtVec(i) + (1-alpha)*z[i]
			}
		}
		for i := 0; i < n; i++ {
			x.SetVec(i, alpha*xt.AtVec(i)+(1-alpha)*x.AtVec(i))
		}
		for i := 0; i < m; i++ {
			tmp[i] = zt[i] + y[i]/w.rhoV[i]
		}
		w.project(tmp)
		for i := 0; i < m; i++ {
			dy[i] = w.rhoV[i] * (zt[i] - tmp[i])
			y[i] += dy[i]
			z[i] = tmp[i]
		}

		check := it%s.settings.CheckEvery == 0 || it == s.settings.MaxIter
		adapt := s.settings.AdaptEvery > 0 && it%s.settings.AdaptEvery == 0
		if !check && !adapt {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Solution{}, err
		}
		r := w.residuals(x, z, y)
		sol.Iterations, sol.PrimalRes, sol.DualRes = it, r.prim, r.dual
		if check {
			if r.prim <= s.settings.EpsAbs+s.settings.EpsRel*r.primScale &&
				r.dual <= s.settings.EpsAbs+s.settings.EpsRel*r.dualScale {
				sol.Status = StatusSolved
				break
			}
			if w.primalInfeasible(dy) {
				return Solution{Iterations: it}, ErrInfeasible
			}
		}
		if adapt {
			if next := w.adaptedRho(r); next > rhoAdaptTol*w.rho || next < w.rho/rhoAdaptTol {
				if err := w.setRho(next); err != nil {
					return Solution{}, err
				}
			}
		}
	}

	sol.X = append([]float64(nil), x.RawVector().Data...)
	sol.Y = append([]float64(nil), y...)
	return sol, nil
}

type residual struct {
	prim, dual           float64
	primScale, dualScale float64
	mx, z, px, mty, q    float64
}

func (w *workspace) residuals(x *mat.VecDense, z, y []float64) residual {
	var r residual
	var px mat.VecDense
	px.MulVec(w.P, x)
	dual := make([]float64, w.n)
	for i := 0; i < w.n; i++ {
		dual[i] = px.AtVec(i) + w.q[i]
		r.px = math.Max(r.px, math.Abs(px.AtVec(i)))
		r.q = math.Max(r.q, math.Abs(w.q[i]))
	}
	if w.m > 0 {
		var mx, mty mat.VecDense
		mx.MulVec(w.M, x)
		mty.MulVec(w.M.T(), mat.NewVecDense(w.m, y))
		for i := 0; i < w.m; i++ {
			r.prim = math.Max(r.prim, math.Abs(mx.AtVec(i)-z[i]))
			r.mx = math.Max(r.mx, math.Abs(mx.AtVec(i)))
			r.z = math.Max(r.z, math.Abs(z[i]))
		}
		for i := 0; i < w.n; i++ {
			dual[i] += mty.AtVec(i)
			r.mty = math.Max(r.mty, math.Abs(mty.AtVec(i)))
		}
	}
	for _, d := range dual {
		r.dual = math.Max(r.dual, math.Abs(d))
	}
	r.primScale = math.Max(r.mx, r.z)
	r.dualScale = math.Max(r.px, math.Max(r.mty, r.q))
	return r
}

func (w *workspace) adaptedRho(r residual) float64 {
	const tiny = 1e-10
	pn := r.prim / math.Max(r.primScale, tiny)
	dn := r.dual / math.Max(r.dualScale, tiny)
	if dn < tiny {
		return w.rho
	}
	return w.rho * math.Sqrt(pn/dn)
}

// primalInfeasible tests δy against the conditions ||Mᵀδy|| ≈ 0 and
// σ_C(δy) < 0, where σ_C is the support function of the constraint set.
func (w *workspace) primalInfeasible(dy []float64) bool {
	if w.m == 0 {
		return false
	}
	norm := 0.0
	for _, v := range dy {
		norm = math.Max(norm, math.Abs(v))
	}
	if norm < 1e-12 {
		return false
	}
	eps := w.s.EpsPrimInf
	d := make([]float64, w.m)
	for i := range dy {
		d[i] = dy[i] / norm
	}
	var mtd mat.VecDense
	mtd.MulVec(w.M.T(), mat.NewVecDense(w.m, d))
	for i := 0; i < w.n; i++ {
		if math.Abs(mtd.AtVec(i)) > eps {
			return false
		}
	}
	support := 0.0
	for _, sg := range w.segs {
		switch sg.kind {
		case segBox:
			for i := sg.start; i < sg.start+sg.dim; i++ {
				switch {
				case d[i] > eps:
					if math.IsInf(w.u[i], 1) {
						return false
					}
					support += w.u[i] * d[i]
				case d[i] < -eps:
					if math.IsInf(w.l[i], -1) {
						return false
					}
					support += w.l[i] * d[i]
				}
			}
		case segCone:
			seg := d[sg.start : sg.start+sg.dim]
			// The shifted cone has finite support only on the polar cone -K.
			nz := 0.0
			for _, v := range seg[1:] {
				nz += v * v
			}
			if math.Sqrt(nz) > -seg[0]+eps {
				return false
			}
			for i, v := range seg {
				support -= v * w.off[sg.start+i]
			}
		}
	}
	return support < -eps
}
