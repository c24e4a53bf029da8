// Package lsq implements bounded nonlinear least squares for the kinetic
// model fits: a projected Levenberg-Marquardt solver with finite-difference
// Jacobians, covariance diagnostics, and a basin-hopping global search built
// on top of the local solver.
package lsq

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNoConvergence is returned when the iteration budget is exhausted
	ErrNoConvergence = errors.New("least squares did not converge")

	// ErrInvalidBounds is returned for malformed bound vectors
	ErrInvalidBounds = errors.New("invalid bounds")

	// ErrNonFinite is returned when the residuals at the start point are not finite
	ErrNonFinite = errors.New("residuals are not finite")
)

// Problem describes a bounded least-squares problem: minimise the sum of
// squared residuals subject to Lower <= x <= Upper.
type Problem struct {
	// Residual writes the M residuals at x into dst
	Residual func(dst, x []float64)

	// M is the number of residuals
	M int

	// Lower and Upper bound each parameter. Use math.Inf for unbounded.
	Lower []float64
	Upper []float64
}

// Settings controls the local solver
type Settings struct {
	MaxIterations int
	FTol          float64 // relative reduction of the cost
	XTol          float64 // relative step length
	GTol          float64 // infinity norm of the gradient
}

// DefaultSettings returns the tolerances used by the fitters
func DefaultSettings() *Settings {
	return &Settings{
		MaxIterations: 400,
		FTol:          1e-8,
		XTol:          1e-8,
		GTol:          1e-12,
	}
}

// Result holds the solution of a local fit
type Result struct {
	X          []float64
	Cost       float64 // sum of squared residuals
	Residuals  []float64
	Jacobian   *mat.Dense
	Iterations int
}

// Validate checks the bound vectors against the parameter count
func (p *Problem) Validate(n int) error {
	if p.Residual == nil || p.M < 1 {
		return fmt.Errorf("problem needs a residual function and at least one residual")
	}
	if len(p.Lower) != n || len(p.Upper) != n {
		return fmt.Errorf("%w: expected %d lower and upper values, got %d and %d",
			ErrInvalidBounds, n, len(p.Lower), len(p.Upper))
	}
	for i := 0; i < n; i++ {
		if !(p.Lower[i] < p.Upper[i]) {
			return fmt.Errorf("%w: parameter %d has lower %g not below upper %g",
				ErrInvalidBounds, i, p.Lower[i], p.Upper[i])
		}
	}
	return nil
}

// Clamp projects x onto the box in place
func (p *Problem) Clamp(x []float64) {
	for i := range x {
		x[i] = clamp(x[i], p.Lower[i], p.Upper[i])
	}
}

// Fit runs a projected Levenberg-Marquardt solve from x0. The start point is
// clamped into the bounds. The damping term is scaled by the diagonal of
// J^T J so that parameters of very different magnitude are treated alike.
func Fit(p Problem, x0 []float64, s *Settings) (*Result, error) {
	if s == nil {
		s = DefaultSettings()
	}
	n := len(x0)
	if err := p.Validate(n); err != nil {
		return nil, err
	}
	m := p.M

	x := make([]float64, n)
	copy(x, x0)
	p.Clamp(x)

	fi := make([]float64, m)
	p.Residual(fi, x)
	cost := sumOfSquares(fi)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, ErrNonFinite
	}

	cost0 := cost

	jac := mat.NewDense(m, n, nil)
	jacobian(p, jac, x, fi)

	var (
		jtj  mat.SymDense
		jtf  = mat.NewVecDense(n, nil)
		a    = mat.NewSymDense(n, nil)
		dx   = mat.NewVecDense(n, nil)
		rhs  = mat.NewVecDense(n, nil)
		chol mat.Cholesky
	)
	xNew := make([]float64, n)
	fiNew := make([]float64, m)
	free := make([]bool, n)

	lambda := 1e-3
	nu := 2.0

	done := func(iter int) *Result {
		return &Result{X: x, Cost: cost, Residuals: fi, Jacobian: jac, Iterations: iter}
	}

	for iter := 0; iter < s.MaxIterations; iter++ {
		if cost == 0 {
			return done(iter), nil
		}

		jtj.SymOuterK(1, jac.T())
		jtf.MulVec(jac.T(), mat.NewVecDense(m, fi))
		if mat.Norm(jtf, math.Inf(1)) <= s.GTol {
			return done(iter), nil
		}

		// Parameters resting on a bound with the descent direction pointing out
		// of the box are held fixed for this iteration
		for j := 0; j < n; j++ {
			g := jtf.AtVec(j)
			free[j] = !((x[j] <= p.Lower[j] && g > 0) || (x[j] >= p.Upper[j] && g < 0))
		}

		accepted := false
		for tries := 0; tries < 30; tries++ {
			for i := 0; i < n; i++ {
				for j := i; j < n; j++ {
					if free[i] && free[j] {
						a.SetSym(i, j, jtj.At(i, j))
					} else {
						a.SetSym(i, j, 0)
					}
				}
				if !free[i] {
					a.SetSym(i, i, 1)
					rhs.SetVec(i, 0)
					continue
				}
				d := jtj.At(i, i)
				if d < 1e-300 {
					d = 1e-300
				}
				a.SetSym(i, i, jtj.At(i, i)+lambda*d)
				rhs.SetVec(i, -jtf.AtVec(i))
			}

			if ok := chol.Factorize(a); !ok {
				lambda *= nu
				nu *= 2
				continue
			}
			if err := chol.SolveVecTo(dx, rhs); err != nil {
				lambda *= nu
				nu *= 2
				continue
			}

			for j := 0; j < n; j++ {
				xNew[j] = clamp(x[j]+dx.AtVec(j), p.Lower[j], p.Upper[j])
			}

			// Projected step too small to move: we sit on a stationary point of the box
			stepNorm := floats.Distance(xNew, x, 2)
			if stepNorm <= s.XTol*(s.XTol+floats.Norm(x, 2)) {
				return done(iter), nil
			}

			p.Residual(fiNew, xNew)
			costNew := sumOfSquares(fiNew)

			if costNew < cost {
				improvement := (cost - costNew) / cost
				copy(x, xNew)
				copy(fi, fiNew)
				cost = costNew
				lambda = math.Max(lambda/3.0, 1e-15)
				nu = 2.0
				jacobian(p, jac, x, fi)
				accepted = true
				if improvement < s.FTol {
					return done(iter + 1), nil
				}
				break
			}

			lambda *= nu
			nu *= 2.0
			if lambda > maxDamping {
				break
			}
		}
		if !accepted && lambda > maxDamping {
			// No direction reduces the cost any further
			if stationary(jac, jtf, fi, x, free, cost0) {
				return done(iter), nil
			}
			return done(iter), fmt.Errorf("%w: no step reduces the cost of %g", ErrNoConvergence, cost)
		}
	}

	return done(s.MaxIterations), ErrNoConvergence
}

// stationary reports whether a point where the damping ran away is a
// minimum. It is when the residuals are at rounding level, or when every
// free column of the Jacobian is orthogonal to the residuals to within
// stallCosine. Non-finite gradients and an entirely flat Jacobian are not.
func stationary(jac *mat.Dense, jtf *mat.VecDense, fi, x []float64, free []bool, cost0 float64) bool {
	fNorm := floats.Norm(fi, 2)
	scale := 0.0
	worst := 0.0
	informative := false
	for j := range x {
		g := jtf.AtVec(j)
		col := mat.Norm(jac.ColView(j), 2)
		if math.IsNaN(g) || math.IsNaN(col) || math.IsInf(col, 0) {
			return false
		}
		scale = math.Max(scale, col*math.Abs(x[j]))
		if !free[j] || col == 0 {
			continue
		}
		informative = true
		worst = math.Max(worst, math.Abs(g)/(col*fNorm))
	}
	if fNorm*fNorm <= roundingCost*cost0 || fNorm <= roundingResidual*scale {
		return true
	}
	return informative && worst <= stallCosine
}

// Stall acceptance thresholds
const (
	maxDamping       = 1e16
	stallCosine      = 1e-6
	roundingCost     = 1e-24
	roundingResidual = 1e-10
)

// jacobian fills dst with the central-difference Jacobian of the residuals at x
func jacobian(p Problem, dst *mat.Dense, x, origin []float64) {
	fd.Jacobian(dst, p.Residual, x, &fd.JacobianSettings{
		Formula:     fd.Central,
		OriginValue: origin,
	})
}

func sumOfSquares(fi []float64) float64 {
	s := 0.0
	for _, v := range fi {
		s += v * v
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
