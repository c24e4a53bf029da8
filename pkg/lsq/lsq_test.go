package lsq

import (
	"errors"
	"math"
	"testing"
)

// exponentialProblem builds residuals for y = a*exp(-b*t) sampled at t
func exponentialProblem(t, y []float64, lower, upper []float64) Problem {
	return Problem{
		Residual: func(dst, x []float64) {
			for i := range t {
				dst[i] = x[0]*math.Exp(-x[1]*t[i]) - y[i]
			}
		},
		M:     len(t),
		Lower: lower,
		Upper: upper,
	}
}

func createExponentialData(a, b float64, n int) ([]float64, []float64) {
	t := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		t[i] = float64(i) * 0.5
		y[i] = a * math.Exp(-b*t[i])
	}
	return t, y
}

func TestFitRecoversExponential(t *testing.T) {
	tm, y := createExponentialData(3.0, 0.4, 20)
	p := exponentialProblem(tm, y, []float64{0, 0}, []float64{10, 2})

	res, err := Fit(p, []float64{1, 1}, nil)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if math.Abs(res.X[0]-3.0) > 1e-6 || math.Abs(res.X[1]-0.4) > 1e-6 {
		t.Errorf("Expected (3, 0.4), got (%f, %f)", res.X[0], res.X[1])
	}
	if res.Cost > 1e-12 {
		t.Errorf("Expected near zero cost, got %g", res.Cost)
	}
}

func TestFitRespectsBounds(t *testing.T) {
	tm, y := createExponentialData(3.0, 0.4, 20)
	// The true rate lies above the box, so the solution must stop at the bound
	p := exponentialProblem(tm, y, []float64{0, 0}, []float64{10, 0.2})

	res, err := Fit(p, []float64{1, 0.1}, nil)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if res.X[1] > 0.2 {
		t.Errorf("Rate %f exceeds upper bound 0.2", res.X[1])
	}
	if math.Abs(res.X[1]-0.2) > 1e-6 {
		t.Errorf("Expected rate pinned at 0.2, got %f", res.X[1])
	}
}

func TestFitClampsStartPoint(t *testing.T) {
	tm, y := createExponentialData(3.0, 0.4, 20)
	p := exponentialProblem(tm, y, []float64{0, 0}, []float64{10, 2})

	res, err := Fit(p, []float64{50, -3}, nil)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	for i, v := range res.X {
		if v < p.Lower[i] || v > p.Upper[i] {
			t.Errorf("Parameter %d = %f outside [%f, %f]", i, v, p.Lower[i], p.Upper[i])
		}
	}
}

func TestFitInvalidBounds(t *testing.T) {
	tm, y := createExponentialData(3.0, 0.4, 5)
	tests := []struct {
		name         string
		lower, upper []float64
	}{
		{"equal", []float64{0, 1}, []float64{10, 1}},
		{"inverted", []float64{5, 0}, []float64{1, 2}},
		{"short", []float64{0}, []float64{10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := exponentialProblem(tm, y, tt.lower, tt.upper)
			if _, err := Fit(p, []float64{1, 0.5}, nil); !errors.Is(err, ErrInvalidBounds) {
				t.Errorf("Expected ErrInvalidBounds, got %v", err)
			}
		})
	}
}

func TestFitIterationBudget(t *testing.T) {
	tm, y := createExponentialData(3.0, 0.4, 20)
	p := exponentialProblem(tm, y, []float64{0, 0}, []float64{10, 2})

	_, err := Fit(p, []float64{9, 1.9}, &Settings{MaxIterations: 1, FTol: 1e-15, XTol: 1e-15, GTol: 0})
	if !errors.Is(err, ErrNoConvergence) {
		t.Errorf("Expected ErrNoConvergence with a one-step budget, got %v", err)
	}
}

// TestFitStalledNotConverged uses residuals that are finite only at the
// start point, so every Jacobian entry is NaN and no step can be taken
func TestFitStalledNotConverged(t *testing.T) {
	p := Problem{
		Residual: func(dst, x []float64) {
			v := math.NaN()
			if x[0] == 1 && x[1] == 1 {
				v = 1
			}
			for i := range dst {
				dst[i] = v
			}
		},
		M:     3,
		Lower: []float64{-10, -10},
		Upper: []float64{10, 10},
	}
	res, err := Fit(p, []float64{1, 1}, nil)
	if !errors.Is(err, ErrNoConvergence) {
		t.Fatalf("Expected ErrNoConvergence, got %v", err)
	}
	if res == nil || res.Cost != 3 {
		t.Errorf("Expected the start point back with cost 3, got %+v", res)
	}
}

// TestFitRestartAtMinimum restarts from a converged noisy fit, where no
// step can lower the cost any further
func TestFitRestartAtMinimum(t *testing.T) {
	tm, y := createExponentialData(3.0, 0.4, 20)
	for i := range y {
		y[i] += 0.01 * math.Sin(float64(7*i+1))
	}
	p := exponentialProblem(tm, y, []float64{0, 0}, []float64{10, 2})
	first, err := Fit(p, []float64{1, 1}, nil)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	again, err := Fit(p, first.X, nil)
	if err != nil {
		t.Fatalf("Expected convergence when restarting at the minimum, got %v", err)
	}
	if again.Cost > first.Cost {
		t.Errorf("Expected cost at most %g, got %g", first.Cost, again.Cost)
	}
}

func TestCovarianceLinearModel(t *testing.T) {
	// y = c0 + c1*x with alternating residuals of +-0.1
	x := []float64{0, 1, 2, 3, 4, 5}
	y := make([]float64, len(x))
	for i := range x {
		y[i] = 1 + 2*x[i]
		if i%2 == 0 {
			y[i] += 0.1
		} else {
			y[i] -= 0.1
		}
	}
	p := Problem{
		Residual: func(dst, c []float64) {
			for i := range x {
				dst[i] = c[0] + c[1]*x[i] - y[i]
			}
		},
		M:     len(x),
		Lower: []float64{math.Inf(-1), math.Inf(-1)},
		Upper: []float64{math.Inf(1), math.Inf(1)},
	}
	res, err := Fit(p, []float64{0, 0}, nil)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	diag, err := Covariance(res)
	if err != nil {
		t.Fatalf("Covariance failed: %v", err)
	}

	// Analytic: s2 * inv(X^T X) with sum x = 15, sum x^2 = 55, n = 6
	s2 := res.Cost / 4
	det := 6*55.0 - 15*15.0
	want := [][]float64{{55 / det, -15 / det}, {-15 / det, 6 / det}}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			got := diag.Covariance.At(i, j)
			if math.Abs(got-s2*want[i][j]) > 1e-8 {
				t.Errorf("Covariance[%d][%d]: expected %g, got %g", i, j, s2*want[i][j], got)
			}
		}
	}
	if !diag.PositiveSemiDefinite {
		t.Error("Expected positive semi-definite covariance")
	}
	for i := 0; i < 2; i++ {
		if math.Abs(diag.Correlation.At(i, i)-1) > 1e-12 {
			t.Errorf("Expected unit correlation diagonal, got %f", diag.Correlation.At(i, i))
		}
	}
	if diag.Condition < 1 || math.IsInf(diag.Condition, 0) {
		t.Errorf("Expected a finite condition number >= 1, got %f", diag.Condition)
	}
}

func TestBasinHoppingNeverWorse(t *testing.T) {
	tm, y := createExponentialData(3.0, 0.4, 20)
	for i := range y {
		y[i] += 0.01 * math.Sin(float64(i))
	}
	p := exponentialProblem(tm, y, []float64{0, 0}, []float64{10, 2})

	hop := DefaultHopSettings()
	hop.Iterations = 20
	res, err := BasinHopping(p, []float64{8, 1.5}, nil, hop)
	if err != nil {
		t.Fatalf("BasinHopping failed: %v", err)
	}
	if res.Best.Cost > res.Start.Cost {
		t.Errorf("Global cost %g above local cost %g", res.Best.Cost, res.Start.Cost)
	}
	for i, v := range res.Best.X {
		if v < p.Lower[i] || v > p.Upper[i] {
			t.Errorf("Parameter %d = %f outside bounds", i, v)
		}
	}
}

func TestBasinHoppingReproducible(t *testing.T) {
	tm, y := createExponentialData(2.0, 0.3, 15)
	p := exponentialProblem(tm, y, []float64{0, 0}, []float64{10, 2})

	hop := DefaultHopSettings()
	hop.Iterations = 10
	hop.Seed = 42
	a, err := BasinHopping(p, []float64{1, 1}, nil, hop)
	if err != nil {
		t.Fatalf("BasinHopping failed: %v", err)
	}
	b, err := BasinHopping(p, []float64{1, 1}, nil, hop)
	if err != nil {
		t.Fatalf("BasinHopping failed: %v", err)
	}
	if a.Best.Cost != b.Best.Cost || a.Accepted != b.Accepted {
		t.Errorf("Expected identical runs for the same seed, got cost %g/%g accepted %d/%d",
			a.Best.Cost, b.Best.Cost, a.Accepted, b.Accepted)
	}
}
