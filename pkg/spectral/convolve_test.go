package spectral

import (
	"math"
	"testing"
)

// createTestCurve returns a bolus-like curve sampled on n points
func createTestCurve(n int, dt float64) []float64 {
	curve := make([]float64, n)
	for i := range curve {
		t := float64(i) * dt
		curve[i] = t * math.Exp(-t/20)
	}
	return curve
}

// TestExponentialMatchesDirect verifies the FFT path against the time-domain sum
func TestExponentialMatchesDirect(t *testing.T) {
	for _, n := range []int{1, 7, 64, 301} {
		dt := 0.5
		curve := createTestCurve(n, dt)
		c := NewConvolver(n)
		c.SetInput(curve)

		for _, beta := range []float64{0, 0.005, 0.2} {
			got := c.Exponential(nil, beta, dt)
			want := Direct(curve, beta, dt)
			for i := range want {
				if math.Abs(got[i]-want[i]) > 1e-9*(1+math.Abs(want[i])) {
					t.Fatalf("n=%d beta=%f index %d: expected %g, got %g", n, beta, i, want[i], got[i])
				}
			}
		}
	}
}

// TestSetInputReplacesCurve verifies a convolver can be reused for new inputs
func TestSetInputReplacesCurve(t *testing.T) {
	n := 50
	c := NewConvolver(n)
	c.SetInput(createTestCurve(n, 1))
	_ = c.Exponential(nil, 0.1, 1)

	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	c.SetInput(ones)
	got := c.Exponential(make([]float64, n), 0, 1)
	for i := range got {
		// Convolving ones with ones gives the running count
		if math.Abs(got[i]-float64(i+1)) > 1e-9 {
			t.Fatalf("Index %d: expected %d, got %f", i, i+1, got[i])
		}
	}
	if c.Len() != n {
		t.Errorf("Expected length %d, got %d", n, c.Len())
	}
}
