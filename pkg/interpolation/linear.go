// Package interpolation resamples sparse, irregularly timed curves onto the
// regular grid used to integrate the input function.
package interpolation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
)

// Grid builds the regular sampling grid for the input function.
// The step is the smallest gap between consecutive draw times, and the grid
// runs from floor(start) up to, but excluding, ceil(end + step).
//
// Parameters:
//   - drawTimes: Blood sample times in seconds, strictly increasing
//   - start: Start of the first PET frame
//   - end: End of the last PET frame
//
// Returns:
//   - The grid points and the grid step
func Grid(drawTimes []float64, start, end float64) ([]float64, float64, error) {
	if len(drawTimes) < 2 {
		return nil, 0, fmt.Errorf("need at least two draw times to build a grid, got %d", len(drawTimes))
	}
	step := math.Inf(1)
	for i := 1; i < len(drawTimes); i++ {
		step = math.Min(step, drawTimes[i]-drawTimes[i-1])
	}
	if !(step > 0) {
		return nil, 0, fmt.Errorf("draw times must be strictly increasing")
	}

	lo := math.Floor(start)
	hi := math.Ceil(end + step)
	n := int(math.Ceil((hi - lo) / step))
	if n < 2 {
		return nil, 0, fmt.Errorf("grid [%g, %g) with step %g has fewer than two points", lo, hi, step)
	}
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = lo + float64(i)*step
	}
	return grid, step, nil
}

// Curve is a piecewise linear curve through a set of knots. Outside the
// knot range it holds the end values constant.
type Curve struct {
	pl       interp.PiecewiseLinear
	xs       []float64
	ys       []float64
	constant bool
}

// NewCurve fits a piecewise linear curve through (xs, ys). The xs must be
// strictly increasing.
func NewCurve(xs, ys []float64) (*Curve, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("curve needs equal length knots, got %d and %d", len(xs), len(ys))
	}
	if len(xs) == 0 {
		return nil, fmt.Errorf("curve needs at least one knot")
	}
	c := &Curve{xs: xs, ys: ys}
	if len(xs) == 1 {
		c.constant = true
		return c, nil
	}
	if err := c.pl.Fit(xs, ys); err != nil {
		return nil, fmt.Errorf("fitting curve: %w", err)
	}
	return c, nil
}

// At evaluates the curve at x
func (c *Curve) At(x float64) float64 {
	if c.constant || x <= c.xs[0] {
		return c.ys[0]
	}
	if x >= c.xs[len(c.xs)-1] {
		return c.ys[len(c.ys)-1]
	}
	return c.pl.Predict(x)
}

// Resample evaluates the curve at every point of at, writing into dst when it
// has the right length
func (c *Curve) Resample(dst, at []float64) []float64 {
	if len(dst) != len(at) {
		dst = make([]float64, len(at))
	}
	for i, x := range at {
		dst[i] = c.At(x)
	}
	return dst
}

// Linear interpolates (xs, ys) at the points in at
func Linear(xs, ys, at []float64) ([]float64, error) {
	c, err := NewCurve(xs, ys)
	if err != nil {
		return nil, err
	}
	return c.Resample(nil, at), nil
}

// FrameAverage returns the mean of the curve at the start and end of each
// frame, the trapezoidal approximation of the frame average
func FrameAverage(dst []float64, c *Curve, start, end []float64) []float64 {
	if len(dst) != len(start) {
		dst = make([]float64, len(start))
	}
	for i := range start {
		dst[i] = (c.At(start[i]) + c.At(end[i])) / 2
	}
	return dst
}

// UniformAt linearly interpolates ys, sampled at x0 + i*step, at x. Values
// outside the grid take the nearest end value.
func UniformAt(ys []float64, x0, step, x float64) float64 {
	n := len(ys)
	pos := (x - x0) / step
	if pos <= 0 {
		return ys[0]
	}
	if pos >= float64(n-1) {
		return ys[n-1]
	}
	i := int(pos)
	frac := pos - float64(i)
	return ys[i] + frac*(ys[i+1]-ys[i])
}

// IsIncreasing reports whether xs is strictly increasing
func IsIncreasing(xs []float64) bool {
	for i := 1; i < len(xs); i++ {
		if !(xs[i] > xs[i-1]) {
			return false
		}
	}
	return true
}
