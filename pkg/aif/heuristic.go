package aif

import (
	"errors"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"cmrglu/pkg/lsq"
)

// TailParams are the intercepts and slopes of the log-space tail model
//
//	log C(t) = log(e^(B1 + M1 t) + e^(B2 + M2 t) + e^(B3 + M3 t))
type TailParams struct {
	B1, B2, B3 float64
	M1, M2, M3 float64
}

// ErrInitialGuess is returned when the heuristic starting point admits no
// search box
var ErrInitialGuess = errors.New("unusable input function initial guess")

// paramNames label the entries of Params.Vector
var paramNames = [NumParams]string{"delay", "a1", "a2", "a3", "e1", "e2", "e3"}

// tailStart is the starting point of every tail fit
var tailStart = []float64{10, 0.1, 0.01, -0.01, -0.001, -0.0001}

// tailIterations bounds the tail solve
const tailIterations = 1400

// tailModel evaluates the log of a sum of three exponentials stably
func tailModel(x []float64, t float64) float64 {
	u1 := x[0] + x[3]*t
	u2 := x[1] + x[4]*t
	u3 := x[2] + x[5]*t
	m := math.Max(u1, math.Max(u2, u3))
	return m + math.Log(math.Exp(u1-m)+math.Exp(u2-m)+math.Exp(u3-m))
}

// FitTail fits the log-space tail model to the samples from the peak onward.
// Samples with non-positive concentration carry no log-space information
// and are skipped.
func FitTail(times, conc []float64) (TailParams, error) {
	peak := floats.MaxIdx(conc)

	var tt, lc []float64
	for i := peak; i < len(times); i++ {
		if conc[i] > 0 {
			tt = append(tt, times[i])
			lc = append(lc, math.Log(conc[i]))
		}
	}
	if len(tt) < 2 {
		return TailParams{}, fmt.Errorf("need at least two positive samples after the peak, got %d", len(tt))
	}

	// Unbounded, as the tail model has no physical limits on its intercepts
	lower := make([]float64, len(tailStart))
	upper := make([]float64, len(tailStart))
	for i := range lower {
		lower[i], upper[i] = math.Inf(-1), math.Inf(1)
	}
	problem := lsq.Problem{
		Residual: func(dst, x []float64) {
			for i, t := range tt {
				dst[i] = tailModel(x, t) - lc[i]
			}
		},
		M:     len(tt),
		Lower: lower,
		Upper: upper,
	}

	settings := lsq.DefaultSettings()
	settings.MaxIterations = tailIterations
	result, err := lsq.Fit(problem, tailStart, settings)
	switch {
	case errors.Is(err, lsq.ErrNoConvergence) && result != nil:
		log.Debugf("Tail fit stopped early (%v), using last point", err)
	case err != nil:
		return TailParams{}, fmt.Errorf("tail fit failed: %w", err)
	}
	x := result.X
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return TailParams{}, fmt.Errorf("tail fit produced non-finite parameters")
		}
	}
	return TailParams{B1: x[0], B2: x[1], B3: x[2], M1: x[3], M2: x[4], M3: x[5]}, nil
}

// Gradient computes dy/dx on a non-uniform grid: second order central
// differences inside and one-sided differences at the ends
func Gradient(y, x []float64) []float64 {
	n := len(y)
	g := make([]float64, n)
	if n < 2 {
		return g
	}
	g[0] = (y[1] - y[0]) / (x[1] - x[0])
	g[n-1] = (y[n-1] - y[n-2]) / (x[n-1] - x[n-2])
	for i := 1; i < n-1; i++ {
		hs := x[i] - x[i-1]
		hd := x[i+1] - x[i]
		g[i] = (hs*hs*y[i+1] + (hd*hd-hs*hs)*y[i] - hd*hd*y[i-1]) / (hs * hd * (hs + hd))
	}
	return g
}

// InitialGuess derives a starting point for the full model from the tail
// fit and the position of the peak, together with the search box: the
// delay is confined to [0, 60] s and every other parameter to a factor of
// five around its starting value.
func InitialGuess(times, conc []float64) (init Params, lower, upper []float64, err error) {
	if len(times) != len(conc) {
		return Params{}, nil, nil, fmt.Errorf("sample times and concentrations differ in length: %d vs %d", len(times), len(conc))
	}
	if len(times) < 3 {
		return Params{}, nil, nil, fmt.Errorf("need at least three blood samples, got %d", len(times))
	}

	tail, err := FitTail(times, conc)
	if err != nil {
		return Params{}, nil, nil, err
	}
	aTwo := math.Exp(tail.B2)
	aThree := math.Exp(tail.B3)

	peak := floats.MaxIdx(conc)
	tMax := times[peak]
	cMax := conc[peak]

	// Appearance time: the sample before the steepest rise
	tau := 0.0
	if steep := floats.MaxIdx(Gradient(conc, times)); steep > 0 {
		tau = times[steep-1]
	}
	if tau >= tMax {
		tau = 0
	}

	aOne := ((cMax-aTwo-aThree)*math.E + aTwo + aThree) / (tMax - tau)
	eOne := -1 / ((tMax - tau) - (aTwo+aThree)/aOne)

	init = Params{
		Delay: math.Min(math.Max(0, tau), 60),
		A1:    aOne,
		A2:    aTwo,
		A3:    aThree,
		E1:    eOne,
		E2:    tail.M2,
		E3:    tail.M3,
	}
	if lower, upper, err = Bounds(init); err != nil {
		return Params{}, nil, nil, err
	}
	log.Debugf("Input function initial guess: %+v", init)
	return init, lower, upper, nil
}

// Bounds returns the search box around an initial guess. A multiplicative
// band around zero is empty, so a zero or non-finite starting value is
// reported as ErrInitialGuess.
func Bounds(init Params) (lower, upper []float64, err error) {
	x := init.Vector()
	lower = make([]float64, NumParams)
	upper = make([]float64, NumParams)
	lower[0], upper[0] = 0, 60
	for i := 1; i < NumParams; i++ {
		switch {
		case x[i] == 0 || math.IsNaN(x[i]) || math.IsInf(x[i], 0):
			return nil, nil, fmt.Errorf("%w: %s starts at %g, no factor-of-five band exists around it",
				ErrInitialGuess, paramNames[i], x[i])
		case x[i] > 0:
			lower[i] = x[i] / 5.0
			upper[i] = x[i] * 5.0
		default:
			lower[i] = x[i] * 5.0
			upper[i] = x[i] / 5.0
		}
	}
	return lower, upper, nil
}
