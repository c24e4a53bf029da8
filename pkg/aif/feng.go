// Package aif reconstructs a continuous arterial input function from
// discrete blood samples using a three-exponential model with an
// appearance delay, and converts whole-blood values to plasma.
package aif

import (
	"fmt"
	"math"

	"cmrglu/internal/models"
)

// NumParams is the length of the input function parameter vector
const NumParams = 7

// Params defines the input function
//
//	C(t) = 0                                                   t < Delay
//	C(t) = (A1 s - A2 - A3) e^(E1 s) + A2 e^(E2 s) + A3 e^(E3 s) s = t - Delay
//
// Times are in seconds and rates in 1/s.
type Params struct {
	Delay float64
	A1    float64
	A2    float64
	A3    float64
	E1    float64
	E2    float64
	E3    float64
}

// Vector returns the parameters in optimiser order
func (p Params) Vector() []float64 {
	return []float64{p.Delay, p.A1, p.A2, p.A3, p.E1, p.E2, p.E3}
}

// ParamsFromVector is the inverse of Vector
func ParamsFromVector(x []float64) (Params, error) {
	if len(x) != NumParams {
		return Params{}, fmt.Errorf("expected %d input function parameters, got %d", NumParams, len(x))
	}
	return Params{Delay: x[0], A1: x[1], A2: x[2], A3: x[3], E1: x[4], E2: x[5], E3: x[6]}, nil
}

// At evaluates the input function at time t
func (p Params) At(t float64) float64 {
	if t < p.Delay {
		return 0
	}
	s := t - p.Delay
	return (p.A1*s-p.A2-p.A3)*math.Exp(p.E1*s) + p.A2*math.Exp(p.E2*s) + p.A3*math.Exp(p.E3*s)
}

// Evaluate writes the input function at every time in t into dst
func (p Params) Evaluate(dst, t []float64) []float64 {
	if len(dst) != len(t) {
		dst = make([]float64, len(t))
	}
	for i, ti := range t {
		dst[i] = p.At(ti)
	}
	return dst
}

// Shifted evaluates the input function at t+shift and corrects the result
// for the decay over the shift
func (p Params) Shifted(dst, t []float64, shift, halfLife float64) []float64 {
	if len(dst) != len(t) {
		dst = make([]float64, len(t))
	}
	decay := math.Exp(math.Ln2 / halfLife * shift)
	for i, ti := range t {
		dst[i] = p.At(ti+shift) * decay
	}
	return dst
}

// PlasmaCorrect converts whole-blood input function values into
// metabolite-corrected plasma values
//
// Parameters:
//   - dst: Destination, allocated when its length differs from aif
//   - aif: Whole-blood input function sampled at t
//   - t: Sample times in seconds
//
// Returns:
//   - aif * (1.19 - 0.002 t/60) * (1 - 4.983e-5 t)
func PlasmaCorrect(dst, aif, t []float64) []float64 {
	if len(dst) != len(aif) {
		dst = make([]float64, len(aif))
	}
	for i := range aif {
		dst[i] = aif[i] * (1.19 - 0.002*t[i]/60.0) * (1 - 4.983e-05*t[i])
	}
	return dst
}

// DecayCorrect corrects raw blood samples back to injection time and
// converts per-gram activity to per-millilitre activity using the blood
// density
func DecayCorrect(samples []models.BloodSample, halfLife, density float64) []models.BloodSample {
	out := make([]models.BloodSample, len(samples))
	lambda := math.Ln2 / halfLife
	for i, s := range samples {
		out[i] = models.BloodSample{
			Time:          s.Time,
			Concentration: s.Concentration * math.Exp(lambda*s.Time) * density,
		}
	}
	return out
}

// Split returns the times and concentrations of the samples
func Split(samples []models.BloodSample) (times, conc []float64) {
	times = make([]float64, len(samples))
	conc = make([]float64, len(samples))
	for i, s := range samples {
		times[i] = s.Time
		conc[i] = s.Concentration
	}
	return times, conc
}
