// Package compartment evaluates the irreversible two-tissue glucose model.
// Tissue activity is a blood volume term plus two exponential convolutions
// of the plasma input function; the convolution weights are solved linearly
// for every choice of the decay rates.
package compartment

import (
	"errors"
	"fmt"
	"math"
)

// ErrDegenerate is returned when rate constants cannot be recovered from the
// fitted coefficients, for example when a denominator vanishes
var ErrDegenerate = errors.New("degenerate kinetic parameters")

// Scale factors that map the optimiser parameters onto decay rates in 1/s
const (
	BetaOneScale = 0.005
	BetaTwoScale = 0.00016
)

// Coefficients are the weights and decay rates of the two convolution terms
type Coefficients struct {
	AlphaOne float64
	AlphaTwo float64
	BetaOne  float64
	BetaTwo  float64
}

// Rates are the compartmental rate constants in 1/s (K1 in mL/mL/s)
type Rates struct {
	K1, K2, K3, K4 float64
}

// Rates inverts the coefficients into rate constants for the given flow.
// The inversion breaks down when BetaOne equals BetaTwo or flow.
func (c Coefficients) Rates(flow float64) (Rates, error) {
	k1 := c.AlphaOne + c.AlphaTwo/(c.BetaOne-c.BetaTwo) -
		(c.AlphaTwo*c.BetaTwo)/((c.BetaTwo-c.BetaOne)*(flow-c.BetaOne))
	k3 := c.AlphaTwo / k1
	k2 := c.BetaOne - k3
	k4 := c.BetaTwo

	r := Rates{K1: k1, K2: k2, K3: k3, K4: k4}
	for _, v := range []float64{k1, k2, k3, k4} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return r, fmt.Errorf("%w: rate constants %+v", ErrDegenerate, r)
		}
	}
	return r, nil
}

// Coefficients maps rate constants back onto convolution coefficients
func (r Rates) Coefficients(flow float64) Coefficients {
	a2 := r.K1 * r.K3
	b1 := r.K2 + r.K3
	b2 := r.K4
	a1 := r.K1 - a2/(b1-b2) + (a2*b2)/((b2-b1)*(flow-b1))
	return Coefficients{AlphaOne: a1, AlphaTwo: a2, BetaOne: b1, BetaTwo: b2}
}

// Betas converts optimiser parameters into decay rates
func Betas(x []float64) (betaOne, betaTwo float64) {
	return x[0] * BetaOneScale, x[1] * BetaTwoScale
}
