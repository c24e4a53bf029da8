// Package metabolism maps fitted kinetic coefficients onto physiological
// quantities such as the cerebral metabolic rate of glucose.
package metabolism

import (
	"fmt"
	"math"

	"cmrglu/internal/models"
	"cmrglu/pkg/compartment"
)

// Unit conversion constants
const (
	// GlucoseScale over tissue density converts mg/dL * mL/g/s into uMol/hg/min
	GlucoseScale = 333.0449

	// MolarGlucose converts mg/dL into uMol/mL
	MolarGlucose = 0.05550748

	// SecondsPerMinute converts rate constants to per minute
	SecondsPerMinute = 60.0
)

// Physiology holds the subject constants the quantities depend on
type Physiology struct {
	// BloodGlucose in mg/dL
	BloodGlucose float64

	// TissueDensity in g/mL
	TissueDensity float64
}

// Compute derives the physiological quantities for one fit.
//
// Parameters:
//   - coef: Fitted convolution coefficients
//   - flow: Blood flow in 1/s
//   - vb: Blood volume fraction in mL blood per mL tissue
//   - phys: Subject constants
//
// Returns:
//   - Quantities with rate constants per minute. The quantities are filled in
//     even when the error is compartment.ErrDegenerate, for reporting.
func Compute(coef compartment.Coefficients, flow, vb float64, phys Physiology) (models.Quantities, error) {
	r, rateErr := coef.Rates(flow)

	gluScale := GlucoseScale / phys.TissueDensity
	dv := r.K1 / (coef.BetaOne * phys.TissueDensity)

	q := models.Quantities{
		GEF:      r.K1 / (flow * vb),
		KOne:     r.K1 * SecondsPerMinute,
		KTwo:     r.K2 * SecondsPerMinute,
		KThree:   r.K3 * SecondsPerMinute,
		KFour:    r.K4 * SecondsPerMinute,
		CMRGlu:   r.K1 * r.K3 * phys.BloodGlucose / (r.K2 + r.K3) * gluScale,
		AlphaOne: coef.AlphaOne,
		AlphaTwo: coef.AlphaTwo,
		BetaOne:  coef.BetaOne,
		BetaTwo:  coef.BetaTwo,
		NetEx:    coef.AlphaTwo / (coef.BetaOne * flow * vb),
		Influx:   r.K1 * phys.BloodGlucose * gluScale / 100.0,
		DV:       dv,
		Conc:     dv * phys.BloodGlucose * MolarGlucose,
	}

	switch {
	case !(flow > 0):
		return q, fmt.Errorf("%w: flow %g is not positive", compartment.ErrDegenerate, flow)
	case rateErr != nil:
		return q, rateErr
	}
	return q, Check(q)
}

// Check returns compartment.ErrDegenerate when any quantity is not finite
func Check(q models.Quantities) error {
	values := []float64{q.GEF, q.KOne, q.KTwo, q.KThree, q.KFour, q.CMRGlu, q.AlphaOne, q.AlphaTwo,
		q.BetaOne, q.BetaTwo, q.NetEx, q.Influx, q.DV, q.Conc, q.Delay}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: derived quantities are not finite", compartment.ErrDegenerate)
		}
	}
	return nil
}

// NRMSD is the root mean square residual normalised by the mean of the data
func NRMSD(data, fitted []float64) float64 {
	sum, mean := 0.0, 0.0
	for i := range data {
		r := data[i] - fitted[i]
		sum += r * r
		mean += data[i]
	}
	n := float64(len(data))
	mean /= n
	return math.Sqrt(sum/n) / mean
}
