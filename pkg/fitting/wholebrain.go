// Package fitting runs the compartmental model fits: one fit of the mean
// brain curve, then one fit per voxel seeded and bounded by it.
package fitting

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"cmrglu/internal/models"
	"cmrglu/pkg/aif"
	"cmrglu/pkg/compartment"
	"cmrglu/pkg/lsq"
	"cmrglu/pkg/metabolism"
)

// Input is the read-only state shared by every fit
type Input struct {
	// AIF is the fitted input function
	AIF aif.Params

	// Timing holds the integration grid and frame boundaries
	Timing compartment.Timing

	// HalfLife of the isotope in seconds
	HalfLife float64

	// Physiology holds the subject constants for derived quantities
	Physiology metabolism.Physiology

	// Local configures every bounded least-squares solve
	Local *lsq.Settings
}

// Search is a bounded search box with its starting point, in optimiser
// units (betaOne, betaTwo[, delay])
type Search struct {
	Lower []float64
	Upper []float64
	Init  []float64
}

// Truncate returns the first n parameters of the search
func (s Search) Truncate(n int) Search {
	return Search{Lower: s.Lower[:n], Upper: s.Upper[:n], Init: s.Init[:n]}
}

// WholeBrainResult is the fit of the mean brain curve
type WholeBrainResult struct {
	Variant compartment.Variant

	// Params are the fitted optimiser parameters
	Params []float64

	// Search is the box the fit was run in
	Search Search

	Coefficients compartment.Coefficients
	Quantities   models.Quantities
	Diagnostics  *lsq.Diagnostics

	TAC         []float64
	Fitted      []float64
	Flow        float64
	BloodVolume float64
	NRMSD       float64
}

// Delay returns the fitted delay in seconds, zero for the no-delay model
func (r *WholeBrainResult) Delay() float64 {
	if r.Variant == compartment.WithDelay {
		return r.Params[2]
	}
	return 0
}

// NewProvider returns the input function provider for a variant. The delay
// variant resamples per evaluation; the no-delay variant samples once with
// the given fixed shift.
func NewProvider(variant compartment.Variant, in Input, shift float64) compartment.InputProvider {
	if variant == compartment.WithDelay {
		return compartment.NewRecomputed(in.AIF, in.Timing, in.HalfLife)
	}
	return compartment.Precompute(in.AIF, in.Timing, shift, in.HalfLife)
}

// FitWholeBrain fits the model to the mean brain curve. Failure to converge
// is returned as an error wrapping lsq.ErrNoConvergence; without a whole-brain
// estimate there is nothing to seed the voxel fits with.
//
// Parameters:
//   - in: Shared input function, timing and constants
//   - variant: Model variant to fit
//   - search: Bounds and initial guess; only the first NumParams entries are used
//   - tac: Mean brain time-activity curve
//   - flow, vb: Mean flow (1/s) and blood volume fraction
//
// Returns:
//   - The fitted parameters, coefficients, quantities and covariance diagnostics
func FitWholeBrain(in Input, variant compartment.Variant, search Search, tac []float64, flow, vb float64) (*WholeBrainResult, error) {
	n := variant.NumParams()
	if len(search.Lower) < n || len(search.Upper) < n || len(search.Init) < n {
		return nil, fmt.Errorf("%s model needs %d bounds and initial values", variant, n)
	}
	search = search.Truncate(n)

	model, err := compartment.New(variant, NewProvider(variant, in, 0), in.Timing)
	if err != nil {
		return nil, err
	}
	if err := model.Bind(tac, vb); err != nil {
		return nil, err
	}

	problem := lsq.Problem{
		Residual: model.Residual,
		M:        len(tac),
		Lower:    search.Lower,
		Upper:    search.Upper,
	}
	res, err := lsq.Fit(problem, search.Init, in.Local)
	if err != nil {
		return nil, fmt.Errorf("cannot estimate model on whole-brain curve: %w", err)
	}
	log.Debugf("Whole-brain fit converged after %d iterations, cost %g", res.Iterations, res.Cost)

	fitted := make([]float64, len(tac))
	coef, err := model.Evaluate(fitted, res.X)
	if err != nil {
		return nil, fmt.Errorf("evaluating whole-brain fit: %w", err)
	}

	q, err := metabolism.Compute(coef, flow, vb, in.Physiology)
	if err != nil {
		log.Warnf("Whole-brain derived quantities are not all finite: %v", err)
	}
	if variant == compartment.WithDelay {
		q.Delay = res.X[2] / 60.0
	}

	diag, err := lsq.Covariance(res)
	if err != nil {
		return nil, fmt.Errorf("whole-brain covariance: %w", err)
	}
	if !diag.PositiveSemiDefinite {
		log.Warnf("Whole-brain covariance is not positive semi-definite (condition %g)", diag.Condition)
	}

	return &WholeBrainResult{
		Variant:      variant,
		Params:       res.X,
		Search:       search,
		Coefficients: coef,
		Quantities:   q,
		Diagnostics:  diag,
		TAC:          tac,
		Fitted:       fitted,
		Flow:         flow,
		BloodVolume:  vb,
		NRMSD:        metabolism.NRMSD(tac, fitted),
	}, nil
}
