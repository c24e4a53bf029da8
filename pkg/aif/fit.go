package aif

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"cmrglu/internal/models"
	"cmrglu/pkg/lsq"
)

// FitResult holds the fitted input function and the intermediate stages
type FitResult struct {
	// Params is the best input function found by the global search
	Params Params

	// Local is the bounded local fit from the initial guess
	Local Params

	// Init is the heuristic starting point
	Init Params

	// Lower and Upper are the search box
	Lower []float64
	Upper []float64

	// LocalCost and GlobalCost are the sums of squared residuals of the
	// two stages; GlobalCost never exceeds LocalCost
	LocalCost  float64
	GlobalCost float64
}

// Fit reconstructs the input function from decay-corrected blood samples.
// A bounded local fit from the heuristic initial guess is refined by basin
// hopping over the same bounds.
//
// Parameters:
//   - samples: Decay-corrected blood samples ordered by time
//   - local: Settings of the bounded local solver
//   - hop: Settings of the basin-hopping search
//
// Returns:
//   - The fitted input function and the cost of each stage
func Fit(samples []models.BloodSample, local *lsq.Settings, hop *lsq.HopSettings) (*FitResult, error) {
	times, conc := Split(samples)

	init, lower, upper, err := InitialGuess(times, conc)
	if err != nil {
		return nil, fmt.Errorf("input function initial guess: %w", err)
	}

	problem := lsq.Problem{
		Residual: func(dst, x []float64) {
			p := Params{Delay: x[0], A1: x[1], A2: x[2], A3: x[3], E1: x[4], E2: x[5], E3: x[6]}
			for i, t := range times {
				dst[i] = p.At(t) - conc[i]
			}
		},
		M:     len(times),
		Lower: lower,
		Upper: upper,
	}

	localRes, err := lsq.Fit(problem, init.Vector(), local)
	switch {
	case errors.Is(err, lsq.ErrNoConvergence) && localRes != nil:
		log.Warnf("Bounded input function fit stopped early (%v), refining from its last point", err)
	case err != nil:
		return nil, fmt.Errorf("bounded input function fit: %w", err)
	}
	log.Debugf("Input function local fit: cost %g after %d iterations", localRes.Cost, localRes.Iterations)

	hopRes, err := lsq.BasinHopping(problem, localRes.X, local, hop)
	if err != nil {
		return nil, fmt.Errorf("input function global search: %w", err)
	}

	best := hopRes.Best
	if localRes.Cost < best.Cost {
		best = localRes
	}
	log.Debugf("Input function global search: cost %g, %d hops accepted, %d failed",
		best.Cost, hopRes.Accepted, hopRes.Failed)

	fitted, _ := ParamsFromVector(best.X)
	localParams, _ := ParamsFromVector(localRes.X)

	return &FitResult{
		Params:     fitted,
		Local:      localParams,
		Init:       init,
		Lower:      lower,
		Upper:      upper,
		LocalCost:  localRes.Cost,
		GlobalCost: best.Cost,
	}, nil
}
