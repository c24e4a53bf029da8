package lsq

import (
	"errors"
	"math"

	log "github.com/sirupsen/logrus"
	"github.com/valyala/fastrand"
)

// HopSettings controls the basin-hopping search
type HopSettings struct {
	// Iterations is the number of perturb-and-minimise hops
	Iterations int

	// StepSize is the perturbation size relative to each parameter's
	// magnitude (or to its bound span when the parameter is zero)
	StepSize float64

	// Temperature of the Metropolis acceptance test
	Temperature float64

	// Seed makes the search reproducible
	Seed uint32

	// Interval is the number of hops between step size updates
	Interval int

	// TargetAcceptRate is the acceptance rate the step size adapts towards
	TargetAcceptRate float64

	// StepFactor shrinks or grows the step size at every update
	StepFactor float64
}

// DefaultHopSettings returns the settings used for input function refinement
func DefaultHopSettings() *HopSettings {
	return &HopSettings{
		Iterations:       100,
		StepSize:         0.5,
		Temperature:      1.0,
		Seed:             1,
		Interval:         50,
		TargetAcceptRate: 0.5,
		StepFactor:       0.9,
	}
}

// HopResult is the outcome of a basin-hopping run
type HopResult struct {
	// Best is the lowest cost local minimum visited, the start included
	Best *Result

	// Start is the local minimum reached from the initial point
	Start *Result

	Accepted int
	Failed   int
}

// BasinHopping refines a bounded least-squares fit by repeatedly perturbing
// the current minimum, re-running the local solver from the perturbed point,
// and accepting the new minimum with the Metropolis criterion. The returned
// best cost is never above the cost of the initial local fit.
func BasinHopping(p Problem, x0 []float64, local *Settings, hop *HopSettings) (*HopResult, error) {
	if hop == nil {
		hop = DefaultHopSettings()
	}
	start, err := Fit(p, x0, local)
	if err != nil && !errors.Is(err, ErrNoConvergence) {
		return nil, err
	}
	if err != nil {
		log.Debugf("Basin hopping: initial local fit hit the iteration limit, continuing from its last point")
	}

	var rng fastrand.RNG
	rng.Seed(hop.Seed)

	n := len(x0)
	current := start
	best := start
	step := hop.StepSize
	trial := make([]float64, n)
	accepted, failed, window := 0, 0, 0

	for it := 0; it < hop.Iterations; it++ {
		for i := 0; i < n; i++ {
			scale := math.Abs(current.X[i])
			if scale == 0 {
				scale = p.Upper[i] - p.Lower[i]
				if math.IsInf(scale, 0) {
					scale = 1
				}
			}
			trial[i] = current.X[i] + step*scale*(2*uniform(&rng)-1)
		}
		p.Clamp(trial)

		res, err := Fit(p, trial, local)
		if err != nil && !errors.Is(err, ErrNoConvergence) {
			failed++
		} else {
			if metropolis(&rng, current.Cost, res.Cost, hop.Temperature) {
				current = res
				accepted++
				window++
			}
			if res.Cost < best.Cost {
				best = res
			}
		}

		if hop.Interval > 0 && (it+1)%hop.Interval == 0 {
			rate := float64(window) / float64(hop.Interval)
			if rate > hop.TargetAcceptRate {
				step /= hop.StepFactor
			} else {
				step *= hop.StepFactor
			}
			window = 0
			log.Debugf("Basin hopping: hop %d, acceptance %.2f, step %.4f, best cost %g", it+1, rate, step, best.Cost)
		}
	}

	return &HopResult{Best: best, Start: start, Accepted: accepted, Failed: failed}, nil
}

func metropolis(rng *fastrand.RNG, oldCost, newCost, temperature float64) bool {
	if newCost < oldCost {
		return true
	}
	if temperature <= 0 || math.IsNaN(newCost) {
		return false
	}
	return uniform(rng) < math.Exp(-(newCost-oldCost)/temperature)
}

// uniform returns a float in [0, 1)
func uniform(rng *fastrand.RNG) float64 {
	return float64(rng.Uint32()) / (1 << 32)
}
