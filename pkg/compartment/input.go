package compartment

import (
	"cmrglu/pkg/aif"
)

// Sampling is the input function prepared for one delay: the plasma curve
// on the integration grid and the whole-blood curve at frame boundaries
type Sampling struct {
	Plasma []float64
	Start  []float64
	End    []float64
}

// InputProvider supplies the input function samples the model needs
type InputProvider interface {
	// Sample returns the input function for a delay in seconds. The result
	// may be reused by the provider on the next call.
	Sample(delay float64) *Sampling

	// DelayDependent is false when Sample ignores the delay
	DelayDependent() bool
}

// Timing holds the integration grid and the frame boundaries
type Timing struct {
	Grid  []float64
	Step  float64
	Start []float64
	End   []float64
}

// Precomputed is an input function sampled once and shared read-only
// between any number of models
type Precomputed struct {
	s Sampling
}

// Precompute samples p shifted by a fixed delay. A zero shift samples the
// input function as fitted.
func Precompute(p aif.Params, timing Timing, shift, halfLife float64) *Precomputed {
	whole := p.Shifted(nil, timing.Grid, shift, halfLife)
	return &Precomputed{s: Sampling{
		Plasma: aif.PlasmaCorrect(nil, whole, timing.Grid),
		Start:  p.Shifted(nil, timing.Start, shift, halfLife),
		End:    p.Shifted(nil, timing.End, shift, halfLife),
	}}
}

// Sample returns the shared samples
func (p *Precomputed) Sample(float64) *Sampling {
	return &p.s
}

// DelayDependent is always false
func (p *Precomputed) DelayDependent() bool {
	return false
}

// Recomputed resamples the input function for every delay, correcting for
// decay over the shift. It keeps scratch buffers and must not be shared
// between goroutines.
type Recomputed struct {
	params   aif.Params
	timing   Timing
	halfLife float64
	whole    []float64
	s        Sampling
}

// NewRecomputed creates a provider that evaluates p at shifted times
func NewRecomputed(p aif.Params, timing Timing, halfLife float64) *Recomputed {
	return &Recomputed{
		params:   p,
		timing:   timing,
		halfLife: halfLife,
		whole:    make([]float64, len(timing.Grid)),
		s: Sampling{
			Plasma: make([]float64, len(timing.Grid)),
			Start:  make([]float64, len(timing.Start)),
			End:    make([]float64, len(timing.End)),
		},
	}
}

// Sample evaluates the input function at grid + delay and frame
// boundaries + delay. Plasma correction uses the unshifted grid times.
func (r *Recomputed) Sample(delay float64) *Sampling {
	r.params.Shifted(r.whole, r.timing.Grid, delay, r.halfLife)
	aif.PlasmaCorrect(r.s.Plasma, r.whole, r.timing.Grid)
	r.params.Shifted(r.s.Start, r.timing.Start, delay, r.halfLife)
	r.params.Shifted(r.s.End, r.timing.End, delay, r.halfLife)
	return &r.s
}

// DelayDependent is always true
func (r *Recomputed) DelayDependent() bool {
	return true
}
