package compartment

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"cmrglu/pkg/interpolation"
	"cmrglu/pkg/spectral"
)

// Variant selects which parameters the model exposes to the optimiser
type Variant int

const (
	// NoDelay fits (betaOne, betaTwo) against a fixed input function
	NoDelay Variant = iota

	// WithDelay also fits the bolus delay in seconds
	WithDelay
)

// NumParams returns the number of free parameters of the variant
func (v Variant) NumParams() int {
	if v == WithDelay {
		return 3
	}
	return 2
}

func (v Variant) String() string {
	if v == WithDelay {
		return "delay"
	}
	return "noDelay"
}

// Model predicts frame-averaged tissue activity for one time-activity curve.
// Frame averages are the mean of the instantaneous model at the frame start
// and end. A Model keeps scratch buffers and must not be shared between
// goroutines; use one per worker and Bind each curve in turn.
type Model struct {
	variant Variant
	input   InputProvider
	timing  Timing
	conv    *spectral.Convolver

	// Current curve
	tac []float64
	vb  float64

	// Input function state for the last sampled delay
	loaded    bool
	lastDelay float64
	blood     []float64 // whole-blood frame averages

	basisOne []float64
	basisTwo []float64
	design   *mat.Dense
	rhs      *mat.VecDense
	alpha    *mat.VecDense
	qr       mat.QR
}

// New creates a model evaluator. The delay variant requires a provider that
// resamples the input function for every delay.
func New(variant Variant, input InputProvider, timing Timing) (*Model, error) {
	if len(timing.Start) != len(timing.End) {
		return nil, fmt.Errorf("frame start and end times differ in length: %d vs %d", len(timing.Start), len(timing.End))
	}
	if len(timing.Start) < 2 {
		return nil, fmt.Errorf("need at least two frames, got %d", len(timing.Start))
	}
	if len(timing.Grid) < 2 || !(timing.Step > 0) {
		return nil, fmt.Errorf("integration grid needs at least two points and a positive step")
	}
	if variant == WithDelay && !input.DelayDependent() {
		return nil, fmt.Errorf("the %s model needs an input function that depends on the delay", variant)
	}

	nFrames := len(timing.Start)
	nGrid := len(timing.Grid)
	return &Model{
		variant:  variant,
		input:    input,
		timing:   timing,
		conv:     spectral.NewConvolver(nGrid),
		blood:    make([]float64, nFrames),
		basisOne: make([]float64, nGrid),
		basisTwo: make([]float64, nGrid),
		design:   mat.NewDense(nFrames, 2, nil),
		rhs:      mat.NewVecDense(nFrames, nil),
		alpha:    mat.NewVecDense(2, nil),
	}, nil
}

// Variant returns the model variant
func (m *Model) Variant() Variant {
	return m.variant
}

// NumParams returns the number of free parameters
func (m *Model) NumParams() int {
	return m.variant.NumParams()
}

// NumFrames returns the number of frames in every curve
func (m *Model) NumFrames() int {
	return len(m.timing.Start)
}

// Bind sets the curve to fit and its blood volume fraction
func (m *Model) Bind(tac []float64, vb float64) error {
	if len(tac) != len(m.timing.Start) {
		return fmt.Errorf("curve has %d frames, model expects %d", len(tac), len(m.timing.Start))
	}
	m.tac = tac
	m.vb = vb
	return nil
}

// Evaluate writes the predicted curve for the parameters x into dst and
// returns the convolution coefficients. The weights are the linear least
// squares solution against the bound curve minus the blood volume term.
func (m *Model) Evaluate(dst, x []float64) (Coefficients, error) {
	if len(x) != m.NumParams() {
		return Coefficients{}, fmt.Errorf("%s model takes %d parameters, got %d", m.variant, m.NumParams(), len(x))
	}
	if m.tac == nil {
		return Coefficients{}, fmt.Errorf("no curve bound to the model")
	}

	delay := 0.0
	if m.variant == WithDelay {
		delay = x[2]
	}
	if !m.loaded || (m.input.DelayDependent() && delay != m.lastDelay) {
		s := m.input.Sample(delay)
		m.conv.SetInput(s.Plasma)
		for i := range m.blood {
			m.blood[i] = (s.Start[i] + s.End[i]) / 2
		}
		m.loaded = true
		m.lastDelay = delay
	}

	betaOne, betaTwo := Betas(x)
	step := m.timing.Step
	t0 := m.timing.Grid[0]
	m.conv.Exponential(m.basisOne, betaOne, step)
	m.conv.Exponential(m.basisTwo, betaTwo, step)

	for i := range m.blood {
		start, end := m.timing.Start[i], m.timing.End[i]
		one := (interpolation.UniformAt(m.basisOne, t0, step, start) + interpolation.UniformAt(m.basisOne, t0, step, end)) / 2
		two := (interpolation.UniformAt(m.basisTwo, t0, step, start) + interpolation.UniformAt(m.basisTwo, t0, step, end)) / 2
		m.design.Set(i, 0, one)
		m.design.Set(i, 1, two)
		m.rhs.SetVec(i, m.tac[i]-m.vb*m.blood[i])
	}

	m.qr.Factorize(m.design)
	if err := m.qr.SolveVecTo(m.alpha, false, m.rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return Coefficients{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
		}
	}
	coef := Coefficients{
		AlphaOne: m.alpha.AtVec(0),
		AlphaTwo: m.alpha.AtVec(1),
		BetaOne:  betaOne,
		BetaTwo:  betaTwo,
	}
	if !finite(coef.AlphaOne) || !finite(coef.AlphaTwo) {
		return coef, fmt.Errorf("%w: convolution weights are not finite", ErrDegenerate)
	}

	if len(dst) != len(m.blood) {
		return coef, fmt.Errorf("destination has %d frames, model has %d", len(dst), len(m.blood))
	}
	for i := range dst {
		dst[i] = m.vb*m.blood[i] + m.design.At(i, 0)*coef.AlphaOne + m.design.At(i, 1)*coef.AlphaTwo
	}
	return coef, nil
}

// Residual writes prediction minus data into dst. A failed evaluation
// yields NaN residuals, which the solver treats as an uphill step.
func (m *Model) Residual(dst, x []float64) {
	if _, err := m.Evaluate(dst, x); err != nil {
		for i := range dst {
			dst[i] = math.NaN()
		}
		return
	}
	for i := range dst {
		dst[i] -= m.tac[i]
	}
}

// Synthesize predicts the curve produced by known coefficients, with the
// blood volume term added. It is the forward model used to build test and
// simulation data.
func (m *Model) Synthesize(dst []float64, coef Coefficients, delay, vb float64) []float64 {
	if len(dst) != len(m.blood) {
		dst = make([]float64, len(m.blood))
	}
	s := m.input.Sample(delay)
	m.conv.SetInput(s.Plasma)
	m.loaded = false

	step := m.timing.Step
	t0 := m.timing.Grid[0]
	m.conv.Exponential(m.basisOne, coef.BetaOne, step)
	m.conv.Exponential(m.basisTwo, coef.BetaTwo, step)
	for i := range dst {
		start, end := m.timing.Start[i], m.timing.End[i]
		one := (interpolation.UniformAt(m.basisOne, t0, step, start) + interpolation.UniformAt(m.basisOne, t0, step, end)) / 2
		two := (interpolation.UniformAt(m.basisTwo, t0, step, start) + interpolation.UniformAt(m.basisTwo, t0, step, end)) / 2
		dst[i] = vb*(s.Start[i]+s.End[i])/2 + coef.AlphaOne*one + coef.AlphaTwo*two
	}
	return dst
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
