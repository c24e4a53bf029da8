// Package spectral convolves the sampled plasma input function with
// exponential kernels in the frequency domain.
package spectral

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Convolver holds an FFT plan sized for one input curve together with the
// spectrum of that curve, so that repeated convolutions with different
// kernels only transform the kernel.
//
// A Convolver reuses internal buffers and must not be shared between
// goroutines.
type Convolver struct {
	fft    *fourier.FFT
	n      int // length of the input curve
	size   int // padded transform length
	input  []complex128
	kernel []float64
	spec   []complex128
	full   []float64
}

// NewConvolver plans a transform for curves of length n. The padded length is
// the next power of two that holds the full linear convolution.
func NewConvolver(n int) *Convolver {
	size := 2
	for size < 2*n-1 {
		size <<= 1
	}
	return &Convolver{
		fft:    fourier.NewFFT(size),
		n:      n,
		size:   size,
		input:  make([]complex128, size/2+1),
		kernel: make([]float64, size),
		spec:   make([]complex128, size/2+1),
		full:   make([]float64, size),
	}
}

// Len returns the curve length the convolver was planned for
func (c *Convolver) Len() int {
	return c.n
}

// SetInput transforms the curve that subsequent convolutions use
func (c *Convolver) SetInput(curve []float64) {
	for i := range c.kernel {
		if i < c.n {
			c.kernel[i] = curve[i]
		} else {
			c.kernel[i] = 0
		}
	}
	c.fft.Coefficients(c.input, c.kernel)
}

// Exponential convolves the input curve with exp(-beta * t) sampled with step
// dt and returns the first n samples scaled by dt, a rectangle-rule
// approximation of the convolution integral.
//
// Parameters:
//   - dst: Destination of length n, allocated when nil
//   - beta: Decay rate of the kernel in 1/s
//   - dt: Grid step in seconds
//
// Returns:
//   - The convolved curve on the input grid
func (c *Convolver) Exponential(dst []float64, beta, dt float64) []float64 {
	if len(dst) != c.n {
		dst = make([]float64, c.n)
	}
	for i := range c.kernel {
		if i < c.n {
			c.kernel[i] = math.Exp(-beta * float64(i) * dt)
		} else {
			c.kernel[i] = 0
		}
	}
	c.fft.Coefficients(c.spec, c.kernel)
	for i := range c.spec {
		c.spec[i] *= c.input[i]
	}
	// The inverse transform is unnormalised
	c.fft.Sequence(c.full, c.spec)
	scale := dt / float64(c.size)
	for i := range dst {
		dst[i] = c.full[i] * scale
	}
	return dst
}

// Direct computes the same convolution in the time domain. It is quadratic in
// the curve length and serves as a reference for short curves.
func Direct(curve []float64, beta, dt float64) []float64 {
	n := len(curve)
	out := make([]float64, n)
	kernel := make([]float64, n)
	for i := range kernel {
		kernel[i] = math.Exp(-beta * float64(i) * dt)
	}
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j <= i; j++ {
			sum += curve[j] * kernel[i-j]
		}
		out[i] = sum * dt
	}
	return out
}
