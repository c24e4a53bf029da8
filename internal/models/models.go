package models

// BloodSample is a single decay-corrected arterial draw
type BloodSample struct {
	// Time is the draw time in seconds after injection
	Time float64

	// Concentration is the decay-corrected tracer concentration
	Concentration float64
}

// Frame describes the timing of one PET frame in seconds
type Frame struct {
	// Start is the frame start relative to the first recorded frame
	Start float64

	// Mid is the frame mid time relative to the first recorded frame
	Mid float64

	// End is the frame end relative to the first recorded frame
	End float64
}

// TimeActivityCurve holds one measured activity value per PET frame
type TimeActivityCurve struct {
	Frames []Frame
	Values []float64
}

// Volume is an N-dimensional image stored as a flat array in x-fastest order
type Volume struct {
	// Data is the voxel data; for 4D volumes the time axis is slowest
	Data []float64

	// Dims holds nx, ny, nz and, for 4D volumes, nt
	Dims []int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}

	// Affine maps voxel indices to scanner coordinates (row-major 4x4)
	Affine [16]float64
}

// NumVoxels returns the number of spatial voxels (x*y*z)
func (v *Volume) NumVoxels() int {
	if len(v.Dims) < 3 {
		n := 1
		for _, d := range v.Dims {
			n *= d
		}
		return n
	}
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// NumFrames returns the length of the fourth axis, or 1 for 3D volumes
func (v *Volume) NumFrames() int {
	if len(v.Dims) < 4 {
		return 1
	}
	return v.Dims[3]
}

// SameGrid reports whether both volumes share the same spatial dimensions
func (v *Volume) SameGrid(o *Volume) bool {
	if len(v.Dims) < 3 || len(o.Dims) < 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if v.Dims[i] != o.Dims[i] {
			return false
		}
	}
	return true
}

// Frame returns a view of the 3D data of frame t
func (v *Volume) Frame(t int) []float64 {
	n := v.NumVoxels()
	return v.Data[t*n : (t+1)*n]
}

// VoxelKineticState is the per-voxel input and output of the voxelwise fit.
// Instances are independent of each other.
type VoxelKineticState struct {
	// Inputs
	Flow        float64
	BloodVolume float64
	TAC         []float64

	// Fitted parameters in optimiser units
	Params []float64

	// Derived quantities, zero when the fit failed
	Quantities Quantities

	// Converged is false when the fit raised a numerical or convergence error
	Converged bool

	// NRMSD is the root mean square residual normalised by the mean TAC value
	NRMSD float64
}

// Quantities holds rate constants, model coefficients and physiological
// quantities for one fit. Rate constants are per minute.
type Quantities struct {
	GEF      float64
	KOne     float64
	KTwo     float64
	KThree   float64
	KFour    float64
	CMRGlu   float64
	AlphaOne float64
	AlphaTwo float64
	BetaOne  float64
	BetaTwo  float64
	NetEx    float64
	Influx   float64
	DV       float64
	Conc     float64

	// Delay is the bolus delay in minutes, only set for delay fits
	Delay float64
}
