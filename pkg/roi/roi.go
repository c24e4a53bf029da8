// Package roi collapses images to region means, expands region means back
// to images and applies separable Gaussian smoothing to 3D volumes.
package roi

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Averages returns the mean of values within each label. Only values above
// min contribute; a label without such values averages to zero.
func Averages(values, labels []float64, min float64) (map[int]float64, error) {
	if len(values) != len(labels) {
		return nil, fmt.Errorf("values and labels differ in length: %d vs %d", len(values), len(labels))
	}
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for i, l := range labels {
		id := Label(l)
		if _, ok := sums[id]; !ok {
			sums[id] = 0
		}
		if values[i] > min {
			sums[id] += values[i]
			counts[id]++
		}
	}
	avgs := make(map[int]float64, len(sums))
	for id, s := range sums {
		if counts[id] > 0 {
			avgs[id] = s / float64(counts[id])
		} else {
			avgs[id] = 0
		}
	}
	return avgs, nil
}

// BackProject assigns each voxel the average of its label
func BackProject(avgs map[int]float64, labels []float64) []float64 {
	out := make([]float64, len(labels))
	for i, l := range labels {
		out[i] = avgs[Label(l)]
	}
	return out
}

// Label rounds a stored label value to its integer id
func Label(v float64) int {
	return int(math.Round(v))
}

// MaxLabel returns the largest label id present
func MaxLabel(labels []float64) int {
	m := 0
	for i, l := range labels {
		if id := Label(l); i == 0 || id > m {
			m = id
		}
	}
	return m
}

// Sigmas converts a full width at half maximum in mm into per-axis
// standard deviations in voxels
func Sigmas(fwhm float64, voxelSize [3]float64) [3]float64 {
	s := fwhm / math.Sqrt(8*math.Ln2)
	var out [3]float64
	for i, v := range voxelSize {
		if v > 0 {
			out[i] = s / v
		}
	}
	return out
}

// Kernel returns a normalised sampled Gaussian truncated at four standard
// deviations. A non-positive sigma gives the identity kernel.
func Kernel(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	radius := int(4*sigma + 0.5)
	k := make([]float64, 2*radius+1)
	for i := range k {
		x := float64(i - radius)
		k[i] = math.Exp(-0.5 * x * x / (sigma * sigma))
	}
	floats.Scale(1/floats.Sum(k), k)
	return k
}

// reflect mirrors an out of range index back into [0, size-1], repeating
// the edge sample
func reflect(size, x int) int {
	for x < 0 || x >= size {
		if x < 0 {
			x = -x - 1
		}
		if x >= size {
			x = 2*size - x - 1
		}
	}
	return x
}

// Smooth filters a 3D volume in x-fastest order with a separable Gaussian.
//
// Parameters:
//   - data: Voxel values, nx*ny*nz long
//   - dims: Volume dimensions (nx, ny, nz)
//   - sigmas: Standard deviation along each axis in voxels
//
// Returns:
//   - A new smoothed slice; data is left untouched
func Smooth(data []float64, dims [3]int, sigmas [3]float64) ([]float64, error) {
	n := dims[0] * dims[1] * dims[2]
	if len(data) != n {
		return nil, fmt.Errorf("volume has %d voxels, dimensions %v need %d", len(data), dims, n)
	}
	src := make([]float64, n)
	copy(src, data)
	dst := make([]float64, n)

	strides := [3]int{1, dims[0], dims[0] * dims[1]}
	for axis := 0; axis < 3; axis++ {
		if sigmas[axis] <= 0 || dims[axis] == 1 {
			continue
		}
		convolveAxis(dst, src, dims, strides, axis, Kernel(sigmas[axis]))
		src, dst = dst, src
	}
	return src, nil
}

// convolveAxis filters every line along one axis, spreading lines over the
// available cores
func convolveAxis(dst, src []float64, dims, strides [3]int, axis int, kernel []float64) {
	size := dims[axis]
	stride := strides[axis]
	nLines := len(src) / size
	r := len(kernel) / 2

	// Starting offset of each line
	origins := make([]int, 0, nLines)
	for i := 0; i < len(src); i++ {
		if (i/stride)%size == 0 {
			origins = append(origins, i)
		}
	}

	workers := min(runtime.NumCPU(), len(origins))
	if workers == 0 {
		return
	}
	var wg sync.WaitGroup
	per := (len(origins) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo := w * per
		hi := min(lo+per, len(origins))
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(lines []int) {
			defer wg.Done()
			for _, o := range lines {
				for x := 0; x < size; x++ {
					sum := 0.0
					for k := -r; k <= r; k++ {
						sum += src[o+reflect(size, x+k)*stride] * kernel[k+r]
					}
					dst[o+x*stride] = sum
				}
			}
		}(origins[lo:hi])
	}
	wg.Wait()
}
