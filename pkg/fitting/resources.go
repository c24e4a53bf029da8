package fitting

import (
	"runtime"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"cmrglu/internal/models"
)

// PlanWorkers logs the host resources and returns the number of voxel
// workers to start. The request is capped at the number of logical cores
// and at the number of voxel chunks.
func PlanWorkers(requested, nVox, nFrames int) int {
	logical := cpuid.CPU.LogicalCores
	if logical <= 0 {
		logical = runtime.NumCPU()
	}
	log.Infof("CPU: %s, %d physical / %d logical cores", cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, logical)

	total := memory.TotalMemory()
	// Inputs per voxel (curve, flow, blood volume) plus the output state
	need := uint64(nVox) * uint64(8*(nFrames+2)+int(stateBytes))
	log.Infof("Memory: %d MB physical, about %d MB needed for %d voxels", total>>20, need>>20, nVox)
	if total > 0 && need > total/2 {
		log.Warnf("Voxel data needs more than half of physical memory")
	}

	workers := requested
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if workers > logical {
		workers = logical
	}
	if chunks := (nVox + chunkSize - 1) / chunkSize; workers > chunks {
		workers = max(chunks, 1)
	}
	return workers
}

// stateBytes approximates the size of one voxel's output
const stateBytes = 8 * 24

// Summary describes the distribution of a quantity over converged voxels
type Summary struct {
	Mean   float64
	StdDev float64
	Count  int
}

// Summarize computes the mean and standard deviation of the metabolic rate
// over converged voxels
func Summarize(states []models.VoxelKineticState) Summary {
	values := make([]float64, 0, len(states))
	for _, s := range states {
		if s.Converged {
			values = append(values, s.Quantities.CMRGlu)
		}
	}
	if len(values) == 0 {
		return Summary{}
	}
	mean, std := stat.MeanStdDev(values, nil)
	if len(values) == 1 {
		std = 0
	}
	return Summary{Mean: mean, StdDev: std, Count: len(values)}
}
