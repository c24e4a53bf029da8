package fitting

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"cmrglu/internal/models"
	"cmrglu/pkg/compartment"
	"cmrglu/pkg/lsq"
	"cmrglu/pkg/metabolism"
)

// boundScales narrow the whole-brain box around the whole-brain estimate
// for betaOne and betaTwo
var boundScales = []float64{2.5, 3.0}

// VoxelSearch narrows the whole-brain search box around the whole-brain
// estimate for the first n parameters. A positive estimate p gets
// [p/scale, p*scale], a negative one [p*scale, p/scale], both clipped to the
// whole-brain box; a zero estimate, and the delay, keep the whole-brain box.
func VoxelSearch(wbOpt []float64, wb Search, n int) Search {
	s := Search{
		Lower: make([]float64, n),
		Upper: make([]float64, n),
		Init:  make([]float64, n),
	}
	copy(s.Init, wbOpt[:n])
	for i := 0; i < n; i++ {
		p := wbOpt[i]
		if i >= len(boundScales) || p == 0 {
			s.Lower[i] = wb.Lower[i]
			s.Upper[i] = wb.Upper[i]
			continue
		}
		scale := boundScales[i]
		if p > 0 {
			s.Lower[i] = math.Max(p/scale, wb.Lower[i])
			s.Upper[i] = math.Min(p*scale, wb.Upper[i])
		} else {
			s.Lower[i] = math.Max(p*scale, wb.Lower[i])
			s.Upper[i] = math.Min(p/scale, wb.Upper[i])
		}
	}
	return s
}

// VoxelOptions controls the voxelwise stage
type VoxelOptions struct {
	// VoxelDelay fits the delay per voxel; only meaningful after a delay
	// whole-brain fit
	VoxelDelay bool

	// Workers is the number of goroutines fitting voxels
	Workers int

	// ProgressInterval between progress log lines; zero disables them
	ProgressInterval time.Duration
}

// VoxelData holds the per-voxel inputs, one entry per voxel in mask order
type VoxelData struct {
	TACs        [][]float64
	Flow        []float64
	BloodVolume []float64
}

// VoxelResult is the outcome of the voxelwise stage
type VoxelResult struct {
	// States has one entry per voxel; failed voxels keep zero values
	States []models.VoxelKineticState

	// Failed counts voxels whose fit did not converge or was degenerate
	Failed int

	// NumParams is the number of fitted parameters per voxel
	NumParams int

	// Search is the voxel search box
	Search Search
}

// chunkSize is the number of voxels handed to a worker at a time
const chunkSize = 64

// FitVoxels fits every voxel independently. Voxels that fail are counted
// and left zero-filled; they never abort the run. The whole-brain result is
// the initial guess and the centre of the narrowed search box.
//
// When the whole-brain model has a delay but VoxelDelay is off, the voxel
// fits use the no-delay model on the input function shifted by the
// whole-brain delay, sampled once and shared by all workers.
func FitVoxels(ctx context.Context, in Input, wb *WholeBrainResult, data VoxelData, opts VoxelOptions) (*VoxelResult, error) {
	nVox := len(data.TACs)
	if len(data.Flow) != nVox || len(data.BloodVolume) != nVox {
		return nil, fmt.Errorf("voxel inputs differ in length: %d curves, %d flows, %d blood volumes",
			nVox, len(data.Flow), len(data.BloodVolume))
	}

	variant := compartment.NoDelay
	if wb.Variant == compartment.WithDelay && opts.VoxelDelay {
		variant = compartment.WithDelay
	}
	nParam := variant.NumParams()
	search := VoxelSearch(wb.Params, wb.Search, nParam)

	// The shared input for the no-delay voxel model
	var shared compartment.InputProvider
	if variant == compartment.NoDelay {
		shared = NewProvider(compartment.NoDelay, in, wb.Delay())
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	result := &VoxelResult{
		States:    make([]models.VoxelKineticState, nVox),
		NumParams: nParam,
		Search:    search,
	}

	var (
		failed    atomic.Int64
		completed atomic.Int64
		wg        sync.WaitGroup
		setupErr  error
		setupOnce sync.Once
	)

	chunks := make(chan [2]int)
	go func() {
		defer close(chunks)
		for lo := 0; lo < nVox; lo += chunkSize {
			hi := min(lo+chunkSize, nVox)
			select {
			case chunks <- [2]int{lo, hi}:
			case <-ctx.Done():
				return
			}
		}
	}()

	stopProgress := reportProgress(&completed, nVox, opts.ProgressInterval)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			provider := shared
			if provider == nil {
				provider = NewProvider(compartment.WithDelay, in, 0)
			}
			model, err := compartment.New(variant, provider, in.Timing)
			if err != nil {
				setupOnce.Do(func() { setupErr = err })
				for range chunks {
				}
				return
			}
			fitted := make([]float64, model.NumFrames())

			for c := range chunks {
				for v := c[0]; v < c[1]; v++ {
					if ctx.Err() != nil {
						break
					}
					state, err := fitVoxel(model, in, search, data.TACs[v], data.Flow[v], data.BloodVolume[v], fitted)
					if err != nil {
						failed.Add(1)
						log.Debugf("Worker %d: voxel %d failed: %v", workerID, v, err)
					} else {
						result.States[v] = state
					}
					completed.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	stopProgress()

	if setupErr != nil {
		return nil, fmt.Errorf("creating voxel model: %w", setupErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("voxelwise fitting interrupted after %d of %d voxels: %w", completed.Load(), nVox, err)
	}

	result.Failed = int(failed.Load())
	if result.Failed > 0 {
		log.Warnf("%d of %d voxels did not converge", result.Failed, nVox)
	}
	return result, nil
}

// fitVoxel runs one bounded fit and derives the voxel's quantities
func fitVoxel(model *compartment.Model, in Input, search Search, tac []float64, flow, vb float64, fitted []float64) (models.VoxelKineticState, error) {
	if !(flow > 0) || math.IsNaN(vb) || math.IsInf(vb, 0) {
		return models.VoxelKineticState{}, fmt.Errorf("%w: flow %g, blood volume %g", compartment.ErrDegenerate, flow, vb)
	}
	if err := model.Bind(tac, vb); err != nil {
		return models.VoxelKineticState{}, err
	}

	problem := lsq.Problem{
		Residual: model.Residual,
		M:        len(tac),
		Lower:    search.Lower,
		Upper:    search.Upper,
	}
	res, err := lsq.Fit(problem, search.Init, in.Local)
	if err != nil {
		return models.VoxelKineticState{}, err
	}

	coef, err := model.Evaluate(fitted, res.X)
	if err != nil {
		return models.VoxelKineticState{}, err
	}
	q, err := metabolism.Compute(coef, flow, vb, in.Physiology)
	if err != nil {
		return models.VoxelKineticState{}, err
	}
	if len(res.X) > 2 {
		q.Delay = res.X[2] / 60.0
	}

	params := make([]float64, len(res.X))
	copy(params, res.X)
	return models.VoxelKineticState{
		Flow:        flow,
		BloodVolume: vb,
		TAC:         tac,
		Params:      params,
		Quantities:  q,
		Converged:   true,
		NRMSD:       metabolism.NRMSD(tac, fitted),
	}, nil
}

// reportProgress logs the completed voxel count at a fixed interval until
// the returned function is called
func reportProgress(completed *atomic.Int64, total int, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	start := time.Now()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n := completed.Load()
				rate := float64(n) / time.Since(start).Seconds()
				log.Infof("Fitting voxels: %d/%d (%.1f%%), %.0f voxels/s", n, total, 100*float64(n)/float64(total), rate)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
