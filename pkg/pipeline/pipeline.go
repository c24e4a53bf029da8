// Package pipeline runs a complete cmrGlu analysis: it loads the PET,
// blood and perfusion inputs, fits the input function, the whole-brain
// curve and every voxel, and writes the results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"cmrglu/internal/models"
	"cmrglu/pkg/aif"
	"cmrglu/pkg/compartment"
	"cmrglu/pkg/config"
	"cmrglu/pkg/fitting"
	"cmrglu/pkg/lsq"
	"cmrglu/pkg/metabolism"
)

// ErrDimensionMismatch is returned when input images or files disagree in size
var ErrDimensionMismatch = errors.New("data dimensions do not match")

// progressInterval between voxel progress log lines
const progressInterval = 10 * time.Second

// Inputs names the files of one analysis
type Inputs struct {
	// PET is the dynamic 4D image
	PET string `yaml:"pet"`

	// Info holds one (start, mid, duration) row per PET frame
	Info string `yaml:"info"`

	// Blood holds the arterial draw times and counts
	Blood string `yaml:"blood"`

	// CBF in mL/hg/min and CBV in mL/hg on the PET grid
	CBF string `yaml:"cbf"`
	CBV string `yaml:"cbv"`

	// Brain is an optional brain mask in PET space
	Brain string `yaml:"brain,omitempty"`

	// Seg is an optional segmentation used to average CBV
	Seg string `yaml:"seg,omitempty"`
}

// Pipeline runs one analysis
type Pipeline struct {
	cfg *config.Config
	in  Inputs
}

// Result holds the fits of one analysis
type Result struct {
	AIF        *aif.FitResult
	WholeBrain *fitting.WholeBrainResult

	// Voxels is nil when only the whole brain was fitted
	Voxels *fitting.VoxelResult

	// Mask selects the analysed voxels of the PET grid
	Mask []bool

	// Files lists every file written
	Files []string
}

// New validates the configuration and inputs of an analysis.
//
// Parameters:
//   - cfg: Validated processing, physiology and output settings
//   - in: Input file paths
//
// Returns:
//   - A pipeline ready to Process, or the first fatal configuration error
func New(cfg *config.Config, in Inputs) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !(cfg.Physiology.BloodGlucose > 0) {
		return nil, fmt.Errorf("blood glucose must be positive, got %g mg/dL", cfg.Physiology.BloodGlucose)
	}
	if _, _, _, err := cfg.WholeBrainSearch(); err != nil {
		return nil, err
	}
	required := []struct{ name, path string }{
		{"PET", in.PET}, {"frame info", in.Info}, {"blood samples", in.Blood}, {"CBF", in.CBF}, {"CBV", in.CBV},
	}
	for _, r := range required {
		if r.path == "" {
			return nil, fmt.Errorf("missing %s input", r.name)
		}
	}
	if cfg.Output.Root == "" {
		return nil, fmt.Errorf("output root must not be empty")
	}
	return &Pipeline{cfg: cfg, in: in}, nil
}

// LocalSettings returns the bounded solver settings of a configuration
func LocalSettings(cfg *config.Config) *lsq.Settings {
	s := lsq.DefaultSettings()
	s.MaxIterations = cfg.Processing.MaxIterations
	return s
}

// HopSettings returns the basin-hopping settings of a configuration
func HopSettings(cfg *config.Config) *lsq.HopSettings {
	h := lsq.DefaultHopSettings()
	h.Iterations = cfg.BasinHopping.Iterations
	h.StepSize = cfg.BasinHopping.StepSize
	h.Temperature = cfg.BasinHopping.Temperature
	h.Seed = cfg.BasinHopping.Seed
	return h
}

// FitInputFunction fits the input function to corrected blood samples
func FitInputFunction(samples []models.BloodSample, cfg *config.Config) (*aif.FitResult, error) {
	return aif.Fit(samples, LocalSettings(cfg), HopSettings(cfg))
}

// Process runs the complete analysis
func (p *Pipeline) Process(ctx context.Context) (*Result, error) {
	started := time.Now()
	root := p.cfg.Output.Root
	result := &Result{}

	// Step 1: Load inputs
	log.Info("Step 1: Loading images and data files...")
	scan, err := p.loadInputs()
	if err != nil {
		return nil, err
	}

	// Step 2: Prepare flow, blood volume and voxel curves
	log.Info("Step 2: Preparing flow and blood volume...")
	data, err := p.prepare(scan)
	if err != nil {
		return nil, err
	}
	result.Mask = data.mask

	timing, err := Timing(data.samples, data.frames)
	if err != nil {
		return nil, err
	}

	// Step 3: Input function
	log.Info("Step 3: Fitting arterial input function...")
	aifRes, err := FitInputFunction(data.samples, p.cfg)
	if err != nil {
		return nil, err
	}
	result.AIF = aifRes
	log.Infof("Input function fitted: local cost %.6g, global cost %.6g", aifRes.LocalCost, aifRes.GlobalCost)

	in := fitting.Input{
		AIF:      aifRes.Params,
		Timing:   timing,
		HalfLife: p.cfg.Physiology.HalfLife,
		Physiology: metabolism.Physiology{
			BloodGlucose:  p.cfg.Physiology.BloodGlucose,
			TissueDensity: p.cfg.Physiology.TissueDensity,
		},
		Local: LocalSettings(p.cfg),
	}

	// Step 4: Whole brain
	variant := compartment.WithDelay
	if p.cfg.Processing.Model == config.ModelNoDelay {
		variant = compartment.NoDelay
	}
	log.Infof("Step 4: Fitting %s model to the whole-brain curve...", variant)
	lower, upper, init, err := p.cfg.WholeBrainSearch()
	if err != nil {
		return nil, err
	}
	search := fitting.Search{Lower: lower, Upper: upper, Init: init}
	wb, err := fitting.FitWholeBrain(in, variant, search, data.wbTAC, data.wbFlow, data.wbVb)
	if err != nil {
		return nil, err
	}
	result.WholeBrain = wb
	log.Infof("Whole-brain cmrGlu %.4f uMol/hg/min, nRMSD %.4g", wb.Quantities.CMRGlu, wb.NRMSD)

	// Step 5: Whole-brain outputs
	log.Info("Step 5: Writing whole-brain results...")
	files, err := p.writeWholeBrain(wb, aifRes, data)
	result.Files = append(result.Files, files...)
	if err != nil {
		return nil, err
	}

	if p.cfg.Processing.WholeBrainOnly {
		log.Info("Whole-brain only run, skipping voxelwise estimation")
		return p.finish(ctx, result, started)
	}

	// Step 6: Voxels
	workers := fitting.PlanWorkers(p.cfg.Processing.NumWorkers, len(data.tacs), len(data.frames))
	log.Infof("Step 6: Fitting %d voxels with %d workers...", len(data.tacs), workers)
	vox, err := fitting.FitVoxels(ctx, in, wb, fitting.VoxelData{
		TACs:        data.tacs,
		Flow:        data.flow,
		BloodVolume: data.vb,
	}, fitting.VoxelOptions{
		VoxelDelay:       p.cfg.Processing.VoxelDelay,
		Workers:          workers,
		ProgressInterval: progressInterval,
	})
	if err != nil {
		return nil, err
	}
	result.Voxels = vox
	summary := fitting.Summarize(vox.States)
	log.Infof("Voxel cmrGlu %.4f +/- %.4f uMol/hg/min over %d converged voxels", summary.Mean, summary.StdDev, summary.Count)

	// Step 7: Maps
	log.Info("Step 7: Writing parameter maps...")
	files, err = p.writeMaps(vox, data)
	result.Files = append(result.Files, files...)
	if err != nil {
		return nil, err
	}

	log.Infof("Results written with root %s", root)
	return p.finish(ctx, result, started)
}

// finish writes the effective arguments and records the run
func (p *Pipeline) finish(ctx context.Context, result *Result, started time.Time) (*Result, error) {
	path, err := p.writeArgs()
	if err != nil {
		return nil, err
	}
	result.Files = append(result.Files, path)

	if p.cfg.Output.HistoryDB != "" {
		if id, err := p.recordRun(ctx, result, started); err != nil {
			log.Warnf("Could not record run in %s: %v", p.cfg.Output.HistoryDB, err)
		} else {
			log.Infof("Recorded run %s", id)
		}
	}
	return result, nil
}
