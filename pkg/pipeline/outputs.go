package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"cmrglu/internal/models"
	"cmrglu/pkg/aif"
	"cmrglu/pkg/compartment"
	"cmrglu/pkg/config"
	"cmrglu/pkg/dataio"
	"cmrglu/pkg/fitting"
	"cmrglu/pkg/nifti"
	"cmrglu/pkg/store"
	"cmrglu/pkg/visualization"
)

// voxelMap names one per-voxel output and extracts it from a voxel state
type voxelMap struct {
	name  string
	value func(s *models.VoxelKineticState) float64
}

// voxelMaps lists the per-voxel outputs in file order. The delay map is
// only written when the voxel fits estimated a delay.
func voxelMaps(withDelay bool) []voxelMap {
	maps := []voxelMap{
		{"gef", func(s *models.VoxelKineticState) float64 { return s.Quantities.GEF }},
		{"kOne", func(s *models.VoxelKineticState) float64 { return s.Quantities.KOne }},
		{"kTwo", func(s *models.VoxelKineticState) float64 { return s.Quantities.KTwo }},
		{"kThree", func(s *models.VoxelKineticState) float64 { return s.Quantities.KThree }},
		{"kFour", func(s *models.VoxelKineticState) float64 { return s.Quantities.KFour }},
		{"cmrGlu", func(s *models.VoxelKineticState) float64 { return s.Quantities.CMRGlu }},
		{"alphaOne", func(s *models.VoxelKineticState) float64 { return s.Quantities.AlphaOne }},
		{"alphaTwo", func(s *models.VoxelKineticState) float64 { return s.Quantities.AlphaTwo }},
		{"betaOne", func(s *models.VoxelKineticState) float64 { return s.Quantities.BetaOne }},
		{"betaTwo", func(s *models.VoxelKineticState) float64 { return s.Quantities.BetaTwo }},
		{"netEx", func(s *models.VoxelKineticState) float64 { return s.Quantities.NetEx }},
		{"influx", func(s *models.VoxelKineticState) float64 { return s.Quantities.Influx }},
		{"DV", func(s *models.VoxelKineticState) float64 { return s.Quantities.DV }},
		{"conc", func(s *models.VoxelKineticState) float64 { return s.Quantities.Conc }},
	}
	if withDelay {
		maps = append(maps, voxelMap{"delay", func(s *models.VoxelKineticState) float64 { return s.Quantities.Delay }})
	}
	return append(maps, voxelMap{"nRmsd", func(s *models.VoxelKineticState) float64 { return s.NRMSD }})
}

// MapPath returns the file a voxel map is written to
func MapPath(root, name string) string {
	return fmt.Sprintf("%s_%s.nii.gz", root, name)
}

// writeWholeBrain writes the value, covariance and correlation files and
// the diagnostic figure. Only a failed figure is tolerated.
func (p *Pipeline) writeWholeBrain(wb *fitting.WholeBrainResult, fit *aif.FitResult, data *dataset) ([]string, error) {
	root := p.cfg.Output.Root
	var files []string

	path := root + "_wbVals.txt"
	condition := 0.0
	if wb.Diagnostics != nil {
		condition = wb.Diagnostics.Condition
	}
	if err := dataio.WriteWholeBrain(path, wb.Quantities, condition, wb.Variant == compartment.WithDelay); err != nil {
		return files, fmt.Errorf("cannot write in output directory: %w", err)
	}
	files = append(files, path)

	if wb.Diagnostics != nil {
		for _, out := range []struct {
			suffix string
			write  func(string) error
		}{
			{"_wbCov.txt", func(path string) error { return dataio.WriteMatrix(path, wb.Diagnostics.Covariance) }},
			{"_wbCor.txt", func(path string) error { return dataio.WriteMatrix(path, wb.Diagnostics.Correlation) }},
		} {
			path := root + out.suffix
			if err := out.write(path); err != nil {
				return files, fmt.Errorf("cannot write in output directory: %w", err)
			}
			files = append(files, path)
		}
	}

	if p.cfg.Output.SavePlot {
		path := root + "_wbPlot.jpeg"
		if err := p.wholeBrainFigure(wb, fit, data).Save(path); err != nil {
			log.Warnf("Could not save figure, moving on: %v", err)
		} else {
			files = append(files, path)
		}
	}
	return files, nil
}

// wholeBrainFigure collects the curves of the diagnostic figure
func (p *Pipeline) wholeBrainFigure(wb *fitting.WholeBrainResult, fit *aif.FitResult, data *dataset) *visualization.WholeBrainFigure {
	drawTime, samples := aif.Split(data.samples)
	fig := &visualization.WholeBrainFigure{
		MidTime:  make([]float64, len(data.frames)),
		TAC:      wb.TAC,
		Fitted:   wb.Fitted,
		DrawTime: drawTime,
		Samples:  samples,
		AIFFit:   fit.Params.Evaluate(nil, drawTime),
	}
	for i, f := range data.frames {
		fig.MidTime[i] = f.Mid
	}
	if wb.Variant == compartment.WithDelay {
		fig.DelayCorrected = fit.Params.Shifted(nil, drawTime, wb.Delay(), p.cfg.Physiology.HalfLife)
	}
	return fig
}

// writeMaps writes every voxel map and, when enabled, its preview
func (p *Pipeline) writeMaps(vox *fitting.VoxelResult, data *dataset) ([]string, error) {
	root := p.cfg.Output.Root
	dims := data.pet.Dims
	values := make([]float64, len(vox.States))
	var files []string

	for _, m := range voxelMaps(vox.NumParams > 2) {
		for i := range vox.States {
			values[i] = m.value(&vox.States[i])
		}
		path := MapPath(root, m.name)
		if err := nifti.WriteMasked(path, values, data.mask, data.pet); err != nil {
			return files, fmt.Errorf("writing %s map: %w", m.name, err)
		}
		files = append(files, path)

		if p.cfg.Output.SavePreviews {
			preview := fmt.Sprintf("%s_%s.jpeg", root, m.name)
			viewer := visualization.NewViewer(scatter(values, data.mask), dims[0], dims[1], dims[2])
			if err := viewer.SavePreview(preview); err != nil {
				log.Warnf("Could not save %s preview: %v", m.name, err)
			} else {
				files = append(files, preview)
			}
		}
	}
	return files, nil
}

// scatter expands masked values onto the full grid
func scatter(values []float64, mask []bool) []float64 {
	out := make([]float64, len(mask))
	j := 0
	for i, in := range mask {
		if in {
			out[i] = values[j]
			j++
		}
	}
	return out
}

// argsFile is the record of the effective inputs and settings of a run
type argsFile struct {
	Inputs Inputs         `yaml:"inputs"`
	Config *config.Config `yaml:"config"`
}

// writeArgs records the inputs and effective configuration next to the results
func (p *Pipeline) writeArgs() (string, error) {
	path := p.cfg.Output.Root + "_args.yaml"
	out, err := yaml.Marshal(argsFile{Inputs: p.in, Config: p.cfg})
	if err != nil {
		return "", fmt.Errorf("encoding arguments: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return "", fmt.Errorf("writing arguments: %w", err)
	}
	return path, nil
}

// recordRun appends the run to the history ledger
func (p *Pipeline) recordRun(ctx context.Context, result *Result, started time.Time) (string, error) {
	s, err := store.Open(p.cfg.Output.HistoryDB)
	if err != nil {
		return "", err
	}
	defer s.Close()

	q := result.WholeBrain.Quantities
	run := store.Run{
		StartedAt:  started,
		FinishedAt: time.Now(),
		Root:       p.cfg.Output.Root,
		PET:        p.in.PET,
		Model:      p.cfg.Processing.Model,
		VoxelDelay: p.cfg.Processing.VoxelDelay,
		Values: map[string]float64{
			"gef":    q.GEF,
			"kOne":   q.KOne,
			"kTwo":   q.KTwo,
			"kThree": q.KThree,
			"kFour":  q.KFour,
			"cmrGlu": q.CMRGlu,
			"netEx":  q.NetEx,
			"influx": q.Influx,
			"DV":     q.DV,
			"conc":   q.Conc,
			"nRmsd":  result.WholeBrain.NRMSD,
		},
	}
	if result.WholeBrain.Variant == compartment.WithDelay {
		run.Values["delay"] = q.Delay
	}
	if result.Voxels != nil {
		run.Voxels = len(result.Voxels.States)
		run.Failed = result.Voxels.Failed
	}
	return s.InsertRun(ctx, run)
}
