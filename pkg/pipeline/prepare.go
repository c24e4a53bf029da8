package pipeline

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"cmrglu/internal/models"
	"cmrglu/pkg/aif"
	"cmrglu/pkg/compartment"
	"cmrglu/pkg/config"
	"cmrglu/pkg/dataio"
	"cmrglu/pkg/interpolation"
	"cmrglu/pkg/nifti"
	"cmrglu/pkg/roi"
)

// highBloodVolume is the CBV in mL/hg at or above which a voxel is moved to
// its own segmentation label before region averaging
const highBloodVolume = 8.0

// scanner holds the loaded images and data files
type scanner struct {
	info    []dataio.FrameInfo
	samples []models.BloodSample
	pet     *models.Volume
	cbf     *models.Volume
	cbv     *models.Volume
	brain   *models.Volume
	seg     *models.Volume
}

// dataset is the masked, fitting-ready input
type dataset struct {
	pet     *models.Volume
	frames  []models.Frame
	samples []models.BloodSample

	// mask selects the analysed voxels of the 3D grid
	mask []bool

	// Per masked voxel, in grid order
	tacs [][]float64
	flow []float64
	vb   []float64

	// Whole-brain means
	wbTAC  []float64
	wbFlow float64
	wbVb   float64
}

// loadInputs reads every input file and checks that the dimensions agree
func (p *Pipeline) loadInputs() (*scanner, error) {
	s := &scanner{}
	var err error

	if s.info, err = dataio.ReadFrameInfo(p.in.Info); err != nil {
		return nil, err
	}
	raw, err := dataio.ReadBloodSamples(p.in.Blood)
	if err != nil {
		return nil, err
	}
	s.samples = CorrectBlood(raw, s.info[0].Start, p.cfg)

	if s.pet, err = nifti.Read(p.in.PET); err != nil {
		return nil, err
	}
	if len(s.pet.Dims) != 4 {
		return nil, fmt.Errorf("%w: PET image must be 4D, got dimensions %v", ErrDimensionMismatch, s.pet.Dims)
	}
	if s.pet.NumFrames() != len(s.info) {
		return nil, fmt.Errorf("%w: PET has %d frames, frame info has %d rows", ErrDimensionMismatch, s.pet.NumFrames(), len(s.info))
	}

	if s.cbf, err = p.loadMatching("CBF", p.in.CBF, s.pet); err != nil {
		return nil, err
	}
	if s.cbv, err = p.loadMatching("CBV", p.in.CBV, s.pet); err != nil {
		return nil, err
	}
	if p.in.Brain != "" {
		if s.brain, err = p.loadMatching("Brain mask", p.in.Brain, s.pet); err != nil {
			return nil, err
		}
	}
	if p.in.Seg != "" {
		if s.seg, err = p.loadMatching("Segmentation", p.in.Seg, s.pet); err != nil {
			return nil, err
		}
	}

	log.Infof("Loaded PET %v, %d frames, %d blood samples", s.pet.Dims[:3], len(s.info), len(s.samples))
	return s, nil
}

// loadMatching reads an image that must share the PET grid
func (p *Pipeline) loadMatching(name, path string, pet *models.Volume) (*models.Volume, error) {
	vol, err := nifti.Read(path)
	if err != nil {
		return nil, err
	}
	if !pet.SameGrid(vol) {
		return nil, fmt.Errorf("%w: %s dimensions %v differ from PET %v", ErrDimensionMismatch, name, vol.Dims, pet.Dims[:3])
	}
	return vol, nil
}

// CorrectBlood decay corrects raw blood samples to injection, applies the
// offset of the first recorded frame and converts counts with the pie
// calibration factor
func CorrectBlood(raw []models.BloodSample, startOffset float64, cfg *config.Config) []models.BloodSample {
	phys := cfg.Physiology
	samples := aif.DecayCorrect(raw, phys.HalfLife, phys.BloodDensity)
	scale := math.Exp(math.Ln2/phys.HalfLife*startOffset) / (phys.PieFactor * 0.06)
	for i := range samples {
		samples[i].Concentration *= scale
	}
	return samples
}

// Timing builds the input function integration grid and frame boundaries
func Timing(samples []models.BloodSample, frames []models.Frame) (compartment.Timing, error) {
	times, _ := aif.Split(samples)
	t := compartment.Timing{
		Start: make([]float64, len(frames)),
		End:   make([]float64, len(frames)),
	}
	for i, f := range frames {
		t.Start[i] = f.Start
		t.End[i] = f.End
	}
	grid, step, err := interpolation.Grid(times, t.Start[0], t.End[len(t.End)-1])
	if err != nil {
		return compartment.Timing{}, fmt.Errorf("input function grid: %w", err)
	}
	t.Grid, t.Step = grid, step
	return t, nil
}

// prepare regularises the blood volume, builds the analysis mask and
// extracts the per-voxel inputs
func (p *Pipeline) prepare(s *scanner) (*dataset, error) {
	n := s.pet.NumVoxels()
	dims := [3]int{s.pet.Dims[0], s.pet.Dims[1], s.pet.Dims[2]}
	voxelSize := [3]float64{s.pet.VoxelSize.X, s.pet.VoxelSize.Y, s.pet.VoxelSize.Z}

	cbf := s.cbf.Frame(0)
	cbv := append([]float64(nil), s.cbv.Frame(0)...)

	if s.seg != nil {
		var err error
		if cbv, err = regulariseBloodVolume(cbv, s.seg.Frame(0), dims, roi.Sigmas(p.cfg.Smoothing.FWHMSeg, voxelSize)); err != nil {
			return nil, err
		}
	}

	mask := make([]bool, n)
	nVox := 0
	for i := 0; i < n; i++ {
		inBrain := s.brain == nil || s.brain.Data[i] != 0
		mask[i] = inBrain && cbf[i] != 0 && cbv[i] != 0
		if mask[i] {
			nVox++
		}
	}
	if nVox == 0 {
		return nil, fmt.Errorf("analysis mask is empty: no voxel has non-zero brain, CBF and CBV values")
	}

	if fwhm := p.cfg.Smoothing.FWHM; fwhm > 0 {
		sigmas := roi.Sigmas(fwhm, voxelSize)
		log.Infof("Smoothing CBF and CBV with a %.2f mm kernel", fwhm)
		var err error
		if cbf, err = roi.Smooth(cbf, dims, sigmas); err != nil {
			return nil, err
		}
		if cbv, err = roi.Smooth(cbv, dims, sigmas); err != nil {
			return nil, err
		}
	}

	d := &dataset{
		pet:     s.pet,
		frames:  dataio.FrameTimes(s.info),
		samples: s.samples,
		mask:    mask,
		tacs:    make([][]float64, 0, nVox),
		flow:    make([]float64, 0, nVox),
		vb:      make([]float64, 0, nVox),
	}

	nFrames := s.pet.NumFrames()
	d.wbTAC = make([]float64, nFrames)
	for i := 0; i < n; i++ {
		if !mask[i] {
			continue
		}
		tac := make([]float64, nFrames)
		for t := 0; t < nFrames; t++ {
			tac[t] = s.pet.Data[t*n+i]
			d.wbTAC[t] += tac[t]
		}
		d.tacs = append(d.tacs, tac)
		// Flow in 1/s and blood volume in mL blood per mL tissue
		d.flow = append(d.flow, cbf[i]/cbv[i]/60.0)
		d.vb = append(d.vb, cbv[i]/100.0*p.cfg.Physiology.TissueDensity)
	}
	for t := range d.wbTAC {
		d.wbTAC[t] /= float64(nVox)
	}
	d.wbFlow = stat.Mean(d.flow, nil)
	d.wbVb = stat.Mean(d.vb, nil)

	log.Infof("Analysis mask holds %d voxels; whole-brain flow %.4g 1/s, blood volume %.4g", nVox, d.wbFlow, d.wbVb)
	return d, nil
}

// regulariseBloodVolume replaces CBV with its segmentation region means.
// Voxels of high blood volume form a region of their own. With a smoothing
// kernel, the averaged image is smoothed and voxels of label zero reset.
func regulariseBloodVolume(cbv, seg []float64, dims [3]int, sigmas [3]float64) ([]float64, error) {
	labels := append([]float64(nil), seg...)
	vessel := float64(roi.MaxLabel(labels) + 1)
	for i, v := range cbv {
		if v >= highBloodVolume {
			labels[i] = vessel
		}
	}

	avgs, err := roi.Averages(cbv, labels, 0)
	if err != nil {
		return nil, err
	}
	out := roi.BackProject(avgs, labels)
	log.Infof("Replaced CBV with the means of %d regions", len(avgs))

	if sigmas == ([3]float64{}) {
		return out, nil
	}
	if out, err = roi.Smooth(out, dims, sigmas); err != nil {
		return nil, err
	}
	for i, l := range labels {
		if roi.Label(l) == 0 {
			out[i] = 0
		}
	}
	return out, nil
}
