// Package dataio reads the blood sample and frame timing text files and
// writes the whole-brain text outputs.
package dataio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"cmrglu/internal/models"
)

// ErrFormat is returned for malformed input rows
var ErrFormat = errors.New("malformed data file")

// FrameInfo is one row of a frame timing file, in seconds
type FrameInfo struct {
	Start    float64
	Mid      float64
	Duration float64
}

// ReadBloodSamples reads arterial draws as whitespace separated
// (time in seconds, counts) rows. Blank lines and lines starting with '#'
// are skipped; extra columns are ignored. Draw times must increase.
func ReadBloodSamples(path string) ([]models.BloodSample, error) {
	rows, err := readColumns(path, 2)
	if err != nil {
		return nil, err
	}
	samples := make([]models.BloodSample, len(rows))
	for i, r := range rows {
		if i > 0 && r[0] <= rows[i-1][0] {
			return nil, fmt.Errorf("%w: %s: draw time %g does not follow %g", ErrFormat, path, r[0], rows[i-1][0])
		}
		samples[i] = models.BloodSample{Time: r[0], Concentration: r[1]}
	}
	if len(samples) < 4 {
		return nil, fmt.Errorf("%w: %s: need at least 4 blood samples, got %d", ErrFormat, path, len(samples))
	}
	log.Debugf("Read %d blood samples from %s", len(samples), path)
	return samples, nil
}

// ReadFrameInfo reads one (start, mid, duration) row per PET frame
func ReadFrameInfo(path string) ([]FrameInfo, error) {
	rows, err := readColumns(path, 3)
	if err != nil {
		return nil, err
	}
	info := make([]FrameInfo, len(rows))
	for i, r := range rows {
		info[i] = FrameInfo{Start: r[0], Mid: r[1], Duration: r[2]}
	}
	if len(info) == 0 {
		return nil, fmt.Errorf("%w: %s has no frames", ErrFormat, path)
	}
	log.Debugf("Read %d frames from %s", len(info), path)
	return info, nil
}

// FrameTimes converts frame info rows into frame windows relative to the
// start of the first frame, which is taken as the injection time
func FrameTimes(info []FrameInfo) []models.Frame {
	frames := make([]models.Frame, len(info))
	if len(info) == 0 {
		return frames
	}
	t0 := info[0].Start
	for i, fi := range info {
		start := fi.Start - t0
		frames[i] = models.Frame{
			Start: start,
			Mid:   fi.Mid - t0,
			End:   fi.Duration + start,
		}
	}
	return frames
}

func readColumns(path string, n int) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	rows, err := parseColumns(f, n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// parseColumns returns the first n numeric fields of every data line
func parseColumns(r io.Reader, n int) ([][]float64, error) {
	var rows [][]float64
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < n {
			return nil, fmt.Errorf("%w: line %d has %d columns, need %d", ErrFormat, line, len(fields), n)
		}
		row := make([]float64, n)
		for i := 0; i < n; i++ {
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	return rows, sc.Err()
}

// WriteMatrix writes a matrix as space separated rows in %.18e format
func WriteMatrix(path string, m mat.Matrix) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if j > 0 {
				w.WriteByte(' ')
			}
			fmt.Fprintf(w, "%.18e", m.At(i, j))
		}
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// wholeBrainField is one labelled line of the whole-brain value file
type wholeBrainField struct {
	label string
	value float64
	unit  string
}

// FormatWholeBrain renders the whole-brain quantities as "label = value (unit)"
// lines. The delay line is only present for the delay model.
func FormatWholeBrain(q models.Quantities, condition float64, withDelay bool) string {
	fields := []wholeBrainField{
		{"gef", q.GEF, "fraction"},
		{"kOne", q.KOne, "mLBlood/mLTissue/min"},
		{"kTwo", q.KTwo, "1/min"},
		{"kThree", q.KThree, "1/min"},
		{"kFour", q.KFour, "1/min"},
		{"cmrGlu", q.CMRGlu, "uMol/hg/min"},
		{"alphaOne", q.AlphaOne, "1/sec"},
		{"alphaTwo", q.AlphaTwo, "1/sec"},
		{"betaOne", q.BetaOne, "1/sec"},
		{"betaTwo", q.BetaTwo, "1/sec"},
		{"netEx", q.NetEx, "fraction"},
		{"influx", q.Influx, "uMol/g/min"},
		{"DV", q.DV, "mLBlood/mLTissue"},
		{"conc", q.Conc, "uMol/g"},
		{"condition", condition, "unitless"},
	}
	if withDelay {
		fields = append(fields, wholeBrainField{"delay", q.Delay, "min"})
	}

	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, "%s = %f (%s)\n", f.label, f.value, f.unit)
	}
	return b.String()
}

// WriteWholeBrain writes the output of FormatWholeBrain to path
func WriteWholeBrain(path string, q models.Quantities, condition float64, withDelay bool) error {
	if err := os.WriteFile(path, []byte(FormatWholeBrain(q, condition, withDelay)), 0644); err != nil {
		return fmt.Errorf("writing whole-brain values: %w", err)
	}
	return nil
}
