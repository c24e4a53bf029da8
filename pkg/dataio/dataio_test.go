package dataio

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"cmrglu/internal/models"
)

// writeTestFile writes content to a file in a temporary directory
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestReadBloodSamples(t *testing.T) {
	path := writeTestFile(t, "draws.txt", "# time counts\n0 1.5\n5 10 extra\n\n12 80.25\n30 40\n")
	samples, err := ReadBloodSamples(path)
	if err != nil {
		t.Fatalf("Failed to read samples: %v", err)
	}
	want := []models.BloodSample{
		{Time: 0, Concentration: 1.5},
		{Time: 5, Concentration: 10},
		{Time: 12, Concentration: 80.25},
		{Time: 30, Concentration: 40},
	}
	if len(samples) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(samples))
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("Sample %d: expected %v, got %v", i, want[i], samples[i])
		}
	}
}

func TestReadBloodSamplesErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not increasing", "0 1\n5 2\n5 3\n8 1\n"},
		{"bad number", "0 1\n5 x\n6 1\n7 1\n"},
		{"one column", "0\n"},
		{"too few", "0 1\n5 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTestFile(t, "draws.txt", tt.content)
			if _, err := ReadBloodSamples(path); !errors.Is(err, ErrFormat) {
				t.Errorf("Expected ErrFormat, got %v", err)
			}
		})
	}
}

func TestFrameTimes(t *testing.T) {
	path := writeTestFile(t, "info.txt", "10 25 30\n40 70 60\n100 130 60\n")
	info, err := ReadFrameInfo(path)
	if err != nil {
		t.Fatalf("Failed to read frame info: %v", err)
	}
	frames := FrameTimes(info)
	want := []models.Frame{
		{Start: 0, Mid: 15, End: 30},
		{Start: 30, Mid: 60, End: 90},
		{Start: 90, Mid: 120, End: 150},
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("Frame %d: expected %v, got %v", i, want[i], frames[i])
		}
	}
}

func TestWriteMatrix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cov.txt")
	m := mat.NewSymDense(2, []float64{1, 0.5, 0.5, 2})
	if err := WriteMatrix(path, m); err != nil {
		t.Fatalf("Failed to write matrix: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "1.000000000000000000e+00 5.000000000000000000e-01\n5.000000000000000000e-01 2.000000000000000000e+00\n"
	if string(data) != want {
		t.Errorf("Expected\n%s\ngot\n%s", want, data)
	}
}

func TestFormatWholeBrain(t *testing.T) {
	q := models.Quantities{KOne: 0.108, CMRGlu: 25.5, Delay: 0.2}

	noDelay := FormatWholeBrain(q, 12, false)
	lines := strings.Split(strings.TrimSpace(noDelay), "\n")
	if len(lines) != 15 {
		t.Fatalf("Expected 15 lines, got %d", len(lines))
	}
	if lines[1] != "kOne = 0.108000 (mLBlood/mLTissue/min)" {
		t.Errorf("Unexpected kOne line %q", lines[1])
	}
	if lines[14] != "condition = 12.000000 (unitless)" {
		t.Errorf("Unexpected condition line %q", lines[14])
	}

	withDelay := FormatWholeBrain(q, 12, true)
	if !strings.HasSuffix(withDelay, "delay = 0.200000 (min)\n") {
		t.Errorf("Expected a trailing delay line, got %q", withDelay)
	}
}
