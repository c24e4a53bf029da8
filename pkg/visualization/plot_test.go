package visualization

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

// createTestFigure fills a figure with smooth synthetic curves
func createTestFigure(withDelay bool) *WholeBrainFigure {
	f := &WholeBrainFigure{}
	for i := 0; i < 8; i++ {
		t := float64(i) * 300
		f.MidTime = append(f.MidTime, t)
		f.TAC = append(f.TAC, 100*(1-math.Exp(-t/600)))
		f.Fitted = append(f.Fitted, 98*(1-math.Exp(-t/610)))
	}
	for i := 0; i < 20; i++ {
		t := float64(i) * 15
		f.DrawTime = append(f.DrawTime, t)
		f.Samples = append(f.Samples, t*math.Exp(-t/40))
		f.AIFFit = append(f.AIFFit, t*math.Exp(-t/41))
		if withDelay {
			f.DelayCorrected = append(f.DelayCorrected, (t+5)*math.Exp(-(t+5)/41))
		}
	}
	return f
}

func TestPalette(t *testing.T) {
	cols := palette(4)
	if len(cols) != 4 {
		t.Fatalf("Expected 4 colours, got %d", len(cols))
	}
	for i := 1; i < len(cols); i++ {
		if cols[i] == cols[i-1] {
			t.Errorf("Expected distinct colours, got %v twice", cols[i])
		}
	}
}

func TestRenderWholeBrainFigure(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping chart rendering in short mode")
	}
	for _, withDelay := range []bool{false, true} {
		img, err := createTestFigure(withDelay).Render()
		if err != nil {
			t.Fatalf("Failed to render figure: %v", err)
		}
		if b := img.Bounds(); b.Dx() != 2*panelWidth || b.Dy() != panelHeight {
			t.Errorf("Expected a %dx%d figure, got %dx%d", 2*panelWidth, panelHeight, b.Dx(), b.Dy())
		}
	}

	path := filepath.Join(t.TempDir(), "run_wbPlot.jpeg")
	if err := createTestFigure(true).Save(path); err != nil {
		t.Fatalf("Failed to save figure: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Errorf("Expected a non-empty figure at %s", path)
	}
}
