// Package visualization renders the whole-brain diagnostic figure and
// previews of the voxelwise parameter maps.
package visualization

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"os"

	"github.com/lucasb-eyer/go-colorful"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// Panel size in pixels
const (
	panelWidth  = 750
	panelHeight = 500
)

// WholeBrainFigure holds the curves of the whole-brain diagnostic figure
type WholeBrainFigure struct {
	// Brain curve against frame mid times
	MidTime []float64
	TAC     []float64
	Fitted  []float64

	// Input function against draw times
	DrawTime []float64
	Samples  []float64
	AIFFit   []float64

	// DelayCorrected is the input function shifted by the fitted delay;
	// empty for the no-delay model
	DelayCorrected []float64
}

// palette returns n evenly spaced hues of equal lightness
func palette(n int) []drawing.Color {
	cols := make([]drawing.Color, n)
	for i := range cols {
		c := colorful.Hcl(float64(i)*360/float64(n)+20, 0.6, 0.55).Clamped()
		r, g, b := c.RGB255()
		cols[i] = drawing.Color{R: r, G: g, B: b, A: 255}
	}
	return cols
}

func sampleSeries(name string, x, y []float64, col drawing.Color) chart.ContinuousSeries {
	return chart.ContinuousSeries{
		Name:    name,
		XValues: x,
		YValues: y,
		Style: chart.Style{
			StrokeWidth: chart.Disabled,
			DotWidth:    4,
			DotColor:    col,
		},
	}
}

func lineSeries(name string, x, y []float64, col drawing.Color, width float64) chart.ContinuousSeries {
	return chart.ContinuousSeries{
		Name:    name,
		XValues: x,
		YValues: y,
		Style:   chart.Style{StrokeColor: col, StrokeWidth: width},
	}
}

// renderPanel draws one chart into an RGBA image
func renderPanel(title string, series []chart.Series) (*image.RGBA, error) {
	graph := chart.Chart{
		Title:  title,
		Width:  panelWidth,
		Height: panelHeight,
		XAxis:  chart.XAxis{Name: "Time (seconds)", Style: chart.Style{FontSize: 10.0}},
		YAxis:  chart.YAxis{Name: "Counts", Style: chart.Style{FontSize: 10.0}},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	buffer := bytes.NewBuffer(nil)
	if err := graph.Render(chart.PNG, buffer); err != nil {
		return nil, fmt.Errorf("rendering %s: %w", title, err)
	}
	img, _, err := image.Decode(buffer)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", title, err)
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba, nil
}

// combineHorizontally places images side by side
func combineHorizontally(images ...*image.RGBA) *image.RGBA {
	totalWidth, maxHeight := 0, 0
	for _, img := range images {
		totalWidth += img.Bounds().Dx()
		maxHeight = max(maxHeight, img.Bounds().Dy())
	}
	combined := image.NewRGBA(image.Rect(0, 0, totalWidth, maxHeight))
	draw.Draw(combined, combined.Bounds(), image.White, image.Point{}, draw.Src)
	offsetX := 0
	for _, img := range images {
		rect := img.Bounds()
		draw.Draw(combined, image.Rect(offsetX, 0, offsetX+rect.Dx(), rect.Dy()), img, rect.Min, draw.Src)
		offsetX += rect.Dx()
	}
	return combined
}

// Render draws the brain curve panel and the input function panel
func (f *WholeBrainFigure) Render() (*image.RGBA, error) {
	cols := palette(4)

	brain, err := renderPanel("Whole-brain curve", []chart.Series{
		sampleSeries("Data", f.MidTime, f.TAC, cols[0]),
		lineSeries("Model Fit", f.MidTime, f.Fitted, cols[1], 3),
	})
	if err != nil {
		return nil, err
	}

	input := []chart.Series{
		sampleSeries("Data", f.DrawTime, f.Samples, cols[0]),
		lineSeries("Model Fit", f.DrawTime, f.AIFFit, cols[2], 5),
	}
	if len(f.DelayCorrected) > 0 {
		input = append(input, lineSeries("Delay Corrected", f.DrawTime, f.DelayCorrected, cols[3], 5))
	}
	aif, err := renderPanel("Arterial input function", input)
	if err != nil {
		return nil, err
	}

	return combineHorizontally(brain, aif), nil
}

// Save renders the figure to a JPEG file
func (f *WholeBrainFigure) Save(path string) error {
	img, err := f.Render()
	if err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		return err
	}
	return file.Close()
}
