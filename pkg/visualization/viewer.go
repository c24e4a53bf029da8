package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/tiff"
)

// Viewer renders slices of a parameter map with a fixed display window
type Viewer struct {
	// volumeData holds the 3D map in x-fastest order
	volumeData []float64

	// dimensions of the volume
	width  int
	height int
	depth  int

	// display window; values outside are clamped
	lo, hi float64
}

// NewViewer creates a viewer whose window spans the finite non-zero values
// of the map. Zero voxels lie outside the mask and render black.
func NewViewer(volumeData []float64, width, height, depth int) *Viewer {
	v := &Viewer{
		volumeData: volumeData,
		width:      width,
		height:     height,
		depth:      depth,
		lo:         math.Inf(1),
		hi:         math.Inf(-1),
	}
	for _, x := range volumeData {
		if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		v.lo = math.Min(v.lo, x)
		v.hi = math.Max(v.hi, x)
	}
	if v.lo > v.hi {
		v.lo, v.hi = 0, 1
	}
	return v
}

// Window returns the display range
func (v *Viewer) Window() (lo, hi float64) {
	return v.lo, v.hi
}

// colormap stops from low to high values
var colormap = []colorful.Color{
	{R: 0.05, G: 0.03, B: 0.25},
	{R: 0.55, G: 0.10, B: 0.45},
	{R: 0.95, G: 0.45, B: 0.15},
	{R: 0.99, G: 0.95, B: 0.55},
}

// Colour maps a value to the colormap; zero and non-finite values are black
func (v *Viewer) Colour(x float64) color.RGBA {
	if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return color.RGBA{A: 255}
	}
	t := 0.5
	if v.hi > v.lo {
		t = (x - v.lo) / (v.hi - v.lo)
	}
	t = math.Max(0, math.Min(1, t))

	seg := t * float64(len(colormap)-1)
	i := int(seg)
	if i >= len(colormap)-1 {
		i = len(colormap) - 2
	}
	c := colormap[i].BlendLab(colormap[i+1], seg-float64(i)).Clamped()
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.RGBA

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewRGBA(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				idx := z*v.width*v.height + y*v.width + position
				img.SetRGBA(z, v.height-1-y, v.Colour(v.volumeData[idx]))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewRGBA(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				idx := z*v.width*v.height + position*v.width + x
				img.SetRGBA(x, v.depth-1-z, v.Colour(v.volumeData[idx]))
			}
		}

	case "z", "Z":
		// XY plane, anterior at the top
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewRGBA(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				idx := position*v.width*v.height + y*v.width + x
				img.SetRGBA(x, v.height-1-y, v.Colour(v.volumeData[idx]))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an image as JPEG, or as TIFF when the name ends in .tif
// or .tiff
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".tif", ".tiff":
		err = tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		return err
	}
	return file.Close()
}

// SavePreview writes the mid-axial slice of the map
func (v *Viewer) SavePreview(filename string) error {
	img, err := v.ExtractSlice("z", v.depth/2)
	if err != nil {
		return err
	}
	return SaveSlice(img, filename)
}
