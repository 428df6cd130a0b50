// Package band defines band rasters, the fetcher contract used to obtain them
// and the zero-fill fallback policy applied when a fetch fails.
package band

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Raster is a square single-band intensity image backed by a dense matrix.
// Row 0 is the north edge and column 0 the east-most pixel as delivered by the
// imaging service.
type Raster struct {
	m *mat.Dense
}

// NewRaster wraps values (row-major, len pixels*pixels) in a Raster.
// The slice is used directly, not copied.
func NewRaster(pixels int, values []float64) (*Raster, error) {
	if pixels <= 0 {
		return nil, fmt.Errorf("raster size must be positive, got %d", pixels)
	}
	if len(values) != pixels*pixels {
		return nil, fmt.Errorf("raster needs %d values, got %d", pixels*pixels, len(values))
	}
	return &Raster{m: mat.NewDense(pixels, pixels, values)}, nil
}

// Zero returns an all-zero raster. pixels must be positive.
func Zero(pixels int) *Raster {
	return &Raster{m: mat.NewDense(pixels, pixels, nil)}
}

// Constant returns a raster filled with v.
func Constant(pixels int, v float64) *Raster {
	values := make([]float64, pixels*pixels)
	for i := range values {
		values[i] = v
	}
	return &Raster{m: mat.NewDense(pixels, pixels, values)}
}

// Pixels returns the edge length.
func (r *Raster) Pixels() int {
	rows, _ := r.m.Dims()
	return rows
}

// At returns the intensity at row, col.
func (r *Raster) At(row, col int) float64 {
	return r.m.At(row, col)
}

// Values exposes the row-major backing slice. Callers must not retain it past
// the raster's lifetime.
func (r *Raster) Values() []float64 {
	return r.m.RawMatrix().Data
}

// Matrix returns the raster as a gonum matrix.
func (r *Raster) Matrix() *mat.Dense {
	return r.m
}

// Clone returns a deep copy.
func (r *Raster) Clone() *Raster {
	return &Raster{m: mat.DenseCopyOf(r.m)}
}

// RGB is a composited tile: three equally sized channels with values in [0,1].
type RGB struct {
	R, G, B *Raster
}

// Pixels returns the edge length of the composite.
func (c *RGB) Pixels() int {
	return c.R.Pixels()
}

// Image converts the composite to an 8-bit opaque RGBA image.
func (c *RGB) Image() *image.RGBA {
	n := c.Pixels()
	img := image.NewRGBA(image.Rect(0, 0, n, n))
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: to8(c.R.At(y, x)),
				G: to8(c.G.At(y, x)),
				B: to8(c.B.At(y, x)),
				A: 255,
			})
		}
	}
	return img
}

func to8(v float64) uint8 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(math.Round(v * 255))
}
