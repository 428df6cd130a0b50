// Package calibration derives the single stretch and color-balance model that
// every tile of a mosaic is rendered with, and applies it to band rasters.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"sky-mosaic/internal/band"
)

// Model constants
const (
	// LowPercentile and HighPercentile bound the clip window. They discard
	// hot pixels and deep background without a full min/max rescale.
	LowPercentile  = 0.5
	HighPercentile = 99.5

	// BalanceEpsilon guards the balance division against empty channels
	BalanceEpsilon = 1e-8

	// RangeEpsilon is the minimum width of the clip window
	RangeEpsilon = 1e-6

	// Green is synthesized from the blue-source and IR-source bands
	GreenFromBlue = 0.7
	GreenFromIR   = 0.3
)

// BandCount is the number of bands a calibration consumes: red, blue-source, IR-source.
const BandCount = 3

var (
	// ErrAllBandsFailed means no center-tile band could be fetched.
	ErrAllBandsFailed = errors.New("all center tile bands failed")
	// ErrNoSignal means the center tile holds no usable intensity values.
	ErrNoSignal = errors.New("center tile has no signal")
	// ErrDegenerate means the derived balance coefficients are not usable.
	ErrDegenerate = errors.New("degenerate calibration")
)

// Calibration is the shared clip window and per-channel balance. It is built
// once per mosaic and only read afterwards.
type Calibration struct {
	VMin     float64 `json:"vmin"`
	VMax     float64 `json:"vmax"`
	BalanceR float64 `json:"balanceR"`
	BalanceG float64 `json:"balanceG"`
	BalanceB float64 `json:"balanceB"`
}

// Error is returned when no calibration can be derived. It is fatal for the
// whole mosaic.
type Error struct {
	Err      error
	BandErrs []error
}

func (e *Error) Error() string {
	if failed := errors.Join(e.BandErrs...); failed != nil {
		return fmt.Sprintf("calibration failed: %v (%v)", e.Err, failed)
	}
	return fmt.Sprintf("calibration failed: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validate reports whether c can be applied to tiles.
func (c Calibration) Validate() error {
	if !(c.VMax > c.VMin) {
		return fmt.Errorf("%w: vmax %v <= vmin %v", ErrDegenerate, c.VMax, c.VMin)
	}
	for _, b := range []float64{c.BalanceR, c.BalanceG, c.BalanceB} {
		if !(b > 0) || math.IsInf(b, 0) {
			return fmt.Errorf("%w: balance %v", ErrDegenerate, b)
		}
	}
	return nil
}

// FromRasters derives a calibration from the three center-tile rasters
// (red, blue-source, IR-source).
func FromRasters(rasters []*band.Raster) (Calibration, error) {
	if len(rasters) != BandCount {
		return Calibration{}, fmt.Errorf("calibration needs %d bands, got %d", BandCount, len(rasters))
	}

	vmin, vmax, err := Window(rasters)
	if err != nil {
		return Calibration{}, &Error{Err: err}
	}

	cal := Calibration{VMin: vmin, VMax: vmax, BalanceR: 1, BalanceG: 1, BalanceB: 1}
	mixed := cal.Mix(cal.Normalize(rasters[0]), cal.Normalize(rasters[1]), cal.Normalize(rasters[2]))

	meanR := stat.Mean(mixed.R.Values(), nil)
	meanG := stat.Mean(mixed.G.Values(), nil)
	meanB := stat.Mean(mixed.B.Values(), nil)
	meanAll := (meanR + meanG + meanB) / 3

	cal.BalanceR = meanAll / (meanR + BalanceEpsilon)
	cal.BalanceG = meanAll / (meanG + BalanceEpsilon)
	cal.BalanceB = meanAll / (meanB + BalanceEpsilon)

	if err := cal.Validate(); err != nil {
		return Calibration{}, &Error{Err: err}
	}
	return cal, nil
}

// Window returns the clip bounds for the pooled values of all rasters: the
// LowPercentile and HighPercentile of the pool, widened symmetrically to at
// least RangeEpsilon. NaN values are left out of the pool.
func Window(rasters []*band.Raster) (vmin, vmax float64, err error) {
	size := 0
	for _, r := range rasters {
		size += len(r.Values())
	}
	pool := make([]float64, 0, size)
	for _, r := range rasters {
		for _, v := range r.Values() {
			if !math.IsNaN(v) {
				pool = append(pool, v)
			}
		}
	}
	if len(pool) == 0 {
		return 0, 0, ErrNoSignal
	}
	slices.Sort(pool)

	if pool[0] == 0 && pool[len(pool)-1] == 0 {
		return 0, 0, ErrNoSignal
	}

	vmin = Percentile(pool, LowPercentile)
	vmax = Percentile(pool, HighPercentile)
	if vmax-vmin < RangeEpsilon {
		mid := (vmin + vmax) / 2
		vmin = mid - RangeEpsilon/2
		vmax = mid + RangeEpsilon/2
	}
	return vmin, vmax, nil
}

// Percentile returns the p-th percentile (0-100) of sorted data, interpolating
// linearly between the closest ranks at index p/100*(n-1).
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	pos := p / 100 * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo < 0 {
		lo = 0
	}
	if hi >= n {
		hi = n - 1
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Normalize clip-normalizes r into [0,1] using the calibration window.
// NaN values map to 0.
func (c Calibration) Normalize(r *band.Raster) *band.Raster {
	span := c.VMax - c.VMin
	out := band.Zero(r.Pixels())
	out.Matrix().Apply(func(_, _ int, v float64) float64 {
		if math.IsNaN(v) {
			return 0
		}
		return clamp01((v - c.VMin) / span)
	}, r.Matrix())
	return out
}

// Mix builds the provisional RGB triple from normalized bands:
// R = red, G = 0.7*blue + 0.3*ir, B = blue.
func (c Calibration) Mix(red, blue, ir *band.Raster) *band.RGB {
	n := red.Pixels()
	g := band.Zero(n)
	var irPart mat.Dense
	irPart.Scale(GreenFromIR, ir.Matrix())
	g.Matrix().Scale(GreenFromBlue, blue.Matrix())
	g.Matrix().Add(g.Matrix(), &irPart)

	return &band.RGB{R: red.Clone(), G: g, B: blue.Clone()}
}

// Balance multiplies each channel by its balance coefficient and clips the
// result to [0,1], in place.
func (c Calibration) Balance(rgb *band.RGB) *band.RGB {
	scale := func(r *band.Raster, k float64) {
		r.Matrix().Apply(func(_, _ int, v float64) float64 {
			return clamp01(v * k)
		}, r.Matrix())
	}
	scale(rgb.R, c.BalanceR)
	scale(rgb.G, c.BalanceG)
	scale(rgb.B, c.BalanceB)
	return rgb
}

// Apply renders three band rasters (red, blue-source, IR-source) into a
// balanced RGB composite.
func (c Calibration) Apply(rasters []*band.Raster) (*band.RGB, error) {
	if len(rasters) != BandCount {
		return nil, fmt.Errorf("composite needs %d bands, got %d", BandCount, len(rasters))
	}
	n := rasters[0].Pixels()
	for i, r := range rasters[1:] {
		if r.Pixels() != n {
			return nil, fmt.Errorf("band %d has %d pixels, want %d", i+1, r.Pixels(), n)
		}
	}
	rgb := c.Mix(c.Normalize(rasters[0]), c.Normalize(rasters[1]), c.Normalize(rasters[2]))
	return c.Balance(rgb), nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
