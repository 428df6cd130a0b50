// Package mosaic runs a calibrated 3x3 mosaic: plan the grid, estimate one
// calibration from the center tile, composite all nine tiles concurrently
// and report which succeeded.
package mosaic

import (
	"errors"
	"fmt"

	"sky-mosaic/internal/calibration"
	"sky-mosaic/internal/sky"
)

// MaxOverlap is the largest accepted fractional overlap between neighbours.
const MaxOverlap = 0.2

// DefaultBands are the DSS2 surveys used for red, blue-source and IR-source.
var DefaultBands = []string{"DSS2 Red", "DSS2 Blue", "DSS2 IR"}

// ErrInvalidSpec is wrapped by every GridSpec validation failure.
var ErrInvalidSpec = errors.New("invalid grid spec")

// GridSpec describes one mosaic request.
type GridSpec struct {
	Center  sky.Coordinate
	Radius  float64 // per-tile radius, degrees
	Overlap float64 // fraction of a tile shared with each neighbour
	Pixels  int     // tile side length
	Bands   []string
}

// Validate reports every problem with s.
func (s GridSpec) Validate() error {
	var errs []error
	if s.Radius <= 0 {
		errs = append(errs, fmt.Errorf("radius must be positive, got %v", s.Radius))
	}
	if s.Overlap < 0 || s.Overlap > MaxOverlap {
		errs = append(errs, fmt.Errorf("overlap must be within [0, %v], got %v", MaxOverlap, s.Overlap))
	}
	if s.Pixels <= 0 {
		errs = append(errs, fmt.Errorf("pixels must be positive, got %d", s.Pixels))
	}
	if len(s.Bands) != calibration.BandCount {
		errs = append(errs, fmt.Errorf("need exactly %d bands, got %d", calibration.BandCount, len(s.Bands)))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidSpec, errors.Join(errs...))
}
