package band

import (
	"context"
	"errors"
	"fmt"

	"sky-mosaic/internal/sky"
)

// Fetcher obtains one band raster of pixels×pixels covering a square of the
// given radius (degrees) around coord. Failures are reported as *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, coord sky.Coordinate, radius float64, pixels int, bandID string) (*Raster, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, coord sky.Coordinate, radius float64, pixels int, bandID string) (*Raster, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, coord sky.Coordinate, radius float64, pixels int, bandID string) (*Raster, error) {
	return f(ctx, coord, radius, pixels, bandID)
}

// FetchError reports a failed band fetch.
type FetchError struct {
	Band  string
	Coord sky.Coordinate
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch band %q at %s: %v", e.Band, e.Coord, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ErrShapeMismatch is wrapped by FetchError when a fetcher returns a raster of
// the wrong size.
var ErrShapeMismatch = errors.New("raster shape mismatch")

// FetchOrZero applies the fallback policy: it always returns a raster of the
// requested shape. On failure the raster is all zeros and the error (always a
// *FetchError) is returned alongside it for logging.
func FetchOrZero(ctx context.Context, f Fetcher, coord sky.Coordinate, radius float64, pixels int, bandID string) (*Raster, error) {
	r, err := f.Fetch(ctx, coord, radius, pixels, bandID)
	switch {
	case err != nil:
		var fe *FetchError
		if !errors.As(err, &fe) {
			err = &FetchError{Band: bandID, Coord: coord, Err: err}
		}
		return Zero(pixels), err
	case r == nil:
		return Zero(pixels), &FetchError{Band: bandID, Coord: coord, Err: errors.New("no raster returned")}
	case r.Pixels() != pixels:
		return Zero(pixels), &FetchError{
			Band:  bandID,
			Coord: coord,
			Err:   fmt.Errorf("%w: got %d pixels, want %d", ErrShapeMismatch, r.Pixels(), pixels),
		}
	}
	return r, nil
}

// Set is the outcome of fetching several bands for one coordinate. Rasters is
// always fully populated; Errs[i] is non-nil where band i fell back to zeros.
type Set struct {
	Rasters []*Raster
	Errs    []error
}

// Failed returns the number of bands that fell back to zeros.
func (s Set) Failed() int {
	n := 0
	for _, err := range s.Errs {
		if err != nil {
			n++
		}
	}
	return n
}

// FetchSet fetches every band in order using FetchOrZero.
func FetchSet(ctx context.Context, f Fetcher, coord sky.Coordinate, radius float64, pixels int, bands []string) Set {
	set := Set{
		Rasters: make([]*Raster, len(bands)),
		Errs:    make([]error, len(bands)),
	}
	for i, id := range bands {
		set.Rasters[i], set.Errs[i] = FetchOrZero(ctx, f, coord, radius, pixels, id)
	}
	return set
}
