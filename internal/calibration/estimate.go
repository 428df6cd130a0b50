package calibration

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"sky-mosaic/internal/band"
	"sky-mosaic/internal/logging"
	"sky-mosaic/internal/metrics"
	"sky-mosaic/internal/sky"
)

// Estimator derives a Calibration from the center tile of a mosaic.
type Estimator struct {
	fetcher band.Fetcher
	log     zerolog.Logger
	metrics *metrics.Collector
}

// EstimatorOption configures an Estimator.
type EstimatorOption func(*Estimator)

// WithLogger sets the logger used for band fallbacks and the resulting model.
func WithLogger(l zerolog.Logger) EstimatorOption {
	return func(e *Estimator) {
		e.log = l
	}
}

// WithMetrics records the center band fetch outcomes on m.
func WithMetrics(m *metrics.Collector) EstimatorOption {
	return func(e *Estimator) {
		e.metrics = m
	}
}

// NewEstimator creates an estimator that fetches bands through f.
func NewEstimator(f band.Fetcher, opts ...EstimatorOption) *Estimator {
	e := &Estimator{fetcher: f, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logging.Component(e.log, "calibration")
	return e
}

// Estimate fetches the three bands of the center tile, falling back to zeros
// for any band that fails, and derives the shared calibration from them. It
// returns *Error when every band failed or the tile holds no signal.
func (e *Estimator) Estimate(ctx context.Context, center sky.Coordinate, radius float64, pixels int, bands []string) (Calibration, error) {
	if len(bands) != BandCount {
		return Calibration{}, fmt.Errorf("calibration needs %d bands, got %d", BandCount, len(bands))
	}
	if pixels <= 0 {
		return Calibration{}, fmt.Errorf("pixels must be positive, got %d", pixels)
	}

	set := band.FetchSet(ctx, e.fetcher, center, radius, pixels, bands)
	for i, err := range set.Errs {
		e.metrics.ObserveBandFetch(bands[i], err)
		if err != nil {
			e.log.Warn().Err(err).Str("band", bands[i]).Msg("center band unavailable, using zero raster")
		}
	}
	if set.Failed() == len(bands) {
		return Calibration{}, &Error{Err: ErrAllBandsFailed, BandErrs: set.Errs}
	}

	cal, err := FromRasters(set.Rasters)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			ce.BandErrs = set.Errs
		}
		return Calibration{}, err
	}

	e.log.Info().
		Float64("vmin", cal.VMin).
		Float64("vmax", cal.VMax).
		Float64("balance_r", cal.BalanceR).
		Float64("balance_g", cal.BalanceG).
		Float64("balance_b", cal.BalanceB).
		Int("failed_bands", set.Failed()).
		Msg("global calibration ready")
	return cal, nil
}

// Estimate is a convenience wrapper around NewEstimator(f).Estimate.
func Estimate(ctx context.Context, f band.Fetcher, center sky.Coordinate, radius float64, pixels int, bands []string) (Calibration, error) {
	return NewEstimator(f).Estimate(ctx, center, radius, pixels, bands)
}
