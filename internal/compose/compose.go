// Package compose turns the three bands of one grid position into a
// calibrated RGB tile on disk.
package compose

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"sky-mosaic/internal/band"
	"sky-mosaic/internal/calibration"
	"sky-mosaic/internal/encode"
	"sky-mosaic/internal/grid"
	"sky-mosaic/internal/logging"
	"sky-mosaic/internal/metrics"
	"sky-mosaic/internal/sky"
)

// Error reports a tile that could not be produced.
type Error struct {
	TileID int
	Path   string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tile %d: %v", e.TileID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Compositor fetches, calibrates and encodes tiles. It is safe for
// concurrent use when its fetcher and encoder are.
type Compositor struct {
	fetcher band.Fetcher
	encoder encode.Encoder
	ext     string
	log     zerolog.Logger
	metrics *metrics.Collector
}

// Option configures a Compositor.
type Option func(*Compositor)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Compositor) {
		c.log = l
	}
}

// WithEncoder sets the tile encoder and the file extension it writes.
func WithEncoder(enc encode.Encoder, ext string) Option {
	return func(c *Compositor) {
		c.encoder = enc
		c.ext = ext
	}
}

// WithMetrics records band and tile outcomes on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Compositor) {
		c.metrics = m
	}
}

// New creates a compositor fetching through f. Tiles are written as PNG
// unless WithEncoder says otherwise.
func New(f band.Fetcher, opts ...Option) *Compositor {
	enc, _ := encode.New(encode.FormatPNG)
	c := &Compositor{
		fetcher: f,
		encoder: enc,
		ext:     encode.Extension(encode.FormatPNG),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.Component(c.log, "compose")
	return c
}

// Extension returns the extension of the files the compositor writes.
func (c *Compositor) Extension() string {
	return c.ext
}

// Composite produces destDir/tile_<id>.<ext> for pos. Band failures fall back
// to zero rasters and never fail the tile; encoder or filesystem failures
// are returned as *Error.
func (c *Compositor) Composite(ctx context.Context, pos grid.Position, cal calibration.Calibration, radius float64, pixels int, bands []string, destDir string) (string, error) {
	start := time.Now()
	path := filepath.Join(destDir, sky.TileFilename(pos.ID, c.ext))
	log := c.log.With().Int("tile", pos.ID).Logger()

	path, err := c.composite(ctx, log, pos, cal, radius, pixels, bands, path)
	c.metrics.ObserveTile(err == nil, time.Since(start))
	if err != nil {
		log.Error().Err(err).Msg("tile failed")
		return "", &Error{TileID: pos.ID, Path: path, Err: err}
	}
	log.Debug().Str("path", path).Dur("elapsed", time.Since(start)).Msg("tile written")
	return path, nil
}

func (c *Compositor) composite(ctx context.Context, log zerolog.Logger, pos grid.Position, cal calibration.Calibration, radius float64, pixels int, bands []string, path string) (string, error) {
	set := band.FetchSet(ctx, c.fetcher, pos.Coord, radius, pixels, bands)
	for i, err := range set.Errs {
		c.metrics.ObserveBandFetch(bands[i], err)
		if err != nil {
			log.Warn().Err(err).Str("band", bands[i]).Msg("band unavailable, using zero raster")
		}
	}

	rgb, err := cal.Apply(set.Rasters)
	if err != nil {
		return path, err
	}

	if saver, ok := c.encoder.(encode.CoordSaver); ok {
		err = saver.SaveAt(path, rgb, pos.Coord, radius)
	} else {
		err = c.encoder.Save(path, rgb)
	}
	if err != nil {
		return path, err
	}
	return path, nil
}
