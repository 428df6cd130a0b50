package mosaic

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"sky-mosaic/internal/band"
	"sky-mosaic/internal/calibration"
	"sky-mosaic/internal/compose"
	"sky-mosaic/internal/encode"
	"sky-mosaic/internal/grid"
	"sky-mosaic/internal/logging"
	"sky-mosaic/internal/metrics"
	"sky-mosaic/internal/sky"
	"sky-mosaic/internal/telemetry"
)

// DefaultWorkers matches the number of tiles so every tile runs at once.
const DefaultWorkers = grid.TileCount

// Progress is reported after each tile finishes.
type Progress struct {
	Done   int
	Total  int
	TileID int
	Err    error
}

// Generator runs mosaics against one band fetcher.
type Generator struct {
	fetcher    band.Fetcher
	workers    int
	memoSize   int
	format     string
	encoder    encode.Encoder
	stitch     bool
	stitchCrop int
	writeJSON  bool
	base       zerolog.Logger
	log        zerolog.Logger
	metrics    *metrics.Collector
	tracker    telemetry.Tracker
	onProgress func(Progress)
}

// Option configures a Generator.
type Option func(*Generator)

// WithWorkers sets the size of the compositing pool.
func WithWorkers(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.workers = n
		}
	}
}

// WithMemo caches up to n fetched rasters in memory so a tile requested by
// both the estimator and the compositor is downloaded once.
func WithMemo(n int) Option {
	return func(g *Generator) {
		g.memoSize = n
	}
}

// WithFormat selects the tile format (png, jpeg, tiff, webp, skytiff).
func WithFormat(format string) Option {
	return func(g *Generator) {
		g.format = encode.Normalize(format)
	}
}

// WithEncoder overrides the encoder built from the format.
func WithEncoder(enc encode.Encoder) Option {
	return func(g *Generator) {
		g.encoder = enc
	}
}

// WithStitch writes mosaic.<ext> after the tiles, cropping crop pixels per edge.
func WithStitch(crop int) Option {
	return func(g *Generator) {
		g.stitch = true
		g.stitchCrop = crop
	}
}

// WithoutReport skips writing report.json.
func WithoutReport() Option {
	return func(g *Generator) {
		g.writeJSON = false
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Generator) {
		g.log = l
	}
}

// WithMetrics records run metrics on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(g *Generator) {
		g.metrics = m
	}
}

// WithTracker sends run events to t.
func WithTracker(t telemetry.Tracker) Option {
	return func(g *Generator) {
		g.tracker = t
	}
}

// WithProgress registers a callback invoked from the collecting goroutine
// after each tile.
func WithProgress(fn func(Progress)) Option {
	return func(g *Generator) {
		g.onProgress = fn
	}
}

// NewGenerator creates a generator fetching bands through f.
func NewGenerator(f band.Fetcher, opts ...Option) (*Generator, error) {
	g := &Generator{
		fetcher:   f,
		workers:   DefaultWorkers,
		format:    encode.FormatPNG,
		writeJSON: true,
		log:       zerolog.Nop(),
		tracker:   telemetry.Noop{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.base = g.log
	g.log = logging.Component(g.log, "mosaic")

	if g.encoder == nil {
		enc, err := encode.New(g.format)
		if err != nil {
			return nil, err
		}
		g.encoder = enc
	}
	if g.memoSize > 0 {
		memo, err := band.NewMemo(g.fetcher, g.memoSize)
		if err != nil {
			return nil, err
		}
		g.fetcher = memo
	}
	return g, nil
}

type tileResult struct {
	id   int
	path string
	err  error
}

// Generate produces the nine tiles of spec in destDir. A calibration failure
// aborts the run and is returned; individual tile failures are recorded in
// the report and never abort siblings.
func (g *Generator) Generate(ctx context.Context, spec GridSpec, destDir string) (*Report, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}

	runID := uuid.NewString()
	log := g.log.With().Str("run", runID).Logger()
	positions := grid.Plan(spec.Center, spec.Radius, spec.Overlap)
	center, _ := grid.Center(positions)
	report := newReport(runID, spec, g.format, positions)

	log.Info().
		Str("center", spec.Center.String()).
		Float64("radius", spec.Radius).
		Int("pixels", spec.Pixels).
		Float64("arcsec_per_pixel", sky.ArcsecPerPixel(spec.Radius, spec.Pixels)).
		Str("dest", destDir).
		Msg("mosaic started")
	g.tracker.Track(telemetry.EventMosaicStarted, map[string]interface{}{
		"run_id": runID,
		"pixels": spec.Pixels,
		"format": g.format,
	})

	estimator := calibration.NewEstimator(g.fetcher,
		calibration.WithLogger(g.base),
		calibration.WithMetrics(g.metrics),
	)
	cal, err := estimator.Estimate(ctx, center.Coord, spec.Radius, spec.Pixels, spec.Bands)
	if err != nil {
		log.Error().Err(err).Msg("calibration failed")
		g.tracker.Track(telemetry.EventMosaicFailed, map[string]interface{}{
			"run_id": runID,
			"stage":  "calibration",
		})
		return nil, err
	}
	report.Calibration = cal
	g.metrics.SetCalibration(cal.VMin, cal.VMax, cal.BalanceR, cal.BalanceG, cal.BalanceB)

	compositor := compose.New(g.fetcher,
		compose.WithLogger(g.base),
		compose.WithEncoder(g.encoder, encode.Extension(g.format)),
		compose.WithMetrics(g.metrics),
	)

	for res := range g.dispatch(ctx, compositor, positions, cal, spec, destDir) {
		report.record(res.id, res.path, res.err)
		if g.onProgress != nil {
			g.onProgress(Progress{
				Done:   len(report.Paths) + len(report.Failed),
				Total:  len(positions),
				TileID: res.id,
				Err:    res.err,
			})
		}
	}
	report.finish()

	if g.stitch && len(report.Succeeded) > 0 {
		// only tiles written by this run
		path, err := StitchPaths(report.Paths, destDir, g.format, g.stitchCrop)
		if err != nil {
			log.Warn().Err(err).Msg("stitch failed")
			report.StitchError = err.Error()
		} else {
			report.MosaicPath = path
		}
	}

	if g.writeJSON {
		if _, err := report.WriteJSON(destDir); err != nil {
			log.Warn().Err(err).Msg("failed to write report")
		}
	}

	log.Info().
		Ints("succeeded", report.Succeeded).
		Ints("failed", report.FailedIDs()).
		Int64("duration_ms", report.DurationMS).
		Msg("mosaic finished")
	g.tracker.Track(telemetry.EventMosaicCompleted, map[string]interface{}{
		"run_id":      runID,
		"succeeded":   len(report.Succeeded),
		"failed":      len(report.Failed),
		"duration_ms": report.DurationMS,
	})
	return report, nil
}

// dispatch composites every position on a bounded pool and streams the
// results. The channel is closed once all positions are accounted for.
func (g *Generator) dispatch(ctx context.Context, c *compose.Compositor, positions []grid.Position, cal calibration.Calibration, spec GridSpec, destDir string) <-chan tileResult {
	sem := semaphore.NewWeighted(int64(g.workers))
	results := make(chan tileResult, len(positions))

	var wg sync.WaitGroup
	for _, pos := range positions {
		wg.Add(1)
		go func(pos grid.Position) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- tileResult{id: pos.ID, err: &compose.Error{TileID: pos.ID, Err: err}}
				return
			}
			defer sem.Release(1)
			results <- g.runTile(ctx, c, pos, cal, spec, destDir)
		}(pos)
	}

	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

// runTile composites one position. A panic in the fetcher or encoder
// becomes a failure of that tile only.
func (g *Generator) runTile(ctx context.Context, c *compose.Compositor, pos grid.Position, cal calibration.Calibration, spec GridSpec, destDir string) (res tileResult) {
	res.id = pos.ID
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.path = ""
			res.err = &compose.Error{TileID: pos.ID, Err: fmt.Errorf("panic: %v", r)}
			g.metrics.ObserveTile(false, time.Since(start))
		}
	}()
	res.path, res.err = c.Composite(ctx, pos, cal, spec.Radius, spec.Pixels, spec.Bands, destDir)
	return res
}
