package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sky-mosaic/internal/calibration"
	"sky-mosaic/internal/mosaic"
	"sky-mosaic/internal/sky"
)

type generateOptions struct {
	ra, dec  float64
	obsTime  string
	radius   float64
	pixels   int
	overlap  float64
	bands    []string
	format   string
	out      string
	workers  int
	noStitch bool
	crop     int
	noCache  bool
	metrics  string
}

func newGenerateCmd(a *app) *cobra.Command {
	opts := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Fetch, calibrate and write the nine tiles around a sky position",
		Example: `  skymosaic generate --ra 10.6847 --dec 41.2689 --radius 0.1 --pixels 1000
  skymosaic generate --ra 83.8221 --dec -5.3911 --obs-time "2025-10-04 11:31:02" --format skytiff`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenerate(cmd, a, opts)
		},
	}

	f := cmd.Flags()
	f.Float64Var(&opts.ra, "ra", 0, "right ascension of the center, degrees")
	f.Float64Var(&opts.dec, "dec", 0, "declination of the center, degrees")
	f.StringVar(&opts.obsTime, "obs-time", "", `observation time, "2006-01-02 15:04:05" UTC or RFC3339 (default now)`)
	addMosaicFlags(cmd, opts)
	cmd.MarkFlagRequired("ra")
	cmd.MarkFlagRequired("dec")
	return cmd
}

// addMosaicFlags registers the flags shared by generate and batch.
func addMosaicFlags(cmd *cobra.Command, opts *generateOptions) {
	f := cmd.Flags()
	f.Float64Var(&opts.radius, "radius", 0, "tile radius in degrees (default from settings)")
	f.IntVar(&opts.pixels, "pixels", 0, "tile side in pixels (default from settings)")
	f.Float64Var(&opts.overlap, "overlap", -1, "fractional overlap between tiles, 0 to 0.2 (default from settings)")
	f.StringSliceVar(&opts.bands, "bands", nil, "red, blue-source and IR-source surveys (default from settings)")
	f.StringVar(&opts.format, "format", "", "tile format: png, jpeg, tiff, webp, skytiff (default from settings)")
	f.StringVarP(&opts.out, "out", "o", "", "destination folder (default from settings)")
	f.IntVar(&opts.workers, "workers", 0, "concurrent tiles (default from settings)")
	f.BoolVar(&opts.noStitch, "no-stitch", false, "skip writing the stitched mosaic")
	f.IntVar(&opts.crop, "crop", -1, "pixels cropped from each tile edge when stitching (default from settings)")
	f.BoolVar(&opts.noCache, "no-cache", false, "bypass the on-disk survey cache")
	f.StringVar(&opts.metrics, "metrics-addr", "", "serve Prometheus metrics on this address while running")
}

// applySettings fills every option left unset on the command line.
func (o *generateOptions) applySettings(a *app) {
	m := a.settings.Mosaic
	if o.radius == 0 {
		o.radius = m.Radius
	}
	if o.pixels == 0 {
		o.pixels = m.Pixels
	}
	if o.overlap < 0 {
		o.overlap = m.Overlap
	}
	if len(o.bands) == 0 {
		o.bands = m.Bands
	}
	if o.format == "" {
		o.format = m.Format
	}
	if o.out == "" {
		o.out = m.OutputPath
	}
	if o.workers == 0 {
		o.workers = m.Workers
	}
	if o.crop < 0 {
		o.crop = m.StitchCrop
	}
	if !m.Stitch {
		o.noStitch = true
	}
	if o.metrics == "" {
		o.metrics = a.settings.Metrics.Addr
	}
}

func (o *generateOptions) spec() (mosaic.GridSpec, error) {
	obs, err := sky.ParseObsTime(o.obsTime)
	if err != nil {
		return mosaic.GridSpec{}, err
	}
	spec := mosaic.GridSpec{
		Center:  sky.New(o.ra, o.dec).At(obs),
		Radius:  o.radius,
		Overlap: o.overlap,
		Pixels:  o.pixels,
		Bands:   o.bands,
	}
	return spec, spec.Validate()
}

func runGenerate(cmd *cobra.Command, a *app, opts *generateOptions) error {
	opts.applySettings(a)
	spec, err := opts.spec()
	if err != nil {
		return err
	}
	log := a.log

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(a, opts, func(p mosaic.Progress) {
		ev := log.Info()
		if p.Err != nil {
			ev = log.Warn().Err(p.Err)
		}
		ev.Int("tile", p.TileID).Int("done", p.Done).Int("total", p.Total).Msg("tile finished")
	})
	if err != nil {
		return err
	}
	defer p.Close()

	report, err := p.gen.Generate(ctx, spec, opts.out)
	if err != nil {
		var ce *calibration.Error
		if errors.As(err, &ce) {
			return &exitError{code: exitFailure, err: err}
		}
		return err
	}

	printReport(cmd, report)
	if !report.OK() {
		return &exitError{code: exitTilesFailed, err: tilesFailedError(report)}
	}
	return nil
}

func tilesFailedError(r *mosaic.Report) error {
	return fmt.Errorf("%d of %d tiles failed: %v", len(r.Failed), len(r.Tiles), r.FailedIDs())
}

func printReport(cmd *cobra.Command, r *mosaic.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %d tiles written, %d failed\n", r.RunID, len(r.Succeeded), len(r.Failed))
	for _, id := range r.Succeeded {
		fmt.Fprintf(out, "  tile %d  %s\n", id, r.Paths[id])
	}
	for _, id := range r.FailedIDs() {
		fmt.Fprintf(out, "  tile %d  FAILED: %s\n", id, r.Failed[id])
	}
	if r.MosaicPath != "" {
		fmt.Fprintf(out, "mosaic: %s\n", r.MosaicPath)
	}
}
