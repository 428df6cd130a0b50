package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"sky-mosaic/internal/cache"
	"sky-mosaic/internal/mosaic"
)

func newStitchCmd(a *app) *cobra.Command {
	var format string
	var crop int
	cmd := &cobra.Command{
		Use:   "stitch [dir]",
		Short: "Stitch existing tile_<id> files into mosaic.<ext>",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.settings.Mosaic.OutputPath
			if len(args) == 1 {
				dir = args[0]
			}
			if format == "" {
				format = a.settings.Mosaic.Format
				if r, err := mosaic.ReadReport(filepath.Join(dir, mosaic.ReportFile)); err == nil && r.Format != "" {
					format = r.Format
				}
			}
			if crop < 0 {
				crop = a.settings.Mosaic.StitchCrop
			}
			path, err := mosaic.Stitch(dir, format, crop)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "tile format (default from report.json or settings)")
	cmd.Flags().IntVar(&crop, "crop", -1, "pixels cropped from each tile edge (default from settings)")
	return cmd
}

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the survey cache",
	}
	open := func() (*cache.Store, error) {
		c := a.settings.Cache
		return cache.NewStore(c.Dir, c.MaxSizeMB, c.TTLDays)
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache size",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			n, size, max := store.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries, %.1f of %.1f MB\n",
				store.Dir(), n, float64(size)/(1<<20), float64(max)/(1<<20))
			return nil
		},
	}, &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached survey payload",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	})
	return cmd
}
