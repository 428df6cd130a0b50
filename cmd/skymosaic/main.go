// Command skymosaic builds calibrated 3x3 sky mosaics from SkyView surveys.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sky-mosaic/internal/config"
	"sky-mosaic/internal/logging"
)

// Exit codes
const (
	exitOK          = 0
	exitFailure     = 1 // bad input, calibration failure, I/O errors
	exitTilesFailed = 2 // run finished but at least one tile failed
)

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

// app holds state shared by every subcommand once flags are parsed.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	settings *config.Settings
	log      zerolog.Logger
}

func (a *app) load(cmd *cobra.Command) error {
	settings, err := config.LoadSettings(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		settings.Log.Level = a.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		settings.Log.Format = a.logFormat
	}
	a.settings = settings
	a.log = logging.New(logging.Config{
		Level:  settings.Log.Level,
		Format: settings.Log.Format,
		Out:    cmd.ErrOrStderr(),
		App:    "skymosaic",
	})
	return nil
}

func (a *app) installIDPath() string {
	return filepath.Join(filepath.Dir(config.GetSettingsPath()), "install_id")
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "skymosaic",
		Short:         "Build calibrated 3x3 RGB sky mosaics from SkyView surveys",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", config.GetSettingsPath(), "settings file (TOML)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "console", "log format (console, json)")

	root.AddCommand(newGenerateCmd(a), newBatchCmd(a), newQueueCmd(a), newStitchCmd(a), newCacheCmd(a))
	return root
}

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}
