// Package config loads sky-mosaic settings from a TOML file layered over
// defaults and SKYMOSAIC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"sky-mosaic/internal/cache"
	"sky-mosaic/internal/encode"
)

// MosaicSettings holds the default grid request.
type MosaicSettings struct {
	Radius     float64  `toml:"radius"`  // degrees
	Pixels     int      `toml:"pixels"`  // per tile side
	Overlap    float64  `toml:"overlap"` // 0.0 to 0.2
	Bands      []string `toml:"bands"`   // red, blue-source, IR-source
	Format     string   `toml:"format"`
	Workers    int      `toml:"workers"`
	OutputPath string   `toml:"output_path"`
	Stitch     bool     `toml:"stitch"`
	StitchCrop int      `toml:"stitch_crop"`
}

// CacheSettings configures the on-disk payload cache.
type CacheSettings struct {
	Enabled   bool   `toml:"enabled"`
	Dir       string `toml:"dir"`
	MaxSizeMB int    `toml:"max_size_mb"`
	TTLDays   int    `toml:"ttl_days"`
	MemoSize  int    `toml:"memo_size"` // in-memory rasters
}

// SkyViewSettings configures the imaging service client.
type SkyViewSettings struct {
	URL        string   `toml:"url"`
	Timeout    Duration `toml:"timeout"`
	UserAgent  string   `toml:"user_agent"`
	MaxRetries int      `toml:"max_retries"`
}

// LogSettings configures logging output.
type LogSettings struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console or json
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Addr string `toml:"addr"` // empty disables the endpoint
}

// TelemetrySettings configures product analytics.
type TelemetrySettings struct {
	PostHogKey  string `toml:"posthog_key"`
	PostHogHost string `toml:"posthog_host"`
}

// Settings is the complete configuration.
type Settings struct {
	Mosaic    MosaicSettings    `toml:"mosaic"`
	Cache     CacheSettings     `toml:"cache"`
	SkyView   SkyViewSettings   `toml:"skyview"`
	Log       LogSettings       `toml:"log"`
	Metrics   MetricsSettings   `toml:"metrics"`
	Telemetry TelemetrySettings `toml:"telemetry"`
}

// Duration is a time.Duration written as a string ("60s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultSettings returns default settings
func DefaultSettings() *Settings {
	return &Settings{
		Mosaic: MosaicSettings{
			Radius:     0.1,
			Pixels:     1000,
			Overlap:    0.1,
			Bands:      []string{"DSS2 Red", "DSS2 Blue", "DSS2 IR"},
			Format:     encode.FormatPNG,
			Workers:    9,
			OutputPath: "img",
			Stitch:     true,
			StitchCrop: 20,
		},
		Cache: CacheSettings{
			Enabled:   true,
			Dir:       cache.DefaultDir(),
			MaxSizeMB: 1024,
			TTLDays:   30,
			MemoSize:  27,
		},
		SkyView: SkyViewSettings{
			URL:        "https://skyview.gsfc.nasa.gov/current/cgi/runquery.pl",
			Timeout:    Duration{60 * time.Second},
			UserAgent:  "sky-mosaic/1.0",
			MaxRetries: 4,
		},
		Log: LogSettings{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetrySettings{
			PostHogHost: "https://us.i.posthog.com",
		},
	}
}

// GetSettingsPath returns the OS-specific settings file path
func GetSettingsPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "sky-mosaic", "config.toml")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".sky-mosaic", "config.toml")
}

// LoadSettings reads path over the defaults and applies environment
// overrides. A missing file is not an error. Unknown keys are.
func LoadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			meta, err := toml.DecodeFile(path, settings)
			if err != nil {
				return nil, fmt.Errorf("failed to parse settings: %w", err)
			}
			if undecoded := meta.Undecoded(); len(undecoded) > 0 {
				keys := make([]string, len(undecoded))
				for i, k := range undecoded {
					keys[i] = k.String()
				}
				return nil, fmt.Errorf("unknown settings keys: %s", strings.Join(keys, ", "))
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
	}

	settings.applyEnv()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// SaveSettings writes settings to path as TOML.
func SaveSettings(path string, settings *Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(settings); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return nil
}

// Environment variables read by LoadSettings
const (
	EnvLogLevel    = "SKYMOSAIC_LOG_LEVEL"
	EnvLogFormat   = "SKYMOSAIC_LOG_FORMAT"
	EnvPostHogKey  = "SKYMOSAIC_POSTHOG_KEY"
	EnvPostHogHost = "SKYMOSAIC_POSTHOG_HOST"
	EnvMetricsAddr = "SKYMOSAIC_METRICS_ADDR"
	EnvCacheDir    = "SKYMOSAIC_CACHE_DIR"
)

func (s *Settings) applyEnv() {
	set := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvLogLevel, &s.Log.Level)
	set(EnvLogFormat, &s.Log.Format)
	set(EnvPostHogKey, &s.Telemetry.PostHogKey)
	set(EnvPostHogHost, &s.Telemetry.PostHogHost)
	set(EnvMetricsAddr, &s.Metrics.Addr)
	set(EnvCacheDir, &s.Cache.Dir)
}

// Validate checks settings for values the pipeline cannot run with.
func (s *Settings) Validate() error {
	var errs []error
	m := s.Mosaic
	if m.Radius <= 0 {
		errs = append(errs, fmt.Errorf("mosaic.radius must be positive, got %v", m.Radius))
	}
	if m.Pixels <= 0 {
		errs = append(errs, fmt.Errorf("mosaic.pixels must be positive, got %d", m.Pixels))
	}
	if m.Overlap < 0 || m.Overlap > 0.2 {
		errs = append(errs, fmt.Errorf("mosaic.overlap must be within [0, 0.2], got %v", m.Overlap))
	}
	if len(m.Bands) != 3 {
		errs = append(errs, fmt.Errorf("mosaic.bands must list exactly 3 surveys, got %d", len(m.Bands)))
	}
	if _, err := encode.New(m.Format); err != nil {
		errs = append(errs, fmt.Errorf("mosaic.format: %w", err))
	}
	if m.Workers <= 0 {
		errs = append(errs, fmt.Errorf("mosaic.workers must be positive, got %d", m.Workers))
	}
	if m.StitchCrop < 0 {
		errs = append(errs, fmt.Errorf("mosaic.stitch_crop must not be negative, got %d", m.StitchCrop))
	}
	if s.Cache.Enabled && s.Cache.Dir == "" {
		errs = append(errs, errors.New("cache.dir is required when the cache is enabled"))
	}
	if s.SkyView.URL == "" {
		errs = append(errs, errors.New("skyview.url is required"))
	}
	if s.SkyView.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("skyview.max_retries must not be negative, got %d", s.SkyView.MaxRetries))
	}
	switch s.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", s.Log.Format))
	}
	return errors.Join(errs...)
}
