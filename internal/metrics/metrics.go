// Package metrics exposes Prometheus instrumentation for mosaic runs. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values
const (
	OutcomeOK       = "ok"
	OutcomeFallback = "fallback"
	OutcomeFailed   = "failed"
)

// Collector groups the mosaic metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	BandFetches       *prometheus.CounterVec
	Tiles             *prometheus.CounterVec
	TileDuration      prometheus.Histogram
	CalibrationWindow *prometheus.GaugeVec
	Balance           *prometheus.GaugeVec
	RateLimitEvents   prometheus.Counter
	RateLimited       prometheus.Gauge
	CacheLookups      *prometheus.CounterVec
}

// New registers the mosaic metrics against reg (DefaultRegisterer when nil).
// Registering twice against the same registry reuses the existing collectors.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	bandFetches, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skymosaic_band_fetches_total",
		Help: "Band fetches by survey and outcome (ok, fallback).",
	}, []string{"band", "outcome"}))
	if err != nil {
		return nil, err
	}

	tiles, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skymosaic_tiles_total",
		Help: "Composited tiles by outcome (ok, failed).",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}

	tileDuration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "skymosaic_tile_duration_seconds",
		Help:    "Wall time to fetch, calibrate and encode one tile.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}))
	if err != nil {
		return nil, err
	}

	window, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skymosaic_calibration_window",
		Help: "Intensity window of the last calibration.",
	}, []string{"bound"}))
	if err != nil {
		return nil, err
	}

	balance, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skymosaic_calibration_balance",
		Help: "Per-channel balance factors of the last calibration.",
	}, []string{"channel"}))
	if err != nil {
		return nil, err
	}

	rateLimits, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skymosaic_rate_limit_events_total",
		Help: "Responses from the imaging service that signalled rate limiting.",
	}))
	if err != nil {
		return nil, err
	}

	rateLimited, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "skymosaic_rate_limited",
		Help: "1 while the imaging service is throttling requests, 0 once it answers normally.",
	}))
	if err != nil {
		return nil, err
	}

	cacheLookups, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skymosaic_cache_lookups_total",
		Help: "Disk cache lookups by result (hit, miss).",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:          gatherer,
		BandFetches:       bandFetches,
		Tiles:             tiles,
		TileDuration:      tileDuration,
		CalibrationWindow: window,
		Balance:           balance,
		RateLimitEvents:   rateLimits,
		RateLimited:       rateLimited,
		CacheLookups:      cacheLookups,
	}, nil
}

// Gatherer returns the gatherer the collector was registered with.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveBandFetch counts one band fetch; a non-nil err means the band fell
// back to zeros.
func (c *Collector) ObserveBandFetch(bandID string, err error) {
	if c == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFallback
	}
	c.BandFetches.WithLabelValues(bandID, outcome).Inc()
}

// ObserveTile records a finished tile.
func (c *Collector) ObserveTile(ok bool, d time.Duration) {
	if c == nil {
		return
	}
	outcome := OutcomeOK
	if !ok {
		outcome = OutcomeFailed
	}
	c.Tiles.WithLabelValues(outcome).Inc()
	c.TileDuration.Observe(d.Seconds())
}

// SetCalibration publishes the window and balance factors.
func (c *Collector) SetCalibration(vmin, vmax, r, g, b float64) {
	if c == nil {
		return
	}
	c.CalibrationWindow.WithLabelValues("vmin").Set(vmin)
	c.CalibrationWindow.WithLabelValues("vmax").Set(vmax)
	c.Balance.WithLabelValues("r").Set(r)
	c.Balance.WithLabelValues("g").Set(g)
	c.Balance.WithLabelValues("b").Set(b)
}

// IncRateLimit counts one rate-limited response.
func (c *Collector) IncRateLimit() {
	if c == nil {
		return
	}
	c.RateLimitEvents.Inc()
}

// SetRateLimited flags whether the imaging service is currently throttling.
func (c *Collector) SetRateLimited(limited bool) {
	if c == nil {
		return
	}
	v := 0.0
	if limited {
		v = 1
	}
	c.RateLimited.Set(v)
}

// ObserveCacheLookup counts a disk cache hit or miss.
func (c *Collector) ObserveCacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheLookups.WithLabelValues(result).Inc()
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
