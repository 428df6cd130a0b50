package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sky-mosaic/internal/cache"
	"sky-mosaic/internal/metrics"
	"sky-mosaic/internal/mosaic"
	"sky-mosaic/internal/ratelimit"
	"sky-mosaic/internal/skyview"
	"sky-mosaic/internal/telemetry"
)

// pipeline is a Generator wired to SkyView, the survey cache, metrics and
// telemetry. Close releases everything it opened.
type pipeline struct {
	gen     *mosaic.Generator
	closers []func()
}

func newPipeline(a *app, opts *generateOptions, progress func(mosaic.Progress)) (*pipeline, error) {
	log := a.log
	s := a.settings
	p := &pipeline{}

	reg := prometheus.NewRegistry()
	collector, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	if opts.metrics != "" {
		srv := &http.Server{
			Addr:              opts.metrics,
			Handler:           promhttp.HandlerFor(collector.Gatherer(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		p.closers = append(p.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		})
		log.Info().Str("addr", opts.metrics).Msg("serving metrics")
	}

	limiter := ratelimit.NewHandler(&ratelimit.RetryStrategy{
		Intervals:  ratelimit.DefaultRetryStrategy().Intervals,
		MaxRetries: s.SkyView.MaxRetries,
	},
		ratelimit.WithLogger(log),
		ratelimit.OnRateLimit(func(ratelimit.Event) {
			collector.IncRateLimit()
			collector.SetRateLimited(true)
		}),
		ratelimit.OnRecovered(func(string) { collector.SetRateLimited(false) }),
	)

	clientOpts := []skyview.Option{
		skyview.WithURL(s.SkyView.URL),
		skyview.WithTimeout(s.SkyView.Timeout.Duration),
		skyview.WithUserAgent(s.SkyView.UserAgent),
		skyview.WithRateLimit(limiter),
		skyview.WithLogger(log),
		skyview.WithMetrics(collector),
	}
	if s.Cache.Enabled && !opts.noCache {
		store, err := cache.NewStore(s.Cache.Dir, s.Cache.MaxSizeMB, s.Cache.TTLDays)
		if err != nil {
			log.Warn().Err(err).Msg("survey cache unavailable")
		} else {
			p.closers = append(p.closers, func() { store.Close() })
			clientOpts = append(clientOpts, skyview.WithCache(store))
		}
	}
	client := skyview.NewClient(clientOpts...)

	var tracker telemetry.Tracker = telemetry.Noop{}
	if s.Telemetry.PostHogKey != "" {
		tracker = telemetry.New(s.Telemetry.PostHogKey, s.Telemetry.PostHogHost, telemetry.InstallID(a.installIDPath()), log)
	}
	p.closers = append(p.closers, func() { tracker.Close() })

	genOpts := []mosaic.Option{
		mosaic.WithWorkers(opts.workers),
		mosaic.WithMemo(s.Cache.MemoSize),
		mosaic.WithFormat(opts.format),
		mosaic.WithLogger(log),
		mosaic.WithMetrics(collector),
		mosaic.WithTracker(tracker),
	}
	if progress != nil {
		genOpts = append(genOpts, mosaic.WithProgress(progress))
	}
	if !opts.noStitch {
		genOpts = append(genOpts, mosaic.WithStitch(opts.crop))
	}
	p.gen, err = mosaic.NewGenerator(client, genOpts...)
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Close runs the closers in reverse order of acquisition.
func (p *pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}
