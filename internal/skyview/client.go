// Package skyview fetches survey cutouts from NASA's SkyView virtual
// observatory and decodes them into band rasters.
package skyview

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"sky-mosaic/internal/band"
	"sky-mosaic/internal/cache"
	"sky-mosaic/internal/logging"
	"sky-mosaic/internal/metrics"
	"sky-mosaic/internal/ratelimit"
	"sky-mosaic/internal/sky"
)

const (
	// DefaultURL is the SkyView batch query endpoint.
	DefaultURL = "https://skyview.gsfc.nasa.gov/current/cgi/runquery.pl"

	// DefaultTimeout for one cutout request.
	DefaultTimeout = 60 * time.Second

	// DefaultUserAgent identifies the client to SkyView.
	DefaultUserAgent = "sky-mosaic/1.0"

	provider = "skyview"
)

// Client implements band.Fetcher against SkyView.
type Client struct {
	client    *http.Client
	baseURL   string
	timeout   time.Duration
	userAgent string
	store     *cache.Store
	limiter   *ratelimit.Handler
	log       zerolog.Logger
	metrics   *metrics.Collector
}

// Option configures a Client.
type Option func(*Client)

// WithURL sets the query endpoint.
func WithURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithCache stores raw payloads in s and serves repeats from it.
func WithCache(s *cache.Store) Option {
	return func(c *Client) {
		c.store = s
	}
}

// WithRateLimit sets the handler used to back off on throttling responses.
func WithRateLimit(h *ratelimit.Handler) Option {
	return func(c *Client) {
		c.limiter = h
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithMetrics records cache lookups on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a SkyView client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:   DefaultURL,
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: c.timeout}
	}
	if c.limiter == nil {
		c.limiter = ratelimit.NewHandler(nil, ratelimit.WithLogger(c.log))
	}
	c.log = logging.Component(c.log, "skyview")
	return c
}

// Fetch downloads one survey cutout and decodes it. Every failure is
// returned as *band.FetchError.
func (c *Client) Fetch(ctx context.Context, coord sky.Coordinate, radius float64, pixels int, bandID string) (*band.Raster, error) {
	fail := func(err error) (*band.Raster, error) {
		return nil, &band.FetchError{Band: bandID, Coord: coord, Err: err}
	}

	key := cache.Key{Survey: bandID, RA: coord.RA, Dec: coord.Dec, Radius: radius, Pixels: pixels}
	payload, cached := c.lookup(key)
	if !cached {
		var err error
		payload, err = c.download(ctx, coord, radius, pixels, bandID)
		if err != nil {
			return fail(err)
		}
	}

	hdr, values, err := DecodeFITS(payload)
	if err != nil {
		return fail(fmt.Errorf("decode FITS: %w", err))
	}
	if hdr.Naxis1 != pixels || hdr.Naxis2 != pixels {
		return fail(fmt.Errorf("%w: got %dx%d, want %dx%d",
			band.ErrShapeMismatch, hdr.Naxis1, hdr.Naxis2, pixels, pixels))
	}
	r, err := band.NewRaster(pixels, values)
	if err != nil {
		return fail(err)
	}

	if !cached && c.store != nil {
		if err := c.store.Put(key, payload); err != nil {
			c.log.Warn().Err(err).Str("band", bandID).Msg("failed to cache payload")
		}
	}
	return r, nil
}

func (c *Client) lookup(key cache.Key) ([]byte, bool) {
	if c.store == nil {
		return nil, false
	}
	data, ok := c.store.Get(key)
	c.metrics.ObserveCacheLookup(ok)
	return data, ok
}

// download retries only on throttling responses, as directed by the
// rate-limit handler.
func (c *Client) download(ctx context.Context, coord sky.Coordinate, radius float64, pixels int, bandID string) ([]byte, error) {
	u, err := c.queryURL(coord, radius, pixels, bandID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		body, resp, err := c.get(ctx, u)
		if err != nil {
			return nil, err
		}
		ev, limited := c.limiter.CheckResponse(provider, attempt, resp)
		if !limited {
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
			}
			return body, nil
		}

		if !c.limiter.CanRetry(ev) {
			return nil, fmt.Errorf("rate limited (HTTP %d) after %d retries", ev.StatusCode, attempt)
		}
		c.log.Warn().Str("band", bandID).Msg(ev.Message)
		if err := c.limiter.Wait(ctx, ev); err != nil {
			return nil, err
		}
	}
}

func (c *Client) get(ctx context.Context, u string) ([]byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request cutout: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	c.log.Debug().
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Dur("elapsed", time.Since(start)).
		Msg("cutout response")
	return body, resp, nil
}

func (c *Client) queryURL(coord sky.Coordinate, radius float64, pixels int, bandID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	q := u.Query()
	q.Set("Position", strconv.FormatFloat(coord.RA, 'f', -1, 64)+","+strconv.FormatFloat(coord.Dec, 'f', -1, 64))
	q.Set("Survey", bandID)
	q.Set("Radius", strconv.FormatFloat(radius, 'f', -1, 64))
	q.Set("Pixels", strconv.Itoa(pixels))
	q.Set("Coordinates", "J2000")
	q.Set("Return", "FITS")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
