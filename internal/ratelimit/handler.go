// Package ratelimit tracks rate-limit responses from remote services and
// computes how long a caller should back off before retrying.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sky-mosaic/internal/logging"
)

// RetryStrategy defines the backoff intervals for rate limit retries
type RetryStrategy struct {
	Intervals  []time.Duration // attempt i waits Intervals[i]; the last one repeats
	MaxRetries int
}

// DefaultRetryStrategy returns the default backoff strategy.
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			5 * time.Second,
			15 * time.Second,
			30 * time.Second,
			60 * time.Second,
		},
		MaxRetries: 4,
	}
}

// Interval returns the wait before retry number attempt (0-based).
func (s *RetryStrategy) Interval(attempt int) time.Duration {
	if len(s.Intervals) == 0 {
		return 0
	}
	if attempt < len(s.Intervals) {
		return s.Intervals[attempt]
	}
	return s.Intervals[len(s.Intervals)-1]
}

// Event represents a rate limit occurrence
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	StatusCode   int       `json:"statusCode"`
	RetryAttempt int       `json:"retryAttempt"` // 0 = first occurrence
	NextRetryAt  time.Time `json:"nextRetryAt"`
	Message      string    `json:"message"`
}

// Handler detects throttling responses and computes backoff. Retry attempts
// are counted by the caller per request; the handler only tracks whether a
// provider is currently throttled so it can report recovery.
type Handler struct {
	mu          sync.Mutex
	limited     map[string]bool
	strategy    *RetryStrategy
	onRateLimit func(Event)
	onRecovered func(provider string)
	log         zerolog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

// OnRateLimit registers a callback invoked synchronously for every event.
func OnRateLimit(fn func(Event)) Option {
	return func(h *Handler) {
		h.onRateLimit = fn
	}
}

// OnRecovered registers a callback invoked when a provider answers normally
// after having been rate limited.
func OnRecovered(fn func(provider string)) Option {
	return func(h *Handler) {
		h.onRecovered = fn
	}
}

// NewHandler creates a new rate limit handler
func NewHandler(strategy *RetryStrategy, opts ...Option) *Handler {
	if strategy == nil {
		strategy = DefaultRetryStrategy()
	}
	h := &Handler{
		limited:  make(map[string]bool),
		strategy: strategy,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logging.Component(h.log, "ratelimit")
	return h
}

// IsRateLimitStatus reports whether an HTTP status signals throttling.
func IsRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusServiceUnavailable ||
		code == 509 // Bandwidth Limit Exceeded
}

// CheckResponse inspects resp, the answer to retry number attempt (0 for the
// first request). For a throttling status it records an event and returns it
// with true; otherwise it clears the provider's throttled state.
func (h *Handler) CheckResponse(provider string, attempt int, resp *http.Response) (Event, bool) {
	if !IsRateLimitStatus(resp.StatusCode) {
		h.checkRecovery(provider)
		return Event{}, false
	}
	return h.record(provider, attempt, resp.StatusCode), true
}

// CanRetry reports whether another attempt is allowed after ev.
func (h *Handler) CanRetry(ev Event) bool {
	return ev.RetryAttempt < h.strategy.MaxRetries
}

// Wait blocks until ev.NextRetryAt or until ctx is done.
func (h *Handler) Wait(ctx context.Context, ev Event) error {
	d := time.Until(ev.NextRetryAt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) record(provider string, attempt, statusCode int) Event {
	now := time.Now()
	next := now.Add(h.strategy.Interval(attempt))
	ev := Event{
		Timestamp:    now,
		Provider:     provider,
		StatusCode:   statusCode,
		RetryAttempt: attempt,
		NextRetryAt:  next,
		Message:      buildMessage(provider, statusCode, attempt, next.Sub(now)),
	}

	h.mu.Lock()
	h.limited[provider] = true
	cb := h.onRateLimit
	h.mu.Unlock()

	h.log.Warn().
		Str("provider", provider).
		Int("status", statusCode).
		Int("attempt", attempt).
		Time("next_retry", next).
		Msg("rate limited")

	if cb != nil {
		cb(ev)
	}
	return ev
}

func (h *Handler) checkRecovery(provider string) {
	h.mu.Lock()
	limited := h.limited[provider]
	delete(h.limited, provider)
	cb := h.onRecovered
	h.mu.Unlock()

	if !limited {
		return
	}
	h.log.Info().Str("provider", provider).Msg("rate limit cleared")
	if cb != nil {
		cb(provider)
	}
}

func buildMessage(provider string, statusCode, retryAttempt int, wait time.Duration) string {
	if retryAttempt == 0 {
		return fmt.Sprintf("%s rate limit detected (HTTP %d), retrying in %s",
			provider, statusCode, wait.Round(time.Second))
	}
	return fmt.Sprintf("%s still rate limited (retry attempt %d), next retry in %s",
		provider, retryAttempt+1, wait.Round(time.Second))
}
