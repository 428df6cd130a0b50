// Package telemetry sends anonymous run events to PostHog when a project key
// is configured.
package telemetry

import (
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/rs/zerolog"
)

// Event names
const (
	EventMosaicStarted   = "mosaic_started"
	EventMosaicCompleted = "mosaic_completed"
	EventMosaicFailed    = "mosaic_failed"
)

// Tracker records product events.
type Tracker interface {
	Track(event string, props map[string]interface{})
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Track(string, map[string]interface{}) {}

func (Noop) Close() error { return nil }

// PostHog enqueues events on a posthog client.
type PostHog struct {
	client     posthog.Client
	distinctID string
}

// New returns a PostHog tracker, or Noop when key is empty or the client
// cannot be created.
func New(key, host, distinctID string, log zerolog.Logger) Tracker {
	if key == "" {
		return Noop{}
	}
	client, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: host})
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize PostHog")
		return Noop{}
	}
	return NewWithClient(client, distinctID)
}

// NewWithClient wraps an existing posthog client.
func NewWithClient(client posthog.Client, distinctID string) *PostHog {
	if distinctID == "" {
		distinctID = "anonymous"
	}
	return &PostHog{client: client, distinctID: distinctID}
}

// Track enqueues event with props plus the host platform.
func (p *PostHog) Track(event string, props map[string]interface{}) {
	properties := posthog.NewProperties().
		Set("os", goruntime.GOOS).
		Set("arch", goruntime.GOARCH)
	for k, v := range props {
		properties.Set(k, v)
	}
	p.client.Enqueue(posthog.Capture{
		DistinctId: p.distinctID,
		Event:      event,
		Properties: properties,
	})
}

// Close flushes pending events.
func (p *PostHog) Close() error {
	return p.client.Close()
}

// InstallID returns the anonymous id stored at path, creating it on first use.
func InstallID(path string) string {
	if data, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String()
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
		os.WriteFile(path, []byte(id+"\n"), 0o644)
	}
	return id
}
