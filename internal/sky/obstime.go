package sky

import (
	"fmt"
	"strings"
	"time"
)

// Observation time layouts accepted on input
const (
	// ObsTimeLayout is the "YYYY-MM-DD HH:MM:SS" form used for observation
	// timestamps in configuration, reports and image metadata (always UTC)
	ObsTimeLayout = "2006-01-02 15:04:05"

	// ISO8601Date is accepted for date-only observations (midnight UTC)
	ISO8601Date = "2006-01-02"
)

// ParseObsTime parses an observation timestamp. An empty string yields the
// current UTC time. Accepted forms are ObsTimeLayout, RFC3339 and ISO8601Date.
func ParseObsTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Now().UTC(), nil
	}

	for _, layout := range []string{ObsTimeLayout, time.RFC3339, ISO8601Date} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid observation time %q (want %q or RFC3339)", value, ObsTimeLayout)
}

// FormatObsTime formats t in ObsTimeLayout (UTC). The zero time formats as "".
func FormatObsTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(ObsTimeLayout)
}
