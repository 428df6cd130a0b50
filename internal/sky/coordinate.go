// Package sky holds the equatorial coordinate value shared by every stage of
// the mosaic pipeline, plus the small formatting helpers used for file names
// and log output.
package sky

import (
	"fmt"
	"math"
	"time"
)

// Coordinate is an ICRS/J2000 equatorial position. It is a plain value and is
// never mutated after construction.
type Coordinate struct {
	RA      float64   // Right ascension in degrees (0-360, wraps)
	Dec     float64   // Declination in degrees (-90 to +90)
	ObsTime time.Time // Observation time; zero when unset
}

// New returns a coordinate without an observation time.
func New(ra, dec float64) Coordinate {
	return Coordinate{RA: ra, Dec: dec}
}

// At returns a copy of c stamped with the given observation time.
func (c Coordinate) At(t time.Time) Coordinate {
	c.ObsTime = t
	return c
}

// Offset returns c shifted by the given amounts in degrees. The observation
// time is preserved and no range normalization is applied.
func (c Coordinate) Offset(dRA, dDec float64) Coordinate {
	return Coordinate{RA: c.RA + dRA, Dec: c.Dec + dDec, ObsTime: c.ObsTime}
}

// String prints the coordinate the way observers read it:
// RA in hours/minutes/seconds and Dec in degrees/arcminutes/arcseconds.
func (c Coordinate) String() string {
	return fmt.Sprintf("RA %s Dec %s", FormatRA(c.RA), FormatDec(c.Dec))
}

// FormatRA formats right ascension degrees as "00h42m44.33s".
func FormatRA(deg float64) string {
	hours := math.Mod(deg/15.0, 24)
	if hours < 0 {
		hours += 24
	}
	h := math.Floor(hours)
	minutes := (hours - h) * 60
	m := math.Floor(minutes)
	s := (minutes - m) * 60
	return fmt.Sprintf("%02.0fh%02.0fm%05.2fs", h, m, s)
}

// FormatDec formats declination degrees as "+41d16m08.0s".
func FormatDec(deg float64) string {
	sign := "+"
	if deg < 0 {
		sign = "-"
	}
	abs := math.Abs(deg)
	d := math.Floor(abs)
	minutes := (abs - d) * 60
	m := math.Floor(minutes)
	s := (minutes - m) * 60
	return fmt.Sprintf("%s%02.0fd%02.0fm%04.1fs", sign, d, m, s)
}

// ArcsecPerPixel returns the angular scale of a square cutout of the given
// radius (degrees) rendered at pixels×pixels.
func ArcsecPerPixel(radius float64, pixels int) float64 {
	if pixels <= 0 {
		return 0
	}
	return radius * 3600 / float64(pixels)
}

// DegToRad converts degrees to radians.
func DegToRad(deg float64) float64 {
	return deg * math.Pi / 180.0
}
