package sky

import (
	"fmt"
	"math"
	"strings"
)

// TileFilename returns the file name for a mosaic tile: tile_<id>.<ext>
func TileFilename(id int, ext string) string {
	return fmt.Sprintf("tile_%d.%s", id, strings.TrimPrefix(ext, "."))
}

// MosaicFilename returns the file name of the stitched 3x3 image
func MosaicFilename(ext string) string {
	return "mosaic." + strings.TrimPrefix(ext, ".")
}

// SanitizeCoordinate formats a coordinate for use in names.
// Declinations get an N/S suffix instead of a sign; the decimal point becomes 'p'.
func SanitizeCoordinate(value float64, isDec bool) string {
	suffix := ""
	if isDec {
		suffix = "N"
		if value < 0 {
			suffix = "S"
		}
	}
	s := fmt.Sprintf("%.4f", math.Abs(value))
	return strings.Replace(s, ".", "p", 1) + suffix
}

// RegionName builds a short label for a field centered on c, e.g. "10p6847_41p2689N"
func RegionName(c Coordinate) string {
	return SanitizeCoordinate(c.RA, false) + "_" + SanitizeCoordinate(c.Dec, true)
}
