// Package encode writes calibrated RGB rasters to disk in the supported
// image formats.
package encode

import (
	"bufio"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/HugoSmits86/nativewebp"
	"golang.org/x/image/tiff"

	"sky-mosaic/internal/band"
	"sky-mosaic/internal/sky"
	"sky-mosaic/pkg/skytiff"
)

// Supported formats
const (
	FormatPNG     = "png"
	FormatJPEG    = "jpeg"
	FormatTIFF    = "tiff"
	FormatWebP    = "webp"
	FormatSkyTIFF = "skytiff"
)

// JPEGQuality is used for every JPEG tile.
const JPEGQuality = 95

// Encoder persists one RGB raster.
type Encoder interface {
	Save(path string, rgb *band.RGB) error
}

// CoordSaver is implemented by encoders that can embed the tile position.
type CoordSaver interface {
	SaveAt(path string, rgb *band.RGB, center sky.Coordinate, radius float64) error
}

// Formats lists the names accepted by New.
func Formats() []string {
	return []string{FormatPNG, FormatJPEG, FormatTIFF, FormatWebP, FormatSkyTIFF}
}

// Normalize maps aliases such as "jpg" and "tif" to a canonical format name.
func Normalize(format string) string {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "jpg":
		return FormatJPEG
	case "tif":
		return FormatTIFF
	case "":
		return FormatPNG
	default:
		return f
	}
}

// Extension returns the file extension (without dot) for a format.
func Extension(format string) string {
	switch Normalize(format) {
	case FormatJPEG:
		return "jpg"
	case FormatTIFF, FormatSkyTIFF:
		return "tif"
	case FormatWebP:
		return "webp"
	default:
		return "png"
	}
}

// writers maps each plain image format to its encoder.
var writers = map[string]imageEncoder{
	FormatPNG: func(w io.Writer, m image.Image) error {
		return png.Encode(w, m)
	},
	FormatJPEG: func(w io.Writer, m image.Image) error {
		return jpeg.Encode(w, m, &jpeg.Options{Quality: JPEGQuality})
	},
	FormatTIFF: func(w io.Writer, m image.Image) error {
		return tiff.Encode(w, m, &tiff.Options{Compression: tiff.Deflate})
	},
	FormatWebP: func(w io.Writer, m image.Image) error {
		return nativewebp.Encode(w, m, nil)
	},
	FormatSkyTIFF: func(w io.Writer, m image.Image) error {
		return skytiff.Encode(w, m, nil)
	},
}

// New returns the encoder for format.
func New(format string) (Encoder, error) {
	f := Normalize(format)
	if f == FormatSkyTIFF {
		return &SkyTIFF{Software: "sky-mosaic"}, nil
	}
	enc, ok := writers[f]
	if !ok {
		return nil, unsupported(format)
	}
	return enc, nil
}

// WriteImage encodes an arbitrary image to path in the given format.
func WriteImage(path, format string, m image.Image) error {
	enc, ok := writers[Normalize(format)]
	if !ok {
		return unsupported(format)
	}
	return writeFile(path, func(w io.Writer) error {
		return enc(w, m)
	})
}

func unsupported(format string) error {
	return fmt.Errorf("unsupported format %q (want one of %s)", format, strings.Join(Formats(), ", "))
}

type imageEncoder func(w io.Writer, m image.Image) error

func (e imageEncoder) Save(path string, rgb *band.RGB) error {
	return writeFile(path, func(w io.Writer) error {
		return e(w, rgb.Image())
	})
}

// SkyTIFF writes TIFF files tagged with the tile's sky position.
type SkyTIFF struct {
	Software string
}

// Save writes rgb without position tags.
func (s *SkyTIFF) Save(path string, rgb *band.RGB) error {
	return writeFile(path, func(w io.Writer) error {
		return skytiff.Encode(w, rgb.Image(), nil)
	})
}

// SaveAt writes rgb with a tiepoint at center and a scale derived from radius.
func (s *SkyTIFF) SaveAt(path string, rgb *band.RGB, center sky.Coordinate, radius float64) error {
	pixels := rgb.Pixels()
	meta := &skytiff.Metadata{
		RA:          center.RA,
		Dec:         center.Dec,
		DegPerPixel: sky.ArcsecPerPixel(radius, pixels) / 3600,
		ObsTime:     center.ObsTime,
		Software:    s.Software,
		Description: describe(center, radius),
	}
	return writeFile(path, func(w io.Writer) error {
		return skytiff.Encode(w, rgb.Image(), meta)
	})
}

// describe builds the ImageDescription of a tile. OBS is omitted when the
// observation time is unknown.
func describe(center sky.Coordinate, radius float64) string {
	desc := fmt.Sprintf("RA=%.6f DEC=%.6f RADIUS=%.6f", center.RA, center.Dec, radius)
	if obs := sky.FormatObsTime(center.ObsTime); obs != "" {
		desc += " OBS=" + obs
	}
	return desc
}

// writeFile writes through a temp file in the same directory so a failed
// encode never leaves a truncated tile behind.
func writeFile(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", filepath.Base(path), err)
	}
	return nil
}
