package mosaic

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"sky-mosaic/internal/encode"
	"sky-mosaic/internal/grid"
	"sky-mosaic/internal/sky"
)

// DefaultStitchCrop is the border, in pixels, trimmed from each tile before
// stitching so the overlap seams line up.
const DefaultStitchCrop = 20

// ErrNoTiles is returned when there is no tile to stitch.
var ErrNoTiles = errors.New("no tiles to stitch")

// Stitch reads dir/tile_<id>.<ext> for ids 1..9 and stitches whichever exist
// into dir/mosaic.<ext>. See StitchPaths.
func Stitch(dir, format string, crop int) (string, error) {
	ext := encode.Extension(format)
	paths := make(map[int]string, grid.TileCount)
	for id := 1; id <= grid.TileCount; id++ {
		path := filepath.Join(dir, sky.TileFilename(id, ext))
		if _, err := os.Stat(path); err == nil {
			paths[id] = path
		}
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoTiles, dir)
	}
	return StitchPaths(paths, dir, format, crop)
}

// StitchPaths decodes the tile files in paths (keyed by tile id), crops crop
// pixels from every edge, scales each tile to the lowest id's cropped size
// and places tile i at row (i-1)/3, column (i-1)%3. Ids absent from paths
// stay black. The result is written to dir/mosaic.<ext> and its path returned.
func StitchPaths(paths map[int]string, dir, format string, crop int) (string, error) {
	tiles := make(map[int]image.Image, len(paths))
	var first image.Image
	for id := 1; id <= grid.TileCount; id++ {
		path, ok := paths[id]
		if !ok {
			continue
		}
		img, err := readTile(path)
		if err != nil {
			return "", fmt.Errorf("tile %d: %w", id, err)
		}
		tiles[id] = img
		if first == nil {
			first = img
		}
	}
	if first == nil {
		return "", ErrNoTiles
	}

	fb := first.Bounds()
	if crop < 0 || 2*crop >= fb.Dx() || 2*crop >= fb.Dy() {
		crop = 0
	}
	cellW, cellH := fb.Dx()-2*crop, fb.Dy()-2*crop

	out := image.NewRGBA(image.Rect(0, 0, grid.Size*cellW, grid.Size*cellH))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	for id, img := range tiles {
		row, col := (id-1)/grid.Size, (id-1)%grid.Size
		dst := image.Rect(col*cellW, row*cellH, (col+1)*cellW, (row+1)*cellH)
		src := cropRect(img.Bounds(), crop)
		if src.Dx() == cellW && src.Dy() == cellH {
			draw.Draw(out, dst, img, src.Min, draw.Src)
			continue
		}
		draw.CatmullRom.Scale(out, dst, img, src, draw.Src, nil)
	}

	path := filepath.Join(dir, sky.MosaicFilename(encode.Extension(format)))
	if err := encode.WriteImage(path, format, out); err != nil {
		return "", err
	}
	return path, nil
}

// cropRect trims crop pixels from each edge of b, or nothing when the tile
// is too small.
func cropRect(b image.Rectangle, crop int) image.Rectangle {
	if 2*crop >= b.Dx() || 2*crop >= b.Dy() {
		return b
	}
	return image.Rect(b.Min.X+crop, b.Min.Y+crop, b.Max.X-crop, b.Max.Y-crop)
}

func readTile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
