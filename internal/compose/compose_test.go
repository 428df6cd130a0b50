package compose

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"sky-mosaic/internal/band"
	"sky-mosaic/internal/calibration"
	"sky-mosaic/internal/encode"
	"sky-mosaic/internal/grid"
	"sky-mosaic/internal/sky"
)

var testBands = []string{"DSS2 Red", "DSS2 Blue", "DSS2 IR"}

var testCal = calibration.Calibration{VMin: 0, VMax: 100, BalanceR: 1, BalanceG: 1, BalanceB: 1}

func constantFetcher(v float64, failing ...string) band.Fetcher {
	fail := map[string]bool{}
	for _, b := range failing {
		fail[b] = true
	}
	return band.FetcherFunc(func(_ context.Context, _ sky.Coordinate, _ float64, pixels int, bandID string) (*band.Raster, error) {
		if fail[bandID] {
			return nil, errors.New("survey offline")
		}
		return band.Constant(pixels, v), nil
	})
}

// recordingEncoder keeps the last RGB it was asked to save.
type recordingEncoder struct {
	mu   sync.Mutex
	last *band.RGB
	err  error
}

func (e *recordingEncoder) Save(path string, rgb *band.RGB) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = rgb
	if e.err != nil {
		return e.err
	}
	return os.WriteFile(path, []byte("ok"), 0o644)
}

// positionEncoder implements encode.CoordSaver.
type positionEncoder struct {
	recordingEncoder
	center sky.Coordinate
	radius float64
}

func (e *positionEncoder) SaveAt(path string, rgb *band.RGB, center sky.Coordinate, radius float64) error {
	e.center, e.radius = center, radius
	return e.Save(path, rgb)
}

func testPosition() grid.Position {
	return grid.Position{ID: 4, Coord: sky.New(10.68, 41.27)}
}

func TestCompositeWritesTile(t *testing.T) {
	dir := t.TempDir()
	c := New(constantFetcher(50))
	path, err := c.Composite(context.Background(), testPosition(), testCal, 0.25, 16, testBands, dir)
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	if want := filepath.Join(dir, "tile_4.png"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("tile missing: %v", err)
	}
}

func TestCompositeSingleBandFailureStillFullSize(t *testing.T) {
	enc := &recordingEncoder{}
	c := New(constantFetcher(50, "DSS2 IR"), WithEncoder(enc, "raw"))
	_, err := c.Composite(context.Background(), testPosition(), testCal, 0.25, 16, testBands, t.TempDir())
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	if got := enc.last.Pixels(); got != 16 {
		t.Fatalf("pixels = %d, want 16", got)
	}
	// R = red, G = 0.7 blue + 0.3 zero IR, B = blue
	if got := enc.last.R.At(0, 0); got != 0.5 {
		t.Errorf("R = %v, want 0.5", got)
	}
	if got := enc.last.G.At(7, 7); got < 0.3499 || got > 0.3501 {
		t.Errorf("G = %v, want 0.35", got)
	}
}

func TestCompositeAllBandsFailedYieldsBlackTile(t *testing.T) {
	enc := &recordingEncoder{}
	c := New(constantFetcher(50, testBands...), WithEncoder(enc, "raw"))
	if _, err := c.Composite(context.Background(), testPosition(), testCal, 0.25, 8, testBands, t.TempDir()); err != nil {
		t.Fatalf("Composite: %v", err)
	}
	for _, ch := range []*band.Raster{enc.last.R, enc.last.G, enc.last.B} {
		for _, v := range ch.Values() {
			if v != 0 {
				t.Fatalf("expected black tile, found %v", v)
			}
		}
	}
}

func TestCompositeEncoderFailure(t *testing.T) {
	boom := errors.New("disk full")
	c := New(constantFetcher(50), WithEncoder(&recordingEncoder{err: boom}, "raw"))
	_, err := c.Composite(context.Background(), testPosition(), testCal, 0.25, 8, testBands, t.TempDir())

	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *compose.Error", err)
	}
	if ce.TileID != 4 {
		t.Errorf("TileID = %d, want 4", ce.TileID)
	}
	if !errors.Is(err, boom) {
		t.Errorf("error does not wrap encoder failure: %v", err)
	}
}

func TestCompositeMissingDestination(t *testing.T) {
	c := New(constantFetcher(50))
	dest := filepath.Join(t.TempDir(), "nope")
	_, err := c.Composite(context.Background(), testPosition(), testCal, 0.25, 8, testBands, dest)
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *compose.Error", err)
	}
}

func TestCompositeUsesCoordSaver(t *testing.T) {
	enc := &positionEncoder{}
	c := New(constantFetcher(10), WithEncoder(enc, "tif"))
	pos := testPosition()
	if _, err := c.Composite(context.Background(), pos, testCal, 0.3, 8, testBands, t.TempDir()); err != nil {
		t.Fatalf("Composite: %v", err)
	}
	if enc.center != pos.Coord || enc.radius != 0.3 {
		t.Errorf("SaveAt got (%v, %v), want (%v, 0.3)", enc.center, enc.radius, pos.Coord)
	}
}

func TestCompositeIdenticalInputsIdenticalFiles(t *testing.T) {
	dir := t.TempDir()
	enc, err := encode.New(encode.FormatPNG)
	if err != nil {
		t.Fatal(err)
	}
	c := New(constantFetcher(42), WithEncoder(enc, "png"))
	var files [][]byte
	for _, id := range []int{1, 9} {
		pos := grid.Position{ID: id, Coord: sky.New(float64(id), 0)}
		path, err := c.Composite(context.Background(), pos, testCal, 0.25, 12, testBands, dir)
		if err != nil {
			t.Fatalf("Composite: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		files = append(files, data)
	}
	if !bytes.Equal(files[0], files[1]) {
		t.Error("identical inputs produced different tiles")
	}
}
