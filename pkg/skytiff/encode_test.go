package skytiff

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"math"
	"testing"
	"time"

	"golang.org/x/image/tiff"
)

func testImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 5, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 5; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 40), G: uint8(y * 80), B: 200, A: 255})
		}
	}
	return img
}

func TestEncodeDecodesAsRGB(t *testing.T) {
	src := testImage()
	var buf bytes.Buffer
	meta := &Metadata{
		RA:          10.6847,
		Dec:         41.2689,
		DegPerPixel: 0.0002,
		ObsTime:     time.Date(2025, 10, 4, 11, 31, 2, 0, time.UTC),
		Software:    "sky-mosaic",
	}
	if err := Encode(&buf, src, meta); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := tiff.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("tiff.Decode: %v", err)
	}
	if got.Bounds() != src.Bounds() {
		t.Fatalf("bounds = %v, want %v", got.Bounds(), src.Bounds())
	}
	for y := 0; y < 3; y++ {
		for x := 0; x < 5; x++ {
			r1, g1, b1, _ := got.At(x, y).RGBA()
			r2, g2, b2, _ := src.At(x, y).RGBA()
			if r1>>8 != r2>>8 || g1>>8 != g2>>8 || b1>>8 != b2>>8 {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, got.At(x, y), src.At(x, y))
			}
		}
	}
}

func TestEncodeWritesTiepoint(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, testImage(), &Metadata{RA: 150.5, Dec: -12.25, DegPerPixel: 0.001}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data := buf.Bytes()

	n := int(binary.LittleEndian.Uint16(data[8:]))
	var found bool
	for i := 0; i < n; i++ {
		entry := data[10+12*i:]
		if binary.LittleEndian.Uint16(entry) != TagModelTiepoint {
			continue
		}
		found = true
		offset := binary.LittleEndian.Uint32(entry[8:])
		ra := math.Float64frombits(binary.LittleEndian.Uint64(data[offset+24:]))
		dec := math.Float64frombits(binary.LittleEndian.Uint64(data[offset+32:]))
		if ra != 150.5 || dec != -12.25 {
			t.Errorf("tiepoint = (%v, %v), want (150.5, -12.25)", ra, dec)
		}
	}
	if !found {
		t.Fatal("ModelTiepoint tag missing")
	}
}

func TestEncodeRejectsEmptyImage(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, image.NewRGBA(image.Rect(0, 0, 0, 0)), nil); err == nil {
		t.Fatal("expected error for empty image")
	}
}
