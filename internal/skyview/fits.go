package skyview

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
)

// ErrNotFITS is returned when a payload does not start with a FITS header.
var ErrNotFITS = errors.New("payload is not a FITS file")

// Header holds the primary HDU keywords needed to read the image.
type Header struct {
	BitPix int
	Naxis1 int // columns
	Naxis2 int // rows
	BScale float64
	BZero  float64
}

// DecodeFITS reads the primary image of a FITS payload. Rows are returned
// north-up (FITS stores the southernmost row first) and every NaN, infinite
// or negative sample becomes 0.
func DecodeFITS(data []byte) (hdr Header, values []float64, err error) {
	if !bytes.HasPrefix(data, []byte("SIMPLE")) {
		return hdr, nil, ErrNotFITS
	}
	// malformed headers can make the reader index past its buffers
	defer func() {
		if r := recover(); r != nil {
			hdr, values, err = Header{}, nil, fmt.Errorf("malformed FITS payload: %v", r)
		}
	}()

	f, err := fitsio.Open(bytes.NewReader(data))
	if err != nil {
		return hdr, nil, fmt.Errorf("open FITS: %w", err)
	}
	defer f.Close()

	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return hdr, nil, errors.New("primary HDU is not an image")
	}
	hdr, n, err := readHeader(img.Header())
	if err != nil {
		return hdr, nil, err
	}

	bytesPer := abs(hdr.BitPix) / 8
	raw := img.Raw()
	if len(raw)/bytesPer < n {
		return hdr, nil, fmt.Errorf("truncated FITS data: have %d bytes, need %d", len(raw), n*bytesPer)
	}

	values = make([]float64, n)
	for row := 0; row < hdr.Naxis2; row++ {
		// flip vertically so row 0 is north
		dst := values[(hdr.Naxis2-1-row)*hdr.Naxis1:]
		for col := 0; col < hdr.Naxis1; col++ {
			off := (row*hdr.Naxis1 + col) * bytesPer
			v := sample(raw[off:off+bytesPer], hdr.BitPix)
			v = hdr.BZero + hdr.BScale*v
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				v = 0
			}
			dst[col] = v
		}
	}
	return hdr, values, nil
}

// maxPixels bounds the image size accepted from the service.
const maxPixels = 1 << 28

// readHeader validates the image keywords and returns the sample count.
func readHeader(h *fitsio.Header) (Header, int, error) {
	hdr := Header{BitPix: h.Bitpix(), BScale: 1}
	switch hdr.BitPix {
	case 8, 16, 32, -32, -64:
	default:
		return hdr, 0, fmt.Errorf("unsupported BITPIX %d", hdr.BitPix)
	}

	axes := h.Axes()
	if len(axes) < 2 {
		return hdr, 0, fmt.Errorf("primary HDU has NAXIS=%d, want an image", len(axes))
	}
	n := 1
	for i, d := range axes {
		if d <= 0 {
			return hdr, 0, fmt.Errorf("invalid NAXIS%d = %d", i+1, d)
		}
		if i >= 2 && d != 1 {
			return hdr, 0, fmt.Errorf("NAXIS%d = %d, want a single plane", i+1, d)
		}
		if n > maxPixels/d {
			return hdr, 0, fmt.Errorf("image of %v pixels is too large", axes)
		}
		n *= d
	}
	hdr.Naxis1, hdr.Naxis2 = axes[0], axes[1]

	var err error
	if hdr.BScale, err = floatCard(h, "BSCALE", 1); err != nil {
		return hdr, 0, err
	}
	if hdr.BZero, err = floatCard(h, "BZERO", 0); err != nil {
		return hdr, 0, err
	}
	return hdr, n, nil
}

func floatCard(h *fitsio.Header, key string, def float64) (float64, error) {
	card := h.Get(key)
	if card == nil {
		return def, nil
	}
	switch v := card.Value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		// exponents written with D, e.g. 1.0D+00
		f, err := strconv.ParseFloat(strings.NewReplacer("D", "E", "d", "e").Replace(strings.TrimSpace(v)), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", key, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("invalid %s %v", key, card.Value)
	}
}

func sample(b []byte, bitpix int) float64 {
	switch bitpix {
	case 8:
		return float64(b[0])
	case 16:
		return float64(int16(binary.BigEndian.Uint16(b)))
	case 32:
		return float64(int32(binary.BigEndian.Uint32(b)))
	case -32:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
	default:
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
