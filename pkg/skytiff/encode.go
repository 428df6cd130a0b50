// Package skytiff writes baseline RGB TIFF files annotated with the sky
// position they cover: a model tiepoint mapping the center pixel to RA/Dec
// and a model pixel scale in degrees per pixel.
package skytiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"sort"
	"time"
)

// TIFF field types
const (
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
	typeDouble   = 12
)

// Tags written by Encode
const (
	TagImageWidth                = 256
	TagImageLength               = 257
	TagBitsPerSample             = 258
	TagCompression               = 259
	TagPhotometricInterpretation = 262
	TagImageDescription          = 270
	TagStripOffsets              = 273
	TagSamplesPerPixel           = 277
	TagRowsPerStrip              = 278
	TagStripByteCounts           = 279
	TagXResolution               = 282
	TagYResolution               = 283
	TagPlanarConfiguration       = 284
	TagResolutionUnit            = 296
	TagSoftware                  = 305
	TagDateTime                  = 306

	TagModelPixelScale = 33550
	TagModelTiepoint   = 33922
)

const headerSize = 8

var order = binary.LittleEndian

// Metadata describes where a tile sits on the sky.
type Metadata struct {
	RA          float64   // Right ascension of the image center, degrees
	Dec         float64   // Declination of the image center, degrees
	DegPerPixel float64   // Angular size of one pixel, degrees
	ObsTime     time.Time // Written as DateTime when set
	Description string
	Software    string
}

type field struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// Encode writes m as an uncompressed 8-bit RGB TIFF. meta may be nil.
func Encode(w io.Writer, m image.Image, meta *Metadata) error {
	b := m.Bounds()
	width, height := b.Dx(), b.Dy()
	if width <= 0 || height <= 0 {
		return fmt.Errorf("skytiff: empty image")
	}

	pixels := rgbBytes(m)

	fields := []field{
		{TagImageWidth, typeLong, 1, u32(uint32(width))},
		{TagImageLength, typeLong, 1, u32(uint32(height))},
		{TagBitsPerSample, typeShort, 3, u16s(8, 8, 8)},
		{TagCompression, typeShort, 1, u16s(1)},
		{TagPhotometricInterpretation, typeShort, 1, u16s(2)},
		{TagStripOffsets, typeLong, 1, u32(0)},
		{TagSamplesPerPixel, typeShort, 1, u16s(3)},
		{TagRowsPerStrip, typeLong, 1, u32(uint32(height))},
		{TagStripByteCounts, typeLong, 1, u32(uint32(len(pixels)))},
		{TagXResolution, typeRational, 1, rational(72, 1)},
		{TagYResolution, typeRational, 1, rational(72, 1)},
		{TagPlanarConfiguration, typeShort, 1, u16s(1)},
		{TagResolutionUnit, typeShort, 1, u16s(2)},
	}

	if meta != nil {
		fields = append(fields,
			field{TagModelTiepoint, typeDouble, 6, doubles(float64(width)/2, float64(height)/2, 0, meta.RA, meta.Dec, 0)},
			field{TagModelPixelScale, typeDouble, 3, doubles(meta.DegPerPixel, meta.DegPerPixel, 0)},
		)
		desc := meta.Description
		if desc == "" {
			desc = fmt.Sprintf("RA=%.6f DEC=%.6f SCALE=%.8f", meta.RA, meta.Dec, meta.DegPerPixel)
		}
		fields = append(fields, asciiField(TagImageDescription, desc))
		if meta.Software != "" {
			fields = append(fields, asciiField(TagSoftware, meta.Software))
		}
		if !meta.ObsTime.IsZero() {
			fields = append(fields, asciiField(TagDateTime, meta.ObsTime.UTC().Format("2006:01:02 15:04:05")))
		}
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })

	// Layout: header | IFD | out-of-line values | pixel strip
	ifdSize := 2 + 12*len(fields) + 4
	valuesStart := headerSize + ifdSize

	var values bytes.Buffer
	for i := range fields {
		f := &fields[i]
		if len(f.data) > 4 {
			offset := uint32(valuesStart + values.Len())
			values.Write(f.data)
			if values.Len()%2 == 1 {
				values.WriteByte(0) // keep offsets word aligned
			}
			f.data = u32(offset)
		}
	}
	stripOffset := uint32(valuesStart + values.Len())
	for i := range fields {
		if fields[i].tag == TagStripOffsets {
			fields[i].data = u32(stripOffset)
		}
	}

	var out bytes.Buffer
	out.Write([]byte{'I', 'I', 42, 0})
	out.Write(u32(headerSize))
	binary.Write(&out, order, uint16(len(fields)))
	for _, f := range fields {
		binary.Write(&out, order, f.tag)
		binary.Write(&out, order, f.typ)
		binary.Write(&out, order, f.count)
		var slot [4]byte
		copy(slot[:], f.data)
		out.Write(slot[:])
	}
	out.Write(u32(0)) // no further IFDs
	values.WriteTo(&out)
	out.Write(pixels)

	_, err := out.WriteTo(w)
	return err
}

// rgbBytes flattens m into interleaved 8-bit RGB samples.
func rgbBytes(m image.Image) []byte {
	b := m.Bounds()
	buf := make([]byte, 0, b.Dx()*b.Dy()*3)
	if rgba, ok := m.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, y):rgba.PixOffset(b.Max.X, y)]
			for i := 0; i < len(row); i += 4 {
				buf = append(buf, row[i], row[i+1], row[i+2])
			}
		}
		return buf
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := m.At(x, y).RGBA()
			buf = append(buf, uint8(r>>8), uint8(g>>8), uint8(bl>>8))
		}
	}
	return buf
}

func asciiField(tag uint16, s string) field {
	data := append([]byte(s), 0)
	return field{tag, typeASCII, uint32(len(data)), data}
}

func u16s(vs ...uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		order.PutUint16(b[2*i:], v)
	}
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	order.PutUint32(b, v)
	return b
}

func doubles(vs ...float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		order.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return b
}

func rational(num, den uint32) []byte {
	b := make([]byte, 8)
	order.PutUint32(b, num)
	order.PutUint32(b[4:], den)
	return b
}
