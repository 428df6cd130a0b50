// Package grid plans the 3x3 layout of mosaic tiles around a center coordinate.
package grid

import (
	"math"

	"sky-mosaic/internal/sky"
)

// Size is the number of tiles along each axis; a plan always has Size*Size tiles.
const Size = 3

// TileCount is the number of tiles in every plan
const TileCount = Size * Size

// Position is one planned tile: its 1-based id and center coordinate.
// Ids run row-major with the northernmost row first.
type Position struct {
	ID    int
	Coord sky.Coordinate
}

// Row returns the 0-based grid row (0 = north).
func (p Position) Row() int { return (p.ID - 1) / Size }

// Column returns the 0-based grid column.
func (p Position) Column() int { return (p.ID - 1) % Size }

// Spacing returns the angular distance between adjacent tile centers.
func Spacing(radius, overlap float64) float64 {
	return 2 * radius * (1 - overlap)
}

// Plan computes the 9 tile centers for a mosaic around center.
//
// Adjacent centers are 2*radius*(1-overlap) degrees apart. The declination
// offset is applied directly while the right-ascension offset is divided by
// cos(dec) of the center so tiles keep their angular width away from the
// equator. Results are not clamped: RA outside [0,360) or Dec beyond ±90 are
// returned as computed and left for the caller to handle.
func Plan(center sky.Coordinate, radius, overlap float64) []Position {
	delta := Spacing(radius, overlap)
	cosDec := math.Cos(sky.DegToRad(center.Dec))
	offsets := [Size]float64{-delta, 0, delta}

	positions := make([]Position, 0, TileCount)
	id := 1
	for row := 0; row < Size; row++ {
		dy := offsets[Size-1-row] // north row first
		for col := 0; col < Size; col++ {
			dx := offsets[col]
			positions = append(positions, Position{
				ID:    id,
				Coord: center.Offset(dx/cosDec, dy),
			})
			id++
		}
	}
	return positions
}

// Center returns the middle tile of a plan.
func Center(positions []Position) (Position, bool) {
	for _, p := range positions {
		if p.ID == (TileCount+1)/2 {
			return p, true
		}
	}
	return Position{}, false
}
