package band

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"sky-mosaic/internal/sky"
)

type memoKey struct {
	ra, dec float64
	radius  float64
	pixels  int
	band    string
}

// Memo is a Fetcher that keeps recently fetched rasters in memory so the
// center tile, fetched once for calibration and again for compositing, only
// hits the imaging service once. Callers always receive their own copy.
// Failed fetches are not remembered.
type Memo struct {
	next  Fetcher
	cache *lru.Cache[memoKey, *Raster]
}

// NewMemo wraps next with an LRU of the given number of rasters.
func NewMemo(next Fetcher, size int) (*Memo, error) {
	cache, err := lru.New[memoKey, *Raster](size)
	if err != nil {
		return nil, fmt.Errorf("create raster memo: %w", err)
	}
	return &Memo{next: next, cache: cache}, nil
}

// Fetch returns a cached copy or delegates to the wrapped fetcher.
func (m *Memo) Fetch(ctx context.Context, coord sky.Coordinate, radius float64, pixels int, bandID string) (*Raster, error) {
	key := memoKey{ra: coord.RA, dec: coord.Dec, radius: radius, pixels: pixels, band: bandID}
	if r, ok := m.cache.Get(key); ok {
		return r.Clone(), nil
	}

	r, err := m.next.Fetch(ctx, coord, radius, pixels, bandID)
	if err != nil || r == nil {
		return r, err
	}
	m.cache.Add(key, r.Clone())
	return r, nil
}
