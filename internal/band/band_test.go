package band

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"sky-mosaic/internal/sky"
)

var errService = errors.New("service unavailable")

func TestNewRasterValidation(t *testing.T) {
	if _, err := NewRaster(0, nil); err == nil {
		t.Error("expected error for zero size")
	}
	if _, err := NewRaster(2, []float64{1, 2, 3}); err == nil {
		t.Error("expected error for wrong value count")
	}
	r, err := NewRaster(2, []float64{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("NewRaster: %v", err)
	}
	if r.At(1, 0) != 3 || r.Pixels() != 2 {
		t.Errorf("unexpected raster layout: At(1,0)=%v pixels=%d", r.At(1, 0), r.Pixels())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	r := Constant(3, 7)
	c := r.Clone()
	c.Values()[0] = 1
	if r.At(0, 0) != 7 {
		t.Errorf("clone shares storage with original")
	}
}

func TestFetchOrZero(t *testing.T) {
	coord := sky.New(10, 20)
	ctx := context.Background()

	tests := []struct {
		name     string
		fetcher  FetcherFunc
		wantErr  bool
		wantZero bool
	}{
		{
			name: "success",
			fetcher: func(context.Context, sky.Coordinate, float64, int, string) (*Raster, error) {
				return Constant(4, 2), nil
			},
		},
		{
			name: "plain error",
			fetcher: func(context.Context, sky.Coordinate, float64, int, string) (*Raster, error) {
				return nil, errService
			},
			wantErr:  true,
			wantZero: true,
		},
		{
			name: "wrong shape",
			fetcher: func(context.Context, sky.Coordinate, float64, int, string) (*Raster, error) {
				return Constant(3, 2), nil
			},
			wantErr:  true,
			wantZero: true,
		},
		{
			name: "nil raster",
			fetcher: func(context.Context, sky.Coordinate, float64, int, string) (*Raster, error) {
				return nil, nil
			},
			wantErr:  true,
			wantZero: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := FetchOrZero(ctx, tt.fetcher, coord, 0.1, 4, "DSS2 Red")
			if r == nil || r.Pixels() != 4 {
				t.Fatalf("FetchOrZero must always return a 4x4 raster, got %v", r)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var fe *FetchError
				if !errors.As(err, &fe) {
					t.Fatalf("error %T is not a *FetchError", err)
				}
				if fe.Band != "DSS2 Red" {
					t.Errorf("FetchError.Band = %q", fe.Band)
				}
			}
			zero := true
			for _, v := range r.Values() {
				if v != 0 {
					zero = false
				}
			}
			if zero != tt.wantZero {
				t.Errorf("zero-filled = %v, want %v", zero, tt.wantZero)
			}
		})
	}
}

func TestFetchOrZeroKeepsFetchError(t *testing.T) {
	orig := &FetchError{Band: "b", Err: errService}
	f := FetcherFunc(func(context.Context, sky.Coordinate, float64, int, string) (*Raster, error) {
		return nil, orig
	})
	_, err := FetchOrZero(context.Background(), f, sky.New(0, 0), 0.1, 2, "b")
	if err != orig {
		t.Errorf("FetchOrZero rewrapped an existing FetchError: %v", err)
	}
	if !errors.Is(err, errService) {
		t.Errorf("cause not reachable through Unwrap")
	}
}

func TestFetchSetIsolatesFailedBand(t *testing.T) {
	f := FetcherFunc(func(_ context.Context, _ sky.Coordinate, _ float64, pixels int, id string) (*Raster, error) {
		if id == "ir" {
			return nil, errService
		}
		return Constant(pixels, 5), nil
	})

	set := FetchSet(context.Background(), f, sky.New(1, 1), 0.1, 8, []string{"red", "blue", "ir"})
	if set.Failed() != 1 || set.Errs[2] == nil {
		t.Fatalf("expected only the ir band to fail, got %v", set.Errs)
	}
	for i, r := range set.Rasters {
		if r.Pixels() != 8 {
			t.Errorf("band %d has %d pixels", i, r.Pixels())
		}
	}
	if set.Rasters[0].At(3, 3) != 5 || set.Rasters[2].At(3, 3) != 0 {
		t.Errorf("unexpected band contents")
	}
}

func TestMemoServesCopies(t *testing.T) {
	var calls int32
	next := FetcherFunc(func(_ context.Context, _ sky.Coordinate, _ float64, pixels int, id string) (*Raster, error) {
		atomic.AddInt32(&calls, 1)
		if id == "bad" {
			return nil, errService
		}
		return Constant(pixels, 3), nil
	})
	memo, err := NewMemo(next, 16)
	if err != nil {
		t.Fatalf("NewMemo: %v", err)
	}

	ctx := context.Background()
	coord := sky.New(10, 10)
	first, _ := memo.Fetch(ctx, coord, 0.1, 4, "red")
	first.Values()[0] = 99

	second, err := memo.Fetch(ctx, coord, 0.1, 4, "red")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if second.At(0, 0) != 3 {
		t.Errorf("memo returned a raster mutated by another caller")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("wrapped fetcher called %d times, want 1", got)
	}

	memo.Fetch(ctx, coord, 0.1, 4, "bad")
	memo.Fetch(ctx, coord, 0.1, 4, "bad")
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("failed fetches should not be memoized, calls = %d", got)
	}
}

func TestRGBImage(t *testing.T) {
	rgb := &RGB{R: Constant(2, 1), G: Constant(2, 0.5), B: Constant(2, -1)}
	img := rgb.Image()
	c := img.RGBAAt(1, 1)
	if c.R != 255 || c.G != 128 || c.B != 0 || c.A != 255 {
		t.Errorf("pixel = %+v, want {255 128 0 255}", c)
	}
}
