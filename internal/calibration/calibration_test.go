package calibration

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gonum.org/v1/gonum/stat"

	"sky-mosaic/internal/band"
	"sky-mosaic/internal/metrics"
	"sky-mosaic/internal/sky"
)

var testBands = []string{"DSS2 Red", "DSS2 Blue", "DSS2 IR"}

func rampRasters(t *testing.T, pixels int) []*band.Raster {
	t.Helper()
	n := pixels * pixels
	rasters := make([]*band.Raster, 3)
	for b := range rasters {
		values := make([]float64, n)
		for i := range values {
			values[i] = float64(b*n + i)
		}
		r, err := band.NewRaster(pixels, values)
		if err != nil {
			t.Fatalf("NewRaster: %v", err)
		}
		rasters[b] = r
	}
	return rasters
}

func randomRasters(t *testing.T, pixels int, seed int64) []*band.Raster {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	scales := []float64{1000, 400, 2500}
	rasters := make([]*band.Raster, 3)
	for b := range rasters {
		values := make([]float64, pixels*pixels)
		for i := range values {
			values[i] = scales[b] * rng.ExpFloat64()
		}
		r, err := band.NewRaster(pixels, values)
		if err != nil {
			t.Fatalf("NewRaster: %v", err)
		}
		rasters[b] = r
	}
	return rasters
}

func TestPercentile(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 1},
		{100, 5},
		{50, 3},
		{25, 2},
		{10, 1.4},
	}
	for _, tt := range tests {
		if got := Percentile(data, tt.p); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
	if !math.IsNaN(Percentile(nil, 50)) {
		t.Error("Percentile of empty data should be NaN")
	}
}

func TestWindowMatchesPooledPercentiles(t *testing.T) {
	// three 10x10 rasters holding 0..299 once each
	rasters := rampRasters(t, 10)
	vmin, vmax, err := Window(rasters)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	// index = p/100 * 299
	if math.Abs(vmin-1.495) > 1e-9 {
		t.Errorf("vmin = %v, want 1.495", vmin)
	}
	if math.Abs(vmax-297.505) > 1e-9 {
		t.Errorf("vmax = %v, want 297.505", vmax)
	}

	cal, err := FromRasters(rasters)
	if err != nil {
		t.Fatalf("FromRasters: %v", err)
	}
	if cal.VMin != vmin || cal.VMax != vmax {
		t.Errorf("calibration window (%v,%v) differs from Window (%v,%v)", cal.VMin, cal.VMax, vmin, vmax)
	}
}

func TestBalanceEqualizesChannelMeans(t *testing.T) {
	rasters := randomRasters(t, 64, 42)
	cal, err := FromRasters(rasters)
	if err != nil {
		t.Fatalf("FromRasters: %v", err)
	}

	mixed := cal.Mix(cal.Normalize(rasters[0]), cal.Normalize(rasters[1]), cal.Normalize(rasters[2]))
	r := stat.Mean(mixed.R.Values(), nil) * cal.BalanceR
	g := stat.Mean(mixed.G.Values(), nil) * cal.BalanceG
	b := stat.Mean(mixed.B.Values(), nil) * cal.BalanceB

	if math.Abs(r-g) > 1e-6 || math.Abs(g-b) > 1e-6 {
		t.Errorf("balanced channel means differ: r=%v g=%v b=%v", r, g, b)
	}
}

func TestConstantBandsWidenWindow(t *testing.T) {
	const c = 1234.5
	rasters := []*band.Raster{band.Constant(16, c), band.Constant(16, c), band.Constant(16, c)}

	cal, err := FromRasters(rasters)
	if err != nil {
		t.Fatalf("FromRasters: %v", err)
	}
	if math.Abs(cal.VMin-c) > RangeEpsilon || math.Abs(cal.VMax-c) > RangeEpsilon {
		t.Errorf("window (%v, %v) should hug the constant %v", cal.VMin, cal.VMax, c)
	}
	if cal.VMax <= cal.VMin {
		t.Errorf("vmax %v must exceed vmin %v", cal.VMax, cal.VMin)
	}
	for name, b := range map[string]float64{"r": cal.BalanceR, "g": cal.BalanceG, "b": cal.BalanceB} {
		if math.Abs(b-1) > 1e-4 {
			t.Errorf("balance %s = %v, want 1", name, b)
		}
	}
}

func TestAllZeroPoolIsAnError(t *testing.T) {
	_, err := FromRasters([]*band.Raster{band.Zero(4), band.Zero(4), band.Zero(4)})
	var ce *Error
	if !errors.As(err, &ce) || !errors.Is(err, ErrNoSignal) {
		t.Fatalf("FromRasters(zeros) error = %v, want calibration Error wrapping ErrNoSignal", err)
	}
}

func TestApplyClipsToUnitRange(t *testing.T) {
	rasters := randomRasters(t, 32, 7)
	cal, err := FromRasters(rasters)
	if err != nil {
		t.Fatalf("FromRasters: %v", err)
	}
	rgb, err := cal.Apply(rasters)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for _, ch := range []*band.Raster{rgb.R, rgb.G, rgb.B} {
		for _, v := range ch.Values() {
			if v < 0 || v > 1 {
				t.Fatalf("value %v outside [0,1]", v)
			}
		}
	}

	if _, err := cal.Apply(rasters[:2]); err == nil {
		t.Error("Apply with two bands should fail")
	}
	if _, err := cal.Apply([]*band.Raster{rasters[0], rasters[1], band.Zero(4)}); err == nil {
		t.Error("Apply with mismatched shapes should fail")
	}
}

func TestNormalizeUsesGivenWindow(t *testing.T) {
	cal := Calibration{VMin: 10, VMax: 20, BalanceR: 1, BalanceG: 1, BalanceB: 1}
	r, _ := band.NewRaster(2, []float64{5, 10, 15, math.NaN()})
	n := cal.Normalize(r)
	want := []float64{0, 0, 0.5, 0}
	for i, v := range n.Values() {
		if math.Abs(v-want[i]) > 1e-12 {
			t.Errorf("normalized[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestEstimateFallbacks(t *testing.T) {
	ctx := context.Background()
	center := sky.New(10.6847, 41.2689)

	t.Run("one band fails", func(t *testing.T) {
		f := band.FetcherFunc(func(_ context.Context, _ sky.Coordinate, _ float64, pixels int, id string) (*band.Raster, error) {
			if id == "DSS2 IR" {
				return nil, errors.New("timeout")
			}
			return randomRasters(t, pixels, 3)[0], nil
		})
		collector, err := metrics.New(prometheus.NewRegistry())
		if err != nil {
			t.Fatal(err)
		}
		cal, err := NewEstimator(f, WithMetrics(collector)).Estimate(ctx, center, 0.1, 16, testBands)
		if err != nil {
			t.Fatalf("Estimate: %v", err)
		}
		if err := cal.Validate(); err != nil {
			t.Errorf("calibration invalid: %v", err)
		}
		if got := testutil.ToFloat64(collector.BandFetches.WithLabelValues("DSS2 IR", metrics.OutcomeFallback)); got != 1 {
			t.Errorf("IR fallbacks = %v, want 1", got)
		}
		if got := testutil.ToFloat64(collector.BandFetches.WithLabelValues("DSS2 Red", metrics.OutcomeOK)); got != 1 {
			t.Errorf("red fetches = %v, want 1", got)
		}
	})

	t.Run("all bands fail", func(t *testing.T) {
		f := band.FetcherFunc(func(context.Context, sky.Coordinate, float64, int, string) (*band.Raster, error) {
			return nil, errors.New("service down")
		})
		_, err := Estimate(ctx, f, center, 0.1, 16, testBands)
		var ce *Error
		if !errors.As(err, &ce) {
			t.Fatalf("Estimate error = %v, want *Error", err)
		}
		if !errors.Is(err, ErrAllBandsFailed) || len(ce.BandErrs) != 3 {
			t.Errorf("unexpected calibration error: %v", err)
		}
	})

	t.Run("wrong band count", func(t *testing.T) {
		_, err := Estimate(ctx, band.FetcherFunc(nil), center, 0.1, 16, testBands[:2])
		if err == nil {
			t.Fatal("expected error for two bands")
		}
	})
}

func TestEstimateOnlyFetchesCenter(t *testing.T) {
	center := sky.New(83.8221, -5.3911)
	f := band.FetcherFunc(func(_ context.Context, c sky.Coordinate, _ float64, pixels int, _ string) (*band.Raster, error) {
		if c != center {
			t.Errorf("estimator fetched %v, want center %v", c, center)
		}
		return band.Constant(pixels, 50), nil
	})
	if _, err := Estimate(context.Background(), f, center, 0.1, 8, testBands); err != nil {
		t.Fatalf("Estimate: %v", err)
	}
}
