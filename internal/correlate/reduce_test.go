package correlate

import (
	"context"
	"errors"
	"testing"

	"precorsia/internal/raster"
)

func TestReduceAveragesPerRasterMeans(t *testing.T) {
	store := raster.NewMemStore()
	putRaster(t, store, "x", 2, 1, 10, 10)
	putRaster(t, store, "y", 1, 1, 30)
	putRaster(t, store, "z", 2, 1, 0, 255)

	sr := NewSignalReducer(store, quietLogger(), 2)
	p := BucketPairing{Bucket: 100, SeriesA: []string{"x", "missing", "y"}, SeriesB: []string{"z"}}
	got, err := sr.Reduce(context.Background(), p)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	// mean of means, not of pooled samples
	if got.A != 20 {
		t.Fatalf("expected A=20, got %v", got.A)
	}
	if got.B != 127.5 {
		t.Fatalf("expected B=127.5, got %v", got.B)
	}
}

func TestReduceWithoutUsableRasters(t *testing.T) {
	store := raster.NewMemStore()
	putRaster(t, store, "ok", 1, 1, 9)
	putRaster(t, store, "empty", 0, 0)

	sr := NewSignalReducer(store, quietLogger(), 1)
	_, err := sr.Reduce(context.Background(), BucketPairing{SeriesA: []string{"ok"}, SeriesB: []string{"empty", "gone"}})
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestMeanSample(t *testing.T) {
	r, _ := raster.FromSamples("m", 2, 2, []uint8{0, 255, 255, 2})
	m, err := MeanSample(r)
	if err != nil {
		t.Fatalf("mean: %v", err)
	}
	if m != 128 {
		t.Fatalf("expected 128, got %v", m)
	}
	if _, err := MeanSample(nil); !errors.Is(err, ErrMalformedRaster) {
		t.Fatalf("expected ErrMalformedRaster for nil raster")
	}
}
