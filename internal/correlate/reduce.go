package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"

	"precorsia/internal/raster"
)

// BandRange is the physical range a band was stretched from into 0..255.
type BandRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// CorrelationPoint is one bucket's signal value for each series.
type CorrelationPoint struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// MeanSample is the spatial mean of a raster's samples.
func MeanSample(r *raster.Raster) (float64, error) {
	if r == nil || r.Len() == 0 {
		return 0, ErrMalformedRaster
	}
	var sum uint64
	for _, v := range r.Pix {
		sum += uint64(v)
	}
	return float64(sum) / float64(len(r.Pix)), nil
}

// SignalReducer turns bucket pairings into raw correlation points.
type SignalReducer struct {
	store       raster.Store
	locks       *raster.Locker // optional
	log         *slog.Logger
	parallelism int
}

// NewSignalReducer reads rasters from store with at most parallelism concurrent fetches.
func NewSignalReducer(store raster.Store, logger *slog.Logger, parallelism int) *SignalReducer {
	if parallelism < 1 {
		parallelism = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalReducer{store: store, log: logger, parallelism: parallelism}
}

// Reduce returns the mean of per-raster means for each side of p, in the raw
// 0..255 domain.
func (sr *SignalReducer) Reduce(ctx context.Context, p BucketPairing) (CorrelationPoint, error) {
	a, err := sr.sideMean(ctx, p.SeriesA)
	if err != nil {
		return CorrelationPoint{}, fmt.Errorf("bucket %d series a: %w", p.Bucket, err)
	}
	b, err := sr.sideMean(ctx, p.SeriesB)
	if err != nil {
		return CorrelationPoint{}, fmt.Errorf("bucket %d series b: %w", p.Bucket, err)
	}
	return CorrelationPoint{A: a, B: b}, nil
}

func (sr *SignalReducer) get(ctx context.Context, id string) (*raster.Raster, error) {
	if sr.locks != nil {
		release := sr.locks.Lock(id)
		defer release()
	}
	return sr.store.Get(ctx, id)
}

func (sr *SignalReducer) sideMean(ctx context.Context, ids []string) (float64, error) {
	means := make([]float64, len(ids))
	ok := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sr.parallelism)
	for i, id := range ids {
		g.Go(func() error {
			r, err := sr.get(gctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				sr.log.Warn("raster unavailable for reduction", "id", id, "error", err)
				return nil
			}
			m, err := MeanSample(r)
			if err != nil {
				sr.log.Warn("raster skipped in reduction", "id", id, "error", err)
				return nil
			}
			means[i] = m
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var usable stats.Float64Data
	for i := range ids {
		if ok[i] {
			usable = append(usable, means[i])
		}
	}
	if len(usable) == 0 {
		return 0, ErrInsufficientData
	}
	mean, err := stats.Mean(usable)
	if err != nil {
		return 0, errors.Join(ErrInsufficientData, err)
	}
	return mean, nil
}

// Rescale maps raw 0..255 values to physical units as raw/255*max per side.
// 0 maps to 0 and 255 maps to max exactly.
func Rescale(p CorrelationPoint, rangeA, rangeB BandRange) CorrelationPoint {
	return CorrelationPoint{
		A: rescaleValue(p.A, rangeA.Max),
		B: rescaleValue(p.B, rangeB.Max),
	}
}

func rescaleValue(raw, max float64) float64 {
	return raw / raster.MaxSample * max
}
