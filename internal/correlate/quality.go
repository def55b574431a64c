package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"precorsia/internal/catalog"
	"precorsia/internal/raster"
)

const (
	// DefaultThreshold is the zero fraction above which a raster is discarded.
	DefaultThreshold = 0.33
	// DefaultBestK is how many rasters feed the composite.
	DefaultBestK = 3
	// LegacyWeight is the fixed per-raster composite weight used by older reports.
	LegacyWeight = 0.3332
)

// WeightPolicy selects the per-raster composite weight.
type WeightPolicy string

const (
	WeightReciprocal WeightPolicy = "reciprocal"
	WeightLegacy     WeightPolicy = "legacy"
)

// Scope decides what a quality group is.
type Scope string

const (
	// ScopeSeries filters each whole series as one group.
	ScopeSeries Scope = "series"
	// ScopeBucket filters every bucket of a series as its own group.
	ScopeBucket Scope = "bucket"
)

// QualityScore is the completeness measure of one raster.
type QualityScore struct {
	ID           string  `json:"id"`
	TimeStart    int64   `json:"time_start"`
	ZeroFraction float64 `json:"zeros"`
}

// ZeroFraction is the share of samples equal to raster.NoData.
func ZeroFraction(r *raster.Raster) (float64, error) {
	if r == nil || r.Len() == 0 {
		return 0, ErrMalformedRaster
	}
	zeros := 0
	for _, v := range r.Pix {
		if v == raster.NoData {
			zeros++
		}
	}
	return float64(zeros) / float64(len(r.Pix)), nil
}

// QualityFilter scores, discards, composites and gap-fills one group of rasters.
type QualityFilter struct {
	store       raster.Store
	locks       *raster.Locker
	log         *slog.Logger
	threshold   float64
	bestK       int
	weight      WeightPolicy
	parallelism int
	held        bool // the caller holds every id lock of the group
}

// NewQualityFilter builds a filter over store. locks may be shared with other
// filters that touch the same store.
func NewQualityFilter(store raster.Store, locks *raster.Locker, logger *slog.Logger, opts Options) *QualityFilter {
	opts = opts.withDefaults()
	if locks == nil {
		locks = raster.NewLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QualityFilter{
		store:       store,
		locks:       locks,
		log:         logger,
		threshold:   opts.Threshold,
		bestK:       opts.BestK,
		weight:      opts.Weight,
		parallelism: opts.Parallelism,
	}
}

// Score computes a QualityScore per record. Records whose raster cannot be read
// or is malformed are left out; their errors are joined into the returned error
// while the remaining scores are still returned in input order.
func (f *QualityFilter) Score(ctx context.Context, recs []catalog.Acquisition) ([]QualityScore, error) {
	scores := make([]QualityScore, len(recs))
	errs := make([]error, len(recs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallelism)
	for i, rec := range recs {
		g.Go(func() error {
			release := f.lock(rec.ID)
			r, err := f.store.Get(gctx, rec.ID)
			release()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				errs[i] = fmt.Errorf("score %s: %w", rec.ID, err)
				return nil
			}
			zf, err := ZeroFraction(r)
			if err != nil {
				errs[i] = fmt.Errorf("score %s: %w", rec.ID, err)
				return nil
			}
			scores[i] = QualityScore{ID: rec.ID, TimeStart: rec.TimeStart, ZeroFraction: zf}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]QualityScore, 0, len(recs))
	for i := range recs {
		if errs[i] == nil {
			out = append(out, scores[i])
		}
	}
	return out, errors.Join(errs...)
}

// Discard returns the scores at or below threshold as a new slice and deletes the
// rasters of everything above it from the store.
func (f *QualityFilter) Discard(ctx context.Context, scores []QualityScore, threshold float64) []QualityScore {
	kept := make([]QualityScore, 0, len(scores))
	for _, s := range scores {
		if s.ZeroFraction <= threshold {
			kept = append(kept, s)
			continue
		}
		release := f.lock(s.ID)
		err := f.store.Delete(ctx, s.ID)
		release()
		if err != nil && !errors.Is(err, raster.ErrNotFound) {
			f.log.Warn("failed to delete discarded raster", "id", s.ID, "error", err)
			continue
		}
		f.log.Debug("raster discarded", "id", s.ID, "zeros", s.ZeroFraction, "threshold", threshold)
	}
	return kept
}

// SelectBest returns up to k scores with the smallest zero fraction. Ties keep
// their original order and the input slice is not reordered.
func SelectBest(scores []QualityScore, k int) []QualityScore {
	if k <= 0 || len(scores) == 0 {
		return []QualityScore{}
	}
	sorted := make([]QualityScore, len(scores))
	copy(sorted, scores)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ZeroFraction < sorted[j].ZeroFraction })
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

// Composite averages the rasters of best into one raster. Rasters that differ
// in size from the first readable one are left out.
func (f *QualityFilter) Composite(ctx context.Context, best []QualityScore) (*raster.Raster, error) {
	if len(best) == 0 {
		return nil, fmt.Errorf("composite of zero rasters: %w", ErrInsufficientData)
	}

	var used []*raster.Raster
	for _, s := range best {
		release := f.lock(s.ID)
		r, err := f.store.Get(ctx, s.ID)
		release()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.log.Warn("composite input unavailable", "id", s.ID, "error", err)
			continue
		}
		if len(used) > 0 && !r.SameSize(used[0]) {
			f.log.Warn("composite input size mismatch", "id", s.ID,
				"width", r.Width, "height", r.Height,
				"expected_width", used[0].Width, "expected_height", used[0].Height)
			continue
		}
		used = append(used, r)
	}
	if len(used) == 0 {
		return nil, fmt.Errorf("no readable composite inputs: %w", ErrInsufficientData)
	}

	weight := 1.0 / float64(len(used))
	if f.weight == WeightLegacy {
		weight = LegacyWeight
	}

	acc := make([]float64, used[0].Len())
	for _, r := range used {
		for i, v := range r.Pix {
			acc[i] += float64(v) * weight
		}
	}

	out := raster.New("composite", used[0].Width, used[0].Height)
	for i, v := range acc {
		out.Pix[i] = clampSample(v)
	}
	return out, nil
}

func clampSample(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > raster.MaxSample {
		return raster.MaxSample
	}
	return uint8(v)
}

// FillAndPersist replaces no-data samples of every best raster with the composite
// sample at the same position and writes the raster back under its id.
// Each raster is held exclusively for the whole read-modify-write.
func (f *QualityFilter) FillAndPersist(ctx context.Context, best []QualityScore, composite *raster.Raster) error {
	if composite == nil {
		return fmt.Errorf("fill without composite: %w", ErrInsufficientData)
	}
	var errs []error
	for _, s := range best {
		if err := f.fillOne(ctx, s.ID, composite); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("fill %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (f *QualityFilter) fillOne(ctx context.Context, id string, composite *raster.Raster) error {
	release := f.lock(id)
	defer release()

	r, err := f.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !r.SameSize(composite) {
		return fmt.Errorf("size %dx%d does not match composite %dx%d: %w",
			r.Width, r.Height, composite.Width, composite.Height, ErrMalformedRaster)
	}
	filled := 0
	for i, v := range r.Pix {
		if v == raster.NoData && composite.Pix[i] != raster.NoData {
			r.Pix[i] = composite.Pix[i]
			filled++
		}
	}
	if filled == 0 {
		return nil
	}
	f.log.Debug("raster gaps filled", "id", id, "samples", filled)
	return f.store.Put(ctx, id, r)
}

// FilterGroup runs score, discard, best selection, compositing and gap filling
// over one group. It returns the scores that survived the discard, in input
// order. Per-raster problems are logged and skipped; only context errors abort.
func (f *QualityFilter) FilterGroup(ctx context.Context, recs []catalog.Acquisition) ([]QualityScore, error) {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	release := f.locks.LockAll(ids)
	defer release()
	g := *f
	g.held = true
	return g.filterGroup(ctx, recs)
}

// lock takes the per-id lock unless the whole group is already held.
func (f *QualityFilter) lock(id string) func() {
	if f.held {
		return func() {}
	}
	return f.locks.Lock(id)
}

func (f *QualityFilter) filterGroup(ctx context.Context, recs []catalog.Acquisition) ([]QualityScore, error) {
	scores, err := f.Score(ctx, recs)
	if scores == nil && err != nil {
		return nil, err
	}
	if err != nil {
		f.log.Warn("rasters dropped while scoring", "error", err)
	}

	kept := f.Discard(ctx, scores, f.threshold)
	best := SelectBest(kept, f.bestK)

	composite, err := f.Composite(ctx, best)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.log.Debug("composite skipped", "reason", err, "group_size", len(recs))
		return kept, nil
	}
	if err := f.FillAndPersist(ctx, best, composite); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.log.Warn("gap filling incomplete", "error", err)
	}
	return kept, nil
}

// FilterSeries applies FilterGroup to a whole series, or to each bucket of it
// when scope is ScopeBucket. Survivors are returned in input order.
func (f *QualityFilter) FilterSeries(ctx context.Context, recs []catalog.Acquisition, roundFactor int, scope Scope) ([]QualityScore, error) {
	if scope != ScopeBucket {
		return f.FilterGroup(ctx, recs)
	}

	var order []int64
	groups := make(map[int64][]catalog.Acquisition)
	for _, r := range recs {
		b := Bucket(r.TimeStart, roundFactor)
		if _, ok := groups[b]; !ok {
			order = append(order, b)
		}
		groups[b] = append(groups[b], r)
	}

	survivors := make(map[string]QualityScore, len(recs))
	for _, b := range order {
		kept, err := f.FilterGroup(ctx, groups[b])
		if err != nil {
			return nil, err
		}
		for _, s := range kept {
			survivors[s.ID] = s
		}
	}

	out := make([]QualityScore, 0, len(survivors))
	for _, r := range recs {
		if s, ok := survivors[r.ID]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}
