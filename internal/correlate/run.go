package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"precorsia/internal/catalog"
	"precorsia/internal/raster"
)

// Options tunes the quality stage and fan-out.
type Options struct {
	Threshold   float64      `json:"threshold"`
	BestK       int          `json:"best_k"`
	Weight      WeightPolicy `json:"weight"`
	Scope       Scope        `json:"scope"`
	Parallelism int          `json:"parallelism"`
}

// DefaultOptions returns the stock quality settings with the reciprocal composite weight.
func DefaultOptions() Options {
	return Options{
		Threshold:   DefaultThreshold,
		BestK:       DefaultBestK,
		Weight:      WeightReciprocal,
		Scope:       ScopeSeries,
		Parallelism: 1,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.BestK <= 0 {
		o.BestK = d.BestK
	}
	if o.Weight == "" {
		o.Weight = d.Weight
	}
	if o.Scope == "" {
		o.Scope = d.Scope
	}
	if o.Parallelism < 1 {
		o.Parallelism = d.Parallelism
	}
	return o
}

// Request is the input of one correlation run.
type Request struct {
	SeriesA     []catalog.Acquisition `json:"series_a"`
	SeriesB     []catalog.Acquisition `json:"series_b"`
	RoundFactor int                   `json:"round_factor"`
	RangeA      BandRange             `json:"range_a"`
	RangeB      BandRange             `json:"range_b"`
}

// RunStats counts what each stage kept.
type RunStats struct {
	InputA         int           `json:"input_a"`
	InputB         int           `json:"input_b"`
	MatchedA       int           `json:"matched_a"`
	MatchedB       int           `json:"matched_b"`
	SurvivedA      int           `json:"survived_a"`
	SurvivedB      int           `json:"survived_b"`
	Buckets        int           `json:"buckets"`
	DroppedBuckets int           `json:"dropped_buckets"`
	Duration       time.Duration `json:"duration_ns"`
}

// Result is everything a run produces.
type Result struct {
	Correlation CorrelationResult  `json:"correlation"`
	Series      []CorrelationPoint `json:"series"`
	Shifts      []ShiftCorrelation `json:"shifts"`
	Pairings    []BucketPairing    `json:"pairings"`
	ScoresA     []QualityScore     `json:"scores_a"`
	ScoresB     []QualityScore     `json:"scores_b"`
	Stats       RunStats           `json:"stats"`
}

// Runner executes the full pipeline against one raster store.
type Runner struct {
	store raster.Store
	locks *raster.Locker
	log   *slog.Logger
	opts  Options
}

// NewRunner wires a runner. Runners sharing a store should share locks too.
func NewRunner(store raster.Store, locks *raster.Locker, logger *slog.Logger, opts Options) *Runner {
	if locks == nil {
		locks = raster.NewLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, locks: locks, log: logger, opts: opts.withDefaults()}
}

// Options returns the effective options.
func (r *Runner) Options() Options {
	return r.opts
}

// Run matches, filters, reduces and searches. It fails when the series do not
// overlap or when no bucket yields a usable point.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if err := ValidateRoundFactor(req.RoundFactor); err != nil {
		return nil, err
	}
	if len(req.SeriesA) == 0 || len(req.SeriesB) == 0 {
		return nil, fmt.Errorf("acquisition lists have %d and %d entries: %w", len(req.SeriesA), len(req.SeriesB), ErrEmptyInput)
	}

	res := &Result{Stats: RunStats{InputA: len(req.SeriesA), InputB: len(req.SeriesB)}}

	matchedA, matchedB := Match(req.SeriesA, req.SeriesB, req.RoundFactor)
	res.Stats.MatchedA, res.Stats.MatchedB = len(matchedA), len(matchedB)
	r.log.Info("time buckets matched",
		"round_factor", req.RoundFactor,
		"matched_a", len(matchedA),
		"matched_b", len(matchedB),
	)
	if len(matchedA) == 0 || len(matchedB) == 0 {
		return nil, fmt.Errorf("no overlapping time buckets: %w", ErrEmptyInput)
	}

	qf := NewQualityFilter(r.store, r.locks, r.log, r.opts)
	scoresA, err := qf.FilterSeries(ctx, matchedA, req.RoundFactor, r.opts.Scope)
	if err != nil {
		return nil, fmt.Errorf("quality filter series a: %w", err)
	}
	scoresB, err := qf.FilterSeries(ctx, matchedB, req.RoundFactor, r.opts.Scope)
	if err != nil {
		return nil, fmt.Errorf("quality filter series b: %w", err)
	}
	res.ScoresA, res.ScoresB = scoresA, scoresB
	res.Stats.SurvivedA, res.Stats.SurvivedB = len(scoresA), len(scoresB)
	r.log.Info("quality filter finished",
		"survived_a", len(scoresA),
		"survived_b", len(scoresB),
		"threshold", r.opts.Threshold,
	)

	pairings := ConnectedCorrelation(toAcquisitions(scoresA), toAcquisitions(scoresB), req.RoundFactor)
	reducer := NewSignalReducer(r.store, r.log, r.opts.Parallelism)
	reducer.locks = r.locks

	for _, p := range pairings {
		raw, err := reducer.Reduce(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.Stats.DroppedBuckets++
			r.log.Warn("bucket dropped", "bucket", p.Bucket, "error", err)
			continue
		}
		res.Pairings = append(res.Pairings, p)
		res.Series = append(res.Series, Rescale(raw, req.RangeA, req.RangeB))
	}
	res.Stats.Buckets = len(res.Pairings)
	if len(res.Series) == 0 {
		return nil, fmt.Errorf("no usable buckets after filtering: %w", ErrEmptyInput)
	}

	best, err := Search(res.Series)
	if err != nil {
		return nil, err
	}
	res.Correlation = best
	res.Shifts = Shifts(res.Series)
	res.Stats.Duration = time.Since(start)

	r.log.Info("lag search finished",
		"buckets", res.Stats.Buckets,
		"best_shift", best.Shift,
		"best_correlation", best.PearsonR,
	)
	return res, nil
}

func toAcquisitions(scores []QualityScore) []catalog.Acquisition {
	out := make([]catalog.Acquisition, len(scores))
	for i, s := range scores {
		out[i] = catalog.Acquisition{ID: s.ID, TimeStart: s.TimeStart}
	}
	return out
}
