package pipeline

import (
	"fmt"
	"math"

	"precorsia/internal/correlate"
)

// Job option keys that tune the quality filter of one run. Any other key is
// kept as run metadata (for example "source").
const (
	OptThreshold = "threshold"
	OptBestK     = "best_k"
	OptWeight    = "weight"
	OptScope     = "scope"
)

// RunOptions overlays the job's quality keys on base. changed reports whether
// any key was present.
func (j Job) RunOptions(base correlate.Options) (opts correlate.Options, changed bool, err error) {
	opts = base
	for key, v := range j.Options {
		switch key {
		case OptThreshold:
			f, ok := number(v)
			if !ok || f <= 0 || f > 1 {
				return base, false, fmt.Errorf("option %s must be a number in (0, 1], got %v", key, v)
			}
			opts.Threshold = f
		case OptBestK:
			f, ok := number(v)
			if !ok || f < 1 || f != math.Trunc(f) {
				return base, false, fmt.Errorf("option %s must be a positive integer, got %v", key, v)
			}
			opts.BestK = int(f)
		case OptWeight:
			s, _ := v.(string)
			switch w := correlate.WeightPolicy(s); w {
			case correlate.WeightReciprocal, correlate.WeightLegacy:
				opts.Weight = w
			default:
				return base, false, fmt.Errorf("option %s must be reciprocal or legacy, got %v", key, v)
			}
		case OptScope:
			s, _ := v.(string)
			switch sc := correlate.Scope(s); sc {
			case correlate.ScopeSeries, correlate.ScopeBucket:
				opts.Scope = sc
			default:
				return base, false, fmt.Errorf("option %s must be series or bucket, got %v", key, v)
			}
		default:
			continue
		}
		changed = true
	}
	return opts, changed, nil
}

// ValidateOptions checks the job's quality keys without a base.
func (j Job) ValidateOptions() error {
	_, _, err := j.RunOptions(correlate.Options{})
	return err
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
