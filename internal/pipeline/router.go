package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"precorsia/internal/catalog"
	"precorsia/internal/config"
	"precorsia/internal/correlate"
	"precorsia/internal/logging"
	"precorsia/internal/raster"
	"precorsia/internal/report"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	catalog   Lister
	rasters   raster.Store
	options   correlate.Options
	runner    runner
	newRunner func(correlate.Options) runner
	reportDir string
	writeFn   reportWriter
}

type runner interface {
	Run(ctx context.Context, req correlate.Request) (*correlate.Result, error)
}

type reportWriter func(dir string, m report.Meta, res *correlate.Result) (string, error)

func newRouter(logger *slog.Logger, deps Deps) Processor {
	newRunner := func(opts correlate.Options) runner {
		return correlate.NewRunner(deps.Rasters, deps.Locks, logger, opts)
	}
	return &router{
		log:       logger,
		catalog:   deps.Catalog,
		rasters:   deps.Rasters,
		options:   deps.Options,
		runner:    newRunner(deps.Options),
		newRunner: newRunner,
		reportDir: deps.ReportDir,
		writeFn:   report.Write,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobCorrelate:
		return r.handleCorrelate(ctx, job)
	case JobScan:
		return r.handleScan(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// list fetches both sides of the study. An empty listing on either side is
// reported as correlate.ErrEmptyInput.
func (r *router) list(ctx context.Context, job Job) ([]catalog.Acquisition, []catalog.Acquisition, error) {
	if err := job.Study.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid study: %w", err)
	}
	if r.catalog == nil {
		return nil, nil, errors.New("no catalog configured")
	}
	var out [2][]catalog.Acquisition
	for i, ds := range []config.Dataset{job.Study.Reference, job.Study.Comparable} {
		q, err := job.Study.Query(ds)
		if err != nil {
			return nil, nil, err
		}
		recs, err := r.catalog.List(ctx, q)
		if errors.Is(err, catalog.ErrNoAcquisitions) {
			return nil, nil, fmt.Errorf("%w: %w", correlate.ErrEmptyInput, err)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("list %s: %w", ds.Name, err)
		}
		out[i] = recs
	}
	return out[0], out[1], nil
}

// runnerFor returns the shared runner unless the job overrides quality options.
func (r *router) runnerFor(job Job) (runner, error) {
	opts, changed, err := job.RunOptions(r.options)
	if err != nil {
		return nil, err
	}
	if !changed {
		return r.runner, nil
	}
	r.log.Debug("run options overridden", "run_id", job.ID,
		"threshold", opts.Threshold, "best_k", opts.BestK, "weight", opts.Weight, "scope", opts.Scope)
	return r.newRunner(opts), nil
}

func (r *router) handleCorrelate(ctx context.Context, job Job) Result {
	run, err := r.runnerFor(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	seriesA, seriesB, err := r.list(ctx, job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	logging.LogStage(r.log, job.ID, "catalog", "done", map[string]any{
		"reference":  len(seriesA),
		"comparable": len(seriesB),
	})

	out, err := run.Run(ctx, correlate.Request{
		SeriesA:     seriesA,
		SeriesB:     seriesB,
		RoundFactor: job.Study.RoundFactor,
		RangeA:      job.Study.Reference.BandRange(),
		RangeB:      job.Study.Comparable.BandRange(),
	})
	if err != nil {
		return Result{Job: job, Error: err}
	}

	meta := map[string]any{
		"best_correlation": out.Correlation.PearsonR,
		"best_shift":       out.Correlation.Shift,
		"buckets":          len(out.Pairings),
		"dropped_buckets":  out.Stats.DroppedBuckets,
		"survived_a":       out.Stats.SurvivedA,
		"survived_b":       out.Stats.SurvivedB,
	}
	res := Result{Job: job, Meta: meta, Output: out}

	if r.reportDir != "" && r.writeFn != nil {
		path, err := r.writeFn(r.reportDir, job.Study.ReportMeta(), out)
		if err != nil {
			// a failed report write does not fail the run
			r.log.Warn("failed to write report", "run_id", job.ID, "error", err)
			meta["report_error"] = err.Error()
		} else {
			res.ReportPath = path
			meta["report_path"] = path
			logging.LogStage(r.log, job.ID, "report", "written", map[string]any{"path": path})
		}
	}
	return res
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	seriesA, seriesB, err := r.list(ctx, job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	availA, err := r.available(ctx, seriesA)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	availB, err := r.available(ctx, seriesB)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	matchA, matchB := correlate.Match(seriesA, seriesB, job.Study.RoundFactor)

	return Result{Job: job, Meta: map[string]any{
		"reference_listed":     len(seriesA),
		"reference_available":  availA,
		"comparable_listed":    len(seriesB),
		"comparable_available": availB,
		"reference_matched":    len(matchA),
		"comparable_matched":   len(matchB),
	}}
}

func (r *router) available(ctx context.Context, recs []catalog.Acquisition) (int, error) {
	if r.rasters == nil {
		return 0, errors.New("no raster store configured")
	}
	n := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := r.rasters.Exists(ctx, rec.ID)
		if err != nil {
			return n, fmt.Errorf("check %s: %w", rec.ID, err)
		}
		if ok {
			n++
		}
	}
	return n, nil
}
