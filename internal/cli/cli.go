package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"golang.org/x/sync/errgroup"

	"precorsia/internal/config"
	"precorsia/internal/grpcserver"
	"precorsia/internal/pipeline"
	"precorsia/internal/raster"
	"precorsia/internal/server"
	"precorsia/internal/storage"
)

// Version is reported by `precorsia version`.
const Version = "0.3.0-dev"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, r *Root, httpAddr, grpcAddr string) error

func defaultServe(ctx context.Context, r *Root, httpAddr, grpcAddr string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx, httpAddr, r.store, r.pipeline, r.cfg.Correlation, r.log)
	})
	if grpcAddr != "" {
		g.Go(func() error {
			return grpcserver.New(r.pipeline, r.store, r.cfg.Correlation, r.log).Serve(ctx, grpcAddr)
		})
	}
	return g.Wait()
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	catalog  pipeline.Lister
	rasters  raster.Store
	out      io.Writer
	serveFn  serverFunc
}

// NewRoot builds a Root over an opened App.
func NewRoot(app *App, cfg *config.Config, logger *slog.Logger) *Root {
	return &Root{
		pipeline: app.Pipeline,
		cfg:      cfg,
		log:      logger,
		store:    app.Store,
		catalog:  app.Catalog,
		rasters:  app.Rasters,
		out:      os.Stdout,
		serveFn:  defaultServe,
	}
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("run queued", "type", job.Type, "run_id", job.ID,
		"reference", job.Study.Reference.Name, "comparable", job.Study.Comparable.Name)
	return nil
}

func (r *Root) printResult(res pipeline.Result) {
	if out := res.Output; out != nil {
		r.printf("Run %s completed\n", res.Job.ID)
		r.printf("  Best correlation: %.4f\n", out.Correlation.PearsonR)
		r.printf("  Best shift:       %d\n", out.Correlation.Shift)
		r.printf("  Buckets:          %d (%d dropped)\n", len(out.Pairings), out.Stats.DroppedBuckets)
		if res.ReportPath != "" {
			r.printf("  Report:           %s\n", res.ReportPath)
		}
		return
	}

	r.printf("Run %s completed\n", res.Job.ID)
	keys := make([]string, 0, len(res.Meta))
	for k := range res.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.printf("  %-22s %v\n", k+":", res.Meta[k])
	}
}
