package cli

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"precorsia/internal/config"
	"precorsia/internal/grpcserver"
	"precorsia/internal/pipeline"
	"precorsia/internal/rasterstore"
	"precorsia/internal/watch"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "precorsia",
		Short: "Precorsia correlates two raster time series over one place",
		Long: `Precorsia matches two series of grayscale rasters by time bucket, drops and
gap-fills low quality frames, reduces every bucket to one value per series and
searches the time shift with the highest Pearson correlation.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newImportCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newSubmitCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// Run executes one command line against r.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := NewRootCmd(r)
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	cmd.SetErr(r.out)
	return cmd.ExecuteContext(ctx)
}

// studyFlags overlays command line values on the configured study.
type studyFlags struct {
	reference   string
	comparable  string
	startDate   string
	days        int
	roundFactor int
	climate     string
	lon, lat    float64
	margin      float64
}

func (f *studyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.reference, "reference", "", "reference dataset (overrides config)")
	cmd.Flags().StringVar(&f.comparable, "comparable", "", "comparable dataset (overrides config)")
	cmd.Flags().StringVar(&f.startDate, "start-date", "", "first day of the window, YYYY-MM-DD")
	cmd.Flags().IntVar(&f.days, "days", 0, "length of the window in days")
	cmd.Flags().IntVar(&f.roundFactor, "round-factor", 0, "bucket width exponent, buckets are 10^n ms wide")
	cmd.Flags().StringVar(&f.climate, "climate", "", "climate class used in the report name")
	cmd.Flags().Float64Var(&f.lon, "lon", 0, "longitude of the study point")
	cmd.Flags().Float64Var(&f.lat, "lat", 0, "latitude of the study point")
	cmd.Flags().Float64Var(&f.margin, "margin", 0, "catalog search margin in degrees")
}

func (f *studyFlags) apply(cmd *cobra.Command, study config.Correlation) config.Correlation {
	changed := cmd.Flags().Changed
	if changed("reference") {
		study.Reference.Name = f.reference
	}
	if changed("comparable") {
		study.Comparable.Name = f.comparable
	}
	if changed("start-date") {
		study.StartDate = f.startDate
	}
	if changed("days") {
		study.Days = f.days
	}
	if changed("round-factor") {
		study.RoundFactor = f.roundFactor
	}
	if changed("climate") {
		study.Climate = f.climate
	}
	if changed("lon") {
		study.Geolocation[0] = f.lon
	}
	if changed("lat") {
		study.Geolocation[1] = f.lat
	}
	if changed("margin") {
		study.MarginDeg = f.margin
	}
	return study
}

func (r *Root) runStudy(ctx context.Context, jobType pipeline.JobType, study config.Correlation, source string) error {
	if err := study.Validate(); err != nil {
		return err
	}
	job := pipeline.Job{
		ID:      pipeline.NewID(),
		Type:    jobType,
		Study:   study,
		Options: map[string]any{"source": source},
	}
	res, err := r.enqueueAndWait(ctx, job)
	if err != nil {
		return fmt.Errorf("run %s failed: %w", job.ID, err)
	}
	r.printResult(res)
	return nil
}

func newRunCmd(root *Root) *cobra.Command {
	var f studyFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one correlation and write its report",
		Long: `Lists both datasets from the catalog, correlates the buffered rasters and
writes a corr_list_*.json report under paths.data_dir.

Examples:
  precorsia run
  precorsia run --start-date 2020-01-01 --days 30 --round-factor 7
  precorsia run --comparable NASA/GPM_L3/IMERG_V06 --climate Af --lon -60 --lat -3.1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runStudy(cmd.Context(), pipeline.JobCorrelate, f.apply(cmd, root.cfg.Correlation), "cli")
		},
	}
	f.register(cmd)
	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	var f studyFlags
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Count listed, buffered and matched acquisitions without correlating",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runStudy(cmd.Context(), pipeline.JobScan, f.apply(cmd, root.cfg.Correlation), "cli")
		},
	}
	f.register(cmd)
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				root.printf("No runs recorded\n")
				return nil
			}
			for _, rec := range recs {
				line := fmt.Sprintf("%-36s  %-9s  rf=%-2d  %s -> %s  %s",
					rec.ID, rec.Status, rec.RoundFactor, rec.ReferenceDataset, rec.ComparableDataset, humanize.Time(rec.CreatedAt))
				if rec.Error != "" {
					line += "  (" + rec.Error + ")"
				}
				root.printf("%s\n", line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	cmd.AddCommand(newRunShowCmd(root))
	return cmd
}

func newRunShowCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one run with its result and bucket pairings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := root.store.Run(args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			root.printf("Run %s (%s)\n", rec.ID, rec.Status)
			root.printf("  Datasets: %s -> %s, round factor %d\n", rec.ReferenceDataset, rec.ComparableDataset, rec.RoundFactor)
			root.printf("  Created:  %s\n", humanize.Time(rec.CreatedAt))
			if rec.StartedAt != nil && rec.CompletedAt != nil {
				root.printf("  Took:     %s\n", rec.CompletedAt.Sub(*rec.StartedAt).Round(time.Millisecond))
			}
			if rec.Error != "" {
				root.printf("  Error:    %s\n", rec.Error)
				return nil
			}
			res, err := root.store.RunResult(rec.ID)
			if err != nil {
				return nil
			}
			root.printf("  Best correlation %.4f at shift %d over %s buckets\n",
				res.BestCorrelation, res.BestShift, humanize.Comma(int64(res.Buckets)))
			if res.ReportPath != "" {
				root.printf("  Report:   %s\n", res.ReportPath)
			}
			pairings, err := root.store.RunPairings(rec.ID)
			if err != nil {
				return err
			}
			for _, p := range pairings {
				root.printf("  %d  A=%.3f [%s]  B=%.3f [%s]\n", p.Bucket,
					p.PointA, strings.Join(p.SeriesA, ","), p.PointB, strings.Join(p.SeriesB, ","))
			}
			return nil
		},
	}
}

func newImportCmd(root *Root) *cobra.Command {
	var f studyFlags
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Copy the study's buffered rasters from the buffer directory into the pebble store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.importRasters(cmd.Context(), f.apply(cmd, root.cfg.Correlation))
		},
	}
	f.register(cmd)
	return cmd
}

func (r *Root) importRasters(ctx context.Context, study config.Correlation) error {
	if err := study.Validate(); err != nil {
		return err
	}
	var ids []string
	for _, ds := range []config.Dataset{study.Reference, study.Comparable} {
		q, err := study.Query(ds)
		if err != nil {
			return err
		}
		recs, err := r.catalog.List(ctx, q)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			ids = append(ids, rec.ID)
		}
	}

	src, err := rasterstore.NewDirStore(r.cfg.Paths.BufferDir)
	if err != nil {
		return err
	}
	dst, ok := r.rasters.(*rasterstore.PebbleStore)
	if !ok {
		dst, err = rasterstore.OpenPebble(r.cfg.Storage.PebblePath, rasterstore.PebbleOptions{
			CacheSizeBytes: int64(r.cfg.Storage.PebbleCacheMB) << 20,
		})
		if err != nil {
			return err
		}
		defer dst.Close()
	}
	n, err := dst.Import(ctx, src, ids)
	if err != nil {
		return err
	}
	r.printf("Imported %s of %s rasters into %s\n", humanize.Comma(int64(n)), humanize.Comma(int64(len(ids))), r.cfg.Storage.PebblePath)
	return nil
}

func newServeCmd(root *Root) *cobra.Command {
	var httpAddr, grpcAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP, websocket and gRPC APIs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.serveFn(cmd.Context(), root, httpAddr, grpcAddr)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "addr", root.cfg.Server.HTTPAddr, "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC listen address, empty disables gRPC")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var debounce time.Duration
	var f studyFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run the correlation whenever the buffer or catalog changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			study := f.apply(cmd, root.cfg.Correlation)
			if err := study.Validate(); err != nil {
				return err
			}
			dirs := []string{root.cfg.Paths.BufferDir}
			if root.cfg.Catalog.Kind == "" || root.cfg.Catalog.Kind == "file" {
				dirs = append(dirs, root.cfg.Catalog.Dir)
			}
			w, err := watch.New(dirs, debounce, root.log)
			if err != nil {
				return err
			}
			defer w.Close()

			err = w.Run(cmd.Context(), func(ctx context.Context, events []watch.Event) error {
				return root.runStudy(ctx, pipeline.JobCorrelate, study, "watch")
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 2*time.Second, "quiet period before a run starts")
	f.register(cmd)
	return cmd
}

func newSubmitCmd(root *Root) *cobra.Command {
	var addr, jobType string
	var f studyFlags
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a run to a remote precorsia server over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := grpcserver.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			id, err := client.Submit(cmd.Context(), jobType, f.overrides(cmd, root.cfg.Correlation))
			if err != nil {
				return err
			}
			root.printf("Submitted %s\n", id)
			if !wait {
				return nil
			}
			body, err := client.Wait(cmd.Context(), id)
			if err != nil {
				return err
			}
			root.printf("Run %s %v\n", id, body["status"])
			if msg, ok := body["error"].(string); ok && msg != "" {
				return errors.New(msg)
			}
			if meta, ok := body["meta"].(map[string]any); ok {
				for _, k := range []string{"best_correlation", "best_shift", "buckets", "report_path"} {
					if v, ok := meta[k]; ok {
						root.printf("  %-18s %v\n", k+":", v)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "server", "localhost"+root.cfg.Server.GRPCAddr, "gRPC server address")
	cmd.Flags().StringVar(&jobType, "type", string(pipeline.JobCorrelate), "job type (correlate|scan)")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the run to finish")
	f.register(cmd)
	return cmd
}

// overrides returns only the flags that were set, keyed like the study JSON.
// A single coordinate flag keeps the other coordinate from base.
func (f *studyFlags) overrides(cmd *cobra.Command, base config.Correlation) map[string]any {
	changed := cmd.Flags().Changed
	out := map[string]any{}
	if changed("reference") {
		out["reference"] = map[string]any{"dataset": f.reference}
	}
	if changed("comparable") {
		out["comparable"] = map[string]any{"dataset": f.comparable}
	}
	if changed("start-date") {
		out["start_date"] = f.startDate
	}
	if changed("days") {
		out["days"] = f.days
	}
	if changed("round-factor") {
		out["round_factor"] = f.roundFactor
	}
	if changed("climate") {
		out["climate"] = f.climate
	}
	if changed("lon") || changed("lat") {
		geo := f.apply(cmd, base).Geolocation
		out["geolocation"] = []any{geo[0], geo[1]}
	}
	if changed("margin") {
		out["margin_deg"] = f.margin
	}
	return out
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the keys a correlation run needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.printf("Configuration OK\n")
			return nil
		},
	})
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			root.printf("precorsia v%s\n", Version)
			root.printf("Built with Go %s\n", runtime.Version())
			return nil
		},
	}
}
