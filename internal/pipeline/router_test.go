package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"

	"precorsia/internal/catalog"
	"precorsia/internal/config"
	"precorsia/internal/correlate"
	"precorsia/internal/raster"
	"precorsia/internal/report"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStudy() config.Correlation {
	return config.Correlation{
		RoundFactor: 1,
		Reference:   config.Dataset{Name: "MODIS/061/MOD11A1", Band: "LST_Day_1km", Range: [2]float64{0, 255}},
		Comparable:  config.Dataset{Name: "NASA/GPM_L3/IMERG_V06", Band: "precipitationCal", Range: [2]float64{0, 255}},
		Climate:     "Af",
		Geolocation: [2]float64{-60, -3.1},
		StartDate:   "2020-01-01",
		Days:        30,
	}
}

type stubLister struct {
	recs    map[string][]catalog.Acquisition
	err     error
	queries []catalog.Query
}

func (s *stubLister) List(ctx context.Context, q catalog.Query) ([]catalog.Acquisition, error) {
	s.queries = append(s.queries, q)
	if s.err != nil {
		return nil, s.err
	}
	recs := s.recs[q.Dataset]
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s: %w", q.Dataset, catalog.ErrNoAcquisitions)
	}
	return recs, nil
}

func twoBucketCatalog() *stubLister {
	return &stubLister{recs: map[string][]catalog.Acquisition{
		"MODIS/061/MOD11A1":     {{ID: "A1", TimeStart: 100}, {ID: "A2", TimeStart: 200}},
		"NASA/GPM_L3/IMERG_V06": {{ID: "B1", TimeStart: 101}, {ID: "B2", TimeStart: 201}, {ID: "B9", TimeStart: 900}},
	}}
}

func putFilled(t *testing.T, store raster.Store, id string, v uint8) {
	t.Helper()
	pix := []uint8{v, v, v, v}
	r, err := raster.FromSamples(id, 2, 2, pix)
	if err != nil {
		t.Fatalf("raster %s: %v", id, err)
	}
	if err := store.Put(context.Background(), id, r); err != nil {
		t.Fatalf("put %s: %v", id, err)
	}
}

func newTestRouter(t *testing.T, lister Lister) (*router, *raster.MemStore) {
	t.Helper()
	store := raster.NewMemStore()
	putFilled(t, store, "A1", 50)
	putFilled(t, store, "A2", 100)
	putFilled(t, store, "B1", 20)
	putFilled(t, store, "B2", 60)
	r := newRouter(quietLogger(), Deps{
		Catalog:   lister,
		Rasters:   store,
		Options:   correlate.DefaultOptions(),
		ReportDir: t.TempDir(),
	}).(*router)
	return r, store
}

func TestRouterCorrelateWritesReport(t *testing.T) {
	lister := twoBucketCatalog()
	r, _ := newTestRouter(t, lister)
	job := Job{ID: "run-1", Type: JobCorrelate, Study: testStudy()}

	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Output == nil || len(res.Output.Pairings) != 2 {
		t.Fatalf("unexpected output %+v", res.Output)
	}
	if res.Output.Correlation.PearsonR < 0.999 {
		t.Fatalf("expected near perfect correlation, got %v", res.Output.Correlation.PearsonR)
	}
	if res.Meta["buckets"] != 2 {
		t.Fatalf("unexpected meta %+v", res.Meta)
	}
	if len(lister.queries) != 2 || lister.queries[0].Start.Format("2006-01-02") != "2020-01-01" {
		t.Fatalf("unexpected catalog queries %+v", lister.queries)
	}

	rep, err := report.Read(res.ReportPath)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if len(rep.CorrelationList) != 2 || rep.CorrelationList[1][1][0] != "B2" {
		t.Fatalf("unexpected correlation list %+v", rep.CorrelationList)
	}
}

func TestRouterReportFailureKeepsResult(t *testing.T) {
	r, _ := newTestRouter(t, twoBucketCatalog())
	r.writeFn = func(string, report.Meta, *correlate.Result) (string, error) {
		return "", os.ErrPermission
	}
	res := r.Process(context.Background(), Job{ID: "run-2", Type: JobCorrelate, Study: testStudy()})
	if res.Error != nil {
		t.Fatalf("report failure should not fail the run: %v", res.Error)
	}
	if res.ReportPath != "" || res.Meta["report_error"] == nil {
		t.Fatalf("expected report error in meta, got %+v", res.Meta)
	}
}

func TestRouterEmptyCatalogIsEmptyInput(t *testing.T) {
	lister := twoBucketCatalog()
	delete(lister.recs, "NASA/GPM_L3/IMERG_V06")
	r, _ := newTestRouter(t, lister)

	res := r.Process(context.Background(), Job{ID: "run-3", Type: JobCorrelate, Study: testStudy()})
	if !errors.Is(res.Error, correlate.ErrEmptyInput) || !errors.Is(res.Error, catalog.ErrNoAcquisitions) {
		t.Fatalf("expected empty input error, got %v", res.Error)
	}
}

func TestRouterRejectsInvalidStudyAndUnknownType(t *testing.T) {
	lister := twoBucketCatalog()
	r, _ := newTestRouter(t, lister)

	study := testStudy()
	study.RoundFactor = 19
	if res := r.Process(context.Background(), Job{ID: "bad", Type: JobCorrelate, Study: study}); res.Error == nil {
		t.Fatalf("expected validation error")
	}
	if len(lister.queries) != 0 {
		t.Fatalf("catalog should not be queried for an invalid study")
	}
	if res := r.Process(context.Background(), Job{ID: "odd", Type: "stack", Study: testStudy()}); res.Error == nil {
		t.Fatalf("expected unknown job type error")
	}
}

func TestRouterScanCountsBufferedRasters(t *testing.T) {
	r, store := newTestRouter(t, twoBucketCatalog())
	if err := store.Delete(context.Background(), "B2"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	res := r.Process(context.Background(), Job{ID: "scan-1", Type: JobScan, Study: testStudy()})
	if res.Error != nil {
		t.Fatalf("scan failed: %v", res.Error)
	}
	want := map[string]int{
		"reference_listed":     2,
		"reference_available":  2,
		"comparable_listed":    3,
		"comparable_available": 1,
		"reference_matched":    2,
		"comparable_matched":   2,
	}
	for k, v := range want {
		if res.Meta[k] != v {
			t.Fatalf("%s: expected %d, got %v", k, v, res.Meta[k])
		}
	}
	if res.Output != nil {
		t.Fatalf("scan should not produce a correlation")
	}
}

func TestRouterJobOptionsOverrideThreshold(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name     string
		options  map[string]any
		pairings int
	}{
		{"default discards half empty raster", map[string]any{"source": "cli"}, 2},
		{"raised threshold keeps it", map[string]any{"source": "cli", OptThreshold: 0.9}, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			lister := twoBucketCatalog()
			lister.recs["MODIS/061/MOD11A1"] = append(lister.recs["MODIS/061/MOD11A1"], catalog.Acquisition{ID: "A3", TimeStart: 300})
			lister.recs["NASA/GPM_L3/IMERG_V06"] = append(lister.recs["NASA/GPM_L3/IMERG_V06"], catalog.Acquisition{ID: "B3", TimeStart: 301})
			r, store := newTestRouter(t, lister)
			putFilled(t, store, "A3", 150)
			putFilled(t, store, "B3", 90)
			half, err := raster.FromSamples("A2", 2, 2, []uint8{100, 100, 0, 0})
			if err != nil {
				t.Fatalf("raster: %v", err)
			}
			if err := store.Put(ctx, "A2", half); err != nil {
				t.Fatalf("put: %v", err)
			}

			res := r.Process(ctx, Job{ID: "run-opt", Type: JobCorrelate, Study: testStudy(), Options: tc.options})
			if res.Error != nil {
				t.Fatalf("expected nil error, got %v", res.Error)
			}
			if got := len(res.Output.Pairings); got != tc.pairings {
				t.Fatalf("expected %d pairings, got %d", tc.pairings, got)
			}
		})
	}
}

func TestRouterRejectsInvalidJobOptions(t *testing.T) {
	r, _ := newTestRouter(t, twoBucketCatalog())
	for _, opts := range []map[string]any{
		{OptWeight: "uniform"},
		{OptThreshold: 1.5},
		{OptBestK: 2.5},
		{OptScope: 7},
	} {
		res := r.Process(context.Background(), Job{ID: "run-bad", Type: JobCorrelate, Study: testStudy(), Options: opts})
		if res.Error == nil {
			t.Fatalf("expected error for options %v", opts)
		}
	}
}

func TestJobRunOptionsOverlay(t *testing.T) {
	base := correlate.DefaultOptions()
	job := Job{Options: map[string]any{
		"source":     "watch",
		OptBestK:     float64(5),
		OptWeight:    "legacy",
		OptScope:     "bucket",
		OptThreshold: 0.5,
	}}
	opts, changed, err := job.RunOptions(base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed || opts.BestK != 5 || opts.Weight != correlate.WeightLegacy || opts.Scope != correlate.ScopeBucket || opts.Threshold != 0.5 {
		t.Fatalf("unexpected options %+v (changed=%v)", opts, changed)
	}
	if opts.Parallelism != base.Parallelism {
		t.Fatalf("parallelism must come from base, got %d", opts.Parallelism)
	}

	_, changed, err = Job{Options: map[string]any{"source": "cli"}}.RunOptions(base)
	if err != nil || changed {
		t.Fatalf("metadata keys must not change options: changed=%v err=%v", changed, err)
	}
}
