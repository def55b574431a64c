package correlate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"precorsia/internal/catalog"
	"precorsia/internal/raster"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func putRaster(t *testing.T, store raster.Store, id string, w, h int, pix ...uint8) {
	t.Helper()
	r, err := raster.FromSamples(id, w, h, pix)
	if err != nil {
		t.Fatalf("raster %s: %v", id, err)
	}
	if err := store.Put(context.Background(), id, r); err != nil {
		t.Fatalf("put %s: %v", id, err)
	}
}

func newTestFilter(store raster.Store, opts Options) *QualityFilter {
	return NewQualityFilter(store, raster.NewLocker(), quietLogger(), opts)
}

func TestZeroFraction(t *testing.T) {
	r, _ := raster.FromSamples("z", 2, 2, []uint8{0, 0, 1, 2})
	zf, err := ZeroFraction(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if zf != 0.5 {
		t.Fatalf("expected 0.5, got %v", zf)
	}
	if _, err := ZeroFraction(raster.New("empty", 0, 0)); !errors.Is(err, ErrMalformedRaster) {
		t.Fatalf("expected ErrMalformedRaster, got %v", err)
	}
}

func TestScoreDropsBadRastersWithoutAborting(t *testing.T) {
	store := raster.NewMemStore()
	putRaster(t, store, "good", 2, 2, 0, 1, 1, 1)
	putRaster(t, store, "empty", 0, 0)
	putRaster(t, store, "good2", 1, 2, 3, 3)

	qf := newTestFilter(store, Options{Parallelism: 3})
	recs := []catalog.Acquisition{acq("good", 10), acq("empty", 20), acq("missing", 30), acq("good2", 40)}
	scores, err := qf.Score(context.Background(), recs)
	if !errors.Is(err, ErrMalformedRaster) {
		t.Fatalf("expected joined ErrMalformedRaster, got %v", err)
	}
	if !errors.Is(err, raster.ErrNotFound) {
		t.Fatalf("expected joined ErrNotFound, got %v", err)
	}
	want := []QualityScore{
		{ID: "good", TimeStart: 10, ZeroFraction: 0.25},
		{ID: "good2", TimeStart: 40, ZeroFraction: 0},
	}
	if !reflect.DeepEqual(scores, want) {
		t.Fatalf("unexpected scores %+v", scores)
	}
}

func TestDiscardDeletesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := raster.NewMemStore()
	for _, id := range []string{"a", "b", "c", "d"} {
		putRaster(t, store, id, 1, 1, 1)
	}
	qf := newTestFilter(store, Options{})

	// adjacent discards must both go
	scores := []QualityScore{
		{ID: "a", ZeroFraction: 0.1},
		{ID: "b", ZeroFraction: 0.5},
		{ID: "c", ZeroFraction: 0.9},
		{ID: "d", ZeroFraction: 0.33},
	}
	kept := qf.Discard(ctx, scores, DefaultThreshold)
	want := []QualityScore{{ID: "a", ZeroFraction: 0.1}, {ID: "d", ZeroFraction: 0.33}}
	if !reflect.DeepEqual(kept, want) {
		t.Fatalf("unexpected survivors %+v", kept)
	}
	for _, id := range []string{"b", "c"} {
		if ok, _ := store.Exists(ctx, id); ok {
			t.Fatalf("expected %s deleted from store", id)
		}
	}
	if len(scores) != 4 {
		t.Fatalf("input slice must not shrink")
	}

	again := qf.Discard(ctx, kept, DefaultThreshold)
	if !reflect.DeepEqual(again, kept) {
		t.Fatalf("discard not idempotent: %+v vs %+v", again, kept)
	}
}

func TestSelectBest(t *testing.T) {
	scores := []QualityScore{
		{ID: "w", ZeroFraction: 0.3},
		{ID: "x", ZeroFraction: 0.1},
		{ID: "y", ZeroFraction: 0.2},
		{ID: "z", ZeroFraction: 0.1},
		{ID: "v", ZeroFraction: 0.0},
	}
	original := append([]QualityScore(nil), scores...)

	got := SelectBest(scores, 3)
	ids := []string{got[0].ID, got[1].ID, got[2].ID}
	if !reflect.DeepEqual(ids, []string{"v", "x", "z"}) {
		t.Fatalf("expected v, x, z with ties in input order, got %v", ids)
	}
	if !reflect.DeepEqual(scores, original) {
		t.Fatalf("SelectBest reordered its input")
	}

	if got := SelectBest(scores[:2], 3); len(got) != 2 {
		t.Fatalf("expected all 2 entries when fewer than k, got %d", len(got))
	}
	if got := SelectBest(nil, 3); got == nil || len(got) != 0 {
		t.Fatalf("expected empty result for no input")
	}
	for k := 0; k <= 6; k++ {
		if got := SelectBest(scores, k); len(got) > k {
			t.Fatalf("k=%d returned %d entries", k, len(got))
		}
	}
}

func TestCompositeWeights(t *testing.T) {
	ctx := context.Background()
	store := raster.NewMemStore()
	putRaster(t, store, "r1", 2, 1, 10, 20)
	putRaster(t, store, "r2", 2, 1, 20, 40)
	putRaster(t, store, "r3", 2, 1, 30, 60)
	putRaster(t, store, "big", 3, 1, 255, 255, 255)

	best := []QualityScore{{ID: "r1"}, {ID: "r2"}, {ID: "big"}, {ID: "r3"}}
	comp, err := newTestFilter(store, Options{}).Composite(ctx, best)
	if err != nil {
		t.Fatalf("composite: %v", err)
	}
	if !reflect.DeepEqual(comp.Pix, []uint8{20, 40}) {
		t.Fatalf("expected exact mean skipping mismatched raster, got %v", comp.Pix)
	}

	putRaster(t, store, "solo", 1, 1, 200)
	single := []QualityScore{{ID: "solo"}}
	recip, _ := newTestFilter(store, Options{Weight: WeightReciprocal}).Composite(ctx, single)
	legacy, _ := newTestFilter(store, Options{Weight: WeightLegacy}).Composite(ctx, single)
	if recip.Pix[0] != 200 {
		t.Fatalf("reciprocal weight of one raster should keep 200, got %d", recip.Pix[0])
	}
	if legacy.Pix[0] != 67 {
		t.Fatalf("legacy weight should give round(200*0.3332)=67, got %d", legacy.Pix[0])
	}

	if _, err := newTestFilter(store, Options{}).Composite(ctx, nil); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData for empty best, got %v", err)
	}
}

func TestFillAndPersistReplacesOnlyZeros(t *testing.T) {
	ctx := context.Background()
	store := raster.NewMemStore()
	putRaster(t, store, "g", 2, 2, 0, 5, 0, 7)
	comp, _ := raster.FromSamples("composite", 2, 2, []uint8{9, 9, 9, 9})

	qf := newTestFilter(store, Options{})
	if err := qf.FillAndPersist(ctx, []QualityScore{{ID: "g"}}, comp); err != nil {
		t.Fatalf("fill: %v", err)
	}
	got, _ := store.Get(ctx, "g")
	if !reflect.DeepEqual(got.Pix, []uint8{9, 5, 9, 7}) {
		t.Fatalf("unexpected filled samples %v", got.Pix)
	}

	putRaster(t, store, "odd", 1, 1, 0)
	err := qf.FillAndPersist(ctx, []QualityScore{{ID: "odd"}, {ID: "g"}}, comp)
	if !errors.Is(err, ErrMalformedRaster) {
		t.Fatalf("expected size mismatch error, got %v", err)
	}
}

// countingStore counts writes and can hold one Get until released.
type countingStore struct {
	*raster.MemStore
	mu      sync.Mutex
	puts    int
	blockID string
	once    sync.Once
	started chan struct{}
	proceed chan struct{}
}

func (s *countingStore) Put(ctx context.Context, id string, r *raster.Raster) error {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return s.MemStore.Put(ctx, id, r)
}

func (s *countingStore) Get(ctx context.Context, id string) (*raster.Raster, error) {
	if id == s.blockID {
		s.once.Do(func() {
			close(s.started)
			<-s.proceed
		})
	}
	return s.MemStore.Get(ctx, id)
}

func (s *countingStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func TestFillAndPersistSkipsUnchangedRasters(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemStore: raster.NewMemStore()}
	best := []QualityScore{{ID: "b1"}, {ID: "b2"}, {ID: "b3"}}
	for _, s := range best {
		putRaster(t, store.MemStore, s.ID, 2, 2, 0, 10, 20, 30)
	}

	qf := newTestFilter(store, Options{})
	for round := 0; round < 3; round++ {
		comp, err := qf.Composite(ctx, best)
		if err != nil {
			t.Fatalf("composite: %v", err)
		}
		if err := qf.FillAndPersist(ctx, best, comp); err != nil {
			t.Fatalf("fill: %v", err)
		}
	}
	if n := store.writes(); n != 0 {
		t.Fatalf("expected no writes for a shared no-data sample, got %d", n)
	}

	putRaster(t, store.MemStore, "b4", 2, 2, 0, 0, 20, 30)
	comp, _ := raster.FromSamples("composite", 2, 2, []uint8{0, 10, 20, 30})
	for round := 0; round < 2; round++ {
		if err := qf.FillAndPersist(ctx, []QualityScore{{ID: "b4"}}, comp); err != nil {
			t.Fatalf("fill: %v", err)
		}
	}
	if n := store.writes(); n != 1 {
		t.Fatalf("expected one write for the first fill only, got %d", n)
	}
	got, _ := store.Get(ctx, "b4")
	if !reflect.DeepEqual(got.Pix, []uint8{0, 10, 20, 30}) {
		t.Fatalf("unexpected filled samples %v", got.Pix)
	}
}

func TestFilterGroupHoldsGroupLocks(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{
		MemStore: raster.NewMemStore(),
		blockID:  "a1",
		started:  make(chan struct{}),
		proceed:  make(chan struct{}),
	}
	putRaster(t, store.MemStore, "a1", 2, 2, 100, 100, 100, 100)
	putRaster(t, store.MemStore, "a2", 2, 2, 0, 0, 0, 100)

	locks := raster.NewLocker()
	qf := NewQualityFilter(store, locks, quietLogger(), Options{})
	done := make(chan error, 1)
	go func() {
		_, err := qf.FilterGroup(ctx, []catalog.Acquisition{acq("a1", 1), acq("a2", 2)})
		done <- err
	}()
	<-store.started

	acquired := make(chan struct{})
	go func() {
		release := locks.Lock("a2")
		close(acquired)
		release()
	}()
	select {
	case <-acquired:
		t.Fatalf("another caller took a2 while its group was being filtered")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.proceed)
	if err := <-done; err != nil {
		t.Fatalf("filter: %v", err)
	}
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("a2 lock not released after filtering")
	}
}

func TestFilterGroupDiscardsAndFills(t *testing.T) {
	ctx := context.Background()
	store := raster.NewMemStore()
	putRaster(t, store, "a1", 2, 2, 0, 100, 100, 100)
	putRaster(t, store, "a2", 2, 2, 100, 100, 100, 100)
	putRaster(t, store, "a3", 2, 2, 0, 0, 0, 100)

	qf := newTestFilter(store, Options{})
	recs := []catalog.Acquisition{acq("a1", 1), acq("a2", 2), acq("a3", 3)}
	kept, err := qf.FilterGroup(ctx, recs)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(kept) != 2 || kept[0].ID != "a1" || kept[1].ID != "a2" {
		t.Fatalf("unexpected survivors %+v", kept)
	}
	if ok, _ := store.Exists(ctx, "a3"); ok {
		t.Fatalf("expected a3 removed from store")
	}
	a1, _ := store.Get(ctx, "a1")
	if a1.Pix[0] != 50 {
		t.Fatalf("expected gap filled with composite 50, got %d", a1.Pix[0])
	}
}

func TestFilterSeriesByBucket(t *testing.T) {
	ctx := context.Background()
	store := raster.NewMemStore()
	putRaster(t, store, "early1", 1, 2, 0, 40)
	putRaster(t, store, "early2", 1, 2, 80, 40)
	putRaster(t, store, "late", 1, 2, 200, 200)

	qf := newTestFilter(store, Options{Threshold: 0.5})
	recs := []catalog.Acquisition{acq("early1", 101), acq("late", 250), acq("early2", 102)}
	kept, err := qf.FilterSeries(ctx, recs, 2, ScopeBucket)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(kept) != 3 || kept[0].ID != "early1" || kept[1].ID != "late" || kept[2].ID != "early2" {
		t.Fatalf("expected survivors in input order, got %+v", kept)
	}
	// the late raster lives in its own bucket and must not feed the early composite
	early1, _ := store.Get(ctx, "early1")
	if early1.Pix[0] != 40 {
		t.Fatalf("expected bucket composite (0+80)/2=40, got %d", early1.Pix[0])
	}
}
