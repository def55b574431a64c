package rasterstore

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/cockroachdb/pebble"

	"precorsia/internal/correlate"
	"precorsia/internal/raster"
)

func sample(id string) *raster.Raster {
	r, _ := raster.FromSamples(id, 3, 2, []uint8{0, 10, 20, 30, 40, 255})
	return r
}

func TestDirStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Put(ctx, "NASA/GPM/2020-01-01", sample("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "NASA_GPM_2020-01-01.png")); err != nil {
		t.Fatalf("expected flattened file name: %v", err)
	}
	got, err := s.Get(ctx, "NASA/GPM/2020-01-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Width != 3 || got.Height != 2 || !reflect.DeepEqual(got.Pix, sample("x").Pix) {
		t.Fatalf("unexpected raster %+v", got)
	}
	if ok, _ := s.Exists(ctx, "NASA/GPM/2020-01-01"); !ok {
		t.Fatalf("expected raster to exist")
	}

	if err := s.Delete(ctx, "NASA/GPM/2020-01-01"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "NASA/GPM/2020-01-01"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, err := s.Get(ctx, "NASA/GPM/2020-01-01"); !errors.Is(err, raster.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDirStoreConvertsColorToGray(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	img.Set(1, 0, color.RGBA{A: 255})
	f, err := os.Create(filepath.Join(dir, "rgb.png"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.Close()

	s, _ := NewDirStore(dir)
	got, err := s.Get(context.Background(), "rgb")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(got.Pix, []uint8{255, 0}) {
		t.Fatalf("unexpected gray samples %v", got.Pix)
	}
}

func TestDirStoreFallsBackToDecoder(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "scene.tif"), []byte("stub"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, _ := NewDirStore(dir)
	s.RegisterDecoder(".TIF", func(path string) (*raster.Raster, error) {
		return raster.FromSamples("", 1, 1, []uint8{7})
	})

	ctx := context.Background()
	if ok, _ := s.Exists(ctx, "scene"); !ok {
		t.Fatalf("expected decoder-backed raster to exist")
	}
	got, err := s.Get(ctx, "scene")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "scene" || got.Pix[0] != 7 {
		t.Fatalf("unexpected raster %+v", got)
	}
}

func TestDirStoreDeleteRemovesDecoderFiles(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewDirStore(dir)
	s.RegisterDecoder(".tif", func(path string) (*raster.Raster, error) {
		return raster.New("", 4, 4), nil
	})
	ctx := context.Background()
	if err := os.WriteFile(filepath.Join(dir, "A1.tif"), []byte("stub"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Put(ctx, "A2", sample("A2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "A2.tif"), []byte("stub"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	qf := correlate.NewQualityFilter(s, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), correlate.DefaultOptions())
	kept := qf.Discard(ctx, []correlate.QualityScore{{ID: "A1", ZeroFraction: 1}, {ID: "A2", ZeroFraction: 1}}, 0.33)
	if len(kept) != 0 {
		t.Fatalf("expected nothing kept, got %+v", kept)
	}
	for _, id := range []string{"A1", "A2"} {
		if ok, err := s.Exists(ctx, id); ok || err != nil {
			t.Fatalf("%s still stored after discard (err %v)", id, err)
		}
		if _, err := s.Get(ctx, id); !errors.Is(err, raster.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for %s, got %v", id, err)
		}
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty buffer, found %d files", len(entries))
	}
	if err := s.Delete(ctx, "A1"); err != nil {
		t.Fatalf("deleting a missing raster should succeed: %v", err)
	}
}

func TestDirStoreFallbackOrderIsRegistrationOrder(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewDirStore(dir)
	for i, ext := range []string{".jpg", ".tif", ".tiff", ".jpeg"} {
		v := uint8(i + 1)
		s.RegisterDecoder(ext, func(path string) (*raster.Raster, error) {
			return raster.FromSamples("", 1, 1, []uint8{v})
		})
	}
	for _, name := range []string{"scene.tif", "scene.jpg"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("stub"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for i := 0; i < 20; i++ {
		got, err := s.Get(context.Background(), "scene")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Pix[0] != 1 {
			t.Fatalf("expected the .jpg decoder registered first, got sample %d", got.Pix[0])
		}
	}
}

func TestIDFromFile(t *testing.T) {
	if id, ok := IDFromFile("/buf/NASA_GPM_x.png"); !ok || id != "NASA_GPM_x" {
		t.Fatalf("unexpected id %q %v", id, ok)
	}
	if _, ok := IDFromFile("/buf/.put-123"); ok {
		t.Fatalf("temp files must not map to ids")
	}
}

func openTestPebble(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := OpenPebble(filepath.Join(t.TempDir(), "rasters"), PebbleOptions{CacheSizeBytes: 1 << 20, NoSync: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPebbleStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestPebble(t)

	if _, err := s.Get(ctx, "a"); !errors.Is(err, raster.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, id := range []string{"b", "a"} {
		if err := s.Put(ctx, id, sample(id)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(got, sample("a")) {
		t.Fatalf("unexpected raster %+v", got)
	}
	ids, err := s.IDs()
	if err != nil || !reflect.DeepEqual(ids, []string{"a", "b"}) {
		t.Fatalf("unexpected ids %v (%v)", ids, err)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := s.Exists(ctx, "a"); ok {
		t.Fatalf("expected a to be gone")
	}
}

func TestPebbleStoreDetectsCorruption(t *testing.T) {
	s := openTestPebble(t)
	value := encodeRaster(sample("c"))
	value[len(value)-1] ^= 0xFF
	if err := s.db.Set(rasterKey("c"), value, pebble.NoSync); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.Get(context.Background(), "c"); !errors.Is(err, errCorruptRecord) {
		t.Fatalf("expected corrupt record error, got %v", err)
	}
}

func TestPebbleImportAndClose(t *testing.T) {
	ctx := context.Background()
	src := raster.NewMemStore()
	src.Put(ctx, "one", sample("one"))
	src.Put(ctx, "two", sample("two"))

	s := openTestPebble(t)
	n, err := s.Import(ctx, src, []string{"one", "missing", "two"})
	if err != nil || n != 2 {
		t.Fatalf("import copied %d (%v)", n, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Get(ctx, "one"); !errors.Is(err, errStoreClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, _, err := Open("s3", t.TempDir(), 0); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	store, closer, err := Open(BackendDir, t.TempDir(), 0)
	if err != nil || store == nil {
		t.Fatalf("dir backend: %v", err)
	}
	closer.Close()
}
