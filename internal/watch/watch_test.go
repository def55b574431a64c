package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRelevant(t *testing.T) {
	cases := map[string]bool{
		"/buf/NASA_GPM_1.png": true,
		"/buf/scene.TIF":      true,
		"/catalog/NASA.yaml":  true,
		"/buf/.put-1234":      false,
		"/buf/.hidden.png":    false,
		"/buf/notes.txt":      false,
		"/catalog/catalog.db": true,
	}
	for path, want := range cases {
		if got := Relevant(path); got != want {
			t.Fatalf("Relevant(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestRunBatchesChanges(t *testing.T) {
	dir := t.TempDir()
	w, err := New([]string{dir}, 50*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batches := make(chan []Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(_ context.Context, evs []Event) error {
			batches <- evs
			return nil
		})
	}()

	for _, name := range []string{"a.png", "b.png", "ignored.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	select {
	case evs := <-batches:
		for _, ev := range evs {
			if filepath.Ext(ev.Path) == ".txt" {
				t.Fatalf("irrelevant file reported: %+v", ev)
			}
		}
		if len(evs) == 0 {
			t.Fatalf("expected at least one event")
		}
	case <-ctx.Done():
		t.Fatalf("no batch delivered")
	}

	cancel()
	if err := <-done; err != context.Canceled && err != context.DeadlineExceeded {
		t.Fatalf("unexpected run error %v", err)
	}
}
