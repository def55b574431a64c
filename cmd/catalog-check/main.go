package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"precorsia/internal/catalog"
	"precorsia/internal/config"
	"precorsia/internal/fsutil"
	"precorsia/internal/rasterstore"
	"precorsia/internal/watch"
)

func main() {
	watchFor := flag.Duration("watch", 30*time.Second, "how long to watch the buffer after the check, 0 skips watching")
	flag.Parse()

	fmt.Println("🔍 Checking catalog and raster buffer")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	study := cfg.Correlation
	if err := study.Validate(); err != nil {
		log.Fatal("Invalid study:", err)
	}

	var client catalog.Client
	switch cfg.Catalog.Kind {
	case "sqlite":
		c, err := catalog.NewSQLiteClient(cfg.Catalog.SQLitePath)
		if err != nil {
			log.Fatal("Failed to open catalog database:", err)
		}
		defer c.Close()
		client = c
	default:
		client = catalog.NewFileClient(cfg.Catalog.Dir)
	}
	session := catalog.NewSession(client)
	fmt.Printf("✅ Connected to %s catalog\n", cfg.Catalog.Kind)

	rasters, closer, err := rasterstore.Open(cfg.Storage.RasterBackend, rasterPath(cfg), int64(cfg.Storage.PebbleCacheMB)<<20)
	if err != nil {
		log.Fatal("Failed to open raster store:", err)
	}
	defer closer.Close()

	ctx := context.Background()
	for _, ds := range []config.Dataset{study.Reference, study.Comparable} {
		q, err := study.Query(ds)
		if err != nil {
			log.Fatal("Failed to build query:", err)
		}
		recs, err := session.List(ctx, q)
		if err != nil {
			fmt.Printf("❌ %s: %v\n", ds.Name, err)
			continue
		}
		buffered := 0
		for _, rec := range recs {
			if ok, err := rasters.Exists(ctx, rec.ID); err == nil && ok {
				buffered++
			}
		}
		fmt.Printf("📊 %s (%s):\n", ds.Name, ds.Band)
		fmt.Printf("   Acquisitions: %s\n", humanize.Comma(int64(len(recs))))
		fmt.Printf("   Buffered:     %s\n", humanize.Comma(int64(buffered)))
		if len(recs) > 0 {
			fmt.Printf("   Earliest:     %s\n", time.UnixMilli(recs[0].TimeStart).UTC().Format(time.RFC3339))
			fmt.Printf("   Latest:       %s\n", time.UnixMilli(recs[len(recs)-1].TimeStart).UTC().Format(time.RFC3339))
		}
	}

	if files, err := fsutil.ListRasters(cfg.Paths.BufferDir); err == nil {
		pngs, others := fsutil.SeparatePNG(files)
		fmt.Printf("\n📁 Buffer %s: %d PNG, %d other rasters\n", cfg.Paths.BufferDir, len(pngs), len(others))
	}

	if *watchFor <= 0 {
		return
	}

	fmt.Printf("\n🎯 Watching %s for %s...\n", cfg.Paths.BufferDir, *watchFor)
	w, err := watch.New([]string{cfg.Paths.BufferDir}, time.Second, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		log.Fatal("Failed to create watcher:", err)
	}
	defer w.Close()

	ctx, cancel := context.WithTimeout(ctx, *watchFor)
	defer cancel()

	eventCount := 0
	w.Run(ctx, func(ctx context.Context, events []watch.Event) error {
		for _, ev := range events {
			eventCount++
			fmt.Printf("📸 Event: %s - %s\n", ev.Operation, ev.Path)
		}
		return nil
	})
	fmt.Printf("\n✅ Check completed. Captured %d events.\n", eventCount)
}

func rasterPath(cfg *config.Config) string {
	if cfg.Storage.RasterBackend == rasterstore.BackendPebble {
		return cfg.Storage.PebblePath
	}
	return cfg.Paths.BufferDir
}
