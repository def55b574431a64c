package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"precorsia/internal/catalog"
	"precorsia/internal/config"
	"precorsia/internal/fsutil"
	"precorsia/internal/notify"
	"precorsia/internal/pipeline"
	"precorsia/internal/raster"
	"precorsia/internal/rasterstore"
	"precorsia/internal/rasterstore/magick"
	"precorsia/internal/storage"
)

// App holds the long-lived collaborators of one process.
type App struct {
	Store    *storage.Store
	Rasters  raster.Store
	Catalog  *catalog.Session
	Notifier *notify.Notifier
	Pipeline *pipeline.Pipeline
	closers  []func() error
}

// Open wires storage, raster backend, catalog, notifier and pipeline from cfg.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	app := &App{}
	fail := func(err error) (*App, error) {
		app.Close()
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
		return fail(fmt.Errorf("failed to create database directory: %w", err))
	}
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fail(fmt.Errorf("failed to open run database: %w", err))
	}
	app.Store = store
	app.closers = append(app.closers, store.Close)

	rasters, closer, err := openRasters(cfg)
	if err != nil {
		return fail(err)
	}
	app.Rasters = rasters
	app.closers = append(app.closers, closer.Close)

	client, err := openCatalog(cfg)
	if err != nil {
		return fail(err)
	}
	if c, ok := client.(io.Closer); ok {
		app.closers = append(app.closers, c.Close)
	}
	app.Catalog = catalog.NewSession(client)

	deps := pipeline.Deps{
		Catalog:   app.Catalog,
		Rasters:   app.Rasters,
		Locks:     raster.NewLocker(),
		Options:   cfg.RunOptions(),
		ReportDir: cfg.Paths.DataDir,
	}
	if cfg.MQTT.Enabled {
		n, mc, err := notify.Connect(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic, log)
		if err != nil {
			log.Warn("mqtt notifications disabled", "error", err)
		} else {
			app.Notifier = n
			deps.Notifier = n
			app.closers = append(app.closers, func() error {
				mc.Disconnect(250)
				return nil
			})
		}
	}

	app.Pipeline = pipeline.New(ctx, cfg.Processing.ParallelJobs, log, app.Store, deps)
	app.closers = append(app.closers, func() error {
		app.Pipeline.Stop()
		return nil
	})
	return app, nil
}

func openRasters(cfg *config.Config) (raster.Store, io.Closer, error) {
	path := cfg.Paths.BufferDir
	if cfg.Storage.RasterBackend == rasterstore.BackendPebble {
		path = cfg.Storage.PebblePath
	}
	cacheMB := int64(cfg.Storage.PebbleCacheMB)
	if cacheMB <= 0 {
		cacheMB = fsutil.CacheBudgetMB()
	}
	rasters, closer, err := rasterstore.Open(cfg.Storage.RasterBackend, path, cacheMB<<20)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open raster store: %w", err)
	}
	if dir, ok := rasters.(*rasterstore.DirStore); ok {
		magick.Register(dir)
	}
	return rasters, closer, nil
}

func openCatalog(cfg *config.Config) (catalog.Client, error) {
	switch cfg.Catalog.Kind {
	case "", "file":
		return catalog.NewFileClient(cfg.Catalog.Dir), nil
	case "sqlite":
		c, err := catalog.NewSQLiteClient(cfg.Catalog.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open catalog database: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown catalog kind %q", cfg.Catalog.Kind)
	}
}

// Close releases everything Open acquired, newest first.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
