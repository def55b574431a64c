package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"precorsia/internal/catalog"
	"precorsia/internal/correlate"
	"precorsia/internal/report"
)

const (
	defaultConfigPath = "~/.config/precorsia/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing  Processing  `json:"processing" yaml:"processing"`
	Logging     Logging     `json:"logging" yaml:"logging"`
	Paths       Paths       `json:"paths" yaml:"paths"`
	Quality     Quality     `json:"quality" yaml:"quality"`
	Correlation Correlation `json:"correlation" yaml:"correlation"`
	Storage     Storage     `json:"storage" yaml:"storage"`
	Server      Server      `json:"server" yaml:"server"`
	MQTT        MQTT        `json:"mqtt" yaml:"mqtt"`
	Catalog     Catalog     `json:"catalog" yaml:"catalog"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" yaml:"parallel_jobs"` // concurrent runs
	Parallelism  int    `json:"parallelism" yaml:"parallelism"`     // raster reads per run
	TempDir      string `json:"temp_dir" yaml:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `json:"format" yaml:"format"` // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"`
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

// Paths configures where rasters, reports and run history live.
type Paths struct {
	BufferDir    string `json:"buffer_dir" yaml:"buffer_dir"`
	DataDir      string `json:"data_dir" yaml:"data_dir"`
	DatabasePath string `json:"database_path" yaml:"database_path"`
}

// Quality tunes the zero-fraction filter.
type Quality struct {
	Threshold float64 `json:"threshold" yaml:"threshold"`
	BestK     int     `json:"best_k" yaml:"best_k"`
	Weight    string  `json:"weight" yaml:"weight"` // reciprocal, legacy
	Scope     string  `json:"scope" yaml:"scope"`   // series, bucket
}

// Dataset names one band of a catalog dataset and its physical range.
type Dataset struct {
	Name  string     `json:"dataset" yaml:"dataset"`
	Band  string     `json:"band_name" yaml:"band_name"`
	Range [2]float64 `json:"band_range" yaml:"band_range"`
	Unit  string     `json:"band_unit" yaml:"band_unit"`
}

// Correlation describes the study: two datasets, a place and a time window.
type Correlation struct {
	RoundFactor int        `json:"round_factor" yaml:"round_factor"`
	Reference   Dataset    `json:"reference" yaml:"reference"`
	Comparable  Dataset    `json:"comparable" yaml:"comparable"`
	Climate     string     `json:"climate" yaml:"climate"`
	Geolocation [2]float64 `json:"geolocation" yaml:"geolocation"` // lon, lat
	MarginDeg   float64    `json:"margin_deg" yaml:"margin_deg"`
	ImageScale  float64    `json:"image_scale" yaml:"image_scale"`
	StartDate   string     `json:"start_date" yaml:"start_date"`
	Days        int        `json:"days" yaml:"days"`
}

// Storage selects the raster backend.
type Storage struct {
	RasterBackend string `json:"raster_backend" yaml:"raster_backend"` // dir, pebble
	PebblePath    string `json:"pebble_path" yaml:"pebble_path"`
	PebbleCacheMB int    `json:"pebble_cache_mb" yaml:"pebble_cache_mb"`
}

// Server configures the network listeners of `precorsia serve`.
type Server struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// MQTT configures run notifications.
type MQTT struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker" yaml:"broker"`
	Topic    string `json:"topic" yaml:"topic"`
	ClientID string `json:"client_id" yaml:"client_id"`
}

// Catalog selects where acquisition listings come from.
type Catalog struct {
	Kind       string `json:"kind" yaml:"kind"` // file, sqlite
	Dir        string `json:"dir" yaml:"dir"`
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("PRECORSIA_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads path as JSON, or as YAML when it ends in .yaml or .yml.
// A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", expanded, err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			Parallelism:  defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			BufferDir:    "./buffer",
			DataDir:      "./data",
			DatabasePath: filepath.Join(os.TempDir(), "precorsia.db"),
		},
		Quality: Quality{
			Threshold: correlate.DefaultThreshold,
			BestK:     correlate.DefaultBestK,
			Weight:    string(correlate.WeightReciprocal),
			Scope:     string(correlate.ScopeSeries),
		},
		Correlation: Correlation{
			RoundFactor: 7,
			MarginDeg:   0.1,
		},
		Storage: Storage{
			RasterBackend: "dir",
			PebblePath:    "./buffer.pebble",
			PebbleCacheMB: 64,
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":50051",
		},
		MQTT: MQTT{
			Topic: "precorsia/runs",
		},
		Catalog: Catalog{
			Kind: "file",
			Dir:  "./catalog",
		},
	}
}

// Validate checks the keys a correlation run cannot do without.
func (c *Config) Validate() error {
	errs := []error{c.Correlation.Validate()}
	switch correlate.WeightPolicy(c.Quality.Weight) {
	case correlate.WeightReciprocal, correlate.WeightLegacy, "":
	default:
		errs = append(errs, fmt.Errorf("quality.weight %q is not reciprocal or legacy", c.Quality.Weight))
	}
	switch correlate.Scope(c.Quality.Scope) {
	case correlate.ScopeSeries, correlate.ScopeBucket, "":
	default:
		errs = append(errs, fmt.Errorf("quality.scope %q is not series or bucket", c.Quality.Scope))
	}
	return errors.Join(errs...)
}

// Validate checks one study. Runs submitted over the network are checked
// with this alone.
func (cor Correlation) Validate() error {
	var errs []error
	for _, ds := range []struct {
		key string
		d   Dataset
	}{{"reference", cor.Reference}, {"comparable", cor.Comparable}} {
		if strings.TrimSpace(ds.d.Name) == "" {
			errs = append(errs, fmt.Errorf("correlation.%s.dataset is required", ds.key))
		}
		if strings.TrimSpace(ds.d.Band) == "" {
			errs = append(errs, fmt.Errorf("correlation.%s.band_name is required", ds.key))
		}
		if ds.d.Range[1] <= ds.d.Range[0] {
			errs = append(errs, fmt.Errorf("correlation.%s.band_range must be [min, max] with max > min", ds.key))
		}
	}
	if err := correlate.ValidateRoundFactor(cor.RoundFactor); err != nil {
		errs = append(errs, fmt.Errorf("correlation.round_factor: %w", err))
	}
	if _, _, err := catalog.DailyWindow(cor.StartDate, cor.Days); err != nil {
		errs = append(errs, fmt.Errorf("correlation.start_date/days: %w", err))
	}
	return errors.Join(errs...)
}

// RunOptions maps the quality and processing sections onto correlate.Options.
func (c *Config) RunOptions() correlate.Options {
	return correlate.Options{
		Threshold:   c.Quality.Threshold,
		BestK:       c.Quality.BestK,
		Weight:      correlate.WeightPolicy(c.Quality.Weight),
		Scope:       correlate.Scope(c.Quality.Scope),
		Parallelism: c.Processing.Parallelism,
	}
}

// ReportMeta describes the configured study for report files.
func (c *Config) ReportMeta() report.Meta {
	return c.Correlation.ReportMeta()
}

// ReportMeta describes the study for report files.
func (cor Correlation) ReportMeta() report.Meta {
	return report.Meta{
		ReferenceDataset:  cor.Reference.Name,
		ReferenceBand:     cor.Reference.Band,
		ReferenceUnit:     cor.Reference.Unit,
		ComparableDataset: cor.Comparable.Name,
		ComparableBand:    cor.Comparable.Band,
		ComparableUnit:    cor.Comparable.Unit,
		Climate:           cor.Climate,
		Geolocation:       cor.Geolocation,
		StartDate:         cor.StartDate,
		Days:              cor.Days,
	}
}

// Query builds the catalog query for one side of the study.
func (cor Correlation) Query(d Dataset) (catalog.Query, error) {
	start, end, err := catalog.DailyWindow(cor.StartDate, cor.Days)
	if err != nil {
		return catalog.Query{}, err
	}
	return catalog.Query{
		Dataset:     d.Name,
		Geolocation: cor.Geolocation,
		MarginDeg:   cor.MarginDeg,
		Start:       start,
		End:         end,
	}, nil
}

// BandRange converts a dataset range for the reducer.
func (d Dataset) BandRange() correlate.BandRange {
	return correlate.BandRange{Min: d.Range[0], Max: d.Range[1]}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
