// Package report writes correlation results as JSON files that plotting and
// archive tools consume.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"precorsia/internal/correlate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Meta describes the two datasets and the study area of a run.
type Meta struct {
	ReferenceDataset  string     `json:"reference_dataset"`
	ReferenceBand     string     `json:"reference_band"`
	ReferenceUnit     string     `json:"reference_unit"`
	ComparableDataset string     `json:"comparable_dataset"`
	ComparableBand    string     `json:"comparable_band"`
	ComparableUnit    string     `json:"comparable_unit"`
	Climate           string     `json:"climate"`
	Geolocation       [2]float64 `json:"geolocation"`
	StartDate         string     `json:"start_date"`
	Days              int        `json:"days"`
}

// Labels are axis titles for plotting the correlation points.
type Labels struct {
	Title  string `json:"title"`
	XLabel string `json:"xlabel"`
	YLabel string `json:"ylabel"`
}

// Report is the on-disk document. The first three fields keep the layout of
// older report files.
type Report struct {
	BestCorrelation float64                      `json:"best_correlation"`
	BestShift       int                          `json:"best_shift"`
	CorrelationList [][2][]string                `json:"correlation_list"`
	Pairings        []correlate.BucketPairing    `json:"pairings"`
	Points          []correlate.CorrelationPoint `json:"points"`
	ShiftedPoints   []correlate.CorrelationPoint `json:"shifted_points"`
	Shifts          []correlate.ShiftCorrelation `json:"shifts"`
	Labels          Labels                       `json:"labels"`
	Meta            Meta                         `json:"meta"`
	Stats           correlate.RunStats           `json:"stats"`
}

// NewLabels builds plot titles from m.
func NewLabels(m Meta) Labels {
	return Labels{
		Title: fmt.Sprintf("Correlation between %s and \n%s at [%s, %s]",
			m.ReferenceDataset, m.ComparableDataset, coord(m.Geolocation[0]), coord(m.Geolocation[1])),
		XLabel: fmt.Sprintf("average %s of %s per pixel [%s]", m.ReferenceUnit, m.ReferenceBand, m.ReferenceDataset),
		YLabel: fmt.Sprintf("average %s of %s per pixel [%s]", m.ComparableUnit, m.ComparableBand, m.ComparableDataset),
	}
}

// coord keeps a trailing .0 on integral values so names match existing files.
func coord(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// FileName is corr_list_<comparable>_<climate>_<lon>_<lat>_<start>_<days>.json.
func FileName(m Meta) string {
	return fmt.Sprintf("corr_list_%s_%s_%s_%s_%s_%d.json",
		strings.ReplaceAll(m.ComparableDataset, "/", "_"),
		m.Climate, coord(m.Geolocation[0]), coord(m.Geolocation[1]), m.StartDate, m.Days)
}

// Build assembles the report for res.
func Build(m Meta, res *correlate.Result) Report {
	rep := Report{
		BestCorrelation: res.Correlation.PearsonR,
		BestShift:       res.Correlation.Shift,
		CorrelationList: make([][2][]string, 0, len(res.Pairings)),
		Pairings:        res.Pairings,
		Points:          res.Series,
		ShiftedPoints:   res.Correlation.Points,
		Shifts:          res.Shifts,
		Labels:          NewLabels(m),
		Meta:            m,
		Stats:           res.Stats,
	}
	for _, p := range res.Pairings {
		rep.CorrelationList = append(rep.CorrelationList, [2][]string{p.SeriesA, p.SeriesB})
	}
	return rep
}

// Write stores the report for res under dir and returns its path.
func Write(dir string, m Meta, res *correlate.Result) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	data, err := json.Marshal(Build(m, res))
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	path := filepath.Join(dir, FileName(m))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// Read loads a report written by Write.
func Read(path string) (Report, error) {
	var rep Report
	data, err := os.ReadFile(path)
	if err != nil {
		return rep, err
	}
	if err := json.Unmarshal(data, &rep); err != nil {
		return rep, fmt.Errorf("failed to decode report %s: %w", path, err)
	}
	return rep, nil
}
