package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"precorsia/internal/fsutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileClient reads exported catalog listings from a directory. Each dataset
// lives in <dir>/<dataset>.json or .yaml with "/" in the name replaced by "_".
type FileClient struct {
	Dir string
}

// NewFileClient returns a listing reader rooted at dir.
func NewFileClient(dir string) *FileClient {
	return &FileClient{Dir: dir}
}

// DatasetFileBase maps a dataset name to the listing file stem.
func DatasetFileBase(dataset string) string {
	return strings.ReplaceAll(dataset, "/", "_")
}

func (c *FileClient) List(ctx context.Context, q Query) ([]Acquisition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := filepath.Join(c.Dir, DatasetFileBase(q.Dataset))

	path := fsutil.FirstExisting(base+".json", base+".yaml", base+".yml")
	if path == "" {
		return nil, fmt.Errorf("no listing for dataset %s in %s: %w", q.Dataset, c.Dir, os.ErrNotExist)
	}
	recs, err := ReadListing(path)
	if err != nil {
		return nil, err
	}

	from, to := q.Window()
	out := make([]Acquisition, 0, len(recs))
	for _, r := range recs {
		if q.Start.IsZero() || inWindow(r.TimeStart, from, to) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimeStart < out[j].TimeStart })
	return out, nil
}

// ReadListing decodes a JSON or YAML array of acquisitions.
func ReadListing(path string) ([]Acquisition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var recs []Acquisition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &recs)
	default:
		err = json.Unmarshal(data, &recs)
	}
	if err != nil {
		return nil, fmt.Errorf("decode listing %s: %w", path, err)
	}
	return recs, nil
}
