// Package fsutil classifies and finds the files precorsia reads from disk.
package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

var rasterExts = map[string]struct{}{
	".png":  {},
	".tif":  {},
	".tiff": {},
	".jpg":  {},
	".jpeg": {},
}

var listingExts = map[string]struct{}{
	".json":   {},
	".yaml":   {},
	".yml":    {},
	".db":     {},
	".sqlite": {},
}

// ListRasters returns all raster files under root, skipping hidden files.
func ListRasters(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || hidden(d.Name()) {
			return nil
		}
		if IsRasterFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsRasterFile checks if a file is a buffered raster.
func IsRasterFile(path string) bool {
	_, ok := rasterExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsListingFile checks if a file is a catalog listing or catalog database.
func IsListingFile(path string) bool {
	_, ok := listingExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// SeparatePNG splits raster files into PNGs and files that need another decoder.
func SeparatePNG(files []string) (pngFiles, otherFiles []string) {
	for _, file := range files {
		if strings.EqualFold(filepath.Ext(file), ".png") {
			pngFiles = append(pngFiles, file)
		} else if IsRasterFile(file) {
			otherFiles = append(otherFiles, file)
		}
	}
	return pngFiles, otherFiles
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
