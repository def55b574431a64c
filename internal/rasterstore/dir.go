// Package rasterstore holds the persistent raster.Store backends.
package rasterstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"precorsia/internal/raster"
)

// Decoder reads a raster file that is not a PNG.
type Decoder func(path string) (*raster.Raster, error)

// DirStore keeps one grayscale PNG per id in a buffer directory.
type DirStore struct {
	dir      string
	decoders map[string]Decoder
	exts     []string // registration order
}

// NewDirStore creates dir if needed.
func NewDirStore(dir string) (*DirStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("rasterstore: buffer directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rasterstore: ensure directory: %w", err)
	}
	return &DirStore{dir: dir, decoders: make(map[string]Decoder)}, nil
}

// Dir returns the buffer directory.
func (s *DirStore) Dir() string {
	return s.dir
}

// RegisterDecoder lets Get fall back to <id><ext> when no PNG exists. ext
// includes the dot, e.g. ".tif". When several fallbacks exist for one id the
// earliest registered extension wins.
func (s *DirStore) RegisterDecoder(ext string, dec Decoder) {
	ext = strings.ToLower(ext)
	if _, ok := s.decoders[ext]; !ok {
		s.exts = append(s.exts, ext)
	}
	s.decoders[ext] = dec
}

// FileName maps an id to its file name in the buffer directory.
func FileName(id string) string {
	return strings.ReplaceAll(id, "/", "_") + ".png"
}

// IDFromFile is the inverse of FileName for base names ending in .png. The
// flattening of '/' is not reversible, so the flattened form is returned.
func IDFromFile(name string) (string, bool) {
	base := filepath.Base(name)
	if !strings.EqualFold(filepath.Ext(base), ".png") {
		return "", false
	}
	return strings.TrimSuffix(base, filepath.Ext(base)), true
}

func (s *DirStore) path(id string) string {
	return filepath.Join(s.dir, FileName(id))
}

func (s *DirStore) Get(ctx context.Context, id string) (*raster.Raster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return s.decodeOther(id)
	}
	if err != nil {
		return nil, fmt.Errorf("rasterstore: read %s: %w", id, err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("rasterstore: decode %s: %w", id, err)
	}
	return toGray(id, img), nil
}

func (s *DirStore) decodeOther(id string) (*raster.Raster, error) {
	base := strings.TrimSuffix(s.path(id), ".png")
	for _, ext := range s.exts {
		dec := s.decoders[ext]
		p := base + ext
		if _, err := os.Stat(p); err != nil {
			continue
		}
		r, err := dec(p)
		if err != nil {
			return nil, fmt.Errorf("rasterstore: decode %s: %w", p, err)
		}
		r.ID = id
		return r, nil
	}
	return nil, raster.ErrNotFound
}

// Put writes atomically via a temp file and rename.
func (s *DirStore) Put(ctx context.Context, id string, r *raster.Raster) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	img := image.NewGray(image.Rect(0, 0, r.Width, r.Height))
	copy(img.Pix, r.Pix)

	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return fmt.Errorf("rasterstore: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		return fmt.Errorf("rasterstore: encode %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(id))
}

func (s *DirStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := strings.TrimSuffix(s.path(id), ".png")
	var errs []error
	for _, p := range append([]string{s.path(id)}, s.fallbackPaths(base)...) {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("rasterstore: delete %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func (s *DirStore) fallbackPaths(base string) []string {
	out := make([]string, 0, len(s.exts))
	for _, ext := range s.exts {
		out = append(out, base+ext)
	}
	return out
}

func (s *DirStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	for _, p := range s.fallbackPaths(strings.TrimSuffix(s.path(id), ".png")) {
		if _, err := os.Stat(p); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// toGray keeps 8-bit gray data as is and converts anything else with the
// standard luma weights.
func toGray(id string, img image.Image) *raster.Raster {
	b := img.Bounds()
	out := raster.New(id, b.Dx(), b.Dy())
	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < b.Dy(); y++ {
			copy(out.Pix[y*b.Dx():(y+1)*b.Dx()], g.Pix[y*g.Stride:y*g.Stride+b.Dx()])
		}
		return out
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			out.Set(x-b.Min.X, y-b.Min.Y, c.Y)
		}
	}
	return out
}
