package raster

import (
	"context"
	"errors"
	"fmt"
)

// NoData is the sample value that marks a missing measurement.
const NoData uint8 = 0

// MaxSample is the top of the 8-bit sample domain.
const MaxSample = 255

// ErrNotFound is returned by stores when an id has no raster.
var ErrNotFound = errors.New("raster not found")

// Raster is a single-channel 8-bit grid stored row-major.
type Raster struct {
	ID     string
	Width  int
	Height int
	Pix    []uint8
}

// New allocates a zeroed raster of the given size.
func New(id string, width, height int) *Raster {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Raster{ID: id, Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// FromSamples wraps an existing sample slice. len(pix) must equal width*height.
func FromSamples(id string, width, height int, pix []uint8) (*Raster, error) {
	if width < 0 || height < 0 || len(pix) != width*height {
		return nil, fmt.Errorf("raster %s: %d samples do not fit %dx%d", id, len(pix), width, height)
	}
	return &Raster{ID: id, Width: width, Height: height, Pix: pix}, nil
}

// Len is the total sample count.
func (r *Raster) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Pix)
}

// At returns the sample at column x, row y.
func (r *Raster) At(x, y int) uint8 {
	return r.Pix[y*r.Width+x]
}

// Set writes the sample at column x, row y.
func (r *Raster) Set(x, y int, v uint8) {
	r.Pix[y*r.Width+x] = v
}

// SameSize reports whether both rasters share dimensions.
func (r *Raster) SameSize(o *Raster) bool {
	return r != nil && o != nil && r.Width == o.Width && r.Height == o.Height && len(r.Pix) == len(o.Pix)
}

// Clone returns a deep copy under a new id.
func (r *Raster) Clone(id string) *Raster {
	pix := make([]uint8, len(r.Pix))
	copy(pix, r.Pix)
	return &Raster{ID: id, Width: r.Width, Height: r.Height, Pix: pix}
}

// Store abstracts persisted rasters keyed by acquisition id.
type Store interface {
	Get(ctx context.Context, id string) (*Raster, error)
	Put(ctx context.Context, id string, r *Raster) error
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
}
