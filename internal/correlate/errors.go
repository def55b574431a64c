package correlate

import "errors"

var (
	// ErrEmptyInput means an acquisition list, or the overlap of two lists, is empty
	// where later stages need data.
	ErrEmptyInput = errors.New("empty input")
	// ErrMalformedRaster marks a raster that cannot be scored or filled, such as one
	// with zero samples.
	ErrMalformedRaster = errors.New("malformed raster")
	// ErrInsufficientData means fewer entries survived than an operation needs.
	ErrInsufficientData = errors.New("insufficient data")
)
