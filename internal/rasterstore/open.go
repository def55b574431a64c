package rasterstore

import (
	"fmt"
	"io"

	"precorsia/internal/raster"
)

const (
	BackendDir    = "dir"
	BackendPebble = "pebble"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open returns the configured backend and a closer to release it.
func Open(backend, path string, cacheBytes int64) (raster.Store, io.Closer, error) {
	switch backend {
	case "", BackendDir:
		s, err := NewDirStore(path)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	case BackendPebble:
		s, err := OpenPebble(path, PebbleOptions{CacheSizeBytes: cacheBytes})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("rasterstore: unknown backend %q", backend)
	}
}
