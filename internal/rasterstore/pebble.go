package rasterstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/zeebo/xxh3"

	"precorsia/internal/raster"
)

const (
	rasterPrefix    = "r|"
	headerSize      = 16
	defaultCacheMB  = 64
	bloomBitsPerKey = 10
)

var (
	errStoreClosed   = errors.New("rasterstore: pebble store is closed")
	errCorruptRecord = errors.New("rasterstore: corrupt raster record")
)

// PebbleOptions tunes the Pebble backend.
type PebbleOptions struct {
	CacheSizeBytes int64
	// NoSync skips fsync on writes. Tests and scratch buffers only.
	NoSync bool
}

// PebbleStore keeps rasters in a Pebble database. Values are a fixed header
// (width, height, xxh3 of the samples) followed by the raw samples.
type PebbleStore struct {
	db    *pebble.DB
	cache *pebble.Cache
	wopts *pebble.WriteOptions

	mu     sync.RWMutex
	closed bool
}

// OpenPebble opens or creates a store under path.
func OpenPebble(path string, opts PebbleOptions) (*PebbleStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rasterstore: pebble path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("rasterstore: ensure directory: %w", err)
	}
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheMB << 20
	}

	cache := pebble.NewCache(opts.CacheSizeBytes)
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(bloomBitsPerKey),
		FilterType:   pebble.TableFilter,
	}
	pebbleOpts := &pebble.Options{Cache: cache, Levels: make([]pebble.LevelOptions, 7)}
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = level
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		cache.Unref()
		return nil, fmt.Errorf("rasterstore: open pebble: %w", err)
	}
	wopts := pebble.Sync
	if opts.NoSync {
		wopts = pebble.NoSync
	}
	return &PebbleStore{db: db, cache: cache, wopts: wopts}, nil
}

// Close releases the database and its block cache.
func (s *PebbleStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

func rasterKey(id string) []byte {
	return []byte(rasterPrefix + id)
}

func encodeRaster(r *raster.Raster) []byte {
	buf := make([]byte, headerSize+len(r.Pix))
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.Width))
	binary.BigEndian.PutUint32(buf[4:8], uint32(r.Height))
	binary.BigEndian.PutUint64(buf[8:16], xxh3.Hash(r.Pix))
	copy(buf[headerSize:], r.Pix)
	return buf
}

func decodeRaster(id string, value []byte) (*raster.Raster, error) {
	if len(value) < headerSize {
		return nil, fmt.Errorf("%s: short record: %w", id, errCorruptRecord)
	}
	w := int(binary.BigEndian.Uint32(value[0:4]))
	h := int(binary.BigEndian.Uint32(value[4:8]))
	sum := binary.BigEndian.Uint64(value[8:16])
	samples := value[headerSize:]
	if len(samples) != w*h {
		return nil, fmt.Errorf("%s: %d samples for %dx%d: %w", id, len(samples), w, h, errCorruptRecord)
	}
	if xxh3.Hash(samples) != sum {
		return nil, fmt.Errorf("%s: checksum mismatch: %w", id, errCorruptRecord)
	}
	pix := make([]uint8, len(samples))
	copy(pix, samples)
	return raster.FromSamples(id, w, h, pix)
}

func (s *PebbleStore) Get(ctx context.Context, id string) (*raster.Raster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	value, closer, err := s.db.Get(rasterKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, raster.ErrNotFound
		}
		return nil, fmt.Errorf("rasterstore: get %s: %w", id, err)
	}
	defer closer.Close()
	return decodeRaster(id, value)
}

func (s *PebbleStore) Put(ctx context.Context, id string, r *raster.Raster) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	if err := s.db.Set(rasterKey(id), encodeRaster(r), s.wopts); err != nil {
		return fmt.Errorf("rasterstore: put %s: %w", id, err)
	}
	return nil
}

func (s *PebbleStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	if err := s.db.Delete(rasterKey(id), s.wopts); err != nil {
		return fmt.Errorf("rasterstore: delete %s: %w", id, err)
	}
	return nil
}

func (s *PebbleStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, errStoreClosed
	}
	_, closer, err := s.db.Get(rasterKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// IDs lists every stored id in key order.
func (s *PebbleStore) IDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(rasterPrefix),
		UpperBound: prefixUpperBound([]byte(rasterPrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("rasterstore: iterator: %w", err)
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, strings.TrimPrefix(string(iter.Key()), rasterPrefix))
	}
	return ids, iter.Error()
}

// Import copies every raster the source lists into this store.
func (s *PebbleStore) Import(ctx context.Context, src raster.Store, ids []string) (int, error) {
	n := 0
	for _, id := range ids {
		r, err := src.Get(ctx, id)
		if err != nil {
			if errors.Is(err, raster.ErrNotFound) {
				continue
			}
			return n, err
		}
		if err := s.Put(ctx, id, r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
