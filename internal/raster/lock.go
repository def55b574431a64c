package raster

import (
	"sort"
	"sync"
)

// Locker hands out one mutex per id so read-modify-write cycles on the same
// raster never interleave. Entries are reference counted and dropped on release.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker returns an empty keyed lock table.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*idLock)}
}

// Lock blocks until id is exclusively held and returns the release func.
func (l *Locker) Lock(id string) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &idLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// LockAll holds every distinct id of ids until the returned func is called.
// Ids are taken in sorted order so overlapping callers cannot deadlock.
func (l *Locker) LockAll(ids []string) func() {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	releases := make([]func(), 0, len(sorted))
	for i, id := range sorted {
		if i > 0 && id == sorted[i-1] {
			continue
		}
		releases = append(releases, l.Lock(id))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}
