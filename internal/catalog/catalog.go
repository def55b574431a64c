package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoAcquisitions is returned when a catalog query matches nothing.
var ErrNoAcquisitions = errors.New("no images found")

// Acquisition is one catalog entry. TimeStart is milliseconds since the Unix epoch.
type Acquisition struct {
	ID        string `json:"id" yaml:"id"`
	TimeStart int64  `json:"time_start" yaml:"time_start"`
}

// Query selects acquisitions of one dataset around a point inside a time window.
type Query struct {
	Dataset     string
	Geolocation [2]float64 // lon, lat
	MarginDeg   float64
	Start       time.Time
	End         time.Time
}

// Window returns the query window as epoch milliseconds, end exclusive.
func (q Query) Window() (int64, int64) {
	return q.Start.UnixMilli(), q.End.UnixMilli()
}

// Client lists acquisitions from some catalog backend.
type Client interface {
	List(ctx context.Context, q Query) ([]Acquisition, error)
}

// Authenticator is implemented by clients that need a login step before listing.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

// Session wraps a Client and authenticates it once on first use.
type Session struct {
	client  Client
	once    sync.Once
	authErr error
}

// NewSession binds a client. No I/O happens until the first List.
func NewSession(client Client) *Session {
	return &Session{client: client}
}

// List authenticates if needed and forwards the query.
// An empty result is reported as ErrNoAcquisitions.
func (s *Session) List(ctx context.Context, q Query) ([]Acquisition, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("catalog session not initialized")
	}
	s.once.Do(func() {
		if auth, ok := s.client.(Authenticator); ok {
			s.authErr = auth.Authenticate(ctx)
		}
	})
	if s.authErr != nil {
		return nil, fmt.Errorf("catalog authentication failed: %w", s.authErr)
	}

	recs, err := s.client.List(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s: %w", q.Dataset, ErrNoAcquisitions)
	}
	return recs, nil
}

// DailyWindow turns a start date (YYYY-MM-DD) and a day count into a UTC window.
func DailyWindow(startDate string, days int) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q: %w", startDate, err)
	}
	if days <= 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("days must be positive, got %d", days)
	}
	return start, start.AddDate(0, 0, days), nil
}

func inWindow(ts, from, to int64) bool {
	return ts >= from && ts < to
}
