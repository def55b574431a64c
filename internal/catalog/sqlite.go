package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteClient reads a catalog database exported by the acquisition harvester.
// The database is opened read-only and never written.
//
// Expected schema:
//
//	acquisitions(id TEXT, dataset TEXT, time_start INTEGER, lon REAL, lat REAL)
type SQLiteClient struct {
	path string
	db   *sql.DB
}

// NewSQLiteClient checks that path exists; the connection opens on Authenticate.
func NewSQLiteClient(path string) (*SQLiteClient, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("catalog database not found: %w", err)
	}
	return &SQLiteClient{path: path}, nil
}

// Authenticate opens the read-only connection and verifies the schema.
func (c *SQLiteClient) Authenticate(ctx context.Context) error {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", c.path))
	if err != nil {
		return fmt.Errorf("failed to open catalog database: %w", err)
	}
	var n int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='acquisitions'`).Scan(&n)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to inspect catalog schema: %w", err)
	}
	if n == 0 {
		db.Close()
		return fmt.Errorf("catalog database %s has no acquisitions table", c.path)
	}
	c.db = db
	return nil
}

func (c *SQLiteClient) List(ctx context.Context, q Query) ([]Acquisition, error) {
	if c.db == nil {
		return nil, fmt.Errorf("catalog database not connected")
	}
	from, to := q.Window()
	query := `SELECT id, time_start FROM acquisitions
		WHERE dataset = ? AND time_start >= ? AND time_start < ?
		AND ABS(lon - ?) <= ? AND ABS(lat - ?) <= ?
		ORDER BY time_start, id`
	rows, err := c.db.QueryContext(ctx, query, q.Dataset, from, to,
		q.Geolocation[0], q.MarginDeg, q.Geolocation[1], q.MarginDeg)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	var recs []Acquisition
	for rows.Next() {
		var rec Acquisition
		if err := rows.Scan(&rec.ID, &rec.TimeStart); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close releases the connection.
func (c *SQLiteClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
