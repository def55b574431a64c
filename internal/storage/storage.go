package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"precorsia/internal/correlate"
)

// ErrNotInitialized is returned by queries on a nil store.
var ErrNotInitialized = errors.New("store not initialized")

// Store wraps SQLite-backed persistence for correlation runs.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// workers and HTTP handlers share one connection
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS correlation_runs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            reference_dataset TEXT,
            comparable_dataset TEXT,
            round_factor INTEGER,
            request_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_results (
            run_id TEXT PRIMARY KEY,
            best_correlation REAL,
            best_shift INTEGER,
            buckets INTEGER,
            report_path TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS bucket_pairings (
            run_id TEXT NOT NULL,
            bucket INTEGER NOT NULL,
            series_a_json TEXT,
            series_b_json TEXT,
            point_a REAL,
            point_b REAL,
            PRIMARY KEY (run_id, bucket)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_correlation_runs_created ON correlation_runs(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	ReferenceDataset  string     `json:"reference_dataset"`
	ComparableDataset string     `json:"comparable_dataset"`
	RoundFactor       int        `json:"round_factor"`
	RequestJSON       string     `json:"-"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// ResultRecord is the outcome of a finished run.
type ResultRecord struct {
	RunID           string         `json:"run_id"`
	BestCorrelation float64        `json:"best_correlation"`
	BestShift       int            `json:"best_shift"`
	Buckets         int            `json:"buckets"`
	ReportPath      string         `json:"report_path,omitempty"`
	Meta            map[string]any `json:"meta,omitempty"`
}

// PairingRecord is one bucket of a run with its reduced point.
type PairingRecord struct {
	Bucket  int64    `json:"bucket"`
	SeriesA []string `json:"series_a"`
	SeriesB []string `json:"series_b"`
	PointA  float64  `json:"point_a"`
	PointB  float64  `json:"point_b"`
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO correlation_runs (id, status, reference_dataset, comparable_dataset, round_factor, request_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Status, rec.ReferenceDataset, rec.ComparableDataset, rec.RoundFactor, rec.RequestJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE correlation_runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunFailed finalizes a run with an error.
func (s *Store) RecordRunFailed(id string, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE correlation_runs SET status='failed', completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, errMsg, id)
	return err
}

// RecordRunResult finalizes a run with its result and bucket pairings in one transaction.
func (s *Store) RecordRunResult(res ResultRecord, pairings []correlate.BucketPairing, points []correlate.CorrelationPoint) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(res.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE correlation_runs SET status='completed', completed_at=CURRENT_TIMESTAMP, error_message='' WHERE id=?;`, res.RunID); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO run_results (run_id, best_correlation, best_shift, buckets, report_path, meta_json) VALUES (?, ?, ?, ?, ?, ?);`,
		res.RunID, res.BestCorrelation, res.BestShift, res.Buckets, res.ReportPath, string(metaJSON)); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM bucket_pairings WHERE run_id=?;`, res.RunID); err != nil {
		return err
	}
	for i, p := range pairings {
		a, _ := json.Marshal(p.SeriesA)
		b, _ := json.Marshal(p.SeriesB)
		var pa, pb float64
		if i < len(points) {
			pa, pb = points[i].A, points[i].B
		}
		if _, err := tx.Exec(`INSERT INTO bucket_pairings (run_id, bucket, series_a_json, series_b_json, point_a, point_b) VALUES (?, ?, ?, ?, ?, ?);`,
			res.RunID, p.Bucket, string(a), string(b), pa, pb); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT id, status, reference_dataset, comparable_dataset, round_factor, request_json, created_at, started_at, completed_at, error_message FROM correlation_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run by id. A missing run yields sql.ErrNoRows.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, ErrNotInitialized
	}
	row := s.DB.QueryRow(`SELECT id, status, reference_dataset, comparable_dataset, round_factor, request_json, created_at, started_at, completed_at, error_message FROM correlation_runs WHERE id=?;`, id)
	return scanRun(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var rec RunRecord
	var ref, cmp, reqJSON, errorMsg sql.NullString
	var round sql.NullInt64
	var started, completed sql.NullTime
	if err := sc.Scan(&rec.ID, &rec.Status, &ref, &cmp, &round, &reqJSON, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.ReferenceDataset = ref.String
	rec.ComparableDataset = cmp.String
	rec.RoundFactor = int(round.Int64)
	rec.RequestJSON = reqJSON.String
	rec.Error = errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RunResult fetches the result of a completed run.
func (s *Store) RunResult(id string) (ResultRecord, error) {
	if s == nil {
		return ResultRecord{}, ErrNotInitialized
	}
	var res ResultRecord
	var reportPath sql.NullString
	var metaJSON string
	err := s.DB.QueryRow(`SELECT run_id, best_correlation, best_shift, buckets, report_path, meta_json FROM run_results WHERE run_id=?;`, id).
		Scan(&res.RunID, &res.BestCorrelation, &res.BestShift, &res.Buckets, &reportPath, &metaJSON)
	if err != nil {
		return res, err
	}
	res.ReportPath = reportPath.String
	if metaJSON != "" && metaJSON != "null" {
		if err := json.Unmarshal([]byte(metaJSON), &res.Meta); err != nil {
			return res, fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	return res, nil
}

// RunPairings lists the buckets of a run in ascending order.
func (s *Store) RunPairings(id string) ([]PairingRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT bucket, series_a_json, series_b_json, point_a, point_b FROM bucket_pairings WHERE run_id=? ORDER BY bucket;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []PairingRecord{}
	for rows.Next() {
		var rec PairingRecord
		var a, b string
		if err := rows.Scan(&rec.Bucket, &a, &b, &rec.PointA, &rec.PointB); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(a), &rec.SeriesA); err != nil {
			return nil, fmt.Errorf("unmarshal series a: %w", err)
		}
		if err := json.Unmarshal([]byte(b), &rec.SeriesB); err != nil {
			return nil, fmt.Errorf("unmarshal series b: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
