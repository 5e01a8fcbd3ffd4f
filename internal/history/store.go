// Package history keeps a SQLite log of solve cycles.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/trajectory-optimizer/internal/compute"
)

const schema = `
	CREATE TABLE IF NOT EXISTS solves (
		solve_id     INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id     TEXT    NOT NULL,
		revision     BIGINT  NOT NULL,
		status       TEXT    NOT NULL,
		iterations   INTEGER NOT NULL,
		cost         DOUBLE,
		duration_ns  BIGINT  NOT NULL,
		message      TEXT,
		started_ns   BIGINT  NOT NULL
	);
	CREATE INDEX IF NOT EXISTS solves_started ON solves (started_ns);
`

// Store records solve cycles. It satisfies compute.Recorder.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	// One writer; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init history %s: %w", path, err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// RecordSolve appends one record.
func (s *Store) RecordSolve(ctx context.Context, rec compute.SolveRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO solves (cycle_id, revision, status, iterations, cost, duration_ns, message, started_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CycleID, int64(rec.Revision), rec.Status, rec.Iterations, rec.Cost,
		rec.Duration.Nanoseconds(), rec.Message, rec.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record solve %s: %w", rec.CycleID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]compute.SolveRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle_id, revision, status, iterations, cost, duration_ns, message, started_ns
		FROM solves ORDER BY solve_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query solves: %w", err)
	}
	defer rows.Close()

	var out []compute.SolveRecord
	for rows.Next() {
		var (
			rec               compute.SolveRecord
			revision          int64
			duration, started int64
			cost              sql.NullFloat64
			message           sql.NullString
		)
		if err := rows.Scan(&rec.CycleID, &revision, &rec.Status, &rec.Iterations, &cost, &duration, &message, &started); err != nil {
			return nil, fmt.Errorf("scan solve: %w", err)
		}
		rec.Revision = uint64(revision)
		rec.Cost = cost.Float64
		rec.Duration = time.Duration(duration)
		rec.Message = message.String
		rec.At = time.Unix(0, started)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats aggregates the whole history.
type Stats struct {
	Total          int
	Converged      int
	Failed         int
	MeanIterations float64
}

// Stats counts every recorded solve by outcome.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		st   Stats
		mean sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'converged' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		       AVG(iterations)
		FROM solves`).Scan(&st.Total, &st.Converged, &st.Failed, &mean)
	if err != nil {
		return Stats{}, fmt.Errorf("solve stats: %w", err)
	}
	st.MeanIterations = mean.Float64
	return st, nil
}
