// Package history keeps a SQLite record of sync runs.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go driver

	"prayersync/internal/engine"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("history: run not found")

// RunSummary is one row of the runs table.
type RunSummary struct {
	ID         int64         `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Status     engine.Status `json:"status"`
	Location   string        `json:"location"`
	Timezone   string        `json:"timezone"`
	Days       int           `json:"days"`
	Created    int           `json:"created"`
	Updated    int           `json:"updated"`
	NoOp       int           `json:"noop"`
	Skipped    int           `json:"skipped"`
	Error      string        `json:"error,omitempty"`
}

// Store wraps the history database.
type Store struct {
	db *sql.DB
}

var _ engine.Observer = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("history: create dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, (5 * time.Second).Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open failed: %w", err)
	}
	// One writer; runs are serialized anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: ping failed: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			status TEXT NOT NULL,
			location TEXT,
			timezone TEXT,
			location_source TEXT,
			error TEXT,
			report_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_days (
			run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			date TEXT NOT NULL,
			status TEXT NOT NULL,
			created INTEGER NOT NULL DEFAULT 0,
			updated INTEGER NOT NULL DEFAULT 0,
			noop INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			write_failures INTEGER NOT NULL DEFAULT 0,
			duplicates INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			PRIMARY KEY (run_id, date)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RunFinished records r; it makes Store an engine.Observer.
func (s *Store) RunFinished(ctx context.Context, r engine.Report) error {
	_, err := s.Record(ctx, r)
	return err
}

// Record inserts r and its days in one transaction and returns the run id.
func (s *Store) Record(ctx context.Context, r engine.Report) (int64, error) {
	report, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("history: encode report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO runs(started_at, finished_at, status, location, timezone, location_source, error, report_json)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(r.StartedAt), formatTime(r.FinishedAt), string(r.Status),
		r.Location.Label, r.Location.Timezone, r.Location.Source, r.Error, string(report))
	if err != nil {
		return 0, fmt.Errorf("history: insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, d := range r.Days {
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_days(run_id, date, status, created, updated, noop, skipped, write_failures, duplicates, error)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, d.Date, string(d.Status), d.Created, d.Updated, d.NoOp, d.Skipped, d.WriteFailures, d.Duplicates, d.Error); err != nil {
			return 0, fmt.Errorf("history: insert day %s: %w", d.Date, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT r.id, r.started_at, r.finished_at, r.status, r.location, r.timezone, r.error,
			COUNT(d.date), COALESCE(SUM(d.created), 0), COALESCE(SUM(d.updated), 0), COALESCE(SUM(d.noop), 0), COALESCE(SUM(d.skipped), 0)
		FROM runs r LEFT JOIN run_days d ON d.run_id = r.id
		GROUP BY r.id
		ORDER BY r.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			rs                  RunSummary
			started, finished   string
			status              string
			loc, tz, errMessage sql.NullString
		)
		if err := rows.Scan(&rs.ID, &started, &finished, &status, &loc, &tz, &errMessage,
			&rs.Days, &rs.Created, &rs.Updated, &rs.NoOp, &rs.Skipped); err != nil {
			return nil, err
		}
		rs.StartedAt = parseTime(started)
		rs.FinishedAt = parseTime(finished)
		rs.Status = engine.Status(status)
		rs.Location = loc.String
		rs.Timezone = tz.String
		rs.Error = errMessage.String
		out = append(out, rs)
	}
	return out, rows.Err()
}

// Get returns the full report of run id.
func (s *Store) Get(ctx context.Context, id int64) (engine.Report, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT report_json FROM runs WHERE id = ?`, id).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return engine.Report{}, ErrNotFound
	case err != nil:
		return engine.Report{}, err
	}
	var r engine.Report
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return engine.Report{}, fmt.Errorf("history: decode report %d: %w", id, err)
	}
	return r, nil
}

// Prune deletes runs that started before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// timeLayout is fixed-width UTC so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
