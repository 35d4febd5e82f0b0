package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/download"
)

// DBFileName is the database file created inside the database directory.
const DBFileName = "torfetch.db"

// ErrAmbiguousRunID is returned when a run ID prefix matches several runs.
var ErrAmbiguousRunID = errors.New("run ID prefix matches more than one run")

// HistoryDB stores the history of download runs.
type HistoryDB struct {
	// db is the underlying SQL database connection.
	db *sql.DB

	// dbPath is the path to the SQLite database file.
	dbPath string
}

// Options configures HistoryDB behavior.
type Options struct {
	// CreateIfNotExists creates the database file if it doesn't exist.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging for better concurrent performance.
	EnableWAL bool
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates a HistoryDB in dbDir.
// If CreateIfNotExists is false and the database doesn't exist, an error is returned.
func Open(dbDir string, opts Options) (*HistoryDB, error) {
	dbPath := filepath.Join(dbDir, DBFileName)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("database not found at %s (use CreateIfNotExists option to create)", dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
	} else {
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// mode=rw refuses to create a missing file; mode=rwc allows it.
	dsn := dbPath + "?mode=rw"
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	hdb := &HistoryDB{
		db:     db,
		dbPath: dbPath,
	}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := hdb.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return hdb, nil
}

// Path returns the database file path.
func (hdb *HistoryDB) Path() string {
	return hdb.dbPath
}

// Close closes the database connection.
func (hdb *HistoryDB) Close() error {
	return hdb.db.Close()
}

// createTables creates the database schema if it doesn't exist.
func (hdb *HistoryDB) createTables() error {
	schema := `
	-- One row per download run
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		task_file TEXT,
		proxy TEXT NOT NULL,
		exit_address TEXT,
		exit_country TEXT,
		total INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		cancelled INTEGER NOT NULL DEFAULT 0,
		failure_report TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	-- Permanently failed tasks of a run
	CREATE TABLE IF NOT EXISTS failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		path TEXT NOT NULL,
		error TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_failures_run ON failures(run_id);

	-- Exit identity changes seen through the proxy during a run
	CREATE TABLE IF NOT EXISTS identity_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		endpoint TEXT NOT NULL,
		previous TEXT NOT NULL,
		current TEXT NOT NULL,
		country TEXT,
		observed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON identity_events(run_id);
	`

	_, err := hdb.db.ExecContext(context.Background(), schema)
	return err
}

// RunRecord is one stored run.
type RunRecord struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	TaskFile      string    `json:"task_file,omitempty"`
	Proxy         string    `json:"proxy,omitempty"`
	ExitAddress   string    `json:"exit_address,omitempty"`
	ExitCountry   string    `json:"exit_country,omitempty"`
	Total         int       `json:"total"`
	Completed     int       `json:"completed"`
	Skipped       int       `json:"skipped"`
	Failed        int       `json:"failed"`
	Cancelled     bool      `json:"cancelled"`
	FailureReport string    `json:"failure_report,omitempty"`

	// Failures and Rotations are saved with the run and loaded by GetRun.
	Failures  []FailureRecord  `json:"failures,omitempty"`
	Rotations []RotationRecord `json:"rotations,omitempty"`
}

// FailureRecord is one permanently failed task.
type FailureRecord struct {
	URL   string `json:"url"`
	Path  string `json:"path"`
	Error string `json:"error"`
}

// RotationRecord is one exit identity change.
type RotationRecord struct {
	Endpoint   string    `json:"endpoint"`
	Previous   string    `json:"previous"`
	Current    string    `json:"current"`
	Country    string    `json:"country,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// NewRunRecord converts a download report into a RunRecord. Proxy and
// exit fields are left for the caller.
func NewRunRecord(r *download.Report) *RunRecord {
	rec := &RunRecord{
		ID:            r.RunID.String(),
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		Total:         r.Stats.Total,
		Completed:     r.Stats.Completed,
		Skipped:       r.Stats.Skipped,
		Failed:        r.Stats.Failed,
		FailureReport: r.FailureReportPath,
	}
	for _, f := range r.Failures {
		rec.Failures = append(rec.Failures, FailureRecord{URL: f.URL, Path: f.Path, Error: f.Error})
	}
	return rec
}

// SaveRun stores a run with its failures and rotations in one transaction.
func (hdb *HistoryDB) SaveRun(ctx context.Context, run *RunRecord) (err error) {
	tx, err := hdb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO runs (id, started_at, finished_at, task_file, proxy, exit_address, exit_country,
		total, completed, skipped, failed, cancelled, failure_report)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		formatTimestamp(run.StartedAt),
		formatTimestamp(run.FinishedAt),
		run.TaskFile,
		run.Proxy,
		run.ExitAddress,
		run.ExitCountry,
		run.Total,
		run.Completed,
		run.Skipped,
		run.Failed,
		run.Cancelled,
		run.FailureReport,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, f := range run.Failures {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO failures (run_id, url, path, error) VALUES (?, ?, ?, ?)`,
			run.ID, f.URL, f.Path, f.Error,
		); err != nil {
			return fmt.Errorf("failed to insert failure: %w", err)
		}
	}

	for _, r := range run.Rotations {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO identity_events (run_id, endpoint, previous, current, country, observed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, r.Endpoint, r.Previous, r.Current, r.Country, formatTimestamp(r.ObservedAt),
		); err != nil {
			return fmt.Errorf("failed to insert rotation: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, started_at, finished_at, task_file, proxy, exit_address, exit_country,
	total, completed, skipped, failed, cancelled, failure_report`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRun reads one runs row.
func scanRun(s scanner) (*RunRecord, error) {
	var run RunRecord
	var started, finished string
	var taskFile, exitAddr, exitCountry, failureReport sql.NullString

	if err := s.Scan(
		&run.ID,
		&started,
		&finished,
		&taskFile,
		&run.Proxy,
		&exitAddr,
		&exitCountry,
		&run.Total,
		&run.Completed,
		&run.Skipped,
		&run.Failed,
		&run.Cancelled,
		&failureReport,
	); err != nil {
		return nil, err
	}

	run.StartedAt = parseTimestamp(started)
	run.FinishedAt = parseTimestamp(finished)
	run.TaskFile = taskFile.String
	run.ExitAddress = exitAddr.String
	run.ExitCountry = exitCountry.String
	run.FailureReport = failureReport.String
	return &run, nil
}

// ListRuns returns the most recent runs first. A limit of zero or less
// returns every run. Failures and rotations are not loaded.
func (hdb *HistoryDB) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	args := make([]any, 0, 1)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := hdb.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}

	return runs, rows.Err()
}

// GetRun retrieves a run by its ID or a unique prefix of it, together
// with its failures and rotations. It returns nil when no run matches.
func (hdb *HistoryDB) GetRun(ctx context.Context, idOrPrefix string) (*RunRecord, error) {
	rows, err := hdb.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ? OR id LIKE ? || '%' ORDER BY id = ? DESC LIMIT 2`,
		idOrPrefix, idOrPrefix, idOrPrefix,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var matches []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		matches = append(matches, run)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	_ = rows.Close()

	switch {
	case len(matches) == 0:
		return nil, nil
	case len(matches) > 1 && matches[0].ID != idOrPrefix:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousRunID, idOrPrefix)
	}

	run := matches[0]
	if run.Failures, err = hdb.GetFailures(ctx, run.ID); err != nil {
		return nil, err
	}
	if run.Rotations, err = hdb.GetRotations(ctx, run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// GetFailures returns the failed tasks of a run.
func (hdb *HistoryDB) GetFailures(ctx context.Context, runID string) ([]FailureRecord, error) {
	rows, err := hdb.db.QueryContext(ctx,
		`SELECT url, path, error FROM failures WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get failures: %w", err)
	}
	defer rows.Close()

	var failures []FailureRecord
	for rows.Next() {
		var f FailureRecord
		if err := rows.Scan(&f.URL, &f.Path, &f.Error); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		failures = append(failures, f)
	}

	return failures, rows.Err()
}

// GetRotations returns the exit rotations of a run in the order observed.
func (hdb *HistoryDB) GetRotations(ctx context.Context, runID string) ([]RotationRecord, error) {
	rows, err := hdb.db.QueryContext(ctx, `
	SELECT endpoint, previous, current, country, observed_at
	FROM identity_events
	WHERE run_id = ?
	ORDER BY observed_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get rotations: %w", err)
	}
	defer rows.Close()

	var rotations []RotationRecord
	for rows.Next() {
		var r RotationRecord
		var country sql.NullString
		var observed string
		if err := rows.Scan(&r.Endpoint, &r.Previous, &r.Current, &country, &observed); err != nil {
			return nil, fmt.Errorf("failed to scan rotation: %w", err)
		}
		r.Country = country.String
		r.ObservedAt = parseTimestamp(observed)
		rotations = append(rotations, r)
	}

	return rotations, rows.Err()
}

// timestampLayout is RFC3339 with fixed-width nanoseconds, so stored
// timestamps sort correctly as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTimestamp stores times in UTC.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// timestampFormats contains the timestamp formats that SQLite may return.
// The order matters: more specific formats should come first.
var timestampFormats = []string{
	time.RFC3339Nano,          // Written by formatTimestamp
	time.RFC3339,              // Full RFC3339 format
	"2006-01-02 15:04:05",     // SQLite default datetime format
	"2006-01-02T15:04:05",     // ISO 8601 without timezone
	"2006-01-02 15:04:05.999", // SQLite with milliseconds
}

// parseTimestamp attempts to parse a timestamp string using multiple formats.
// If parsing fails with all formats, returns zero time.
func parseTimestamp(s string) time.Time {
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
