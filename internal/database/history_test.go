package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/download"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *HistoryDB {
	t.Helper()

	db, err := Open(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

// sampleRun creates a run record starting at the given time.
func sampleRun(id string, started time.Time) *RunRecord {
	return &RunRecord{
		ID:          id,
		StartedAt:   started,
		FinishedAt:  started.Add(time.Minute),
		TaskFile:    "tasks.json",
		Proxy:       "socks5://127.0.0.1:9150",
		ExitAddress: "198.51.100.23",
		ExitCountry: "NL",
		Total:       3,
		Completed:   1,
		Skipped:     1,
		Failed:      1,
		Failures: []FailureRecord{
			{URL: "https://cdn.example.com/c.jpg", Path: "out/c.jpg", Error: "unexpected status: 404 Not Found"},
		},
		Rotations: []RotationRecord{
			{Endpoint: "127.0.0.1:9150", Previous: "198.51.100.23", Current: "192.0.2.44", Country: "SE", ObservedAt: started.Add(30 * time.Second)},
		},
	}
}

// TestOpen tests database opening and creation.
func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("creates database in new directory", func(t *testing.T) {
		t.Parallel()

		dbDir := filepath.Join(t.TempDir(), "newdir", "subdir")
		db, err := Open(dbDir, DefaultOptions())
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()

		if db.Path() != filepath.Join(dbDir, DBFileName) {
			t.Errorf("Path() = %q", db.Path())
		}
		if _, err := os.Stat(db.Path()); os.IsNotExist(err) {
			t.Error("database file was not created")
		}
	})

	t.Run("CreateIfNotExists=false returns error when database does not exist", func(t *testing.T) {
		t.Parallel()

		dbDir := filepath.Join(t.TempDir(), "missing")
		if _, err := Open(dbDir, Options{CreateIfNotExists: false, EnableWAL: true}); err == nil {
			t.Fatal("expected error for missing database")
		}
		if _, statErr := os.Stat(dbDir); !os.IsNotExist(statErr) {
			t.Error("database directory should not have been created when CreateIfNotExists=false")
		}
	})

	t.Run("CreateIfNotExists=false opens existing database", func(t *testing.T) {
		t.Parallel()

		dbDir := filepath.Join(t.TempDir(), "existing-db")
		ctx := context.Background()

		db1, err := Open(dbDir, DefaultOptions())
		if err != nil {
			t.Fatalf("failed to create database: %v", err)
		}
		id := uuid.NewString()
		if err := db1.SaveRun(ctx, sampleRun(id, time.Now())); err != nil {
			t.Fatalf("failed to save run: %v", err)
		}
		_ = db1.Close()

		db2, err := Open(dbDir, Options{CreateIfNotExists: false, EnableWAL: true})
		if err != nil {
			t.Fatalf("failed to open existing database: %v", err)
		}
		defer db2.Close()

		run, err := db2.GetRun(ctx, id)
		if err != nil {
			t.Fatalf("failed to get run: %v", err)
		}
		if run == nil {
			t.Error("expected run to persist")
		}
	})
}

// TestDefaultOptions tests the default options values.
func TestDefaultOptions(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	if !opts.CreateIfNotExists {
		t.Error("expected CreateIfNotExists to be true by default")
	}
	if !opts.EnableWAL {
		t.Error("expected EnableWAL to be true by default")
	}
}

// TestSaveAndGetRun tests the round trip of a run with its children.
func TestSaveAndGetRun(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()

	started := time.Date(2024, 7, 1, 9, 30, 0, 0, time.UTC)
	id := "0b7e2a4c-9f1d-4c55-8a3e-6d2b1f0c9e11"
	if err := db.SaveRun(ctx, sampleRun(id, started)); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	t.Run("by full ID", func(t *testing.T) {
		run, err := db.GetRun(ctx, id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if run == nil {
			t.Fatal("expected run, got nil")
		}
		if !run.StartedAt.Equal(started) || !run.FinishedAt.Equal(started.Add(time.Minute)) {
			t.Errorf("timestamps = %v / %v", run.StartedAt, run.FinishedAt)
		}
		if run.Proxy != "socks5://127.0.0.1:9150" || run.ExitCountry != "NL" || run.TaskFile != "tasks.json" {
			t.Errorf("run = %+v", run)
		}
		if run.Total != 3 || run.Completed != 1 || run.Skipped != 1 || run.Failed != 1 {
			t.Errorf("counters = %+v", run)
		}
		if len(run.Failures) != 1 || run.Failures[0].Path != "out/c.jpg" {
			t.Errorf("failures = %+v", run.Failures)
		}
		if len(run.Rotations) != 1 || run.Rotations[0].Current != "192.0.2.44" {
			t.Errorf("rotations = %+v", run.Rotations)
		}
		if !run.Rotations[0].ObservedAt.Equal(started.Add(30 * time.Second)) {
			t.Errorf("rotation time = %v", run.Rotations[0].ObservedAt)
		}
	})

	t.Run("by prefix", func(t *testing.T) {
		run, err := db.GetRun(ctx, "0b7e2a4c")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if run == nil || run.ID != id {
			t.Errorf("expected run %s, got %+v", id, run)
		}
	})

	t.Run("returns nil for unknown ID", func(t *testing.T) {
		run, err := db.GetRun(ctx, "ffffffff")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if run != nil {
			t.Error("expected nil for unknown ID")
		}
	})

	t.Run("duplicate ID is rejected atomically", func(t *testing.T) {
		dup := sampleRun(id, started)
		dup.Failures = append(dup.Failures, FailureRecord{URL: "x", Path: "y", Error: "z"})
		if err := db.SaveRun(ctx, dup); err == nil {
			t.Fatal("expected error for duplicate run ID")
		}
		failures, err := db.GetFailures(ctx, id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(failures) != 1 {
			t.Errorf("failures = %d, want 1 (rolled back)", len(failures))
		}
	})
}

// TestGetRunAmbiguousPrefix tests prefix collisions.
func TestGetRunAmbiguousPrefix(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"abc11111-0000-0000-0000-000000000000", "abc22222-0000-0000-0000-000000000000"} {
		if err := db.SaveRun(ctx, sampleRun(id, now)); err != nil {
			t.Fatalf("failed to save run: %v", err)
		}
	}

	if _, err := db.GetRun(ctx, "abc"); !errors.Is(err, ErrAmbiguousRunID) {
		t.Errorf("expected ErrAmbiguousRunID, got %v", err)
	}
	if run, err := db.GetRun(ctx, "abc2"); err != nil || run == nil {
		t.Errorf("expected unique match, got %v %v", run, err)
	}
}

// TestListRuns tests ordering and limits.
func TestListRuns(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()

	t.Run("empty database", func(t *testing.T) {
		runs, err := db.ListRuns(ctx, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(runs) != 0 {
			t.Errorf("expected no runs, got %d", len(runs))
		}
	})

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []string{"run-a", "run-b", "run-c"}
	for i, id := range ids {
		// Sub-second offsets must still order correctly.
		if err := db.SaveRun(ctx, sampleRun(id, base.Add(time.Duration(i)*500*time.Millisecond))); err != nil {
			t.Fatalf("failed to save run: %v", err)
		}
	}

	t.Run("newest first", func(t *testing.T) {
		runs, err := db.ListRuns(ctx, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(runs) != 3 || runs[0].ID != "run-c" || runs[2].ID != "run-a" {
			t.Errorf("order = %v", runs)
		}
		if runs[0].Failures != nil {
			t.Error("ListRuns must not load failures")
		}
	})

	t.Run("limit", func(t *testing.T) {
		runs, err := db.ListRuns(ctx, 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(runs) != 2 {
			t.Errorf("expected 2 runs, got %d", len(runs))
		}
	})
}

// TestNewRunRecord tests conversion from a download report.
func TestNewRunRecord(t *testing.T) {
	t.Parallel()

	started := time.Date(2024, 2, 2, 2, 2, 2, 0, time.UTC)
	r := &download.Report{
		RunID:      uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		Stats:      download.Stats{Total: 2, Completed: 1, Failed: 1},
		Failures:   []download.Failure{{URL: "u", Path: "p", Error: "e"}},
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),

		FailureReportPath: "failed.json",
	}

	rec := NewRunRecord(r)
	if rec.ID != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("ID = %q", rec.ID)
	}
	if rec.Total != 2 || rec.Completed != 1 || rec.Failed != 1 || rec.FailureReport != "failed.json" {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Failures) != 1 || rec.Failures[0] != (FailureRecord{URL: "u", Path: "p", Error: "e"}) {
		t.Errorf("failures = %+v", rec.Failures)
	}
}

// TestParseTimestamp tests the timestamp parser with various formats.
func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"stored layout", "2024-01-15T10:30:45.000000000Z", time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)},
		{"sqlite default", "2024-01-15 10:30:45", time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)},
		{"iso without zone", "2024-01-15T10:30:45", time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC)},
		{"invalid", "not-a-timestamp", time.Time{}},
		{"empty", "", time.Time{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := parseTimestamp(tc.input); !got.Equal(tc.want) {
				t.Errorf("parseTimestamp(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}
