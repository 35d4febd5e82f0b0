package download

import (
	"time"

	"github.com/google/uuid"
)

// Task is one resource to fetch. Tasks are immutable once handed to Run.
type Task struct {
	// Key identifies the resource in the progress store. Defaults to URL.
	Key string
	// URL is the http or https address of the resource.
	URL string
	// Destination is the local file path. Each task owns a distinct path,
	// and no task's destination is another task's partial path.
	Destination string
}

// PartialSuffix is appended to a destination while its transfer runs.
const PartialSuffix = ".part"

// PartialPath returns the file a transfer writes before renaming it to
// Destination.
func (t Task) PartialPath() string {
	return t.Destination + PartialSuffix
}

// resourceKey returns Key, falling back to URL.
func (t Task) resourceKey() string {
	if t.Key != "" {
		return t.Key
	}
	return t.URL
}

// Status is the state of a task within a run.
type Status int

const (
	// StatusPending means the task waits for a worker.
	StatusPending Status = iota
	// StatusInFlight means a worker is processing the task.
	StatusInFlight
	// StatusCompleted means the resource is on disk and recorded.
	StatusCompleted
	// StatusFailedTransient means the last attempt failed and a retry is scheduled.
	StatusFailedTransient
	// StatusFailedPermanent means every attempt failed or the run was cancelled.
	StatusFailedPermanent
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusCompleted:
		return "completed"
	case StatusFailedTransient:
		return "failed_transient"
	case StatusFailedPermanent:
		return "failed_permanent"
	default:
		return "unknown"
	}
}

// Record tracks one task through a run.
type Record struct {
	Task     Task
	Attempts int
	Status   Status
	// Skipped is set when the task completed without network I/O.
	Skipped bool
	// Err is the error of the last failed attempt.
	Err error
}

// Stats summarizes a run. Completed + Skipped + Failed always equals Total.
type Stats struct {
	Total     int
	Completed int
	Skipped   int
	Failed    int
}

// Failure is one entry of the failure report.
type Failure struct {
	URL   string `json:"url"`
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Report is the outcome of a run.
type Report struct {
	RunID      uuid.UUID
	Stats      Stats
	Records    []Record
	Failures   []Failure
	StartedAt  time.Time
	FinishedAt time.Time

	// FailureReportPath is the written failure report, empty when there
	// were no failures or the report could not be written.
	FailureReportPath string
}

// statsOf derives run statistics from records.
func statsOf(records []Record) Stats {
	stats := Stats{Total: len(records)}
	for _, r := range records {
		switch {
		case r.Status == StatusCompleted && r.Skipped:
			stats.Skipped++
		case r.Status == StatusCompleted:
			stats.Completed++
		default:
			stats.Failed++
		}
	}
	return stats
}
