package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/disk"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/progress"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/verify"
)

// Defaults for a Manager.
const (
	DefaultConcurrency = 3
	DefaultMaxRetries  = 3
	DefaultBackoffCap  = 10 * time.Second
	DefaultMinFreeMB   = 500
)

// failureReportLayout names failure reports by run start time.
const failureReportLayout = "20060102_150405"

// errNoStore is wrapped in a ConfigurationError when no store is given.
var errNoStore = errors.New("no progress store")

// Manager downloads task lists through a verified proxy.
type Manager struct {
	result  *verify.Result
	store   *progress.Store
	fetcher Fetcher

	fetcherOpts []FetcherOption
	concurrency int
	maxRetries  int
	backoffCap  time.Duration
	minFreeMB   uint64
	diskPath    string
	diskSpace   func(path string) (uint64, error)
	reportDir   string
	limiter     *rate.Limiter
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithConcurrency sets the number of workers.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithMaxRetries sets how many times a failed transfer is retried.
// A task is attempted at most n+1 times.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// WithBackoffCap bounds the delay between attempts.
func WithBackoffCap(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.backoffCap = d
		}
	}
}

// WithMinFreeMB sets the free disk space required to start a run.
// Zero disables the check.
func WithMinFreeMB(mb uint64) Option {
	return func(m *Manager) {
		m.minFreeMB = mb
	}
}

// WithDiskCheckPath sets the path whose filesystem is checked for space.
func WithDiskCheckPath(path string) Option {
	return func(m *Manager) {
		if path != "" {
			m.diskPath = path
		}
	}
}

// WithDiskSpaceFunc replaces the free space lookup.
func WithDiskSpaceFunc(fn func(path string) (uint64, error)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.diskSpace = fn
		}
	}
}

// WithReportDir sets the directory failure reports are written to.
func WithReportDir(dir string) Option {
	return func(m *Manager) {
		if dir != "" {
			m.reportDir = dir
		}
	}
}

// WithRateLimit limits transfers to rps requests per second across all
// workers. Zero or negative rps disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(m *Manager) {
		if rps <= 0 {
			m.limiter = nil
			return
		}
		m.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithFetcher replaces the transport. Production code leaves this unset so
// the proxy-only HTTPFetcher is built from the verification result.
func WithFetcher(f Fetcher) Option {
	return func(m *Manager) {
		m.fetcher = f
	}
}

// WithFetcherOptions configures the default HTTPFetcher.
func WithFetcherOptions(opts ...FetcherOption) Option {
	return func(m *Manager) {
		m.fetcherOpts = append(m.fetcherOpts, opts...)
	}
}

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		if fn != nil {
			m.sleep = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock sets the clock used for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a Manager. result is the verified proxy every transfer goes
// through; a nil result makes every Run fail with ErrNoProxy.
func New(result *verify.Result, store *progress.Store, opts ...Option) *Manager {
	m := &Manager{
		result:      result,
		store:       store,
		concurrency: DefaultConcurrency,
		maxRetries:  DefaultMaxRetries,
		backoffCap:  DefaultBackoffCap,
		minFreeMB:   DefaultMinFreeMB,
		diskPath:    ".",
		diskSpace:   disk.FreeBytes,
		reportDir:   ".",
		sleep:       sleepContext,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run downloads tasks and returns the run report.
//
// Preconditions are checked before any file or store is touched: a missing
// verification result yields a ConfigurationError, and insufficient disk
// space yields a ResourceError. Individual transfer failures never abort
// the run; they are retried and then recorded in the report.
//
// When ctx is cancelled, no new attempts start, unfinished tasks are
// recorded as failed, and the report is returned along with the
// cancellation cause.
func (m *Manager) Run(ctx context.Context, tasks []Task) (*Report, error) {
	if m.result == nil {
		return nil, &ConfigurationError{Err: ErrNoProxy}
	}
	if m.store == nil {
		return nil, &ConfigurationError{Err: errNoStore}
	}

	tasks, err := normalizeTasks(tasks)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	if err := m.checkDisk(); err != nil {
		return nil, err
	}

	fetcher := m.fetcher
	if fetcher == nil {
		hf, err := NewHTTPFetcher(m.result.Endpoint, m.fetcherOpts...)
		if err != nil {
			return nil, &ConfigurationError{Err: err}
		}
		defer hf.CloseIdleConnections()
		fetcher = hf
	}

	report := &Report{
		RunID:     uuid.New(),
		StartedAt: m.now(),
	}

	m.logger.Info("starting downloads",
		"run_id", report.RunID,
		"total", len(tasks),
		"already_done", m.countDone(tasks),
		"concurrency", m.concurrency,
		"proxy", m.result.Endpoint.String(),
	)

	records := make([]Record, len(tasks))
	for i, t := range tasks {
		records[i] = Record{Task: t, Status: StatusPending}
	}

	runErr := m.schedule(ctx, fetcher, records)

	report.FinishedAt = m.now()
	report.Records = records
	report.Stats = statsOf(records)
	report.Failures = failuresOf(records)

	if len(report.Failures) > 0 {
		path, err := m.writeFailureReport(report.Failures, report.StartedAt)
		if err != nil {
			m.logger.Error("failed to write failure report", "error", err)
		} else {
			report.FailureReportPath = path
		}
	}

	m.logger.Info("downloads finished",
		"run_id", report.RunID,
		"total", report.Stats.Total,
		"completed", report.Stats.Completed,
		"skipped", report.Stats.Skipped,
		"failed", report.Stats.Failed,
		"elapsed", report.FinishedAt.Sub(report.StartedAt),
	)

	return report, runErr
}

// normalizeTasks defaults keys and rejects malformed or colliding tasks.
// Destinations are compared as absolute paths, and a destination may not
// be the partial file of another task.
func normalizeTasks(tasks []Task) ([]Task, error) {
	out := make([]Task, len(tasks))
	keys := make(map[string]struct{}, len(tasks))
	paths := make(map[string]struct{}, len(tasks))

	for i, t := range tasks {
		if t.URL == "" || t.Destination == "" {
			return nil, fmt.Errorf("%w: task %d needs a URL and a destination", ErrInvalidTask, i)
		}
		t.Key = t.resourceKey()
		if _, dup := keys[t.Key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, t.Key)
		}
		dest := absPath(t.Destination)
		if _, dup := paths[dest]; dup {
			return nil, fmt.Errorf("%w: destination %s is used twice", ErrInvalidTask, t.Destination)
		}
		if _, clash := paths[dest+PartialSuffix]; clash {
			return nil, fmt.Errorf("%w: partial file of %s is another destination", ErrInvalidTask, t.Destination)
		}
		if base, ok := strings.CutSuffix(dest, PartialSuffix); ok {
			if _, clash := paths[base]; clash {
				return nil, fmt.Errorf("%w: destination %s is the partial file of another task", ErrInvalidTask, t.Destination)
			}
		}
		keys[t.Key] = struct{}{}
		paths[dest] = struct{}{}
		out[i] = t
	}
	return out, nil
}

// absPath resolves p against the working directory, falling back to a
// cleaned relative path when the working directory is unknown.
func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// countDone counts tasks already recorded in the store.
func (m *Manager) countDone(tasks []Task) int {
	done := 0
	for _, t := range tasks {
		if m.store.Has(t.Key) {
			done++
		}
	}
	return done
}

// checkDisk enforces the free space threshold. A failed lookup is logged
// and does not stop the run.
func (m *Manager) checkDisk() error {
	if m.minFreeMB == 0 {
		return nil
	}

	free, err := m.diskSpace(m.diskPath)
	if err != nil {
		m.logger.Warn("disk space check failed, continuing", "path", m.diskPath, "error", err)
		return nil
	}

	required := m.minFreeMB * disk.MB
	if free < required {
		return &ResourceError{Path: m.diskPath, FreeBytes: free, RequiredBytes: required}
	}

	m.logger.Debug("disk space ok", "path", m.diskPath, "free_mb", free/disk.MB)
	return nil
}

// backoff returns the delay after the given number of failed attempts:
// one second doubled per further failure, capped at backoffCap.
func (m *Manager) backoff(failed int) time.Duration {
	if failed < 1 {
		failed = 1
	}
	if failed > 31 {
		return m.backoffCap
	}
	return min(time.Second<<(failed-1), m.backoffCap)
}

// failuresOf lists permanently failed records.
func failuresOf(records []Record) []Failure {
	var failures []Failure
	for _, r := range records {
		if r.Status != StatusFailedPermanent {
			continue
		}
		msg := "unknown error"
		if r.Err != nil {
			msg = r.Err.Error()
		}
		failures = append(failures, Failure{
			URL:   r.Task.URL,
			Path:  r.Task.Destination,
			Error: msg,
		})
	}
	return failures
}

// writeFailureReport writes failures as a JSON array into the report dir.
func (m *Manager) writeFailureReport(failures []Failure, at time.Time) (string, error) {
	if err := os.MkdirAll(m.reportDir, 0750); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	data, err := json.MarshalIndent(failures, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode failure report: %w", err)
	}

	path := filepath.Join(m.reportDir, "failed_downloads_"+at.Format(failureReportLayout)+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write failure report: %w", err)
	}

	m.logger.Info("failure report written", "path", path, "failures", len(failures))
	return path, nil
}
