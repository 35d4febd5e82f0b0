package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/database"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/download"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/geoip"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/identity"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/monitor"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/progress"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/tasks"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/verify"
)

// historySaveTimeout bounds the history write, which runs after the run
// context may already be cancelled.
const historySaveTimeout = 10 * time.Second

// VerifyStep selects the proxy every later step goes through.
type VerifyStep struct {
	verifier *verify.Verifier
}

// NewVerifyStep creates a verify step.
func NewVerifyStep(v *verify.Verifier) *VerifyStep {
	return &VerifyStep{verifier: v}
}

// Name returns the step name.
func (s *VerifyStep) Name() string {
	return "verify"
}

// Do verifies run.Candidates and stores the result in run.Verified.
func (s *VerifyStep) Do(ctx context.Context, run *Run) error {
	result, err := s.verifier.Verify(ctx, run.Candidates)
	if err != nil {
		return err
	}
	run.Verified = result
	return nil
}

// MonitorStep keeps checking the verified proxy while later steps run.
type MonitorStep struct {
	prober identity.Prober
	opts   []monitor.Option
	mon    *monitor.Monitor
}

// NewMonitorStep creates a monitor step. The rotation hook is always set
// to record rotations into the Run.
func NewMonitorStep(prober identity.Prober, opts ...monitor.Option) *MonitorStep {
	return &MonitorStep{prober: prober, opts: opts}
}

// Name returns the step name.
func (s *MonitorStep) Name() string {
	return "monitor"
}

// Do starts the leak monitor for run.Verified.
func (s *MonitorStep) Do(ctx context.Context, run *Run) error {
	opts := append(slices.Clone(s.opts), monitor.WithRotationHook(run.AddRotation))
	m, err := monitor.New(run.Verified, s.prober, opts...)
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}
	s.mon = m
	return nil
}

// Finish stops the monitor.
func (s *MonitorStep) Finish(*Run) {
	if s.mon != nil {
		s.mon.Stop()
	}
}

// Monitor returns the started monitor, or nil before Do succeeded.
func (s *MonitorStep) Monitor() *monitor.Monitor {
	return s.mon
}

// LoadTasksStep reads the task list.
type LoadTasksStep struct {
	opts   []tasks.Option
	logger *slog.Logger
}

// NewLoadTasksStep creates a load step.
func NewLoadTasksStep(logger *slog.Logger, opts ...tasks.Option) *LoadTasksStep {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoadTasksStep{opts: opts, logger: logger}
}

// Name returns the step name.
func (s *LoadTasksStep) Name() string {
	return "load_tasks"
}

// Do loads run.TaskFile into run.Tasks. A run without a task file keeps
// the tasks it was given.
func (s *LoadTasksStep) Do(_ context.Context, run *Run) error {
	if run.TaskFile == "" {
		if run.Tasks == nil {
			return tasks.ErrNotFound
		}
		return nil
	}

	loaded, err := tasks.Load(run.TaskFile, s.opts...)
	if err != nil {
		return fmt.Errorf("failed to load task list %s: %w", run.TaskFile, err)
	}
	run.Tasks = loaded
	s.logger.Info("task list loaded", "file", run.TaskFile, "tasks", len(loaded))
	return nil
}

// DownloadStep fetches run.Tasks through the verified proxy.
type DownloadStep struct {
	store *progress.Store
	opts  []download.Option
}

// NewDownloadStep creates a download step.
func NewDownloadStep(store *progress.Store, opts ...download.Option) *DownloadStep {
	return &DownloadStep{store: store, opts: opts}
}

// Name returns the step name.
func (s *DownloadStep) Name() string {
	return "download"
}

// Do runs the download manager. run.Report is set even when the run is
// cancelled part way.
func (s *DownloadStep) Do(ctx context.Context, run *Run) error {
	report, err := download.New(run.Verified, s.store, s.opts...).Run(ctx, run.Tasks)
	run.Report = report
	return err
}

// HistoryStep records the run in the history database once it is over.
// Its Do does nothing; place it first so its Finish runs last, after the
// monitor has stopped and every rotation is known.
type HistoryStep struct {
	db      *database.HistoryDB
	locator geoip.Locator
	logger  *slog.Logger

	saved *database.RunRecord
}

// NewHistoryStep creates a history step. A nil locator records no
// countries.
func NewHistoryStep(db *database.HistoryDB, locator geoip.Locator, logger *slog.Logger) *HistoryStep {
	if locator == nil {
		locator = geoip.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryStep{db: db, locator: locator, logger: logger}
}

// Name returns the step name.
func (s *HistoryStep) Name() string {
	return "history"
}

// Do implements Step.
func (s *HistoryStep) Do(context.Context, *Run) error {
	return nil
}

// Finish saves the run. Runs that never reached the downloader have no
// report and are not recorded.
func (s *HistoryStep) Finish(run *Run) {
	if s.db == nil || run.Report == nil {
		return
	}

	rec := NewRunRecord(run, s.locator)

	ctx, cancel := context.WithTimeout(context.Background(), historySaveTimeout)
	defer cancel()

	if err := s.db.SaveRun(ctx, rec); err != nil {
		s.logger.Error("failed to save run history", "run_id", rec.ID, "error", err)
		return
	}
	s.saved = rec
	s.logger.Info("run recorded", "run_id", rec.ID, "db", s.db.Path())
}

// Saved returns the stored record, or nil if nothing was saved.
func (s *HistoryStep) Saved() *database.RunRecord {
	return s.saved
}

// NewRunRecord builds the history record of a finished run.
func NewRunRecord(run *Run, locator geoip.Locator) *database.RunRecord {
	rec := database.NewRunRecord(run.Report)
	rec.TaskFile = run.TaskFile
	rec.Cancelled = errors.Is(run.Err, context.Canceled) || errors.Is(run.Err, context.DeadlineExceeded)

	if run.Verified != nil {
		rec.Proxy = run.Verified.Endpoint.String()
		rec.ExitAddress = run.Verified.Exit.Address
		rec.ExitCountry = countryOf(locator, run.Verified.Exit.Address)
	}

	for _, rot := range run.Rotations() {
		rec.Rotations = append(rec.Rotations, database.RotationRecord{
			Endpoint:   rot.Endpoint.String(),
			Previous:   rot.Previous.Address,
			Current:    rot.Current.Address,
			Country:    countryOf(locator, rot.Current.Address),
			ObservedAt: rot.At,
		})
	}
	return rec
}

// countryOf looks up ip, returning "" when no database is loaded.
func countryOf(locator geoip.Locator, ip string) string {
	if c := locator.Country(ip); c != geoip.NotAvailable {
		return c
	}
	return ""
}
