package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/disk"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/identity"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/progress"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/tor"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/verify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func verifiedResult() *verify.Result {
	return &verify.Result{
		Endpoint: tor.Endpoint{Host: tor.DefaultProxyHost, Port: 9150, Scheme: tor.SchemeSOCKS5},
		Baseline: identity.Identity{Address: "203.0.113.7", Family: identity.FamilyIPv4},
		Exit:     identity.Identity{Address: "198.51.100.23", Family: identity.FamilyIPv4},
	}
}

// fakeFetcher serves bodies from memory. failFirst[url] makes the first N
// attempts for url fail.
type fakeFetcher struct {
	mu        sync.Mutex
	bodies    map[string]string
	failFirst map[string]int
	attempts  map[string]int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	hold        time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		bodies:    make(map[string]string),
		failFirst: make(map[string]int),
		attempts:  make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.hold > 0 {
		select {
		case <-time.After(f.hold):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	f.mu.Lock()
	f.attempts[rawURL]++
	attempt := f.attempts[rawURL]
	body, ok := f.bodies[rawURL]
	failFirst := f.failFirst[rawURL]
	f.mu.Unlock()

	if attempt <= failFirst {
		return 0, errors.New("connection reset by peer")
	}
	if !ok {
		return 0, &StatusError{Code: 404, Status: "404 Not Found"}
	}
	n, err := io.WriteString(dst, body)
	return int64(n), err
}

func (f *fakeFetcher) attemptsFor(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[rawURL]
}

func (f *fakeFetcher) totalAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.attempts {
		total += n
	}
	return total
}

// fixture is a workspace with a store, a fetcher and n tasks.
type fixture struct {
	dir     string
	store   *progress.Store
	fetcher *fakeFetcher
	tasks   []Task
	delays  []time.Duration
	delayMu sync.Mutex
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()

	dir := t.TempDir()
	store, err := progress.Open(filepath.Join(dir, "progress.json"), progress.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	fx := &fixture{dir: dir, store: store, fetcher: newFakeFetcher()}
	for i := range n {
		url := fmt.Sprintf("https://cdn.example.com/img/%d.jpg", i)
		fx.fetcher.bodies[url] = fmt.Sprintf("image-%d", i)
		fx.tasks = append(fx.tasks, Task{
			URL:         url,
			Destination: filepath.Join(dir, "out", fmt.Sprintf("%d.jpg", i)),
		})
	}
	return fx
}

func (fx *fixture) manager(opts ...Option) *Manager {
	base := []Option{
		WithLogger(discardLogger()),
		WithFetcher(fx.fetcher),
		WithReportDir(filepath.Join(fx.dir, "reports")),
		WithDiskSpaceFunc(func(string) (uint64, error) { return 10 << 30, nil }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			fx.delayMu.Lock()
			fx.delays = append(fx.delays, d)
			fx.delayMu.Unlock()
			return nil
		}),
	}
	return New(verifiedResult(), fx.store, append(base, opts...)...)
}

func assertAccounting(t *testing.T, r *Report) {
	t.Helper()
	s := r.Stats
	if s.Completed+s.Skipped+s.Failed != s.Total {
		t.Errorf("accounting broken: %+v", s)
	}
	if s.Total != len(r.Records) {
		t.Errorf("Total = %d, records = %d", s.Total, len(r.Records))
	}
}

func TestRunScenarioB(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 5)
	flaky := fx.tasks[2].URL
	fx.fetcher.failFirst[flaky] = 2

	report, err := fx.manager(WithConcurrency(3)).Run(context.Background(), fx.tasks)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	assertAccounting(t, report)

	if report.Stats.Completed != 5 || report.Stats.Failed != 0 {
		t.Errorf("Stats = %+v, want completed=5 failed=0", report.Stats)
	}
	if got := fx.fetcher.attemptsFor(flaky); got != 3 {
		t.Errorf("flaky task attempts = %d, want 3", got)
	}
	if report.Records[2].Attempts != 3 {
		t.Errorf("recorded attempts = %d, want 3", report.Records[2].Attempts)
	}
	if fx.fetcher.maxInFlight.Load() > 3 {
		t.Errorf("max concurrent transfers = %d, want <= 3", fx.fetcher.maxInFlight.Load())
	}
	if report.FailureReportPath != "" {
		t.Errorf("unexpected failure report %s", report.FailureReportPath)
	}

	for i, task := range fx.tasks {
		data, err := os.ReadFile(task.Destination)
		if err != nil {
			t.Fatalf("missing destination %s: %v", task.Destination, err)
		}
		if string(data) != fmt.Sprintf("image-%d", i) {
			t.Errorf("%s = %q", task.Destination, data)
		}
		if _, err := os.Stat(task.Destination + ".part"); !os.IsNotExist(err) {
			t.Errorf("partial file left for %s", task.Destination)
		}
		if !fx.store.Has(task.URL) {
			t.Errorf("store missing %s", task.URL)
		}
	}

	fx.delayMu.Lock()
	defer fx.delayMu.Unlock()
	want := []time.Duration{time.Second, 2 * time.Second}
	if fmt.Sprint(fx.delays) != fmt.Sprint(want) {
		t.Errorf("backoff delays = %v, want %v", fx.delays, want)
	}
}

func TestRunScenarioC(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 5)
	for _, task := range fx.tasks[:3] {
		if err := fx.store.MarkComplete(task.URL); err != nil {
			t.Fatalf("MarkComplete failed: %v", err)
		}
	}

	report, err := fx.manager().Run(context.Background(), fx.tasks)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	assertAccounting(t, report)

	if report.Stats.Skipped != 3 || report.Stats.Completed != 2 {
		t.Errorf("Stats = %+v, want skipped=3 completed=2", report.Stats)
	}
	for _, task := range fx.tasks[:3] {
		if n := fx.fetcher.attemptsFor(task.URL); n != 0 {
			t.Errorf("%s fetched %d times, want 0", task.URL, n)
		}
	}
	if fx.fetcher.totalAttempts() != 2 {
		t.Errorf("total transfers = %d, want 2", fx.fetcher.totalAttempts())
	}
}

func TestRunScenarioD(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 5)
	m := fx.manager(
		WithMinFreeMB(500),
		WithDiskSpaceFunc(func(string) (uint64, error) { return 100 * disk.MB, nil }),
	)

	report, err := m.Run(context.Background(), fx.tasks)
	if report != nil {
		t.Error("expected nil report")
	}
	var resErr *ResourceError
	if !errors.As(err, &resErr) || !errors.Is(err, ErrInsufficientDisk) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
	if resErr.FreeBytes != 100*disk.MB || resErr.RequiredBytes != 500*disk.MB {
		t.Errorf("ResourceError = %+v", resErr)
	}
	if fx.fetcher.totalAttempts() != 0 {
		t.Error("expected no transfers")
	}
	if fx.store.Len() != 0 {
		t.Error("expected no store mutations")
	}
	if _, err := os.Stat(filepath.Join(fx.dir, "out")); !os.IsNotExist(err) {
		t.Error("expected no destination files")
	}
	if _, err := os.Stat(fx.store.Path()); !os.IsNotExist(err) {
		t.Error("expected store file untouched")
	}
}

func TestRunDiskCheckErrorProceeds(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 1)
	m := fx.manager(WithDiskSpaceFunc(func(string) (uint64, error) { return 0, errors.New("statfs failed") }))

	report, err := m.Run(context.Background(), fx.tasks)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Stats.Completed != 1 {
		t.Errorf("Stats = %+v, want completed=1", report.Stats)
	}
}

func TestRunRetryBound(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		maxRetries int
	}{
		{name: "no retries", maxRetries: 0},
		{name: "default retries", maxRetries: DefaultMaxRetries},
		{name: "five retries", maxRetries: 5},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fx := newFixture(t, 2)
			broken := fx.tasks[0].URL
			fx.fetcher.failFirst[broken] = 1000

			report, err := fx.manager(WithMaxRetries(tc.maxRetries)).Run(context.Background(), fx.tasks)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			assertAccounting(t, report)

			if got := fx.fetcher.attemptsFor(broken); got != tc.maxRetries+1 {
				t.Errorf("attempts = %d, want %d", got, tc.maxRetries+1)
			}
			rec := report.Records[0]
			if rec.Status != StatusFailedPermanent || rec.Attempts != tc.maxRetries+1 {
				t.Errorf("record = %+v", rec)
			}
			if !errors.Is(rec.Err, ErrTransfer) {
				t.Errorf("record error = %v, want TransferError", rec.Err)
			}
			if report.Stats.Failed != 1 || report.Stats.Completed != 1 {
				t.Errorf("Stats = %+v, want failed=1 completed=1", report.Stats)
			}
			if fx.store.Has(broken) {
				t.Error("failed task must not be recorded as complete")
			}
		})
	}
}

func TestRunFailureReport(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 2)
	missing := Task{URL: "https://cdn.example.com/gone.jpg", Destination: filepath.Join(fx.dir, "out", "gone.jpg")}
	tasks := append(fx.tasks, missing)

	started := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	report, err := fx.manager(WithMaxRetries(1), WithClock(func() time.Time { return started })).Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantPath := filepath.Join(fx.dir, "reports", "failed_downloads_20240309_140506.json")
	if report.FailureReportPath != wantPath {
		t.Fatalf("FailureReportPath = %q, want %q", report.FailureReportPath, wantPath)
	}

	data, err := os.ReadFile(wantPath) //nolint:gosec // test path
	if err != nil {
		t.Fatalf("failed to read report: %v", err)
	}
	var failures []Failure
	if err := json.Unmarshal(data, &failures); err != nil {
		t.Fatalf("report is not a JSON array: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("failures = %+v, want one", failures)
	}
	if failures[0].URL != missing.URL || failures[0].Path != missing.Destination {
		t.Errorf("failure = %+v", failures[0])
	}
	if !strings.Contains(failures[0].Error, "404") {
		t.Errorf("failure error = %q, want status", failures[0].Error)
	}
	if _, err := os.Stat(missing.Destination); !os.IsNotExist(err) {
		t.Error("failed task must not leave a destination file")
	}
}

func TestRunEmptyBodyIsRetried(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 1)
	fx.fetcher.bodies[fx.tasks[0].URL] = ""

	report, err := fx.manager(WithMaxRetries(2)).Run(context.Background(), fx.tasks)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := fx.fetcher.attemptsFor(fx.tasks[0].URL); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if !errors.Is(report.Records[0].Err, ErrEmptyBody) {
		t.Errorf("error = %v, want ErrEmptyBody", report.Records[0].Err)
	}
	if _, err := os.Stat(fx.tasks[0].Destination + ".part"); !os.IsNotExist(err) {
		t.Error("partial file must be removed")
	}
}

func TestRunIdempotent(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 4)
	first, err := fx.manager().Run(context.Background(), fx.tasks)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if first.Stats.Completed != 4 {
		t.Fatalf("first Stats = %+v", first.Stats)
	}
	transfers := fx.fetcher.totalAttempts()

	// A fresh store instance reads what the first run persisted.
	reopened, err := progress.Open(fx.store.Path(), progress.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	fx.store = reopened

	second, err := fx.manager().Run(context.Background(), fx.tasks)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	assertAccounting(t, second)
	if second.Stats.Skipped != 4 || second.Stats.Completed != 0 {
		t.Errorf("second Stats = %+v, want skipped=4", second.Stats)
	}
	if fx.fetcher.totalAttempts() != transfers {
		t.Errorf("second run made %d transfers, want 0", fx.fetcher.totalAttempts()-transfers)
	}
	if first.RunID == second.RunID {
		t.Error("expected distinct run IDs")
	}
}

func TestRunBackfillsExistingFiles(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 2)
	existing := fx.tasks[0]
	if err := os.MkdirAll(filepath.Dir(existing.Destination), 0750); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(existing.Destination, []byte("already here"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	empty := fx.tasks[1]
	if err := os.WriteFile(empty.Destination, nil, 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	report, err := fx.manager().Run(context.Background(), fx.tasks)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Stats.Skipped != 1 || report.Stats.Completed != 1 {
		t.Errorf("Stats = %+v, want skipped=1 completed=1", report.Stats)
	}
	if fx.fetcher.attemptsFor(existing.URL) != 0 {
		t.Error("existing file must not be fetched")
	}
	if !fx.store.Has(existing.URL) {
		t.Error("existing file must be backfilled into the store")
	}
	if fx.fetcher.attemptsFor(empty.URL) != 1 {
		t.Error("empty destination must be fetched")
	}
}

func TestRunPreconditions(t *testing.T) {
	t.Parallel()

	t.Run("nil result writes nothing", func(t *testing.T) {
		t.Parallel()

		fx := newFixture(t, 3)
		m := New(nil, fx.store, WithFetcher(fx.fetcher), WithLogger(discardLogger()))

		report, err := m.Run(context.Background(), fx.tasks)
		if report != nil {
			t.Error("expected nil report")
		}
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) || !errors.Is(err, ErrNoProxy) {
			t.Fatalf("expected ConfigurationError wrapping ErrNoProxy, got %v", err)
		}
		if fx.fetcher.totalAttempts() != 0 {
			t.Error("expected no transfers")
		}
		entries, err := os.ReadDir(fx.dir)
		if err != nil {
			t.Fatalf("ReadDir failed: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("expected empty workspace, found %d entries", len(entries))
		}
	})

	t.Run("nil store", func(t *testing.T) {
		t.Parallel()

		_, err := New(verifiedResult(), nil).Run(context.Background(), nil)
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("expected ConfigurationError, got %v", err)
		}
	})

	t.Run("duplicate keys", func(t *testing.T) {
		t.Parallel()

		fx := newFixture(t, 1)
		tasks := []Task{
			{URL: "https://a.example/x", Destination: filepath.Join(fx.dir, "a")},
			{URL: "https://a.example/x", Destination: filepath.Join(fx.dir, "b")},
		}
		_, err := fx.manager().Run(context.Background(), tasks)
		if !errors.Is(err, ErrDuplicateKey) {
			t.Errorf("expected ErrDuplicateKey, got %v", err)
		}
	})

	t.Run("shared destination", func(t *testing.T) {
		t.Parallel()

		fx := newFixture(t, 1)
		tasks := []Task{
			{URL: "https://a.example/x", Destination: filepath.Join(fx.dir, "a")},
			{URL: "https://a.example/y", Destination: filepath.Join(fx.dir, ".", "a")},
		}
		_, err := fx.manager().Run(context.Background(), tasks)
		if !errors.Is(err, ErrInvalidTask) {
			t.Errorf("expected ErrInvalidTask, got %v", err)
		}
	})

	t.Run("empty task list", func(t *testing.T) {
		t.Parallel()

		fx := newFixture(t, 0)
		report, err := fx.manager().Run(context.Background(), nil)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if report.Stats != (Stats{}) {
			t.Errorf("Stats = %+v, want zero", report.Stats)
		}
	})
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 6)
	fx.fetcher.hold = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for fx.fetcher.inFlight.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	report, err := fx.manager(WithConcurrency(2)).Run(ctx, fx.tasks)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	assertAccounting(t, report)
	if report.Stats.Failed != 6 {
		t.Errorf("Stats = %+v, want failed=6", report.Stats)
	}
	if fx.fetcher.totalAttempts() > 2 {
		t.Errorf("transfers after cancel: %d", fx.fetcher.totalAttempts())
	}
}

func TestRunRateLimit(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 3)
	report, err := fx.manager(WithRateLimit(1000, 1)).Run(context.Background(), fx.tasks)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Stats.Completed != 3 {
		t.Errorf("Stats = %+v", report.Stats)
	}
}

func TestNormalizeTasksDestinations(t *testing.T) {
	t.Parallel()

	abs, err := filepath.Abs(filepath.Join("out", "a.jpg"))
	if err != nil {
		t.Fatalf("failed to resolve path: %v", err)
	}

	tests := []struct {
		name    string
		dests   []string
		wantErr bool
	}{
		{name: "distinct paths", dests: []string{"out/a.jpg", "out/b.jpg"}},
		{name: "partial-like name of unrelated file", dests: []string{"out/a.jpg", "out/b.jpg.part"}},
		{name: "same path after cleaning", dests: []string{"out/a.jpg", "out/./a.jpg"}, wantErr: true},
		{name: "relative and absolute form of one file", dests: []string{"out/a.jpg", abs}, wantErr: true},
		{name: "destination is a later task's partial file", dests: []string{"out/a.jpg.part", "out/a.jpg"}, wantErr: true},
		{name: "destination is an earlier task's partial file", dests: []string{"out/a.jpg", "out/a.jpg.part"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tasks := make([]Task, len(tt.dests))
			for i, d := range tt.dests {
				tasks[i] = Task{URL: fmt.Sprintf("https://images.example/%d.jpg", i), Destination: d}
			}

			_, err := normalizeTasks(tasks)
			if tt.wantErr && !errors.Is(err, ErrInvalidTask) {
				t.Errorf("expected ErrInvalidTask, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

func TestPartialPath(t *testing.T) {
	t.Parallel()

	if got := (Task{Destination: "out/a.jpg"}).PartialPath(); got != "out/a.jpg.part" {
		t.Errorf("PartialPath = %q, want %q", got, "out/a.jpg.part")
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	m := New(verifiedResult(), nil)
	testCases := []struct {
		failed int
		want   time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{64, 10 * time.Second},
	}
	for _, tc := range testCases {
		if got := m.backoff(tc.failed); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.failed, got, tc.want)
		}
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	if StatusFailedPermanent.String() != "failed_permanent" || Status(42).String() != "unknown" {
		t.Error("unexpected status strings")
	}
}
