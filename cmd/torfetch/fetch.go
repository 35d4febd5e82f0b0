package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/config"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/database"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/download"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/geoip"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/identity"
	seclog "github.com/longchi888/tor-enabled-gofundme-scraper/internal/log"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/monitor"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/pipeline"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/progress"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/report"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/tasks"
)

// errConflictingFormats is returned when more than one summary format is requested.
var errConflictingFormats = errors.New("--json and --markdown are mutually exclusive")

// NewFetchCmd creates the fetch command.
func NewFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <tasks-file>",
		Short: "Download a task list through a verified proxy",
		Long: `Fetch downloads every entry of a task list through a Tor SOCKS5 proxy.

The run goes through these stages:
- Verify: find a candidate proxy whose exit address differs from the
  direct address. Without one, nothing is downloaded (exit status 2).
- Monitor: re-check the proxy in the background. If the direct address is
  ever seen through it, the process exits immediately (exit status 3).
- Download: fetch the tasks with bounded concurrency and retries. Finished
  tasks are recorded in the progress file and skipped by later runs.

Permanently failed tasks are written to failed_downloads_<time>.json in the
report directory.

Task list format (JSON or YAML):
  - url: https://example.com/images/1.jpg
    path: images/1.jpg
  - url: http://exampleonionaddress.onion/style.css
    path: css/style.css
    type: css

Examples:
  # Download through Tor Browser or the Tor daemon
  torfetch fetch tasks.yaml

  # Anchor relative paths and write a Markdown summary
  torfetch fetch --output-dir ./site --markdown -o summary.md tasks.json

  # Only download images, four at a time
  torfetch fetch --types image -n 4 tasks.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: runFetchCmd,
	}

	addProxyFlags(cmd)

	// Monitor flags
	cmd.Flags().Duration("monitor-interval", config.DefaultMonitorInterval,
		"Time between background leak checks")

	// Download flags
	cmd.Flags().IntP("concurrency", "n", config.DefaultConcurrency,
		"Number of concurrent downloads")
	cmd.Flags().Int("max-retries", config.DefaultMaxRetries,
		"Retries after a failed transfer")
	cmd.Flags().Duration("backoff-cap", config.DefaultBackoffCap,
		"Maximum delay between attempts")
	cmd.Flags().Uint64("min-free-mb", config.DefaultMinFreeDiskMB,
		"Free disk space required before starting (0 disables the check)")
	cmd.Flags().DurationP("transfer-timeout", "t", config.DefaultTransferTimeout,
		"Maximum time a download may wait for data")
	cmd.Flags().String("user-agent", "",
		"User-Agent sent with downloads (default: a desktop browser)")
	cmd.Flags().Float64("rate", 0,
		"Maximum downloads started per second across all workers (0 disables)")
	cmd.Flags().Bool("insecure-tls", false,
		"Skip TLS certificate verification (for self-signed .onion services)")
	cmd.Flags().StringSlice("types", nil,
		"Only download entries of these types")

	// Storage flags
	cmd.Flags().String("output-dir", "",
		"Directory that relative task paths are resolved against")
	cmd.Flags().String("progress-file", "",
		"Progress file (default: progress.json in the data directory)")
	cmd.Flags().String("report-dir", "",
		"Directory for failure reports (default: current directory)")
	cmd.Flags().String("db-dir", "",
		"Directory of the run history database (default: data directory)")
	cmd.Flags().Bool("no-history", false,
		"Do not record this run in the history database")

	// Summary flags
	cmd.Flags().BoolP("json", "j", false,
		"Output a JSON summary (mutually exclusive with --markdown)")
	cmd.Flags().BoolP("markdown", "m", false,
		"Output a Markdown summary (mutually exclusive with --json)")
	cmd.Flags().StringP("output", "o", "",
		"Write the summary to this file (creates directories if needed)")

	return cmd
}

// summaryOptions controls how the run summary is written.
type summaryOptions struct {
	json     bool
	markdown bool
	output   string
	verbose  bool
}

// getSummaryOptions reads the summary flags.
func getSummaryOptions(cmd *cobra.Command) (summaryOptions, error) {
	var (
		opts summaryOptions
		err  error
	)
	if opts.json, err = cmd.Flags().GetBool("json"); err != nil {
		return opts, err
	}
	if opts.markdown, err = cmd.Flags().GetBool("markdown"); err != nil {
		return opts, err
	}
	if opts.output, err = cmd.Flags().GetString("output"); err != nil {
		return opts, err
	}
	if opts.json && opts.markdown {
		return opts, errConflictingFormats
	}
	opts.verbose = getBoolFlag(cmd, "verbose")
	return opts, nil
}

// runFetchCmd executes the fetch command.
func runFetchCmd(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	summaryOpts, err := getSummaryOptions(cmd)
	if err != nil {
		return err
	}
	types, err := cmd.Flags().GetStringSlice("types")
	if err != nil {
		return err
	}

	logger, redactor := setupLogger(cmd, cfg)
	ctx, cancel := commandContext(cmd, logger)
	defer cancel()

	store, err := progress.Open(cfg.ProgressFile, progress.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open progress file: %w", err)
	}

	var db *database.HistoryDB
	if cfg.SaveHistory {
		db, err = database.Open(cfg.DBDir, database.DefaultOptions())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		logger.Debug("database opened", "path", db.Path())
	}

	locator, closeLocator := openLocator(cfg, logger)
	defer closeLocator()

	candidates, stopTor, err := proxyCandidates(ctx, cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer stopTor()

	logger.Info("starting fetch",
		"tasks", args[0],
		"candidates", len(candidates),
		"concurrency", cfg.Concurrency,
		"progress", store.Path(),
	)

	p := newFetchPipeline(cfg, fetchDeps{
		prober:   newProber(cfg, logger),
		store:    store,
		db:       db,
		locator:  locator,
		logger:   logger,
		redactor: redactor,
		types:    types,
	})

	run := pipeline.NewRun(args[0], candidates)
	runErr := p.Execute(ctx, run)

	if run.Report != nil {
		summary := newSummary(run, locator)
		if err := outputSummary(cmd.OutOrStdout(), summaryOpts, summary); err != nil {
			logger.Error("failed to write summary", "error", err)
		}
	}

	return runErr
}

// fetchDeps are the collaborators of a fetch pipeline.
type fetchDeps struct {
	prober   identity.Prober
	store    *progress.Store
	db       *database.HistoryDB
	locator  geoip.Locator
	logger   *slog.Logger
	redactor *seclog.Redactor
	types    []string

	// downloadOpts are appended after the options derived from the config.
	downloadOpts []download.Option
	// monitorOpts are appended after the options derived from the config.
	monitorOpts []monitor.Option
}

// newFetchPipeline assembles history, verify, monitor, load and download
// steps. History comes first so that it is finished last.
func newFetchPipeline(cfg *config.Config, deps fetchDeps) *pipeline.Pipeline {
	var taskOpts []tasks.Option
	if cfg.OutputDir != "" {
		taskOpts = append(taskOpts, tasks.WithBaseDir(cfg.OutputDir))
	}
	if len(deps.types) > 0 {
		taskOpts = append(taskOpts, tasks.WithTypes(deps.types...))
	}

	fetcherOpts := []download.FetcherOption{
		download.WithTransferTimeout(cfg.TransferTimeout),
		download.WithInsecureTLS(cfg.InsecureTLS),
	}
	if cfg.UserAgent != "" {
		fetcherOpts = append(fetcherOpts, download.WithUserAgent(cfg.UserAgent))
	}

	diskPath := cfg.OutputDir
	if diskPath == "" {
		diskPath = "."
	}

	downloadOpts := []download.Option{
		download.WithConcurrency(cfg.Concurrency),
		download.WithMaxRetries(cfg.MaxRetries),
		download.WithBackoffCap(cfg.BackoffCap),
		download.WithMinFreeMB(cfg.MinFreeDiskMB),
		download.WithDiskCheckPath(diskPath),
		download.WithReportDir(cfg.ReportDir),
		download.WithRateLimit(cfg.RequestsPerSecond, cfg.Concurrency),
		download.WithFetcherOptions(fetcherOpts...),
		download.WithLogger(deps.logger),
	}
	downloadOpts = append(downloadOpts, deps.downloadOpts...)

	monitorOpts := []monitor.Option{
		monitor.WithInterval(cfg.MonitorInterval),
		monitor.WithProbeTimeout(cfg.ProbeTimeout),
		monitor.WithLocator(deps.locator),
		monitor.WithLogger(deps.logger),
	}
	monitorOpts = append(monitorOpts, deps.monitorOpts...)

	p := pipeline.New(pipeline.WithLogger(deps.logger))
	p.AddSteps(
		pipeline.NewHistoryStep(deps.db, deps.locator, deps.logger),
		pipeline.NewVerifyStep(newVerifier(cfg, deps.prober, deps.locator, deps.logger, deps.redactor)),
		pipeline.NewMonitorStep(deps.prober, monitorOpts...),
		pipeline.NewLoadTasksStep(deps.logger, taskOpts...),
		pipeline.NewDownloadStep(deps.store, downloadOpts...),
	)
	return p
}

// newSummary builds the summary of a run that reached the downloader.
func newSummary(run *pipeline.Run, locator geoip.Locator) *report.Summary {
	s := &report.Summary{
		Report:    run.Report,
		Rotations: len(run.Rotations()),
	}
	if run.Verified != nil {
		s.Proxy = run.Verified.Endpoint.String()
		s.Exit = run.Verified.Exit.Address
		if c := locator.Country(s.Exit); c != geoip.NotAvailable {
			s.ExitCountry = c
		}
	}
	return s
}

// outputSummary writes the summary in the requested format to the output
// file, or to stdout when no file is given.
func outputSummary(stdout io.Writer, opts summaryOptions, s *report.Summary) error {
	out := stdout
	if opts.output != "" {
		dir := filepath.Dir(opts.output)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
		}

		// Summaries list local paths and exit addresses, so only the owner
		// may read them.
		f, err := os.OpenFile(opts.output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	var w report.Writer
	switch {
	case opts.json:
		w = report.NewJSONWriter(out, report.WithPrettyPrint())
	case opts.markdown:
		w = report.NewMarkdownWriter(out)
	default:
		w = report.NewSimpleWriter(out, report.WithVerbose(opts.verbose))
	}

	_, err := w.Write(s)
	return err
}
