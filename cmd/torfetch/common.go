package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/config"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/geoip"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/identity"
	seclog "github.com/longchi888/tor-enabled-gofundme-scraper/internal/log"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/tor"
	"github.com/longchi888/tor-enabled-gofundme-scraper/internal/verify"
)

// getBoolFlag retrieves a bool flag from the command or the root's
// persistent flags.
func getBoolFlag(cmd *cobra.Command, name string) bool {
	v, err := cmd.Flags().GetBool(name)
	if err != nil {
		v, err = cmd.Root().PersistentFlags().GetBool(name)
		if err != nil {
			return false
		}
	}
	return v
}

// getStringFlag retrieves a string flag from the command or the root's
// persistent flags.
func getStringFlag(cmd *cobra.Command, name string) string {
	v, err := cmd.Flags().GetString(name)
	if err != nil {
		v, err = cmd.Root().PersistentFlags().GetString(name)
		if err != nil {
			return ""
		}
	}
	return v
}

// addProxyFlags registers the flags that select and prove a proxy.
func addProxyFlags(cmd *cobra.Command) {
	cmd.Flags().String("proxy-host", config.DefaultProxyHost,
		"Host of the candidate SOCKS5 proxies")
	cmd.Flags().IntSlice("proxy-ports", config.DefaultProxyPorts(),
		"Candidate SOCKS5 ports, tried in order")
	cmd.Flags().Bool("embedded-tor", false,
		"Start a private Tor daemon and try it before the other candidates")
	cmd.Flags().DurationP("tor-timeout", "T", config.DefaultTorStartupTimeout,
		"Timeout for embedded Tor startup")
	cmd.Flags().Duration("probe-timeout", config.DefaultProbeTimeout,
		"Timeout of one identity probe")
	cmd.Flags().Duration("reachability-timeout", config.DefaultReachabilityTimeout,
		"Timeout of the TCP connect to a candidate proxy")
	cmd.Flags().Bool("socks-handshake", false,
		"Also require a SOCKS5 greeting from each candidate before probing")
	cmd.Flags().StringSlice("identity-service", nil,
		"Identity service URL (repeatable, replaces the built-in list)")
	cmd.Flags().String("geoip", "",
		"MaxMind country database used to label exit addresses")
}

// buildConfig creates a Config from defaults, the configuration file, the
// environment and the flags that were set explicitly, in that order.
func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath := getStringFlag(cmd, "config")

	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}

	if getBoolFlag(cmd, "verbose") {
		cfg.Verbose = true
	}
	if getBoolFlag(cmd, "log-json") {
		cfg.LogJSON = true
	}

	return cfg, nil
}

// applyFlags copies every explicitly set flag into cfg. Flags a command
// does not define are ignored, so commands share one table.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()

	setters := []struct {
		name string
		set  func() error
	}{
		{"proxy-host", func() (err error) { cfg.ProxyHost, err = f.GetString("proxy-host"); return }},
		{"proxy-ports", func() (err error) { cfg.ProxyPorts, err = f.GetIntSlice("proxy-ports"); return }},
		{"embedded-tor", func() (err error) { cfg.UseEmbeddedTor, err = f.GetBool("embedded-tor"); return }},
		{"tor-timeout", func() (err error) { cfg.TorStartupTimeout, err = f.GetDuration("tor-timeout"); return }},
		{"probe-timeout", func() (err error) { cfg.ProbeTimeout, err = f.GetDuration("probe-timeout"); return }},
		{"reachability-timeout", func() (err error) {
			cfg.ReachabilityTimeout, err = f.GetDuration("reachability-timeout")
			return
		}},
		{"socks-handshake", func() (err error) { cfg.SOCKSHandshake, err = f.GetBool("socks-handshake"); return }},
		{"identity-service", func() (err error) { cfg.IdentityServices, err = f.GetStringSlice("identity-service"); return }},
		{"geoip", func() (err error) { cfg.GeoIPPath, err = f.GetString("geoip"); return }},
		{"monitor-interval", func() (err error) { cfg.MonitorInterval, err = f.GetDuration("monitor-interval"); return }},
		{"concurrency", func() (err error) { cfg.Concurrency, err = f.GetInt("concurrency"); return }},
		{"max-retries", func() (err error) { cfg.MaxRetries, err = f.GetInt("max-retries"); return }},
		{"backoff-cap", func() (err error) { cfg.BackoffCap, err = f.GetDuration("backoff-cap"); return }},
		{"min-free-mb", func() (err error) { cfg.MinFreeDiskMB, err = f.GetUint64("min-free-mb"); return }},
		{"transfer-timeout", func() (err error) { cfg.TransferTimeout, err = f.GetDuration("transfer-timeout"); return }},
		{"user-agent", func() (err error) { cfg.UserAgent, err = f.GetString("user-agent"); return }},
		{"rate", func() (err error) { cfg.RequestsPerSecond, err = f.GetFloat64("rate"); return }},
		{"insecure-tls", func() (err error) { cfg.InsecureTLS, err = f.GetBool("insecure-tls"); return }},
		{"output-dir", func() (err error) { cfg.OutputDir, err = f.GetString("output-dir"); return }},
		{"progress-file", func() (err error) { cfg.ProgressFile, err = f.GetString("progress-file"); return }},
		{"report-dir", func() (err error) { cfg.ReportDir, err = f.GetString("report-dir"); return }},
		{"db-dir", func() (err error) { cfg.DBDir, err = f.GetString("db-dir"); return }},
		{"no-history", func() error {
			noHistory, err := f.GetBool("no-history")
			cfg.SaveHistory = !noHistory
			return err
		}},
	}

	for _, s := range setters {
		if f.Lookup(s.name) == nil || !f.Changed(s.name) {
			continue
		}
		if err := s.set(); err != nil {
			return err
		}
	}
	return nil
}

// setupLogger creates the secure logger for a command and installs it as
// the default. Values added to the returned redactor are masked in every
// later log line.
func setupLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, *seclog.Redactor) {
	redactor := seclog.NewRedactor()
	logger := seclog.New(cmd.ErrOrStderr(), seclog.Options{
		Verbose:  cfg.Verbose,
		Quiet:    getBoolFlag(cmd, "quiet"),
		JSON:     cfg.LogJSON,
		Redactor: redactor,
	})
	slog.SetDefault(logger)
	return logger, redactor
}

// commandContext returns a context cancelled by SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Warn("received shutdown signal, cancelling...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// openLocator opens the GeoIP database if one is configured. A database
// that cannot be opened only disables country lookups.
func openLocator(cfg *config.Config, logger *slog.Logger) (geoip.Locator, func()) {
	if cfg.GeoIPPath == "" {
		return geoip.Nop{}, func() {}
	}
	db, err := geoip.Open(cfg.GeoIPPath)
	if err != nil {
		logger.Warn("failed to open GeoIP database, countries disabled", "path", cfg.GeoIPPath, "error", err)
		return geoip.Nop{}, func() {}
	}
	return db, func() { _ = db.Close() } //nolint:errcheck // read-only database
}

// newProber creates the identity prober described by cfg.
func newProber(cfg *config.Config, logger *slog.Logger) *identity.HTTPProber {
	opts := []identity.Option{
		identity.WithTimeout(cfg.ProbeTimeout),
		identity.WithLogger(logger),
	}
	if len(cfg.IdentityServices) > 0 {
		opts = append(opts, identity.WithServices(identity.ServicesFromURLs(cfg.IdentityServices)))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, identity.WithUserAgent(cfg.UserAgent))
	}
	return identity.NewHTTPProber(opts...)
}

// newVerifier creates the proxy verifier described by cfg. The baseline
// is added to redactor as soon as it is known.
func newVerifier(cfg *config.Config, prober identity.Prober, locator geoip.Locator, logger *slog.Logger, redactor *seclog.Redactor) *verify.Verifier {
	return verify.New(prober,
		verify.WithReachabilityTimeout(cfg.ReachabilityTimeout),
		verify.WithSOCKSHandshake(cfg.SOCKSHandshake),
		verify.WithLocator(locator),
		verify.WithLogger(logger),
		verify.WithBaselineHook(func(id identity.Identity) { redactor.Add(id.Address) }),
	)
}

// proxyCandidates builds the ordered candidate list. With embedded Tor
// enabled the daemon is started and its port goes first; the returned
// cleanup stops it.
func proxyCandidates(ctx context.Context, cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) ([]tor.Endpoint, func(), error) {
	configured, err := tor.CandidateEndpoints(cfg.ProxyHost, cfg.ProxyPorts)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid proxy candidates: %w", err)
	}
	if !cfg.UseEmbeddedTor {
		return configured, func() {}, nil
	}

	out := cmd.ErrOrStderr()
	fmt.Fprintln(out, "Starting embedded Tor daemon...")
	fmt.Fprintf(out, "This may take 1-3 minutes while Tor bootstraps and connects to the network.\n\n")

	embedded := tor.NewEmbeddedTor(tor.WithStartupTimeout(cfg.TorStartupTimeout))
	if err := embedded.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to start embedded Tor: %w", err)
	}
	cleanup := func() {
		logger.Info("stopping embedded Tor daemon...")
		if err := embedded.Stop(); err != nil {
			logger.Error("failed to stop embedded Tor", "error", err)
		}
	}

	ep, err := embedded.Endpoint()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	logger.Info("embedded Tor daemon started",
		"socksAddr", embedded.SocksAddr(),
		"controlAddr", embedded.ControlAddr(),
	)

	return append([]tor.Endpoint{ep}, configured...), cleanup, nil
}
