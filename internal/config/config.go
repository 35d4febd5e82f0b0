package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Default configuration values.
const (
	// AppName is the application name used for XDG directory paths.
	AppName = "torfetch"

	// DefaultProxyHost is where Tor Browser and the Tor daemon listen.
	// We use 127.0.0.1 instead of localhost to avoid DNS resolution and
	// IPv6 surprises on some systems.
	DefaultProxyHost = "127.0.0.1"

	// DefaultProbeTimeout bounds one identity probe across all services.
	DefaultProbeTimeout = 20 * time.Second

	// DefaultReachabilityTimeout bounds the TCP connect to a candidate proxy.
	DefaultReachabilityTimeout = 3 * time.Second

	// DefaultMonitorInterval is the period of the background leak check.
	DefaultMonitorInterval = 30 * time.Second

	// DefaultConcurrency is kept small so the proxy is not overwhelmed.
	DefaultConcurrency = 3

	// DefaultMaxRetries is the number of retries after a failed transfer.
	DefaultMaxRetries = 3

	// DefaultBackoffCap bounds the delay between transfer attempts.
	DefaultBackoffCap = 10 * time.Second

	// DefaultMinFreeDiskMB is the free space required before a run starts.
	DefaultMinFreeDiskMB = 500

	// DefaultTransferTimeout bounds how long a download may go without data.
	DefaultTransferTimeout = 30 * time.Second

	// DefaultTorStartupTimeout is the maximum time to wait for the embedded
	// Tor daemon to bootstrap.
	DefaultTorStartupTimeout = 3 * time.Minute

	// DefaultProgressFileName is the progress store inside the data directory.
	DefaultProgressFileName = "progress.json"
)

// DefaultProxyPorts returns the candidate SOCKS ports in the order they are
// tried: Tor Browser first, then the system Tor daemon.
func DefaultProxyPorts() []int {
	return []int{9150, 9050}
}

// Config holds all configuration options for torfetch.
// It is populated from defaults, the configuration file, the environment
// and CLI flags, and passed through the application explicitly.
type Config struct {
	// ProxyHost is the host of every candidate SOCKS5 proxy.
	ProxyHost string

	// ProxyPorts are the candidate SOCKS5 ports, tried in order.
	ProxyPorts []int

	// UseEmbeddedTor starts a private Tor daemon and adds it as the first
	// candidate. The daemon takes 1-3 minutes to bootstrap.
	UseEmbeddedTor bool

	// TorStartupTimeout is the maximum time to wait for the embedded Tor
	// daemon. Only used when UseEmbeddedTor is true.
	TorStartupTimeout time.Duration

	// ProbeTimeout bounds one identity probe.
	ProbeTimeout time.Duration

	// ReachabilityTimeout bounds the TCP connect to a candidate.
	ReachabilityTimeout time.Duration

	// SOCKSHandshake additionally requires a SOCKS5 greeting from each
	// candidate before probing through it.
	SOCKSHandshake bool

	// IdentityServices overrides the built-in "what is my IP" services.
	IdentityServices []string

	// MonitorInterval is the period of the background leak check.
	MonitorInterval time.Duration

	// Concurrency is the number of download workers.
	Concurrency int

	// MaxRetries is the number of retries after a failed transfer.
	MaxRetries int

	// BackoffCap bounds the delay between transfer attempts.
	BackoffCap time.Duration

	// MinFreeDiskMB is the free space required before a run starts.
	// Zero disables the check.
	MinFreeDiskMB uint64

	// TransferTimeout bounds how long a download may go without data.
	TransferTimeout time.Duration

	// UserAgent overrides the browser-like User-Agent sent with downloads.
	UserAgent string

	// RequestsPerSecond limits transfers across all workers. Zero disables it.
	RequestsPerSecond float64

	// InsecureTLS disables certificate verification for downloads.
	InsecureTLS bool

	// OutputDir anchors relative destination paths of the task list.
	// Empty means paths are used as given.
	OutputDir string

	// ProgressFile is the path of the progress store.
	ProgressFile string

	// ReportDir is where failure reports are written.
	ReportDir string

	// GeoIPPath is an optional MaxMind country database for exit lookups.
	GeoIPPath string

	// DBDir is the directory of the run history database.
	DBDir string

	// SaveHistory records every run in the history database.
	SaveHistory bool

	// Verbose enables debug logging.
	Verbose bool

	// LogJSON switches log output to JSON.
	LogJSON bool

	// ConfigFilePath is the configuration file that was loaded, if any.
	ConfigFilePath string
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		ProxyHost:           DefaultProxyHost,
		ProxyPorts:          DefaultProxyPorts(),
		TorStartupTimeout:   DefaultTorStartupTimeout,
		ProbeTimeout:        DefaultProbeTimeout,
		ReachabilityTimeout: DefaultReachabilityTimeout,
		MonitorInterval:     DefaultMonitorInterval,
		Concurrency:         DefaultConcurrency,
		MaxRetries:          DefaultMaxRetries,
		BackoffCap:          DefaultBackoffCap,
		MinFreeDiskMB:       DefaultMinFreeDiskMB,
		TransferTimeout:     DefaultTransferTimeout,
		ProgressFile:        filepath.Join(XDGDataDir(), DefaultProgressFileName),
		ReportDir:           ".",
		DBDir:               XDGDataDir(),
		SaveHistory:         true,
	}
}

// XDGDataDir returns the XDG data directory for torfetch.
// On Linux: ~/.local/share/torfetch
// On macOS: ~/Library/Application Support/torfetch
// On Windows: %LOCALAPPDATA%\torfetch
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for torfetch.
// On Linux: ~/.config/torfetch
// On macOS: ~/Library/Application Support/torfetch
// On Windows: %APPDATA%\torfetch
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Validate checks if the configuration is valid.
// It returns the first problem found as a sentinel error.
func (c *Config) Validate() error {
	if c.ProxyHost == "" {
		return ErrEmptyProxyHost
	}

	if len(c.ProxyPorts) == 0 && !c.UseEmbeddedTor {
		return ErrNoProxyPorts
	}
	for _, p := range c.ProxyPorts {
		if p < 1 || p > 65535 {
			return ErrInvalidProxyPort
		}
	}

	if c.ProbeTimeout <= 0 || c.ReachabilityTimeout <= 0 || c.TransferTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.UseEmbeddedTor && c.TorStartupTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.MonitorInterval <= 0 {
		return ErrInvalidMonitorInterval
	}

	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}

	if c.BackoffCap <= 0 {
		return ErrInvalidBackoffCap
	}

	if c.RequestsPerSecond < 0 {
		return ErrInvalidRateLimit
	}

	if c.ProgressFile == "" {
		return ErrNoProgressFile
	}

	return nil
}
