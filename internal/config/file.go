package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the default configuration file name.
const DefaultConfigFile = ".torfetch"

// XDGConfigFile is the configuration file name inside the XDG config dir.
const XDGConfigFile = "config.yaml"

// File represents the structure of the .torfetch configuration file.
// Every field is optional; unset fields leave the current value alone.
type File struct {
	Proxy    ProxySection    `yaml:"proxy,omitempty"`
	Identity IdentitySection `yaml:"identity,omitempty"`
	Monitor  MonitorSection  `yaml:"monitor,omitempty"`
	Download DownloadSection `yaml:"download,omitempty"`
	Storage  StorageSection  `yaml:"storage,omitempty"`
	Log      LogSection      `yaml:"log,omitempty"`
}

// ProxySection configures proxy candidates.
type ProxySection struct {
	Host              *string        `yaml:"host,omitempty"`
	Ports             []int          `yaml:"ports,omitempty"`
	EmbeddedTor       *bool          `yaml:"embeddedTor,omitempty"`
	TorStartupTimeout *time.Duration `yaml:"torStartupTimeout,omitempty"`
	SOCKSHandshake    *bool          `yaml:"socksHandshake,omitempty"`
}

// IdentitySection configures identity probes.
type IdentitySection struct {
	Services            []string       `yaml:"services,omitempty"`
	ProbeTimeout        *time.Duration `yaml:"probeTimeout,omitempty"`
	ReachabilityTimeout *time.Duration `yaml:"reachabilityTimeout,omitempty"`
	GeoIPPath           *string        `yaml:"geoipPath,omitempty"`
}

// MonitorSection configures the leak monitor.
type MonitorSection struct {
	Interval *time.Duration `yaml:"interval,omitempty"`
}

// DownloadSection configures the downloader.
type DownloadSection struct {
	Concurrency       *int           `yaml:"concurrency,omitempty"`
	MaxRetries        *int           `yaml:"maxRetries,omitempty"`
	BackoffCap        *time.Duration `yaml:"backoffCap,omitempty"`
	MinFreeDiskMB     *uint64        `yaml:"minFreeDiskMB,omitempty"`
	Timeout           *time.Duration `yaml:"timeout,omitempty"`
	UserAgent         *string        `yaml:"userAgent,omitempty"`
	RequestsPerSecond *float64       `yaml:"requestsPerSecond,omitempty"`
	InsecureTLS       *bool          `yaml:"insecureTLS,omitempty"`
	OutputDir         *string        `yaml:"outputDir,omitempty"`
}

// StorageSection configures where state is kept.
type StorageSection struct {
	ProgressFile *string `yaml:"progressFile,omitempty"`
	ReportDir    *string `yaml:"reportDir,omitempty"`
	DBDir        *string `yaml:"dbDir,omitempty"`
	SaveHistory  *bool   `yaml:"saveHistory,omitempty"`
}

// LogSection configures logging.
type LogSection struct {
	Verbose *bool `yaml:"verbose,omitempty"`
	JSON    *bool `yaml:"json,omitempty"`
}

// LoadConfigFile loads a YAML configuration file.
// If the file does not exist, it returns ErrConfigNotFound.
func LoadConfigFile(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-provided config path is intentional
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	var cf File
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, err
	}

	return &cf, nil
}

// FindConfigFile searches for the configuration file in the following order:
// 1. If configPath is specified, use it directly
// 2. Look for .torfetch in the current directory
// 3. Look for .torfetch in the user's home directory
// 4. Look for config.yaml in the XDG config directory
//
// Returns the path to the configuration file if found, or empty string if not found.
func FindConfigFile(configPath string) string {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		return ""
	}

	var candidates []string
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, DefaultConfigFile))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, DefaultConfigFile))
	}
	candidates = append(candidates, filepath.Join(XDGConfigDir(), XDGConfigFile))

	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// Apply overlays the values set in the file onto c.
func (f *File) Apply(c *Config) {
	setString(&c.ProxyHost, f.Proxy.Host)
	if len(f.Proxy.Ports) > 0 {
		c.ProxyPorts = append([]int(nil), f.Proxy.Ports...)
	}
	setBool(&c.UseEmbeddedTor, f.Proxy.EmbeddedTor)
	setDuration(&c.TorStartupTimeout, f.Proxy.TorStartupTimeout)
	setBool(&c.SOCKSHandshake, f.Proxy.SOCKSHandshake)

	if len(f.Identity.Services) > 0 {
		c.IdentityServices = append([]string(nil), f.Identity.Services...)
	}
	setDuration(&c.ProbeTimeout, f.Identity.ProbeTimeout)
	setDuration(&c.ReachabilityTimeout, f.Identity.ReachabilityTimeout)
	setString(&c.GeoIPPath, f.Identity.GeoIPPath)

	setDuration(&c.MonitorInterval, f.Monitor.Interval)

	setInt(&c.Concurrency, f.Download.Concurrency)
	setInt(&c.MaxRetries, f.Download.MaxRetries)
	setDuration(&c.BackoffCap, f.Download.BackoffCap)
	if f.Download.MinFreeDiskMB != nil {
		c.MinFreeDiskMB = *f.Download.MinFreeDiskMB
	}
	setDuration(&c.TransferTimeout, f.Download.Timeout)
	setString(&c.UserAgent, f.Download.UserAgent)
	if f.Download.RequestsPerSecond != nil {
		c.RequestsPerSecond = *f.Download.RequestsPerSecond
	}
	setBool(&c.InsecureTLS, f.Download.InsecureTLS)
	setString(&c.OutputDir, f.Download.OutputDir)

	setString(&c.ProgressFile, f.Storage.ProgressFile)
	setString(&c.ReportDir, f.Storage.ReportDir)
	setString(&c.DBDir, f.Storage.DBDir)
	setBool(&c.SaveHistory, f.Storage.SaveHistory)

	setBool(&c.Verbose, f.Log.Verbose)
	setBool(&c.LogJSON, f.Log.JSON)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *time.Duration) {
	if src != nil {
		*dst = *src
	}
}
