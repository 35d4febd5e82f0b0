package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "TORFETCH"

// Env is the environment layer. Pointer fields stay nil when the variable
// is unset, so only variables that are present override lower layers.
type Env struct {
	ProxyHost           *string        `envconfig:"PROXY_HOST"`
	ProxyPorts          []int          `envconfig:"PROXY_PORTS"`
	EmbeddedTor         *bool          `envconfig:"EMBEDDED_TOR"`
	TorStartupTimeout   *time.Duration `envconfig:"TOR_STARTUP_TIMEOUT"`
	SOCKSHandshake      *bool          `envconfig:"SOCKS_HANDSHAKE"`
	IdentityServices    []string       `envconfig:"IDENTITY_SERVICES"`
	ProbeTimeout        *time.Duration `envconfig:"PROBE_TIMEOUT"`
	ReachabilityTimeout *time.Duration `envconfig:"REACHABILITY_TIMEOUT"`
	GeoIPPath           *string        `envconfig:"GEOIP_PATH"`
	MonitorInterval     *time.Duration `envconfig:"MONITOR_INTERVAL"`
	Concurrency         *int           `envconfig:"CONCURRENCY"`
	MaxRetries          *int           `envconfig:"MAX_RETRIES"`
	BackoffCap          *time.Duration `envconfig:"BACKOFF_CAP"`
	MinFreeDiskMB       *uint64        `envconfig:"MIN_FREE_DISK_MB"`
	TransferTimeout     *time.Duration `envconfig:"TRANSFER_TIMEOUT"`
	UserAgent           *string        `envconfig:"USER_AGENT"`
	RequestsPerSecond   *float64       `envconfig:"REQUESTS_PER_SECOND"`
	InsecureTLS         *bool          `envconfig:"INSECURE_TLS"`
	OutputDir           *string        `envconfig:"OUTPUT_DIR"`
	ProgressFile        *string        `envconfig:"PROGRESS_FILE"`
	ReportDir           *string        `envconfig:"REPORT_DIR"`
	DBDir               *string        `envconfig:"DB_DIR"`
	SaveHistory         *bool          `envconfig:"SAVE_HISTORY"`
	Verbose             *bool          `envconfig:"VERBOSE"`
	LogJSON             *bool          `envconfig:"LOG_JSON"`
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored and existing variables win.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		_ = godotenv.Load(p) //nolint:errcheck // a missing .env file is normal
	}
}

// ReadEnv reads the TORFETCH_* variables.
func ReadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Apply overlays the variables that are set onto c.
func (e *Env) Apply(c *Config) {
	setString(&c.ProxyHost, e.ProxyHost)
	if len(e.ProxyPorts) > 0 {
		c.ProxyPorts = append([]int(nil), e.ProxyPorts...)
	}
	setBool(&c.UseEmbeddedTor, e.EmbeddedTor)
	setDuration(&c.TorStartupTimeout, e.TorStartupTimeout)
	setBool(&c.SOCKSHandshake, e.SOCKSHandshake)
	if len(e.IdentityServices) > 0 {
		c.IdentityServices = append([]string(nil), e.IdentityServices...)
	}
	setDuration(&c.ProbeTimeout, e.ProbeTimeout)
	setDuration(&c.ReachabilityTimeout, e.ReachabilityTimeout)
	setString(&c.GeoIPPath, e.GeoIPPath)
	setDuration(&c.MonitorInterval, e.MonitorInterval)
	setInt(&c.Concurrency, e.Concurrency)
	setInt(&c.MaxRetries, e.MaxRetries)
	setDuration(&c.BackoffCap, e.BackoffCap)
	if e.MinFreeDiskMB != nil {
		c.MinFreeDiskMB = *e.MinFreeDiskMB
	}
	setDuration(&c.TransferTimeout, e.TransferTimeout)
	setString(&c.UserAgent, e.UserAgent)
	if e.RequestsPerSecond != nil {
		c.RequestsPerSecond = *e.RequestsPerSecond
	}
	setBool(&c.InsecureTLS, e.InsecureTLS)
	setString(&c.OutputDir, e.OutputDir)
	setString(&c.ProgressFile, e.ProgressFile)
	setString(&c.ReportDir, e.ReportDir)
	setString(&c.DBDir, e.DBDir)
	setBool(&c.SaveHistory, e.SaveHistory)
	setBool(&c.Verbose, e.Verbose)
	setBool(&c.LogJSON, e.LogJSON)
}

// Load builds a Config from defaults, the configuration file and the
// environment. configPath may be empty to search the default locations;
// an explicit path that does not exist is an error.
func Load(configPath string) (*Config, error) {
	cfg := NewConfig()

	path := FindConfigFile(configPath)
	if configPath != "" && path == "" {
		return nil, ErrConfigNotFound
	}
	if path != "" {
		file, err := LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		file.Apply(cfg)
		cfg.ConfigFilePath = path
	}

	LoadDotEnv(".env")
	env, err := ReadEnv()
	if err != nil {
		return nil, err
	}
	env.Apply(cfg)

	return cfg, nil
}
