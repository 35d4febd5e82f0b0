package config

import "errors"

// Configuration validation errors.
// These errors are returned by Config.Validate() so callers can use
// errors.Is() while users still get a readable message.
var (
	// ErrEmptyProxyHost is returned when no proxy host is configured.
	ErrEmptyProxyHost = errors.New("invalid proxy host: must not be empty")

	// ErrNoProxyPorts is returned when there is no candidate proxy at all.
	ErrNoProxyPorts = errors.New("no proxy ports configured: set --proxy-ports or use --embedded-tor")

	// ErrInvalidProxyPort is returned for ports outside 1-65535.
	ErrInvalidProxyPort = errors.New("invalid proxy port: must be between 1 and 65535")

	// ErrInvalidTimeout is returned when a timeout is not positive.
	ErrInvalidTimeout = errors.New("invalid timeout: must be positive")

	// ErrInvalidMonitorInterval is returned when the leak check period is not positive.
	ErrInvalidMonitorInterval = errors.New("invalid monitor interval: must be positive")

	// ErrInvalidConcurrency is returned when the worker count is not positive.
	ErrInvalidConcurrency = errors.New("invalid concurrency: must be positive")

	// ErrInvalidMaxRetries is returned when the retry count is negative.
	ErrInvalidMaxRetries = errors.New("invalid max retries: must be non-negative")

	// ErrInvalidBackoffCap is returned when the backoff cap is not positive.
	ErrInvalidBackoffCap = errors.New("invalid backoff cap: must be positive")

	// ErrInvalidRateLimit is returned when the rate limit is negative.
	ErrInvalidRateLimit = errors.New("invalid rate limit: must be non-negative")

	// ErrNoProgressFile is returned when the progress store path is empty.
	ErrNoProgressFile = errors.New("no progress file configured")

	// ErrConfigNotFound is returned when the configuration file does not exist.
	ErrConfigNotFound = errors.New("configuration file not found")
)
