package config

import "time"

// TimeoutConfig holds timeout settings for the daemon.
// These can be configured via CLI flags to tune performance for different environments.
type TimeoutConfig struct {
	// Request bounds a single HTTP API request, including any lazy server start.
	// Default: 60s
	Request time.Duration

	// Shutdown bounds the graceful stop of the HTTP server and the postgres engine.
	// Default: 30s
	Shutdown time.Duration

	// Reap bounds a single reaper pass.
	// Default: 2m
	Reap time.Duration
}

// DefaultTimeoutConfig returns the default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		Request:  60 * time.Second,
		Shutdown: 30 * time.Second,
		Reap:     2 * time.Minute,
	}
}

// global instance that can be set at startup
var globalTimeouts = DefaultTimeoutConfig()

// SetGlobalTimeouts sets the global timeout configuration
func SetGlobalTimeouts(cfg *TimeoutConfig) {
	globalTimeouts = cfg
}

// GetTimeouts returns the global timeout configuration
func GetTimeouts() *TimeoutConfig {
	return globalTimeouts
}
