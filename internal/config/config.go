// Package config provides configuration loading and validation for the spoolwatch daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spoolwatch/spoolwatch/internal/telemetry"
)

// EnvPrefix is the prefix for environment variable overrides (e.g. SPOOLWATCH_LOG_LEVEL)
const EnvPrefix = "SPOOLWATCH"

// RegexFilterPrefix marks a file filter as a regular expression against the
// filename rather than a suffix match.
const RegexFilterPrefix = "regex:"

const (
	// MaxConcurrentLimit is the upper bound for the configured transfer concurrency
	MaxConcurrentLimit = 32

	defaultStabilityWaitSeconds = 5
	defaultScanIntervalSeconds  = 10
	defaultInactivityMinutes    = 5
	defaultMaxConcurrent        = 4
	defaultHealthSeconds        = 3600
	defaultRateLimitSeconds     = 30
)

// Option defines the interface for configuration loader options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// SourceDir is the directory watched for finished files
	SourceDir string `yaml:"source_dir"`

	// DestinationDir is where stable files are moved; created at startup if absent
	DestinationDir string `yaml:"destination_dir"`

	// StabilityWaitSeconds is how long a file's size must hold steady before
	// it is considered fully written
	StabilityWaitSeconds int `yaml:"stability_wait_seconds,omitempty"`

	// ScanIntervalSeconds is the sleep between scan cycles
	ScanIntervalSeconds int `yaml:"scan_interval_seconds,omitempty"`

	// InactivityThresholdMinutes is how long without a successful transfer
	// before an inactivity alert is raised
	InactivityThresholdMinutes int `yaml:"inactivity_threshold_minutes,omitempty"`

	// FileFilter narrows candidates to a filename suffix, or a regular
	// expression when prefixed with "regex:"
	FileFilter string `yaml:"file_filter,omitempty"`

	// DryRun logs intended moves without touching the filesystem
	DryRun bool `yaml:"dry_run,omitempty"`

	// VerifyChecksum enables SHA-256 comparison of source and copied data
	// before committing a move
	VerifyChecksum bool `yaml:"verify_checksum,omitempty"`

	// MaxBandwidthBytes caps copy throughput in bytes per second; 0 disables
	// throttling
	MaxBandwidthBytes int64 `yaml:"max_bandwidth_bytes,omitempty"`

	// MaxConcurrent is the configured ceiling for simultaneous transfers (1-32)
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`

	// HealthIntervalSeconds is the period between health summary notifications;
	// 0 disables them
	HealthIntervalSeconds int `yaml:"health_interval_seconds,omitempty"`

	// MetricsFile is where per-operation and system metrics are persisted;
	// empty disables persistence
	MetricsFile string `yaml:"metrics_file,omitempty"`

	// Notifications configures delivery of operational alerts
	Notifications *NotificationConfig `yaml:"notifications,omitempty"`

	// Telemetry configures OpenTelemetry metrics export
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// NotificationConfig defines notification delivery settings
type NotificationConfig struct {
	// RateLimitSeconds is the minimum interval between deliveries
	RateLimitSeconds int `yaml:"rate_limit_seconds,omitempty"`

	// Pushover configures the Pushover transport; nil means log-only delivery
	Pushover *PushoverConfig `yaml:"pushover,omitempty"`
}

// PushoverConfig defines Pushover API credentials and targets
type PushoverConfig struct {
	AppToken string   `yaml:"app_token"`
	UserKey  string   `yaml:"user_key"`
	Devices  []string `yaml:"devices,omitempty"`
}

// Load reads, defaults, and validates a configuration
func Load(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyDefaults fills unset numeric settings with their defaults
func (c *Config) applyDefaults() {
	if c.StabilityWaitSeconds == 0 {
		c.StabilityWaitSeconds = defaultStabilityWaitSeconds
	}
	if c.ScanIntervalSeconds == 0 {
		c.ScanIntervalSeconds = defaultScanIntervalSeconds
	}
	if c.InactivityThresholdMinutes == 0 {
		c.InactivityThresholdMinutes = defaultInactivityMinutes
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.HealthIntervalSeconds == 0 {
		c.HealthIntervalSeconds = defaultHealthSeconds
	}
	if c.Notifications != nil && c.Notifications.RateLimitSeconds == 0 {
		c.Notifications.RateLimitSeconds = defaultRateLimitSeconds
	}
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateSourceDir(c.SourceDir); err != nil {
		return err
	}

	if c.DestinationDir == "" {
		return fmt.Errorf("destination_dir is required")
	}

	if c.StabilityWaitSeconds < 1 {
		return fmt.Errorf("stability_wait_seconds must be at least 1, got %d", c.StabilityWaitSeconds)
	}
	if c.ScanIntervalSeconds < 1 {
		return fmt.Errorf("scan_interval_seconds must be at least 1, got %d", c.ScanIntervalSeconds)
	}
	if c.InactivityThresholdMinutes < 1 {
		return fmt.Errorf("inactivity_threshold_minutes must be at least 1, got %d", c.InactivityThresholdMinutes)
	}
	if c.MaxConcurrent < 1 || c.MaxConcurrent > MaxConcurrentLimit {
		return fmt.Errorf("max_concurrent must be between 1 and %d, got %d", MaxConcurrentLimit, c.MaxConcurrent)
	}
	if c.MaxBandwidthBytes < 0 {
		return fmt.Errorf("max_bandwidth_bytes must not be negative, got %d", c.MaxBandwidthBytes)
	}

	if err := validateFileFilter(c.FileFilter); err != nil {
		return err
	}

	if err := c.Notifications.validate(); err != nil {
		return err
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

// validateSourceDir ensures the source directory exists and is a directory
func validateSourceDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("source_dir is required")
	}

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("source_dir is not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source_dir is not a directory: %s", dir)
	}

	return nil
}

// validateFileFilter ensures a regex filter compiles
func validateFileFilter(filter string) error {
	if pattern, ok := strings.CutPrefix(filter, RegexFilterPrefix); ok {
		if _, err := regexp.Compile(strings.TrimSpace(pattern)); err != nil {
			return fmt.Errorf("file_filter regex is invalid: %w", err)
		}
	}
	return nil
}

// validate checks notification settings; a nil config is valid (log-only delivery)
func (n *NotificationConfig) validate() error {
	if n == nil {
		return nil
	}

	if n.RateLimitSeconds < 0 {
		return fmt.Errorf("notifications.rate_limit_seconds must not be negative, got %d", n.RateLimitSeconds)
	}

	if n.Pushover != nil {
		if n.Pushover.AppToken == "" {
			return fmt.Errorf("notifications.pushover.app_token is required")
		}
		if n.Pushover.UserKey == "" {
			return fmt.Errorf("notifications.pushover.user_key is required")
		}
	}

	return nil
}

// StabilityWait returns the stability window as a duration
func (c *Config) StabilityWait() time.Duration {
	return time.Duration(c.StabilityWaitSeconds) * time.Second
}

// ScanInterval returns the inter-cycle sleep as a duration
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// InactivityThreshold returns the inactivity alert threshold as a duration
func (c *Config) InactivityThreshold() time.Duration {
	return time.Duration(c.InactivityThresholdMinutes) * time.Minute
}

// HealthInterval returns the health summary period as a duration
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}
