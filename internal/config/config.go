// Package config provides configuration management for streamcore using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/canalplus/rx-player-sub017/pkg/httpclient"
)

// Default configuration values.
const (
	defaultRequestTimeout           = 30 * time.Second
	defaultConnectionTimeout        = 15 * time.Second
	defaultMaxRetry                 = 4
	defaultBackoffBase              = 200 * time.Millisecond
	defaultBackoffMax               = 3 * time.Second
	defaultLowLatencyBackoffBase    = 50 * time.Millisecond
	defaultLowLatencyBackoffMax     = time.Second
	defaultJitterFactor             = 0.3
	defaultMaxConsecutiveUnsafeMode = 10
	defaultMinUnsafeModeTrigger     = 200 * time.Millisecond
	defaultFailedPartialUpdateDelay = 3 * time.Second
	defaultCDNDowngradeTime         = 60 * time.Second
	defaultMinimumSegmentSize       = 0.005
	defaultMaxStartEndDifference    = 0.4
	defaultMaxDurationDifference    = 0.3
	defaultSynchronizationDelay     = 1500 * time.Millisecond
	defaultMissingDataTriggerDelay  = 0.1
	defaultHistoryRetention         = 60 * time.Second
	defaultHistoryMaxEntries        = 200
	defaultHighPriority             = 1
	defaultLowPriority              = 3
	defaultMetricsAddress           = "127.0.0.1:9464"
	defaultRetryableStatusCodes     = httpclient.DefaultRetryableStatusCodes
)

// Config holds all configuration for the streaming core.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging" json:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	HTTP        HTTPConfig        `mapstructure:"http" yaml:"http" json:"http"`
	Request     RequestConfig     `mapstructure:"request" yaml:"request" json:"request"`
	Manifest    ManifestConfig    `mapstructure:"manifest" yaml:"manifest" json:"manifest"`
	CDN         CDNConfig         `mapstructure:"cdn" yaml:"cdn" json:"cdn"`
	Inventory   InventoryConfig   `mapstructure:"inventory" yaml:"inventory" json:"inventory"`
	Prioritizer PrioritizerConfig `mapstructure:"prioritizer" yaml:"prioritizer" json:"prioritizer"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level" json:"level"`    // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format" json:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source" json:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format" json:"time_format"`
}

// MetricsConfig holds the debug/metrics server configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Address string `mapstructure:"address" yaml:"address" json:"address"`
}

// HTTPConfig holds settings of the HTTP loaders.
type HTTPConfig struct {
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent" json:"user_agent"`
	// MaxResponseSize caps a response body in bytes (0 = unlimited).
	MaxResponseSize      int64  `mapstructure:"max_response_size" yaml:"max_response_size" json:"max_response_size"`
	RetryableStatusCodes string `mapstructure:"retryable_status_codes" yaml:"retryable_status_codes" json:"retryable_status_codes"`
}

// RequestConfig holds segment request settings.
type RequestConfig struct {
	Timeout               time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	ConnectionTimeout     time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout" json:"connection_timeout"`
	MaxRetry              int           `mapstructure:"max_retry" yaml:"max_retry" json:"max_retry"`
	BackoffBase           time.Duration `mapstructure:"backoff_base" yaml:"backoff_base" json:"backoff_base"`
	BackoffMax            time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" json:"backoff_max"`
	LowLatencyBackoffBase time.Duration `mapstructure:"low_latency_backoff_base" yaml:"low_latency_backoff_base" json:"low_latency_backoff_base"`
	LowLatencyBackoffMax  time.Duration `mapstructure:"low_latency_backoff_max" yaml:"low_latency_backoff_max" json:"low_latency_backoff_max"`
	LowLatencyMode        bool          `mapstructure:"low_latency_mode" yaml:"low_latency_mode" json:"low_latency_mode"`
	JitterFactor          float64       `mapstructure:"jitter_factor" yaml:"jitter_factor" json:"jitter_factor"`
}

// ManifestConfig holds manifest fetching and refresh settings.
type ManifestConfig struct {
	MaxRetry                 int           `mapstructure:"max_retry" yaml:"max_retry" json:"max_retry"`
	MinimumUpdateInterval    time.Duration `mapstructure:"minimum_update_interval" yaml:"minimum_update_interval" json:"minimum_update_interval"`
	MaxConsecutiveUnsafeMode int           `mapstructure:"max_consecutive_unsafe_mode" yaml:"max_consecutive_unsafe_mode" json:"max_consecutive_unsafe_mode"`
	MinUnsafeModeTrigger     time.Duration `mapstructure:"min_unsafe_mode_trigger" yaml:"min_unsafe_mode_trigger" json:"min_unsafe_mode_trigger"`
	FailedPartialUpdateDelay time.Duration `mapstructure:"failed_partial_update_delay" yaml:"failed_partial_update_delay" json:"failed_partial_update_delay"`
}

// CDNConfig holds CDN prioritization settings.
type CDNConfig struct {
	DowngradeTime time.Duration `mapstructure:"downgrade_time" yaml:"downgrade_time" json:"downgrade_time"`
}

// InventoryConfig holds segment inventory tolerances. Positions are in seconds.
type InventoryConfig struct {
	MinimumSegmentSize      float64       `mapstructure:"minimum_segment_size" yaml:"minimum_segment_size" json:"minimum_segment_size"`
	MaxStartEndDifference   float64       `mapstructure:"max_start_end_difference" yaml:"max_start_end_difference" json:"max_start_end_difference"`
	MaxDurationDifference   float64       `mapstructure:"max_duration_difference" yaml:"max_duration_difference" json:"max_duration_difference"`
	SynchronizationDelay    time.Duration `mapstructure:"synchronization_delay" yaml:"synchronization_delay" json:"synchronization_delay"`
	MissingDataTriggerDelay float64       `mapstructure:"missing_data_trigger_delay" yaml:"missing_data_trigger_delay" json:"missing_data_trigger_delay"`
	HistoryRetention        time.Duration `mapstructure:"history_retention" yaml:"history_retention" json:"history_retention"`
	HistoryMaxEntries       int           `mapstructure:"history_max_entries" yaml:"history_max_entries" json:"history_max_entries"`
}

// PrioritizerConfig holds task prioritizer thresholds.
type PrioritizerConfig struct {
	High int `mapstructure:"high" yaml:"high" json:"high"`
	Low  int `mapstructure:"low" yaml:"low" json:"low"`
	// SegmentPrioritySteps maps a distance to the playhead (seconds) to a priority:
	// a distance below steps[i] gets priority i.
	SegmentPrioritySteps []float64 `mapstructure:"segment_priority_steps" yaml:"segment_priority_steps" json:"segment_priority_steps"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with STREAMCORE_ and use underscores for nesting.
// Example: STREAMCORE_REQUEST_MAX_RETRY=6.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("streamcore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.streamcore")
	}

	v.SetEnvPrefix("STREAMCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration built from defaults only.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		panic(fmt.Sprintf("invalid default configuration: %v", err))
	}
	return cfg
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", defaultMetricsAddress)

	// HTTP defaults
	v.SetDefault("http.user_agent", "streamcore")
	v.SetDefault("http.max_response_size", 0)
	v.SetDefault("http.retryable_status_codes", defaultRetryableStatusCodes)

	// Segment request defaults
	v.SetDefault("request.timeout", defaultRequestTimeout)
	v.SetDefault("request.connection_timeout", defaultConnectionTimeout)
	v.SetDefault("request.max_retry", defaultMaxRetry)
	v.SetDefault("request.backoff_base", defaultBackoffBase)
	v.SetDefault("request.backoff_max", defaultBackoffMax)
	v.SetDefault("request.low_latency_backoff_base", defaultLowLatencyBackoffBase)
	v.SetDefault("request.low_latency_backoff_max", defaultLowLatencyBackoffMax)
	v.SetDefault("request.low_latency_mode", false)
	v.SetDefault("request.jitter_factor", defaultJitterFactor)

	// Manifest defaults
	v.SetDefault("manifest.max_retry", defaultMaxRetry)
	v.SetDefault("manifest.minimum_update_interval", time.Duration(0))
	v.SetDefault("manifest.max_consecutive_unsafe_mode", defaultMaxConsecutiveUnsafeMode)
	v.SetDefault("manifest.min_unsafe_mode_trigger", defaultMinUnsafeModeTrigger)
	v.SetDefault("manifest.failed_partial_update_delay", defaultFailedPartialUpdateDelay)

	// CDN defaults
	v.SetDefault("cdn.downgrade_time", defaultCDNDowngradeTime)

	// Inventory defaults
	v.SetDefault("inventory.minimum_segment_size", defaultMinimumSegmentSize)
	v.SetDefault("inventory.max_start_end_difference", defaultMaxStartEndDifference)
	v.SetDefault("inventory.max_duration_difference", defaultMaxDurationDifference)
	v.SetDefault("inventory.synchronization_delay", defaultSynchronizationDelay)
	v.SetDefault("inventory.missing_data_trigger_delay", defaultMissingDataTriggerDelay)
	v.SetDefault("inventory.history_retention", defaultHistoryRetention)
	v.SetDefault("inventory.history_max_entries", defaultHistoryMaxEntries)

	// Prioritizer defaults
	v.SetDefault("prioritizer.high", defaultHighPriority)
	v.SetDefault("prioritizer.low", defaultLowPriority)
	v.SetDefault("prioritizer.segment_priority_steps", []float64{2, 4, 8, 12, 15, 20})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}

	if c.HTTP.MaxResponseSize < 0 {
		return fmt.Errorf("http.max_response_size must not be negative")
	}
	if _, err := httpclient.ParseStatusCodes(c.HTTP.RetryableStatusCodes); err != nil {
		return fmt.Errorf("http.retryable_status_codes: %w", err)
	}

	// Request validation
	if c.Request.MaxRetry < 0 {
		return fmt.Errorf("request.max_retry must not be negative")
	}
	if c.Request.BackoffBase <= 0 || c.Request.LowLatencyBackoffBase <= 0 {
		return fmt.Errorf("request backoff base delays must be positive")
	}
	if c.Request.BackoffMax < c.Request.BackoffBase {
		return fmt.Errorf("request.backoff_max must be at least request.backoff_base")
	}
	if c.Request.LowLatencyBackoffMax < c.Request.LowLatencyBackoffBase {
		return fmt.Errorf("request.low_latency_backoff_max must be at least request.low_latency_backoff_base")
	}
	if c.Request.JitterFactor < 0 || c.Request.JitterFactor > 1 {
		return fmt.Errorf("request.jitter_factor must be between 0 and 1")
	}

	// Manifest validation
	if c.Manifest.MaxRetry < 0 {
		return fmt.Errorf("manifest.max_retry must not be negative")
	}
	if c.Manifest.MinimumUpdateInterval < 0 {
		return fmt.Errorf("manifest.minimum_update_interval must not be negative")
	}

	if c.CDN.DowngradeTime < 0 {
		return fmt.Errorf("cdn.downgrade_time must not be negative")
	}

	// Inventory validation
	if c.Inventory.MinimumSegmentSize < 0 {
		return fmt.Errorf("inventory.minimum_segment_size must not be negative")
	}
	if c.Inventory.HistoryMaxEntries < 1 {
		return fmt.Errorf("inventory.history_max_entries must be at least 1")
	}

	// Prioritizer validation
	if c.Prioritizer.High > c.Prioritizer.Low {
		return fmt.Errorf("prioritizer.high must not be greater than prioritizer.low")
	}

	return nil
}

// RetryableStatus returns the parsed set of retryable HTTP statuses, falling
// back to the default set when the configured value is invalid.
func (c *HTTPConfig) RetryableStatus() *httpclient.StatusCodeSet {
	codes, err := httpclient.ParseStatusCodes(c.RetryableStatusCodes)
	if err != nil {
		return httpclient.MustParseStatusCodes(httpclient.DefaultRetryableStatusCodes)
	}
	return codes
}

// BackoffDelays returns the base and maximum retry delays for the given latency mode.
func (c *RequestConfig) BackoffDelays(lowLatency bool) (base, maxDelay time.Duration) {
	if lowLatency {
		return c.LowLatencyBackoffBase, c.LowLatencyBackoffMax
	}
	return c.BackoffBase, c.BackoffMax
}
