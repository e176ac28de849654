// Package config provides configuration types for agentguard.
//
// Process settings (logging, where policy documents live, audit output,
// approval persistence, cache size, tracing) are file-based and loaded with
// viper. Per-tenant permission configuration lives in separate policy
// documents, see PolicyDocument.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sentinel-Gate/agentguard/internal/domain/ratelimit"
)

// Config is the top-level process configuration.
type Config struct {
	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error". Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat selects the slog handler: "text" or "json". Defaults to "text".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`

	// PolicyDir holds one policy document per tenant, named <tenant>.yaml.
	// Defaults to "./policies".
	PolicyDir string `yaml:"policy_dir" mapstructure:"policy_dir" validate:"required"`

	// DefaultTenant is used by CLI commands when --tenant is not given.
	DefaultTenant string `yaml:"default_tenant" mapstructure:"default_tenant"`

	// Audit configures where decision records are written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Approvals configures where pending approval requests are kept.
	Approvals ApprovalStoreConfig `yaml:"approvals" mapstructure:"approvals"`

	// Cache configures the decision cache.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Tracing configures OpenTelemetry stdout exporters.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// AuditConfig configures decision record output.
type AuditConfig struct {
	// Output specifies where records are written.
	// Valid values: "stdout" (JSON lines on the log stream, stderr for the
	// CLI), "file:///absolute/dir" (daily JSONL files) or
	// "sqlite:///absolute/path.db". Defaults to "stdout".
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// ChannelSize is the buffer size for the audit channel. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records to batch before writing. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often pending records are flushed (e.g. "1s").
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout is how long Record blocks on a full channel before
	// dropping. "0" drops immediately. Defaults to "100ms".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// WarningThreshold is the channel fill percentage that triggers a
	// warning. 0 disables it. Defaults to 80.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`

	// MaxFileSizeMB rotates file output past this size. Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// RetentionDays removes older audit files. Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// BufferSize is the number of recent records kept for queries. Defaults to 1000.
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`
}

// Approval store kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// ApprovalStoreConfig configures approval persistence.
type ApprovalStoreConfig struct {
	// Store is "memory", "file" (one JSON document per tenant) or "sqlite".
	// Defaults to "memory".
	Store string `yaml:"store" mapstructure:"store" validate:"omitempty,oneof=memory file sqlite"`

	// Path is a directory for "file" and a database file for "sqlite".
	Path string `yaml:"path" mapstructure:"path"`

	// RateLimit caps new requests per requester. Disabled by default.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig allows Requests per Period with bursts of up to Burst.
type RateLimitConfig struct {
	Requests int    `yaml:"requests" mapstructure:"requests" validate:"omitempty,min=0"`
	Burst    int    `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=0"`
	Period   string `yaml:"period" mapstructure:"period" validate:"omitempty,duration"`
}

// Limit converts c for the approval workflow. The zero value disables
// limiting.
func (c RateLimitConfig) Limit() (ratelimit.Config, error) {
	if c.Requests == 0 {
		return ratelimit.Config{}, nil
	}
	period, err := time.ParseDuration(c.Period)
	if err != nil {
		return ratelimit.Config{}, fmt.Errorf("approvals.rate_limit.period: %w", err)
	}
	return ratelimit.Config{Rate: c.Requests, Burst: c.Burst, Period: period}, nil
}

// CacheConfig sizes the decision cache.
type CacheConfig struct {
	// MaxEntries bounds the number of cached decisions. Defaults to 10000.
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries" validate:"omitempty,min=1"`
}

// TracingConfig enables the stdout OpenTelemetry exporters.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// MetricsInterval is the export period for metrics. Defaults to "30s".
	MetricsInterval string `yaml:"metrics_interval" mapstructure:"metrics_interval" validate:"omitempty,duration"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.PolicyDir == "" {
		c.PolicyDir = "./policies"
	}
	if c.DefaultTenant == "" {
		c.DefaultTenant = "default"
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}

	if c.Approvals.Store == "" {
		c.Approvals.Store = StoreMemory
	}
	if c.Approvals.RateLimit.Period == "" {
		c.Approvals.RateLimit.Period = "1m"
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10_000
	}
	if c.Tracing.MetricsInterval == "" {
		c.Tracing.MetricsInterval = "30s"
	}
}

// AuditTarget splits Output into its scheme ("stdout", "file" or "sqlite")
// and path.
func (c AuditConfig) AuditTarget() (scheme, path string) {
	if c.Output == "stdout" {
		return "stdout", ""
	}
	scheme, path, _ = strings.Cut(c.Output, "://")
	return scheme, path
}

// Durations parses FlushInterval and SendTimeout.
func (c AuditConfig) Durations() (flush, send time.Duration, err error) {
	if flush, err = time.ParseDuration(c.FlushInterval); err != nil {
		return 0, 0, fmt.Errorf("audit.flush_interval: %w", err)
	}
	if send, err = time.ParseDuration(c.SendTimeout); err != nil {
		return 0, 0, fmt.Errorf("audit.send_timeout: %w", err)
	}
	return flush, send, nil
}
