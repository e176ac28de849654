package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, agentguard.yaml/.yml is searched in
// standard locations. The search requires an explicit YAML extension so the
// binary itself is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("agentguard")
		viper.SetConfigType("yaml")
	}

	// AGENTGUARD_AUDIT_OUTPUT overrides audit.output.
	viper.SetEnvPrefix("AGENTGUARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".agentguard"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "agentguard"))
		}
	} else {
		paths = append(paths, "/etc/agentguard")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first agentguard.yaml or .yml found in
// paths, or "".
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "agentguard"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys makes nested keys reachable from the environment.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"log_level",
		"log_format",
		"policy_dir",
		"default_tenant",
		"audit.output",
		"audit.channel_size",
		"audit.batch_size",
		"audit.flush_interval",
		"audit.send_timeout",
		"audit.max_file_size_mb",
		"audit.retention_days",
		"approvals.store",
		"approvals.path",
		"approvals.rate_limit.requests",
		"approvals.rate_limit.burst",
		"approvals.rate_limit.period",
		"cache.max_entries",
		"tracing.enabled",
		"tracing.metrics_interval",
	} {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides
// and defaults, and validates the result. A missing file is not an error.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the loaded configuration file, or "" when running
// from defaults and environment only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
