package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shaneisley/quotaq/pkg/backoff"
	"github.com/shaneisley/quotaq/pkg/classify"
	"github.com/shaneisley/quotaq/pkg/conditions"
	"github.com/shaneisley/quotaq/pkg/executor"
	"github.com/shaneisley/quotaq/pkg/queue"
	"github.com/shaneisley/quotaq/pkg/ratelimit"
)

// EnvPrefix is prepended to every environment variable
const EnvPrefix = "QUOTAQ"

// Config holds the configuration for the quotaq CLI
type Config struct {
	ResourceKey string                 `mapstructure:"resource_key"`
	LogLevel    string                 `mapstructure:"log_level"`
	Limiter     ratelimit.Config       `mapstructure:"limiter"`
	Retry       executor.Policy        `mapstructure:"retry"`
	Adaptive    backoff.AdaptiveConfig `mapstructure:"adaptive"`
	Queue       queue.Config           `mapstructure:"queue"`
	Patterns    classify.Patterns      `mapstructure:"patterns"`
	HTTP        HTTPConfig             `mapstructure:"http"`
	Server      ServerConfig           `mapstructure:"server"`
	Journal     JournalConfig          `mapstructure:"journal"`
}

// HTTPConfig describes the request made for each work item
type HTTPConfig struct {
	Method        string            `mapstructure:"method"`
	URL           string            `mapstructure:"url"`
	Body          string            `mapstructure:"body"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	MaxRetryAfter time.Duration     `mapstructure:"max_retry_after"`
	Headers       map[string]string `mapstructure:"headers"`

	SuccessPattern  string `mapstructure:"success_pattern"`
	FailurePattern  string `mapstructure:"failure_pattern"`
	CaseInsensitive bool   `mapstructure:"case_insensitive"`
}

// ServerConfig controls the HTTP control server; an empty address disables it
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// JournalConfig controls the sqlite outcome journal
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s value '%v': %s", e.Field, e.Value, e.Message)
}

// ConfigSource represents where a configuration value came from
type ConfigSource int

const (
	SourceDefault ConfigSource = iota
	SourceConfigFile
	SourceEnvironment
	SourceCLIFlag
)

func (s ConfigSource) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceConfigFile:
		return "config file"
	case SourceEnvironment:
		return "environment variable"
	case SourceCLIFlag:
		return "CLI flag"
	default:
		return "unknown"
	}
}

// ConfigDebugInfo holds debugging information about configuration resolution
type ConfigDebugInfo struct {
	Sources map[string]ConfigSource
	Values  map[string]interface{}
}

// defaults lists every scalar key in display order
var defaults = []struct {
	key   string
	value interface{}
}{
	{"resource_key", "default"},
	{"log_level", "info"},
	{"limiter.min_interval", ratelimit.DefaultMinInterval},
	{"limiter.window", ratelimit.DefaultWindow},
	{"limiter.max_per_window", ratelimit.DefaultMaxPerWindow},
	{"retry.max_retries", executor.DefaultMaxRetries},
	{"retry.base_delay", executor.DefaultBaseDelay},
	{"retry.max_delay", executor.DefaultMaxDelay},
	{"retry.retryable_errors", executor.DefaultRetryableErrors},
	{"retry.backoff", backoff.NameProportional},
	{"adaptive.min", backoff.DefaultAdaptiveConfig().Min},
	{"adaptive.max", backoff.DefaultAdaptiveConfig().Max},
	{"adaptive.initial", backoff.DefaultAdaptiveConfig().Initial},
	{"adaptive.increase_factor", backoff.DefaultAdaptiveConfig().IncreaseFactor},
	{"adaptive.quota_increase_factor", backoff.DefaultAdaptiveConfig().QuotaIncreaseFactor},
	{"adaptive.decrease_factor", backoff.DefaultAdaptiveConfig().DecreaseFactor},
	{"adaptive.success_threshold", backoff.DefaultAdaptiveConfig().SuccessThreshold},
	{"adaptive.window_size", backoff.DefaultAdaptiveConfig().WindowSize},
	{"queue.max_retries", queue.DefaultMaxRetries},
	{"queue.quota_cooldown", queue.DefaultQuotaCooldown},
	{"queue.default_average", queue.DefaultAverageRequest},
	{"patterns.quota", classify.DefaultPatterns().Quota},
	{"patterns.auth", classify.DefaultPatterns().Auth},
	{"patterns.validation", classify.DefaultPatterns().Validation},
	{"patterns.transient", classify.DefaultPatterns().Transient},
	{"http.method", "POST"},
	{"http.url", ""},
	{"http.body", ""},
	{"http.timeout", 30 * time.Second},
	{"http.max_retry_after", 30 * time.Minute},
	{"http.success_pattern", ""},
	{"http.failure_pattern", ""},
	{"http.case_insensitive", false},
	{"server.addr", ""},
	{"journal.enabled", true},
	{"journal.path", ""},
}

// Keys returns every configuration key in display order
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for _, d := range defaults {
		keys = append(keys, d.key)
	}
	return keys
}

// EnvVar returns the environment variable bound to key
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(configFile string) (*Config, error) {
	config, _, err := LoadWithPrecedence(configFile, nil, false)
	return config, err
}

// LoadWithDefaults returns a configuration with default values
func LoadWithDefaults() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	v.Unmarshal(&config)
	return &config
}

// LoadWithPrecedence resolves defaults, then the config file, then QUOTAQ_*
// environment variables, then explicitly set flags keyed by config key.
func LoadWithPrecedence(configFile string, explicitFlags map[string]interface{}, debug bool) (*Config, *ConfigDebugInfo, error) {
	var debugInfo *ConfigDebugInfo
	if debug {
		debugInfo = &ConfigDebugInfo{
			Sources: make(map[string]ConfigSource),
			Values:  make(map[string]interface{}),
		}
	}

	v := viper.New()

	setDefaults(v)
	if debug {
		recordDefaults(debugInfo)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, debugInfo, fmt.Errorf("failed to read config file: %w", err)
		}
		if debug {
			recordConfigFile(debugInfo, v)
		}
	}

	envMappings := make(map[string]string, len(defaults))
	for _, key := range Keys() {
		envVar := EnvVar(key)
		envMappings[envVar] = key
		v.BindEnv(key, envVar)
	}
	if debug {
		recordEnvironment(debugInfo, envMappings)
	}

	for key, value := range explicitFlags {
		v.Set(key, value)
		if debug {
			debugInfo.Sources[key] = SourceCLIFlag
			debugInfo.Values[key] = value
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, debugInfo, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, debugInfo, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, debugInfo, nil
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	for _, d := range defaults {
		v.SetDefault(d.key, d.value)
	}
	v.SetDefault("http.headers", map[string]string{})
}

// FindConfigFile searches for a configuration file in the given directory
// It looks for .quotaq.toml and quotaq.toml
func FindConfigFile(dir string) string {
	configNames := []string{".quotaq.toml", "quotaq.toml"}

	for _, name := range configNames {
		configPath := filepath.Join(dir, name)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
	}

	return ""
}

// DiscoverConfigFile checks the working directory, then the home directory
func DiscoverConfigFile() string {
	if cwd, err := os.Getwd(); err == nil {
		if path := FindConfigFile(cwd); path != "" {
			return path
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return FindConfigFile(home)
	}
	return ""
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errors []ValidationError

	if strings.TrimSpace(c.ResourceKey) == "" {
		errors = append(errors, ValidationError{
			Field:   "resource_key",
			Value:   c.ResourceKey,
			Message: "must not be empty",
		})
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, ValidationError{
			Field:   "log_level",
			Value:   c.LogLevel,
			Message: "must be one of debug, info, warn, error",
		})
	}

	if err := c.Limiter.Validate(); err != nil {
		errors = append(errors, ValidationError{Field: "limiter", Value: c.Limiter, Message: err.Error()})
	}
	if err := c.Retry.Validate(); err != nil {
		errors = append(errors, ValidationError{Field: "retry", Value: c.Retry.MaxRetries, Message: err.Error()})
	}
	if err := c.Adaptive.Validate(); err != nil {
		errors = append(errors, ValidationError{Field: "adaptive", Value: c.Adaptive.Initial, Message: err.Error()})
	}
	if err := c.Queue.Validate(); err != nil {
		errors = append(errors, ValidationError{Field: "queue", Value: c.Queue.MaxRetries, Message: err.Error()})
	}
	if _, err := classify.NewClassifier(c.Patterns); err != nil {
		errors = append(errors, ValidationError{Field: "patterns", Value: "", Message: err.Error()})
	}

	if c.HTTP.Timeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "http.timeout",
			Value:   c.HTTP.Timeout,
			Message: "must be non-negative (0 means no timeout)",
		})
	}
	if c.HTTP.Timeout > 24*time.Hour {
		errors = append(errors, ValidationError{
			Field:   "http.timeout",
			Value:   c.HTTP.Timeout,
			Message: "must be 24 hours or less",
		})
	}
	if _, err := conditions.NewChecker(c.HTTP.SuccessPattern, c.HTTP.FailurePattern, c.HTTP.CaseInsensitive); err != nil {
		errors = append(errors, ValidationError{Field: "http patterns", Value: "", Message: err.Error()})
	}
	if c.HTTP.MaxRetryAfter < 0 {
		errors = append(errors, ValidationError{
			Field:   "http.max_retry_after",
			Value:   c.HTTP.MaxRetryAfter,
			Message: "must be non-negative",
		})
	}

	// Return combined error if any validation failed
	if len(errors) > 0 {
		var messages []string
		for _, err := range errors {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(messages, "\n  - "))
	}

	return nil
}

// JournalPath returns the configured journal path or fallback
func (c *Config) JournalPath(fallback string) string {
	if c.Journal.Path != "" {
		return c.Journal.Path
	}
	return fallback
}

// recordDefaults records default values in debug info
func recordDefaults(debug *ConfigDebugInfo) {
	for _, d := range defaults {
		debug.Sources[d.key] = SourceDefault
		debug.Values[d.key] = d.value
	}
}

// recordConfigFile records config file values in debug info
func recordConfigFile(debug *ConfigDebugInfo, v *viper.Viper) {
	for _, key := range Keys() {
		if v.InConfig(key) {
			debug.Sources[key] = SourceConfigFile
			debug.Values[key] = v.Get(key)
		}
	}
}

// recordEnvironment records environment variable values in debug info
func recordEnvironment(debug *ConfigDebugInfo, envMappings map[string]string) {
	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			debug.Sources[configKey] = SourceEnvironment
			debug.Values[configKey] = value
		}
	}
}

// PrintDebugInfo prints configuration debug information
func (debug *ConfigDebugInfo) PrintDebugInfo(w io.Writer) {
	fmt.Fprintln(w, "Configuration Resolution Debug Info:")
	fmt.Fprintln(w, "===================================")

	for _, key := range Keys() {
		source := debug.Sources[key]
		value := debug.Values[key]
		if s, ok := value.(string); ok && len(s) > 40 {
			value = s[:37] + "..."
		}
		fmt.Fprintf(w, "%-32s: %-20v (from %s)\n", key, value, source)
	}
}
