package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "billscan"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "BILLSCAN"
)

// Loader handles loading configuration from various sources.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader backed by the global viper
// instance so cobra flag bindings take effect.
func NewLoader() *Loader {
	return &Loader{v: viper.GetViper()}
}

// Load loads configuration from files, environment variables, and defaults,
// then validates the result.
func (l *Loader) Load() (*Config, error) {
	l.v.SetConfigName(ConfigFileName)
	l.v.SetConfigType("yaml")
	l.addConfigPaths()
	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults and env vars apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// LoadWithFile loads configuration from a specific file path.
func (l *Loader) LoadWithFile(configFile string) (*Config, error) {
	if configFile == "" {
		return l.Load()
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configFile)
	}

	l.v.SetConfigFile(configFile)
	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// Set sets a value in the configuration.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// GetString returns a string value from the configuration.
func (l *Loader) GetString(key string) string {
	return l.v.GetString(key)
}

// GetConfigFileUsed returns the path of the config file used.
func (l *Loader) GetConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// GetViper returns the underlying viper instance for advanced usage.
func (l *Loader) GetViper() *viper.Viper {
	return l.v
}

// addConfigPaths adds the standard configuration search paths.
func (l *Loader) addConfigPaths() {
	l.v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		l.v.AddConfigPath(home)
	}
	l.v.AddConfigPath("/etc/billscan")
	if configDir, exists := os.LookupEnv("XDG_CONFIG_HOME"); exists {
		l.v.AddConfigPath(filepath.Join(configDir, "billscan"))
	} else if home, err := os.UserHomeDir(); err == nil {
		l.v.AddConfigPath(filepath.Join(home, ".config", "billscan"))
	}
}

// setupEnvironmentVariables configures environment variable handling.
func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setDefaults sets default values for all configuration options.
func (l *Loader) setDefaults() {
	defaults := DefaultConfig()

	l.v.SetDefault("log_level", defaults.LogLevel)
	l.v.SetDefault("verbose", defaults.Verbose)

	l.v.SetDefault("pipeline.workers", defaults.Pipeline.Workers)
	l.v.SetDefault("pipeline.profiles", defaults.Pipeline.Profiles)
	l.v.SetDefault("pipeline.text_layer_quality", defaults.Pipeline.TextLayerQuality)
	l.v.SetDefault("pipeline.lexicon_path", defaults.Pipeline.LexiconPath)

	l.v.SetDefault("pipeline.normalizer.max_pages", defaults.Pipeline.Normalizer.MaxPages)
	l.v.SetDefault("pipeline.normalizer.orientation_threshold", defaults.Pipeline.Normalizer.OrientationThreshold)
	l.v.SetDefault("pipeline.normalizer.target_width", defaults.Pipeline.Normalizer.TargetWidth)
	l.v.SetDefault("pipeline.normalizer.text_quality_threshold", defaults.Pipeline.Normalizer.TextQualityThreshold)

	l.v.SetDefault("pipeline.ocr.max_attempts", defaults.Pipeline.OCR.MaxAttempts)
	l.v.SetDefault("pipeline.ocr.retry_backoff_ms", defaults.Pipeline.OCR.RetryBackoffMS)
	l.v.SetDefault("pipeline.ocr.retry_backoff_cap_ms", defaults.Pipeline.OCR.RetryBackoffCapMS)
	l.v.SetDefault("pipeline.ocr.vote_threshold", defaults.Pipeline.OCR.VoteThreshold)
	l.v.SetDefault("pipeline.ocr.targeted_timeout_ms", defaults.Pipeline.OCR.TargetedTimeoutMS)

	l.v.SetDefault("pipeline.zones.profile_width", defaults.Pipeline.Zones.ProfileWidth)
	l.v.SetDefault("pipeline.zones.gap_fraction", defaults.Pipeline.Zones.GapFraction)
	l.v.SetDefault("pipeline.zones.rule_ink_ratio", defaults.Pipeline.Zones.RuleInkRatio)
	l.v.SetDefault("pipeline.zones.header_band", defaults.Pipeline.Zones.HeaderBand)
	l.v.SetDefault("pipeline.zones.footer_band", defaults.Pipeline.Zones.FooterBand)

	l.v.SetDefault("pipeline.extract.tie_epsilon", defaults.Pipeline.Extract.TieEpsilon)
	l.v.SetDefault("pipeline.extract.proximity_radius", defaults.Pipeline.Extract.ProximityRadius)
	l.v.SetDefault("pipeline.extract.low_confidence", defaults.Pipeline.Extract.LowConfidence)

	l.v.SetDefault("pipeline.match.fuzzy_floor", defaults.Pipeline.Match.FuzzyFloor)
	l.v.SetDefault("pipeline.match.fuzzy_search_limit", defaults.Pipeline.Match.FuzzySearchLimit)

	l.v.SetDefault("pipeline.validate.total_tolerance", defaults.Pipeline.Validate.TotalTolerance)
	l.v.SetDefault("pipeline.validate.low_confidence", defaults.Pipeline.Validate.LowConfidence)

	l.v.SetDefault("server.host", defaults.Server.Host)
	l.v.SetDefault("server.port", defaults.Server.Port)
	l.v.SetDefault("server.cors_origin", defaults.Server.CORSOrigin)
	l.v.SetDefault("server.max_upload_mb", defaults.Server.MaxUploadMB)
	l.v.SetDefault("server.timeout_sec", defaults.Server.TimeoutSec)
	l.v.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)
	l.v.SetDefault("server.rate_limit_rps", defaults.Server.RateLimitRPS)
}
