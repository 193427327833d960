// Package config defines the complete configuration for the billscan
// application, loadable from configuration files, environment variables, and
// command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MeKo-Tech/billscan/internal/document"
	"github.com/MeKo-Tech/billscan/internal/extract"
	"github.com/MeKo-Tech/billscan/internal/match"
	"github.com/MeKo-Tech/billscan/internal/ocr"
	"github.com/MeKo-Tech/billscan/internal/pipeline"
	"github.com/MeKo-Tech/billscan/internal/validate"
	"github.com/MeKo-Tech/billscan/internal/zone"
)

// Config represents the complete configuration for billscan. It covers the
// extraction pipeline, the review workflow thresholds, and the HTTP server.
type Config struct {
	// Global settings
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Pipeline configuration
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline" json:"pipeline"`

	// Server configuration (for serve command)
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`
}

// PipelineConfig contains extraction pipeline settings.
type PipelineConfig struct {
	// Workers bounds per-page fan-out (0 = number of CPUs).
	Workers int `mapstructure:"workers" yaml:"workers" json:"workers"`
	// Profiles are the OCR passes run per zone, in order.
	Profiles []string `mapstructure:"profiles" yaml:"profiles" json:"profiles"`
	// TextLayerQuality is the minimum embedded-text quality at which a PDF
	// page skips raster OCR.
	TextLayerQuality float64 `mapstructure:"text_layer_quality" yaml:"text_layer_quality" json:"text_layer_quality"`
	// LexiconPath optionally merges a YAML label lexicon over the defaults.
	LexiconPath string `mapstructure:"lexicon_path" yaml:"lexicon_path" json:"lexicon_path"`

	Normalizer NormalizerConfig `mapstructure:"normalizer" yaml:"normalizer" json:"normalizer"`
	OCR        OCRConfig        `mapstructure:"ocr" yaml:"ocr" json:"ocr"`
	Zones      ZoneConfig       `mapstructure:"zones" yaml:"zones" json:"zones"`
	Extract    ExtractConfig    `mapstructure:"extract" yaml:"extract" json:"extract"`
	Match      MatchConfig      `mapstructure:"match" yaml:"match" json:"match"`
	Validate   ValidateConfig   `mapstructure:"validate" yaml:"validate" json:"validate"`
}

// NormalizerConfig contains document normalization settings.
type NormalizerConfig struct {
	MaxPages             int     `mapstructure:"max_pages" yaml:"max_pages" json:"max_pages"`
	OrientationThreshold float64 `mapstructure:"orientation_threshold" yaml:"orientation_threshold" json:"orientation_threshold"`
	TargetWidth          int     `mapstructure:"target_width" yaml:"target_width" json:"target_width"`
	TextQualityThreshold float64 `mapstructure:"text_quality_threshold" yaml:"text_quality_threshold" json:"text_quality_threshold"`
}

// OCRConfig contains OCR orchestration settings.
type OCRConfig struct {
	MaxAttempts       int     `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	RetryBackoffMS    int     `mapstructure:"retry_backoff_ms" yaml:"retry_backoff_ms" json:"retry_backoff_ms"`
	RetryBackoffCapMS int     `mapstructure:"retry_backoff_cap_ms" yaml:"retry_backoff_cap_ms" json:"retry_backoff_cap_ms"`
	VoteThreshold     float64 `mapstructure:"vote_threshold" yaml:"vote_threshold" json:"vote_threshold"`
	TargetedTimeoutMS int     `mapstructure:"targeted_timeout_ms" yaml:"targeted_timeout_ms" json:"targeted_timeout_ms"`
}

// ZoneConfig contains layout detection settings.
type ZoneConfig struct {
	ProfileWidth int     `mapstructure:"profile_width" yaml:"profile_width" json:"profile_width"`
	GapFraction  float64 `mapstructure:"gap_fraction" yaml:"gap_fraction" json:"gap_fraction"`
	RuleInkRatio float64 `mapstructure:"rule_ink_ratio" yaml:"rule_ink_ratio" json:"rule_ink_ratio"`
	HeaderBand   float64 `mapstructure:"header_band" yaml:"header_band" json:"header_band"`
	FooterBand   float64 `mapstructure:"footer_band" yaml:"footer_band" json:"footer_band"`
}

// ExtractConfig contains candidate generation settings.
type ExtractConfig struct {
	TieEpsilon      float64 `mapstructure:"tie_epsilon" yaml:"tie_epsilon" json:"tie_epsilon"`
	ProximityRadius float64 `mapstructure:"proximity_radius" yaml:"proximity_radius" json:"proximity_radius"`
	LowConfidence   float64 `mapstructure:"low_confidence" yaml:"low_confidence" json:"low_confidence"`
}

// MatchConfig contains SKU matching settings.
type MatchConfig struct {
	FuzzyFloor       float64 `mapstructure:"fuzzy_floor" yaml:"fuzzy_floor" json:"fuzzy_floor"`
	FuzzySearchLimit int     `mapstructure:"fuzzy_search_limit" yaml:"fuzzy_search_limit" json:"fuzzy_search_limit"`
}

// ValidateConfig contains validation rule thresholds.
type ValidateConfig struct {
	TotalTolerance float64 `mapstructure:"total_tolerance" yaml:"total_tolerance" json:"total_tolerance"`
	LowConfidence  float64 `mapstructure:"low_confidence" yaml:"low_confidence" json:"low_confidence"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string `mapstructure:"host" yaml:"host" json:"host"`
	Port            int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int    `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec      int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	RateLimitRPS    int    `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps" json:"rate_limit_rps"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Verbose:  false,
		Pipeline: PipelineConfig{
			Workers:          0,
			Profiles:         []string{"Fast", "Balanced", "HighAccuracy"},
			TextLayerQuality: 0.8,
			Normalizer:       defaultNormalizerConfig(),
			OCR:              defaultOCRConfig(),
			Zones:            defaultZoneConfig(),
			Extract:          defaultExtractConfig(),
			Match:            defaultMatchConfig(),
			Validate:         defaultValidateConfig(),
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			CORSOrigin:      "*",
			MaxUploadMB:     50,
			TimeoutSec:      60,
			ShutdownTimeout: 10,
			RateLimitRPS:    20,
		},
	}
}

func defaultNormalizerConfig() NormalizerConfig {
	cfg := document.DefaultNormalizerConfig()
	return NormalizerConfig{
		MaxPages:             cfg.MaxPages,
		OrientationThreshold: cfg.OrientationThreshold,
		TargetWidth:          cfg.TargetWidth,
		TextQualityThreshold: cfg.TextQualityThreshold,
	}
}

func defaultOCRConfig() OCRConfig {
	cfg := ocr.DefaultConfig()
	return OCRConfig{
		MaxAttempts:       cfg.MaxAttempts,
		RetryBackoffMS:    int(cfg.RetryBackoff / time.Millisecond),
		RetryBackoffCapMS: int(cfg.RetryBackoffCap / time.Millisecond),
		VoteThreshold:     cfg.VoteThreshold,
		TargetedTimeoutMS: int(cfg.TargetedTimeout / time.Millisecond),
	}
}

func defaultZoneConfig() ZoneConfig {
	cfg := zone.DefaultDetectorConfig()
	return ZoneConfig{
		ProfileWidth: cfg.ProfileWidth,
		GapFraction:  cfg.GapFraction,
		RuleInkRatio: cfg.RuleInkRatio,
		HeaderBand:   cfg.HeaderBand,
		FooterBand:   cfg.FooterBand,
	}
}

func defaultExtractConfig() ExtractConfig {
	cfg := extract.DefaultConfig()
	return ExtractConfig{
		TieEpsilon:      cfg.TieEpsilon,
		ProximityRadius: cfg.ProximityRadius,
		LowConfidence:   cfg.LowConfidence,
	}
}

func defaultMatchConfig() MatchConfig {
	cfg := match.DefaultConfig()
	return MatchConfig{
		FuzzyFloor:       cfg.FuzzyFloor,
		FuzzySearchLimit: cfg.FuzzySearchLimit,
	}
}

func defaultValidateConfig() ValidateConfig {
	cfg := validate.DefaultConfig()
	tol, _ := cfg.TotalTolerance.Float64()
	return ValidateConfig{
		TotalTolerance: tol,
		LowConfidence:  cfg.LowConfidence,
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	for _, p := range c.Pipeline.Profiles {
		if !ocr.Profile(p).Valid() {
			return fmt.Errorf("invalid OCR profile: %s (must be one of: Fast, Balanced, HighAccuracy)", p)
		}
	}
	if len(c.Pipeline.Profiles) == 0 {
		return fmt.Errorf("at least one OCR profile is required")
	}

	thresholds := []struct {
		value float64
		name  string
	}{
		{c.Pipeline.TextLayerQuality, "pipeline.text_layer_quality"},
		{c.Pipeline.Normalizer.OrientationThreshold, "normalizer.orientation_threshold"},
		{c.Pipeline.Normalizer.TextQualityThreshold, "normalizer.text_quality_threshold"},
		{c.Pipeline.OCR.VoteThreshold, "ocr.vote_threshold"},
		{c.Pipeline.Zones.GapFraction, "zones.gap_fraction"},
		{c.Pipeline.Zones.HeaderBand, "zones.header_band"},
		{c.Pipeline.Zones.FooterBand, "zones.footer_band"},
		{c.Pipeline.Extract.TieEpsilon, "extract.tie_epsilon"},
		{c.Pipeline.Extract.LowConfidence, "extract.low_confidence"},
		{c.Pipeline.Match.FuzzyFloor, "match.fuzzy_floor"},
		{c.Pipeline.Validate.LowConfidence, "validate.low_confidence"},
	}
	for _, t := range thresholds {
		if err := validateThreshold(t.value, t.name); err != nil {
			return err
		}
	}

	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("invalid pipeline workers: %d (must not be negative)", c.Pipeline.Workers)
	}
	if c.Pipeline.OCR.MaxAttempts <= 0 {
		return fmt.Errorf("invalid ocr max attempts: %d (must be positive)", c.Pipeline.OCR.MaxAttempts)
	}
	if c.Pipeline.Validate.TotalTolerance < 0 {
		return fmt.Errorf("invalid total tolerance: %v (must not be negative)", c.Pipeline.Validate.TotalTolerance)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.TimeoutSec <= 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", c.Server.TimeoutSec)
	}
	return nil
}

// ToPipelineConfig converts the config to the internal pipeline format.
func (c *Config) ToPipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Workers = c.Pipeline.Workers
	if c.Pipeline.TextLayerQuality > 0 {
		cfg.TextLayerQuality = c.Pipeline.TextLayerQuality
	}
	cfg.LexiconPath = c.Pipeline.LexiconPath
	cfg.Normalizer = c.toNormalizerConfig()
	cfg.OCR = c.toOCRConfig()
	cfg.Zones = c.toZoneConfig()
	cfg.Extract = c.toExtractConfig()
	cfg.Match = c.toMatchConfig()
	cfg.Validate = c.toValidateConfig()

	profiles := make([]ocr.Profile, 0, len(c.Pipeline.Profiles))
	for _, p := range c.Pipeline.Profiles {
		profiles = append(profiles, ocr.Profile(p))
	}
	if len(profiles) > 0 {
		cfg.Profiles = profiles
	}
	return cfg
}

func (c *Config) toNormalizerConfig() document.NormalizerConfig {
	cfg := document.DefaultNormalizerConfig()
	if c.Pipeline.Normalizer.MaxPages > 0 {
		cfg.MaxPages = c.Pipeline.Normalizer.MaxPages
	}
	cfg.OrientationThreshold = c.Pipeline.Normalizer.OrientationThreshold
	cfg.TargetWidth = c.Pipeline.Normalizer.TargetWidth
	cfg.TextQualityThreshold = c.Pipeline.Normalizer.TextQualityThreshold
	return cfg
}

func (c *Config) toOCRConfig() ocr.Config {
	cfg := ocr.DefaultConfig()
	if c.Pipeline.OCR.MaxAttempts > 0 {
		cfg.MaxAttempts = c.Pipeline.OCR.MaxAttempts
	}
	if c.Pipeline.OCR.RetryBackoffMS > 0 {
		cfg.RetryBackoff = time.Duration(c.Pipeline.OCR.RetryBackoffMS) * time.Millisecond
	}
	if c.Pipeline.OCR.RetryBackoffCapMS > 0 {
		cfg.RetryBackoffCap = time.Duration(c.Pipeline.OCR.RetryBackoffCapMS) * time.Millisecond
	}
	if c.Pipeline.OCR.TargetedTimeoutMS > 0 {
		cfg.TargetedTimeout = time.Duration(c.Pipeline.OCR.TargetedTimeoutMS) * time.Millisecond
	}
	if c.Pipeline.OCR.VoteThreshold > 0 {
		cfg.VoteThreshold = c.Pipeline.OCR.VoteThreshold
	}
	return cfg
}

func (c *Config) toZoneConfig() zone.DetectorConfig {
	cfg := zone.DefaultDetectorConfig()
	if c.Pipeline.Zones.ProfileWidth > 0 {
		cfg.ProfileWidth = c.Pipeline.Zones.ProfileWidth
	}
	if c.Pipeline.Zones.GapFraction > 0 {
		cfg.GapFraction = c.Pipeline.Zones.GapFraction
	}
	if c.Pipeline.Zones.RuleInkRatio > 0 {
		cfg.RuleInkRatio = c.Pipeline.Zones.RuleInkRatio
	}
	if c.Pipeline.Zones.HeaderBand > 0 {
		cfg.HeaderBand = c.Pipeline.Zones.HeaderBand
	}
	if c.Pipeline.Zones.FooterBand > 0 {
		cfg.FooterBand = c.Pipeline.Zones.FooterBand
	}
	return cfg
}

func (c *Config) toExtractConfig() extract.Config {
	cfg := extract.DefaultConfig()
	if c.Pipeline.Extract.TieEpsilon > 0 {
		cfg.TieEpsilon = c.Pipeline.Extract.TieEpsilon
	}
	if c.Pipeline.Extract.ProximityRadius > 0 {
		cfg.ProximityRadius = c.Pipeline.Extract.ProximityRadius
	}
	if c.Pipeline.Extract.LowConfidence > 0 {
		cfg.LowConfidence = c.Pipeline.Extract.LowConfidence
	}
	return cfg
}

func (c *Config) toMatchConfig() match.Config {
	cfg := match.DefaultConfig()
	if c.Pipeline.Match.FuzzyFloor > 0 {
		cfg.FuzzyFloor = c.Pipeline.Match.FuzzyFloor
	}
	if c.Pipeline.Match.FuzzySearchLimit > 0 {
		cfg.FuzzySearchLimit = c.Pipeline.Match.FuzzySearchLimit
	}
	return cfg
}

func (c *Config) toValidateConfig() validate.Config {
	cfg := validate.DefaultConfig()
	if c.Pipeline.Validate.TotalTolerance > 0 {
		cfg.TotalTolerance = decimal.NewFromFloat(c.Pipeline.Validate.TotalTolerance)
	}
	if c.Pipeline.Validate.LowConfidence > 0 {
		cfg.LowConfidence = c.Pipeline.Validate.LowConfidence
	}
	return cfg
}

// contains checks if a slice contains a string.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// validateThreshold validates that a value is between 0.0 and 1.0.
func validateThreshold(value float64, name string) error {
	if value < 0.0 || value > 1.0 {
		return fmt.Errorf("invalid %s: %.2f (must be between 0.0 and 1.0)", name, value)
	}
	return nil
}
