package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/billscan/internal/ocr"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestValidateProfiles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.Profiles = []string{"Fast", "Turbo"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid OCR profile")

	cfg.Pipeline.Profiles = nil
	require.Error(t, cfg.Validate())
}

func TestValidateThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.OCR.VoteThreshold = 1.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ocr.vote_threshold")

	cfg = DefaultConfig()
	cfg.Pipeline.Match.FuzzyFloor = -0.1
	require.Error(t, cfg.Validate())
}

func TestValidateServer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Server.Port = 70000
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Server.MaxUploadMB = 0
	require.Error(t, cfg.Validate())
}

func TestToPipelineConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.Workers = 3
	cfg.Pipeline.Profiles = []string{"Balanced"}
	cfg.Pipeline.TextLayerQuality = 0.9
	cfg.Pipeline.OCR.TargetedTimeoutMS = 5000
	cfg.Pipeline.Extract.TieEpsilon = 0.02
	cfg.Pipeline.Validate.TotalTolerance = 0.05

	pc := cfg.ToPipelineConfig()
	assert.Equal(t, 3, pc.Workers)
	assert.Equal(t, []ocr.Profile{ocr.ProfileBalanced}, pc.Profiles)
	assert.InDelta(t, 0.9, pc.TextLayerQuality, 1e-9)
	assert.Equal(t, 5*time.Second, pc.OCR.TargetedTimeout)
	assert.InDelta(t, 0.02, pc.Extract.TieEpsilon, 1e-9)
	assert.True(t, pc.Validate.TotalTolerance.Equal(decimal.NewFromFloat(0.05)),
		"tolerance = %s", pc.Validate.TotalTolerance)
}

func TestToPipelineConfigZeroValuesKeepDefaults(t *testing.T) {
	var cfg Config
	cfg.Pipeline.Profiles = nil

	pc := cfg.ToPipelineConfig()
	assert.Equal(t, ocr.DefaultConfig().MaxAttempts, pc.OCR.MaxAttempts)
	assert.NotEmpty(t, pc.Profiles)
	assert.Positive(t, pc.Zones.ProfileWidth)
}
