package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader() *Loader {
	return &Loader{v: viper.New()}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := newTestLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"Fast", "Balanced", "HighAccuracy"}, cfg.Pipeline.Profiles)
}

func TestLoadWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billscan.yaml")
	body := `
log_level: debug
pipeline:
  workers: 2
  text_layer_quality: 0.95
  ocr:
    max_attempts: 2
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := newTestLoader().LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.InDelta(t, 0.95, cfg.Pipeline.TextLayerQuality, 1e-9)
	assert.Equal(t, 2, cfg.Pipeline.OCR.MaxAttempts)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Unset keys keep their defaults.
	assert.Equal(t, 50, cfg.Server.MaxUploadMB)
}

func TestLoadWithMissingFile(t *testing.T) {
	_, err := newTestLoader().LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestLoadWithInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -1\n"), 0o644))

	_, err := newTestLoader().LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestEnvironmentOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BILLSCAN_LOG_LEVEL", "warn")
	t.Setenv("BILLSCAN_SERVER_PORT", "7070")

	cfg, err := newTestLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 7070, cfg.Server.Port)
}
