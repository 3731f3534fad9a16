package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/syncore/internal/config"
)

func TestDefaultConfigMatchesSpecMimeTable(t *testing.T) {
	cfg := config.DefaultCompressionConfig()

	jpeg := cfg.Defaults["image/jpeg"]
	assert.Equal(t, "lossy", jpeg.Method)
	assert.Equal(t, 80, jpeg.Quality)
	assert.Equal(t, int64(5*1024), jpeg.MinSizeBytes)
	assert.InDelta(t, 0.98, jpeg.EffectivenessThreshold, 0.0001)

	png := cfg.Defaults["image/png"]
	assert.Equal(t, "lossless", png.Method)
	assert.Equal(t, 9, png.Quality)

	pdf := cfg.Defaults["application/pdf"]
	assert.Equal(t, "pdf_optimize", pdf.Method)
	assert.InDelta(t, 0.90, pdf.EffectivenessThreshold, 0.0001)

	fallback := cfg.Defaults["*"]
	assert.Equal(t, "lossless", fallback.Method)
	assert.Equal(t, 75, fallback.Quality)
}

func TestDeviceClassConcurrencyCaps(t *testing.T) {
	assert.Equal(t, 1, config.DeviceClassConcurrencyCap(config.DeviceClassPhone))
	assert.Equal(t, 2, config.DeviceClassConcurrencyCap(config.DeviceClassTablet))
	assert.Equal(t, 3, config.DeviceClassConcurrencyCap(config.DeviceClassTabletPro))
}

func TestLoadOverlaysTOMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[worker]
max_concurrency = 7
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Worker.MaxConcurrency)
	// Untouched sections retain defaults.
	assert.Equal(t, int64(2147483648), cfg.Compression.MaxInMemoryCompressionBytes)
}

func TestEnvOverrideForMaxInMemoryBytes(t *testing.T) {
	t.Setenv("MAX_IN_MEMORY_COMPRESSION_BYTES", "123456")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(123456), cfg.Compression.MaxInMemoryCompressionBytes)
}

func TestEnvOverrideIgnoresInvalidValue(t *testing.T) {
	t.Setenv("MAX_IN_MEMORY_COMPRESSION_BYTES", "not-a-number")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2147483648), cfg.Compression.MaxInMemoryCompressionBytes)
}
