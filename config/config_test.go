package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "https://sdbe.replit.app", cfg.APIBaseURL)
	assert.Equal(t, "lastnurses_api", cfg.WorkflowName)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxUploadBytes)
	assert.Equal(t, int64(64*1024*1024), cfg.MaxResponseBytes)
	assert.Equal(t, 90, cfg.JPEGQuality)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins)
	assert.True(t, filepath.IsAbs(cfg.MediaStoragePath))
	assert.Equal(t, filepath.Join(cfg.MediaStoragePath, DefaultUploadsSubDir), cfg.UploadsPath)
	assert.Equal(t, filepath.Join(cfg.MediaStoragePath, DefaultResultsSubDir), cfg.ResultsPath)
	assert.Empty(t, cfg.S3Bucket)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("API_BASE_URL", "http://127.0.0.1:9000/")
	t.Setenv("POLL_INTERVAL", "5s")
	t.Setenv("JPEG_QUALITY", "75")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("S3_BUCKET", "results")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:9000", cfg.APIBaseURL)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 75, cfg.JPEGQuality)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	assert.Equal(t, "results", cfg.S3Bucket)
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("JPEG_QUALITY", "250")
	t.Setenv("MAX_UPLOAD_BYTES", "-3")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 90, cfg.JPEGQuality)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxUploadBytes)
}
