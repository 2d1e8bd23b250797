package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "redis", cfg.QueueBackend)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Minute, cfg.RetryUnit)
	assert.Equal(t, 30*time.Second, cfg.EmbedHandoffDelay)
	assert.Equal(t, 30*time.Minute, cfg.LockTTL)
	assert.Equal(t, 2*time.Minute, cfg.DownloadTimeout)
	assert.Equal(t, 10*time.Minute, cfg.TranscribeTimeout)
	assert.Equal(t, 2*time.Minute, cfg.EmbedTimeout)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PIPELINE_MAX_RETRIES", "5")
	t.Setenv("EMBED_TIMEOUT", "45s")
	t.Setenv("QUEUE_BACKEND", "HTTP")
	t.Setenv("STEP_BASE_URL", "https://api.example.com/")

	cfg := Load()

	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.EmbedTimeout)
	assert.Equal(t, "http", cfg.QueueBackend)
	assert.Equal(t, "https://api.example.com", cfg.StepBaseURL)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.TranscribeURL = "http://whisper"
	cfg.EmbedBGEURL = "http://bge"
	require.NoError(t, cfg.Validate())

	cfg.EmbedBGEURL = ""
	cfg.EmbedE5URL = ""
	assert.Error(t, cfg.Validate())

	cfg.EmbedE5URL = "http://e5"
	cfg.QueueBackend = "http"
	assert.Error(t, cfg.Validate(), "http backend needs an enqueue endpoint")
}
