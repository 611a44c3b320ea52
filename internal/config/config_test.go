package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/jobpulse/internal/config"
)

// setEnv is a helper that sets environment variables for a test and restores them after.
func setEnv(t *testing.T, env map[string]string) {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
}

// validEnv returns the minimum set of valid environment variables.
func validEnv() map[string]string {
	return map[string]string{
		"MEDIA_SERVER_URL": "http://localhost:8096",
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	setEnv(t, validEnv())

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)
	assert.Equal(t, "http://localhost:8096", cfg.MediaServer.URL)
	assert.Empty(t, cfg.Redis.URL)
}

func TestLoad_CustomPort(t *testing.T) {
	setEnv(t, validEnv())
	t.Setenv("JOBPULSE_PORT", "9090")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoad_CustomEnv(t *testing.T) {
	setEnv(t, validEnv())
	t.Setenv("JOBPULSE_ENV", "production")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Server.Env)
}

func TestLoad_MissingMediaServerURL(t *testing.T) {
	setEnv(t, map[string]string{"MEDIA_SERVER_URL": ""})

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEDIA_SERVER_URL")
}

func TestLoad_MediaServerURLMustStartWithHTTP(t *testing.T) {
	setEnv(t, validEnv())
	t.Setenv("MEDIA_SERVER_URL", "ftp://localhost:8096")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEDIA_SERVER_URL")
}

func TestLoad_MediaServerHTTPSURL(t *testing.T) {
	setEnv(t, validEnv())
	t.Setenv("MEDIA_SERVER_URL", "https://media.example.com")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "https://media.example.com", cfg.MediaServer.URL)
}

func TestLoad_MediaServerDefaults(t *testing.T) {
	setEnv(t, validEnv())

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Empty(t, cfg.MediaServer.APIKey)
	assert.Equal(t, 10*time.Second, cfg.MediaServer.Timeout)
}

func TestLoad_MediaServerAPIKey(t *testing.T) {
	setEnv(t, validEnv())
	t.Setenv("MEDIA_SERVER_API_KEY", "secret-key")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "secret-key", cfg.MediaServer.APIKey)
}

func TestLoad_RedisIsOptional(t *testing.T) {
	setEnv(t, validEnv())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Redis.URL)
	assert.Equal(t, 24*time.Hour, cfg.Redis.SnapshotTTL)
}

func TestLoad_RedisURL(t *testing.T) {
	setEnv(t, validEnv())
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("SNAPSHOT_TTL", "1h")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, time.Hour, cfg.Redis.SnapshotTTL)
}

func TestLoad_TrackDefaults(t *testing.T) {
	setEnv(t, validEnv())

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Track.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Track.BackoffMin)
	assert.Equal(t, 30*time.Second, cfg.Track.BackoffMax)
	assert.Zero(t, cfg.Track.MaxAttempts)
	assert.Zero(t, cfg.Track.MaxJobs)
}

func TestLoad_CustomTrackSettings(t *testing.T) {
	setEnv(t, validEnv())
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("STREAM_BACKOFF_MIN", "100ms")
	t.Setenv("STREAM_BACKOFF_MAX", "5s")
	t.Setenv("STREAM_MAX_ATTEMPTS", "10")
	t.Setenv("TRACK_MAX_JOBS", "5000")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Track.PollInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Track.BackoffMin)
	assert.Equal(t, 5*time.Second, cfg.Track.BackoffMax)
	assert.Equal(t, 10, cfg.Track.MaxAttempts)
	assert.Equal(t, 5000, cfg.Track.MaxJobs)
}

func TestLoad_NegativePollInterval(t *testing.T) {
	setEnv(t, validEnv())
	t.Setenv("POLL_INTERVAL", "-1s")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLL_INTERVAL")
}

func TestLoad_BackoffMaxBelowMin(t *testing.T) {
	setEnv(t, validEnv())
	t.Setenv("STREAM_BACKOFF_MIN", "10s")
	t.Setenv("STREAM_BACKOFF_MAX", "1s")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STREAM_BACKOFF_MAX")
}

func TestLoad_NegativeMaxAttempts(t *testing.T) {
	setEnv(t, validEnv())
	t.Setenv("STREAM_MAX_ATTEMPTS", "-1")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STREAM_MAX_ATTEMPTS")
}

func TestLoad_RateLimitDefault(t *testing.T) {
	setEnv(t, validEnv())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.RateLimit.PerMinute)
}

func TestLoad_RateLimitMustBePositive(t *testing.T) {
	setEnv(t, validEnv())
	t.Setenv("RATE_LIMIT_PER_MIN", "0")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LIMIT_PER_MIN")
}

func TestLoad_MalformedValuesFallBackToDefaults(t *testing.T) {
	setEnv(t, validEnv())
	t.Setenv("JOBPULSE_PORT", "not-a-number")
	t.Setenv("POLL_INTERVAL", "soon")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, time.Second, cfg.Track.PollInterval)
}
