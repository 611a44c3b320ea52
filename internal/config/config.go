package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the JobPulse server.
type Config struct {
	Server      ServerConfig
	MediaServer MediaServerConfig
	Redis       RedisConfig
	Track       TrackConfig
	RateLimit   RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type MediaServerConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// RedisConfig is optional: an empty URL disables the snapshot cache and the
// server runs from memory alone.
type RedisConfig struct {
	URL         string
	SnapshotTTL time.Duration
}

type TrackConfig struct {
	PollInterval time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	MaxAttempts  int
	MaxJobs      int
}

type RateLimitConfig struct {
	PerMinute int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("JOBPULSE_PORT", 8090),
			Env:  envString("JOBPULSE_ENV", "development"),
		},
		MediaServer: MediaServerConfig{
			URL:     os.Getenv("MEDIA_SERVER_URL"),
			APIKey:  os.Getenv("MEDIA_SERVER_API_KEY"),
			Timeout: envDuration("MEDIA_SERVER_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			URL:         os.Getenv("REDIS_URL"),
			SnapshotTTL: envDuration("SNAPSHOT_TTL", 24*time.Hour),
		},
		Track: TrackConfig{
			PollInterval: envDuration("POLL_INTERVAL", time.Second),
			BackoffMin:   envDuration("STREAM_BACKOFF_MIN", 500*time.Millisecond),
			BackoffMax:   envDuration("STREAM_BACKOFF_MAX", 30*time.Second),
			MaxAttempts:  envInt("STREAM_MAX_ATTEMPTS", 0),
			MaxJobs:      envInt("TRACK_MAX_JOBS", 0),
		},
		RateLimit: RateLimitConfig{
			PerMinute: envInt("RATE_LIMIT_PER_MIN", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.MediaServer.URL == "" {
		return fmt.Errorf("MEDIA_SERVER_URL is required")
	}
	if !strings.HasPrefix(c.MediaServer.URL, "http://") && !strings.HasPrefix(c.MediaServer.URL, "https://") {
		return fmt.Errorf("MEDIA_SERVER_URL must start with http:// or https://, got %q", c.MediaServer.URL)
	}

	if c.MediaServer.Timeout <= 0 {
		return fmt.Errorf("MEDIA_SERVER_TIMEOUT must be positive, got %s", c.MediaServer.Timeout)
	}

	if c.Track.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.Track.PollInterval)
	}
	if c.Track.BackoffMin <= 0 {
		return fmt.Errorf("STREAM_BACKOFF_MIN must be positive, got %s", c.Track.BackoffMin)
	}
	if c.Track.BackoffMax < c.Track.BackoffMin {
		return fmt.Errorf("STREAM_BACKOFF_MAX must be at least STREAM_BACKOFF_MIN, got %s < %s",
			c.Track.BackoffMax, c.Track.BackoffMin)
	}
	if c.Track.MaxAttempts < 0 {
		return fmt.Errorf("STREAM_MAX_ATTEMPTS must be zero or positive, got %d", c.Track.MaxAttempts)
	}
	if c.Track.MaxJobs < 0 {
		return fmt.Errorf("TRACK_MAX_JOBS must be zero or positive, got %d", c.Track.MaxJobs)
	}

	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN must be positive, got %d", c.RateLimit.PerMinute)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
