package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func TestFromViperDefaults(t *testing.T) {
	cfg := fromViper(newTestViper())

	require.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, int64(16*mebibyte), cfg.Media.MaxPartBytes)
	assert.Equal(t, int64(500*mebibyte), cfg.Media.MaxUploadBytes)
	assert.Equal(t, 2*time.Hour, cfg.Media.MaxDuration)
	assert.Equal(t, 30*time.Second, cfg.Media.HeartbeatInterval)
	assert.Equal(t, 4, cfg.Pipeline.InlineAttempts)
	assert.Equal(t, 2*time.Hour, cfg.Pipeline.StaleTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.SweepInterval)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Queue.RetryDelay)
	assert.Equal(t, 5, cfg.Admission.MaxActive)
	assert.Equal(t, "ffprobe", cfg.Media.FFprobePath)
}

func TestFromViperBrokerAlias(t *testing.T) {
	v := newTestViper()
	v.Set("CELERY_BROKER_URL", "redis://broker:6379/2")
	cfg := fromViper(v)
	assert.Equal(t, "redis://broker:6379/2", cfg.Redis.URL)

	v.Set("REDIS_URL", "redis://cache:6379/0")
	cfg = fromViper(v)
	assert.Equal(t, "redis://cache:6379/0", cfg.Redis.URL)
}

func TestFromViperMediaOverrides(t *testing.T) {
	v := newTestViper()
	v.Set("FFMPEG_PATH", "/opt/ffmpeg/bin/ffmpeg")
	v.Set("MAX_VIDEO_DURATION_SECONDS", 600)
	v.Set("TRANSCRIPTION_MAX_UPLOAD_MB", 8)
	cfg := fromViper(v)

	assert.Equal(t, "/opt/ffmpeg/bin/ffprobe", cfg.Media.FFprobePath)
	assert.Equal(t, 10*time.Minute, cfg.Media.MaxDuration)
	assert.Equal(t, int64(8*mebibyte), cfg.Media.MaxPartBytes)
}

func TestParseDurationFallback(t *testing.T) {
	assert.Equal(t, time.Second, parseDuration("", time.Second))
	assert.Equal(t, time.Second, parseDuration("bogus", time.Second))
	assert.Equal(t, 90*time.Second, parseDuration("90s", time.Second))
}

func TestFromViperCORSOrigins(t *testing.T) {
	v := newTestViper()
	v.Set("CORS_ALLOWED_ORIGINS", "https://app.example.com, ,https://admin.example.com")
	cfg := fromViper(v)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 10*time.Minute, cfg.CORS.MaxAge)

	v.Set("CORS_ALLOWED_ORIGINS", "")
	v.Set("CORS_MAX_AGE", "1h")
	cfg = fromViper(v)
	assert.Empty(t, cfg.CORS.AllowedOrigins)
	assert.Equal(t, time.Hour, cfg.CORS.MaxAge)
}
