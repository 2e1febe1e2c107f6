package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSignalDefaults(t *testing.T) {
	cfg, err := LoadSignal("")
	require.NoError(t, err)

	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:3001", cfg.Server.Addr())
	assert.Equal(t, DefaultSTUNURL, cfg.ICE.STUNURL)
	assert.Equal(t, 24*time.Hour, cfg.Rooms.ReconnectGrace)
	assert.Equal(t, 30*time.Second, cfg.Rooms.CleanupInterval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadSignalEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("CLIENT_URL", "https://watch.example")
	t.Setenv("TURN_URL", "turn:turn.example:3478")
	t.Setenv("TURN_SECRET", "s3cret")
	t.Setenv("RECONNECT_GRACE_MS", "60000")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadSignal("")
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "https://watch.example", cfg.Server.ClientURL)
	assert.Equal(t, "turn:turn.example:3478", cfg.ICE.TURNURL)
	assert.Equal(t, "s3cret", cfg.ICE.TURNSecret)
	assert.Equal(t, time.Minute, cfg.Rooms.ReconnectGrace)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadSignalFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 5000
  client_url: http://localhost:5173
rooms:
  cleanup_interval: 10s
log:
  format: console
`), 0o644))
	t.Setenv("PORT", "5001")

	cfg, err := LoadSignal(path)
	require.NoError(t, err)

	assert.Equal(t, 5001, cfg.Server.Port)
	assert.Equal(t, "http://localhost:5173", cfg.Server.ClientURL)
	assert.Equal(t, 10*time.Second, cfg.Rooms.CleanupInterval)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadSignalMissingFile(t *testing.T) {
	_, err := LoadSignal(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEngineDefaults(t *testing.T) {
	cfg, err := LoadEngine("")
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Signal.MinBackoff)
	assert.Equal(t, 5*time.Second, cfg.Signal.MaxBackoff)
	assert.Equal(t, DefaultTrackers, cfg.Swarm.Trackers)
	assert.Equal(t, 500*time.Millisecond, cfg.Swarm.ProgressInterval)
	assert.Equal(t, 4*time.Minute, cfg.Media.RemuxTimeout)
	assert.Equal(t, 12*time.Minute, cfg.Media.TranscodeTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Library.MaxAge)
}

func TestLoadEngineEnvOverrides(t *testing.T) {
	t.Setenv("LOVESTREAM_SERVER_URL", "https://signal.example")
	t.Setenv("LOVESTREAM_TRACKERS", "udp://a:1/announce, ,udp://b:2/announce")
	t.Setenv("FFMPEG_PATH", "/opt/ffmpeg")

	cfg, err := LoadEngine("")
	require.NoError(t, err)

	assert.Equal(t, "https://signal.example", cfg.Signal.URL)
	assert.Equal(t, []string{"udp://a:1/announce", "udp://b:2/announce"}, cfg.Swarm.Trackers)
	assert.Equal(t, "/opt/ffmpeg", cfg.Media.FFmpegPath)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"component":"test"`)

	fallback := NewLogger(LogConfig{Level: "bogus"}, &buf)
	assert.Equal(t, zerolog.InfoLevel, fallback.GetLevel())
}
