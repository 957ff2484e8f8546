package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30.0, cfg.Loader.GoalBufferLength)
	assert.Equal(t, 500*time.Millisecond, cfg.Loader.CheckBufferDelay)
	assert.Equal(t, 10*time.Second, cfg.Loader.RequestTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Loader.BlacklistDuration)
	assert.False(t, cfg.Loader.CacheEncryptionKeys)
	assert.Equal(t, 3, cfg.HTTP.RetryAttempts)
	assert.Equal(t, "segloader", cfg.HTTP.UserAgent)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 1.0, cfg.Playback.PlaybackRate)
	assert.Equal(t, "", cfg.Metrics.Listen)
	assert.Empty(t, cfg.StaticKeys)
}

func TestLoadYAMLWithKeys(t *testing.T) {
	path := writeConfig(t, "segloader.yaml", `
loader:
  goal_buffer_length: 60
  request_timeout: 4s
  cache_encryption_keys: true
http:
  user_agent: test-agent
logging:
  level: debug
  format: text
metrics:
  listen: ":9100"
keys:
  - "https://example.com/key?id=1=000102030405060708090a0b0c0d0e0f"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 60.0, cfg.Loader.GoalBufferLength)
	assert.Equal(t, 4*time.Second, cfg.Loader.RequestTimeout)
	assert.True(t, cfg.Loader.CacheEncryptionKeys)
	assert.Equal(t, "test-agent", cfg.HTTP.UserAgent)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":9100", cfg.Metrics.Listen)
	assert.Equal(t, map[string][]byte{
		"https://example.com/key?id=1": {0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
	}, cfg.StaticKeys)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "segloader.yaml", "loader:\n  goal_buffer_length: 60\n")
	t.Setenv("SEGLOADER_LOADER_GOAL_BUFFER_LENGTH", "90")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90.0, cfg.Loader.GoalBufferLength)
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]string{
		"bad key format":  "keys: [\"no-separator\"]\n",
		"bad key hex":     "keys: [\"https://example.com/k=zz\"]\n",
		"short key":       "keys: [\"https://example.com/k=0001\"]\n",
		"bad level":       "logging:\n  level: loud\n",
		"bad format":      "logging:\n  format: xml\n",
		"zero goal":       "loader:\n  goal_buffer_length: 0\n",
		"zero rate":       "playback:\n  playback_rate: 0\n",
		"no retries":      "http:\n  retry_attempts: 0\n",
		"negative offset": "playback:\n  start_position: -1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "segloader.yaml", content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Second, cfg.Playback.LiveReloadMinInterval)
	assert.Equal(t, int64(10*1024*1024), cfg.HTTP.MaxPlaylistBytes)
}
