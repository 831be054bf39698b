package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvBotToken, "123:abc")
	t.Setenv(EnvGroupID, "-1001234")
	t.Setenv(EnvUsername, "user@example.com")
	t.Setenv(EnvPassword, "hunter2")
}

func TestLoadDefaultsFromEnvOnly(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, "-1001234", cfg.Telegram.ChatID)
	assert.Equal(t, "https://www.ivasms.com", cfg.Portal.BaseURL)
	assert.True(t, *cfg.Portal.Headless)
	assert.Equal(t, 10, cfg.Poll.IntervalSeconds)
	assert.Equal(t, 5, cfg.Delivery.MaxAttempts)
	assert.Equal(t, 15, cfg.Delivery.RateLimitBackoffSeconds)
	assert.Equal(t, "content", cfg.Delivery.DedupScope)
	assert.Equal(t, ":memory:", cfg.Queue.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingKeys(t *testing.T) {
	t.Setenv(EnvBotToken, "123:abc")
	t.Setenv(EnvGroupID, "")
	t.Setenv(EnvUsername, "")
	t.Setenv(EnvPassword, "pw")

	_, err := Load("")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.Contains(t, err.Error(), EnvGroupID)
	assert.Contains(t, err.Error(), EnvUsername)
	assert.NotContains(t, err.Error(), EnvPassword)
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
portal:
  base_url: https://portal.test/
  username: file-user
  password: file-pass
  headless: false
telegram:
  token: file-token
  chat_id: "@otpchannel"
poll:
  interval_seconds: 30
delivery:
  dedup_scope: number
  max_attempts: 3
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv(EnvBotToken, "")
	t.Setenv(EnvGroupID, "")
	t.Setenv(EnvUsername, "env-user")
	t.Setenv(EnvPassword, "")
	t.Setenv(EnvPollInterval, "12")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://portal.test", cfg.Portal.BaseURL)
	assert.Equal(t, "env-user", cfg.Portal.Username)
	assert.Equal(t, "file-pass", cfg.Portal.Password)
	assert.False(t, *cfg.Portal.Headless)
	assert.Equal(t, "@otpchannel", cfg.Telegram.ChatID)
	assert.Equal(t, 12, cfg.Poll.IntervalSeconds)
	assert.Equal(t, "number", cfg.Delivery.DedupScope)
	assert.Equal(t, 3, cfg.Delivery.MaxAttempts)
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}

func TestLoadInvalidDedupScope(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(EnvDedupScope, "service")

	_, err := Load("")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissingKey)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("OTP_RELAY_TEST_DOTENV=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("OTP_RELAY_TEST_DOTENV") })

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "from-file", os.Getenv("OTP_RELAY_TEST_DOTENV"))

	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}
