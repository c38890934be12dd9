package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 1500*time.Millisecond, cfg.Monitor.Interval.Std())
	assert.Equal(t, 60, cfg.Monitor.Lines)
	assert.Equal(t, 4, cfg.Monitor.Window)
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", cfg.Classifier.Endpoint)
	assert.Equal(t, "PANEWATCH_API_KEY", cfg.Classifier.APIKeyEnv)
	assert.Equal(t, 20*time.Second, cfg.Classifier.OverallTimeout.Std())
	assert.Equal(t, "127.0.0.1:8430", cfg.Web.Listen)
	assert.Equal(t, dir, cfg.Dir())
	assert.Equal(t, filepath.Join(dir, "history.db"), cfg.HistoryPath())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	content := `
[monitor]
interval = "2s"
lines = 100
window = 3

[classifier]
model = "gpt-4.1-mini"
api_key_env = "MY_KEY"
stage_timeout = "3s"

[web]
listen = "0.0.0.0:9000"
token = "secret"

[history]
retention_days = 7

[patterns.claude]
activity = ["custom busy marker"]

[patterns.mytool]
attention = ["re:waiting$"]
spinner = ["~"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Monitor.Interval.Std())
	assert.Equal(t, 100, cfg.Monitor.Lines)
	assert.Equal(t, 3, cfg.Monitor.Window)
	assert.Equal(t, "gpt-4.1-mini", cfg.Classifier.Model)
	assert.Equal(t, "MY_KEY", cfg.Classifier.APIKeyEnv)
	assert.Equal(t, 3*time.Second, cfg.Classifier.StageTimeout.Std())
	assert.Equal(t, "0.0.0.0:9000", cfg.Web.Listen)
	assert.Equal(t, "secret", cfg.Web.Token)
	assert.Equal(t, 7, cfg.History.RetentionDays)

	// Unspecified settings keep their defaults.
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", cfg.Classifier.Endpoint)

	require.Contains(t, cfg.Patterns, "claude")
	assert.Equal(t, []string{"custom busy marker"}, cfg.Patterns["claude"].Activity)
	require.Contains(t, cfg.Patterns, "mytool")
	assert.Equal(t, []string{"~"}, cfg.Patterns["mytool"].Spinner)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("[monitor\nbroken"), 0o600))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoadBadDuration(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName),
		[]byte("[monitor]\ninterval = \"not a duration\"\n"), 0o600))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestAPIKeyResolution(t *testing.T) {
	t.Setenv("PANEWATCH_TEST_KEY", "sk-123")

	c := ClassifierConfig{APIKeyEnv: "PANEWATCH_TEST_KEY"}
	assert.Equal(t, "sk-123", c.APIKey())

	c.APIKeyEnv = "PANEWATCH_TEST_KEY_UNSET"
	assert.Empty(t, c.APIKey())

	c.APIKeyEnv = ""
	assert.Empty(t, c.APIKey())
}

func TestHistoryPathOverride(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	cfg.History.Path = "/tmp/elsewhere.db"
	assert.Equal(t, "/tmp/elsewhere.db", cfg.HistoryPath())
}

func TestDefaultDirEnvOverride(t *testing.T) {
	t.Setenv("PANEWATCH_DIR", "/tmp/pw-test")
	assert.Equal(t, "/tmp/pw-test", DefaultDir())
}
