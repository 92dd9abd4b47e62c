package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644))
	return dir
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.False(t, cfg.Database.Enabled)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := writeConfig(t, `
server:
  addr: ":9090"
database:
  enabled: true
  host: db.internal
  database: positronic
llm:
  model: claude-haiku-4-5
retention:
  event_ttl: 24h
  cleanup_interval: 1h
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "claude-haiku-4-5", cfg.LLM.Model)
	assert.Equal(t, 24*time.Hour, cfg.Retention.EventTTL.Std())
	// Untouched sections keep their defaults.
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test-123")
	dir := writeConfig(t, `
llm:
  api_key: "{{.TEST_ANTHROPIC_KEY}}"
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.LLM.APIKey)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := writeConfig(t, `
database:
  enabled: true
  host: ""
`)
	_, err := Load(dir)
	require.Error(t, err)

	dir = writeConfig(t, `
retention:
  event_ttl: 1h
  cleanup_interval: 0s
`)
	_, err = Load(dir)
	require.Error(t, err)
}

func TestExpandEnvLeavesPlainYAMLAlone(t *testing.T) {
	in := []byte("server:\n  addr: \":8080\"\n")
	assert.Equal(t, in, ExpandEnv(in))
}

func TestDevMode(t *testing.T) {
	t.Setenv("POSITRONIC_ENV", "development")
	assert.True(t, DevMode())
	t.Setenv("POSITRONIC_ENV", "production")
	assert.False(t, DevMode())
}
