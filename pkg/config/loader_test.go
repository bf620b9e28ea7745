package config

import (
	"context"
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
	err := os.WriteFile(filepath.Join(dir, "hive.yaml"), []byte(content), 0o644)
	require.NoError(t, err)
	return dir
}

func TestInitializeDefaultsOnly(t *testing.T) {
	// Missing hive.yaml falls back to built-in defaults entirely.
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.MaxConcurrentWorkers)
	assert.Equal(t, 20, cfg.Engine.MaxIterations)
	assert.Equal(t, 2, cfg.Engine.MaxTaskRetries)
	assert.Equal(t, 30*time.Second, cfg.Engine.StopGracePeriod)
	assert.Equal(t, 6.0, cfg.Engine.Gate.Threshold)
	assert.Equal(t, "HIVE_API_KEY", cfg.Provider.APIKeyEnv)
	assert.Equal(t, "researcher", cfg.Defaults.FallbackRole)
	assert.True(t, cfg.Roles.Has("searcher"))
}

func TestInitializeMergesUserConfig(t *testing.T) {
	dir := writeConfig(t, `
engine:
  max_concurrent_workers: 8
  gate:
    threshold: 7.5
    model: qwen3-max
    enabled: true
    max_retry_on_failure: 1
provider:
  timeout: 90s
roles:
  searcher:
    model: deepseek-v3
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Engine.MaxConcurrentWorkers)
	assert.Equal(t, 7.5, cfg.Engine.Gate.Threshold)
	// Unset fields keep defaults.
	assert.Equal(t, 20, cfg.Engine.MaxIterations)
	assert.Equal(t, 90*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, 5, cfg.Provider.RetryAttempts)

	searcher, err := cfg.Roles.Get("searcher")
	require.NoError(t, err)
	assert.Equal(t, "deepseek-v3", searcher.Model)
}

func TestInitializeExpandsEnv(t *testing.T) {
	t.Setenv("HIVE_TEST_KEY_ENV", "MY_KEY_VAR")
	dir := writeConfig(t, `
provider:
  api_key_env: "{{.HIVE_TEST_KEY_ENV}}"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "MY_KEY_VAR", cfg.Provider.APIKeyEnv)
}

func TestInitializeRejectsInvalidYAML(t *testing.T) {
	dir := writeConfig(t, "engine: [not: a: mapping")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeRejectsInvalidValues(t *testing.T) {
	dir := writeConfig(t, `
engine:
  gate:
    threshold: 42
`)

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetRoleFallback(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	role, known := cfg.GetRole("no_such_role")
	require.NotNil(t, role)
	assert.False(t, known)
	assert.Equal(t, "researcher", role.Key)
}
