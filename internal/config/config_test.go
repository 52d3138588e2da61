package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 3, cfg.Engine.Retry.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Engine.Retry.InitialBackoff)
	assert.Equal(t, 2.0, cfg.Engine.Retry.BackoffMultiplier)
	assert.Empty(t, cfg.File)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drip.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: memory
engine:
  workers: 8
  retry:
    max_attempts: 5
    initial_backoff: 30s
sweep:
  schedule: "0 * * * *"
`), 0o600))

	t.Setenv("DRIP_ENGINE_WORKERS", "2")
	t.Setenv("DRIP_LOG_LEVEL", "debug")

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 2, cfg.Engine.Workers, "environment beats the file")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Engine.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Engine.Retry.InitialBackoff)
	assert.Equal(t, "0 * * * *", cfg.Sweep.Schedule)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	cfg.Store.Driver = "oracle"
	cfg.Engine.Workers = 0
	cfg.Log.Format = "xml"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
	assert.Contains(t, err.Error(), "engine.workers")
	assert.Contains(t, err.Error(), "log.format")
}
