package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wsiflow", cfg.App.Name)
	assert.Equal(t, DefaultAPIPrefix, cfg.App.APIPrefix)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, DefaultMaxWorkers, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, DefaultMaxActiveUsers, cfg.Scheduler.MaxActiveUsers)
	assert.Equal(t, 1024, cfg.Simulator.TileSize)
	assert.Equal(t, 128, cfg.Simulator.TileOverlap)
	assert.Equal(t, 4, cfg.Simulator.BatchSize)
}

func TestLoadFromFile_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wsiflow.yaml")
	content := []byte(`
app:
  name: pathlab
server:
  port: 9001
scheduler:
  max_workers: 8
  max_active_users: 2
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "pathlab", cfg.App.Name)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 2, cfg.Scheduler.MaxActiveUsers)

	// Untouched keys keep their defaults
	assert.Equal(t, DefaultAPIPrefix, cfg.App.APIPrefix)
	assert.Equal(t, 1024, cfg.Simulator.TileSize)
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/wsiflow.yaml")
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WSIFLOW_SERVER_PORT", "9100")
	t.Setenv("MAX_WORKERS", "7")
	t.Setenv("MAX_ACTIVE_USERS", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 1, cfg.Scheduler.MaxActiveUsers)
}
