package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Layers(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.json")
	require.NoError(t, os.WriteFile(settings, []byte(`{"modules_dir": "/srv/modules", "pool_size": 8, "seed": 5}`), 0o644))

	t.Setenv("CAREPATH_SETTINGS", settings)
	t.Setenv("CAREPATH_POOL_SIZE", "16")
	t.Setenv("CAREPATH_LOG_LEVEL", "debug")

	cfg := loadConfig()
	assert.Equal(t, "/srv/modules", cfg.ModulesDir)
	assert.Equal(t, "parameters", cfg.ParamsDir)
	assert.Equal(t, 16, cfg.PoolSize)
	assert.Equal(t, int64(5), cfg.Seed)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadConfig_BadValuesIgnored(t *testing.T) {
	t.Setenv("CAREPATH_SETTINGS", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("CAREPATH_POOL_SIZE", "many")
	t.Setenv("CAREPATH_SEED", "x")

	cfg := loadConfig()
	def := defaultConfig()
	assert.Equal(t, def.PoolSize, cfg.PoolSize)
	assert.Equal(t, def.Seed, cfg.Seed)
}

func TestDBURI(t *testing.T) {
	assert.Equal(t, "file:/tmp/x.db", Config{DBPath: "/tmp/x.db"}.dbURI())
	assert.Equal(t, "file:/tmp/x.db", Config{DBPath: "file:/tmp/x.db"}.dbURI())
	assert.Empty(t, Config{}.dbURI())
}
