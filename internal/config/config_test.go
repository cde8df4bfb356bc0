package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into a scratch dir so Load never picks up a developer's
// local config.yaml.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) }) //nolint:errcheck
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "coinid.db", cfg.Store.DatabaseURL)
	assert.Equal(t, int64(15000), cfg.Engine.TimeoutMs)
	assert.Equal(t, 8, cfg.Engine.FanOutCap)
	assert.Equal(t, int64(500), cfg.RateLimit.BackoffBaseMs)
	assert.Equal(t, int64(60000), cfg.RateLimit.BackoffMaxMs)
	assert.InDelta(t, 0.05, cfg.Valuation.MarketTrendK, 1e-9)
	assert.InDelta(t, 0.2, cfg.Valuation.EstimateBand, 1e-9)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_ConfigFileOverrides(t *testing.T) {
	dir := chdir(t)

	data := `
store:
  driver: postgres
  database_url: postgres://localhost/coinid
engine:
  timeout_ms: 5000
  fan_out_cap: 3
server:
  port: 9090
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(data), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/coinid", cfg.Store.DatabaseURL)
	assert.Equal(t, int64(5000), cfg.Engine.TimeoutMs)
	assert.Equal(t, 3, cfg.Engine.FanOutCap)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t)
	t.Setenv("COINID_STORE_DRIVER", "postgres")
	t.Setenv("COINID_ENGINE_FAN_OUT_CAP", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 2, cfg.Engine.FanOutCap)
}

func TestEngineConfig_Timeout(t *testing.T) {
	c := EngineConfig{TimeoutMs: 2500}
	assert.Equal(t, "2.5s", c.Timeout().String())
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "shout", Format: "json"})
	require.Error(t, err)
}

func TestInitLogger_OK(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
}
