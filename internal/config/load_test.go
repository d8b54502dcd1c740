package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doomscope.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), writeConfig(t, "{}\n"))
	require.NoError(t, err)

	want := DefaultConfig()
	assert.Equal(t, want.Server.Addr, cfg.Server.Addr)
	assert.Equal(t, want.Pipeline.StageTimeout, cfg.Pipeline.StageTimeout)
	assert.Equal(t, want.Logger.OutputPaths, cfg.Logger.OutputPaths)
	require.Len(t, cfg.Pipeline.Stages, len(want.Pipeline.Stages))
	assert.Equal(t, want.Pipeline.Stages[0], cfg.Pipeline.Stages[0])
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
worker:
  max_concurrency: 8
  retry_delay: 250ms
cache:
  backend: redis
pipeline:
  stages:
    - name: subdomain_enum
      display: Subdomain Enumeration
      path: /subdomain_enum/scan
      required: true
      enabled: true
      timeout: 30m
`)
	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, 8, cfg.Worker.MaxConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.RetryDelay)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "localhost:6379", cfg.Cache.Redis.Addr)
	require.Len(t, cfg.Pipeline.Stages, 1)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.Stages[0].Timeout)
	assert.True(t, cfg.Pipeline.Stages[0].Required)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: 127.0.0.1:9000\n")
	t.Setenv("DOOMSCOPE_SERVER_ADDR", "0.0.0.0:9999")
	t.Setenv("DOOMSCOPE_HTTP_TIMEOUT", "3s")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.HTTP.Timeout)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")

	_, err = Load(viper.New(), writeConfig(t, "cache:\n  backend: memcached\n"))
	assert.Error(t, err)
}
