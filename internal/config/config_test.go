package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 2, cfg.Worker.MaxRetries)
	assert.Equal(t, time.Second, cfg.Worker.RetryDelay)
	assert.Equal(t, 10*time.Minute, cfg.Worker.SourceTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Tools.Nuclei.Timeout)
	assert.Len(t, cfg.EnabledStages(), len(DefaultStages()))
}

func TestDefaultStagesOrder(t *testing.T) {
	stages := DefaultStages()
	require.NotEmpty(t, stages)

	assert.Len(t, stages, 22)
	assert.Equal(t, "subdomain_enum", stages[0].Name)
	assert.True(t, stages[0].Required)
	assert.Equal(t, "security_scanner", stages[len(stages)-1].Name)
	assert.Equal(t, "/reflected_parameter_check/reflect-scan", stages[14].Path)
}

func TestStageURL(t *testing.T) {
	s := StageConfig{Path: "/subdomain_enum/scan"}
	assert.Equal(t, "http://127.0.0.1:8088/subdomain_enum/scan", s.URL("http://127.0.0.1:8088/"))
	assert.Equal(t, "http://h/subdomain_enum/scan", s.URL("http://h"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name: "duplicate stage",
			mutate: func(c *Config) {
				c.Pipeline.Stages = append(c.Pipeline.Stages, c.Pipeline.Stages[0])
			},
			wantErr: "duplicate stage",
		},
		{
			name:    "zero item timeout",
			mutate:  func(c *Config) { c.Worker.ItemTimeout = 0 },
			wantErr: "worker.item_timeout",
		},
		{
			name:    "unknown cache backend",
			mutate:  func(c *Config) { c.Cache.Backend = "memcached" },
			wantErr: "cache.backend",
		},
		{
			name:    "bad base url",
			mutate:  func(c *Config) { c.Pipeline.BaseURL = "::nope" },
			wantErr: "pipeline.base_url",
		},
		{
			name:    "negative concurrency",
			mutate:  func(c *Config) { c.Worker.MaxConcurrency = -1 },
			wantErr: "max_concurrency",
		},
		{
			name:   "source timeout disabled",
			mutate: func(c *Config) { c.Worker.SourceTimeout = 0 },
		},
		{
			name:    "negative source timeout",
			mutate:  func(c *Config) { c.Worker.SourceTimeout = -time.Second },
			wantErr: "worker.source_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnabledStagesSkipsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.Stages[1].Enabled = false

	enabled := cfg.EnabledStages()
	assert.Len(t, enabled, len(cfg.Pipeline.Stages)-1)
	for _, s := range enabled {
		assert.NotEqual(t, cfg.Pipeline.Stages[1].Name, s.Name)
	}

	s, ok := cfg.Stage("js_analysis")
	require.True(t, ok)
	assert.Equal(t, "JS Analysis", s.Display)
}
