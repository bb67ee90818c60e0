package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "sk-test-key"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 15, cfg.Agent.MaxIterations)
	assert.Equal(t, 64, cfg.Stream.BufferSize)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Cleanup.Enabled)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing api key", func(c *Config) { c.LLM.APIKey = "" }, "api_key"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "gemini" }, "invalid llm.provider"},
		{"missing model", func(c *Config) { c.LLM.Model = "" }, "llm.model"},
		{"zero iterations", func(c *Config) { c.Agent.MaxIterations = 0 }, "max_iterations"},
		{"zero buffer", func(c *Config) { c.Stream.BufferSize = 0 }, "buffer_size"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad cron", func(c *Config) { c.Cleanup.Schedule = "every day" }, "cleanup.schedule"},
		{"bad ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }, "sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCleanupScheduleIgnoredWhenDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Cleanup.Enabled = false
	cfg.Cleanup.Schedule = ""
	assert.NoError(t, cfg.Validate())
}

func TestStringMasksAPIKey(t *testing.T) {
	cfg := validConfig()
	out := cfg.String()
	assert.NotContains(t, out, "sk-test-key")
	assert.Contains(t, out, "***")
	assert.Equal(t, "sk-test-key", cfg.LLM.APIKey)
}

func TestValidator(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateCronSchedule("@daily"))
	assert.NoError(t, v.ValidateCronSchedule("*/15 * * * *"))
	assert.Error(t, v.ValidateCronSchedule("* * *"))

	assert.NoError(t, v.ValidateAPIKey("sk-ant-abc", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("sk-abc", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("", "openai"))
}
