package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the tata runtime configuration
type Config struct {
	LLM     LLMConfig     `json:"llm" yaml:"llm" mapstructure:"llm"`
	Agent   AgentConfig   `json:"agent" yaml:"agent" mapstructure:"agent"`
	Store   StoreConfig   `json:"store" yaml:"store" mapstructure:"store"`
	Server  ServerConfig  `json:"server" yaml:"server" mapstructure:"server"`
	Stream  StreamConfig  `json:"stream" yaml:"stream" mapstructure:"stream"`
	Prompts PromptsConfig `json:"prompts" yaml:"prompts" mapstructure:"prompts"`
	Logging LoggingConfig `json:"logging" yaml:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing" mapstructure:"tracing"`
	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup" mapstructure:"cleanup"`
	Tools   ToolsConfig   `json:"tools" yaml:"tools" mapstructure:"tools"`

	// Data directory for the session database and logs
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
}

// LLMConfig selects the language model collaborator
type LLMConfig struct {
	Provider       string  `json:"provider" yaml:"provider" mapstructure:"provider"` // openai, anthropic
	Model          string  `json:"model" yaml:"model" mapstructure:"model"`
	APIKey         string  `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	BaseURL        string  `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	Temperature    float64 `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// AgentConfig bounds the orchestration loop
type AgentConfig struct {
	MaxIterations      int    `json:"max_iterations" yaml:"max_iterations" mapstructure:"max_iterations"`
	ToolTimeoutSeconds int    `json:"tool_timeout_seconds" yaml:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	UserName           string `json:"user_name" yaml:"user_name" mapstructure:"user_name"`
	HumanCapabilities  string `json:"human_capabilities" yaml:"human_capabilities" mapstructure:"human_capabilities"`
}

// StoreConfig holds session persistence settings
type StoreConfig struct {
	Path string `json:"path" yaml:"path" mapstructure:"path"`
}

// ServerConfig holds the HTTP gateway settings
type ServerConfig struct {
	Host              string `json:"host" yaml:"host" mapstructure:"host"`
	Port              int    `json:"port" yaml:"port" mapstructure:"port"`
	WriteTimeoutSecs  int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds" mapstructure:"write_timeout_seconds"`
	ShutdownGraceSecs int    `json:"shutdown_grace_seconds" yaml:"shutdown_grace_seconds" mapstructure:"shutdown_grace_seconds"`
	// AuthToken, when set, is required as a bearer token on /v1 routes
	AuthToken         string `json:"auth_token" yaml:"auth_token" mapstructure:"auth_token"`
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// StreamConfig sizes the streaming event channel
type StreamConfig struct {
	BufferSize int `json:"buffer_size" yaml:"buffer_size" mapstructure:"buffer_size"`
}

// PromptsConfig points at an optional prompt catalogue override
type PromptsConfig struct {
	Path  string `json:"path" yaml:"path" mapstructure:"path"`
	Watch bool   `json:"watch" yaml:"watch" mapstructure:"watch"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level" mapstructure:"level"`
	File      string `json:"file" yaml:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" yaml:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" yaml:"redaction" mapstructure:"redaction"`
}

// TracingConfig toggles OpenTelemetry
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// CleanupConfig schedules removal of old completed sessions
type CleanupConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Schedule      string `json:"schedule" yaml:"schedule" mapstructure:"schedule"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days" mapstructure:"retention_days"`
}

// ToolsConfig restricts which built-in tools are registered. Deny wins over
// Allow; "*" matches every tool.
type ToolsConfig struct {
	Allow []string `json:"allow" yaml:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" yaml:"deny" mapstructure:"deny"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:       "openai",
			Model:          "gpt-4o",
			Temperature:    0.7,
			MaxTokens:      4096,
			TimeoutSeconds: 120,
		},
		Agent: AgentConfig{
			MaxIterations:      15,
			ToolTimeoutSeconds: 180,
			UserName:           "用户",
		},
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			WriteTimeoutSecs:  600,
			ShutdownGraceSecs: 30,
			RequestsPerMinute: 60,
			MaxConcurrent:     10,
		},
		Stream: StreamConfig{
			BufferSize: 64,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			SampleRatio: 1,
		},
		Cleanup: CleanupConfig{
			Enabled:       true,
			Schedule:      "0 3 * * *",
			RetentionDays: 30,
		},
	}
}

// String returns a JSON representation of the config with the API key masked
func (c *Config) String() string {
	masked := *c
	if masked.LLM.APIKey != "" {
		masked.LLM.APIKey = "***"
	}
	if masked.Server.AuthToken != "" {
		masked.Server.AuthToken = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateProvider(c.LLM.Provider); err != nil {
		return err
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required for provider %s", c.LLM.Provider)
	}
	if c.LLM.TimeoutSeconds <= 0 {
		return fmt.Errorf("llm.timeout_seconds must be positive")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Stream.BufferSize <= 0 {
		return fmt.Errorf("stream.buffer_size must be positive, got %d", c.Stream.BufferSize)
	}
	if err := v.ValidatePort(c.Server.Port); err != nil {
		return err
	}
	if c.Server.RequestsPerMinute <= 0 || c.Server.MaxConcurrent <= 0 {
		return fmt.Errorf("server.requests_per_minute and server.max_concurrent must be positive")
	}
	if c.Cleanup.Enabled {
		if err := v.ValidateCronSchedule(c.Cleanup.Schedule); err != nil {
			return err
		}
		if c.Cleanup.RetentionDays <= 0 {
			return fmt.Errorf("cleanup.retention_days must be positive")
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}

	return nil
}
