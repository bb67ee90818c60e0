package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// SupportedProviders lists the language model backends the runtime can construct.
var SupportedProviders = []string{"openai", "anthropic"}

// Validator validates individual configuration values
type Validator struct {
	cronParser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateProvider checks the provider name
func (v *Validator) ValidateProvider(provider string) error {
	if provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	for _, p := range SupportedProviders {
		if provider == p {
			return nil
		}
	}
	return fmt.Errorf("invalid llm.provider %q (must be: %s)", provider, strings.Join(SupportedProviders, ", "))
}

// ValidateAPIKey performs a light format check on provider keys
func (v *Validator) ValidateAPIKey(key, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("server.port must be within 1-65535, got %d", port)
	}
	return nil
}

// ValidateCronSchedule validates a five-field cron expression or descriptor
func (v *Validator) ValidateCronSchedule(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("cleanup.schedule cannot be empty")
	}
	if _, err := v.cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cleanup.schedule %q: %w", expr, err)
	}
	return nil
}
