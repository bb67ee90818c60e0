package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/tata/pkg/agent"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultTimeout bounds a tool call when no timeout is configured.
const DefaultTimeout = 180 * time.Second

const maxOutputBytes = 64 * 1024

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolHandler is the function signature for tool execution. Tools are black
// boxes that turn parameters into text.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (string, error)

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name,omitempty"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	// LLMBacked tools receive history-enriched parameters and accept keys
	// beyond their declared parameters.
	LLMBacked bool        `json:"llm_backed"`
	Handler   ToolHandler `json:"-"`
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success   bool          `json:"success"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	timeout time.Duration
	mu      sync.RWMutex
}

// New creates a new ToolExecutor. A non-positive timeout uses DefaultTimeout.
func New(timeout time.Duration) *ToolExecutor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	te := &ToolExecutor{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
		timeout: timeout,
	}

	log.Info().Dur("timeout", timeout).Msg("Tool executor initialized")

	return te
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := te.validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := te.generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Bool("llm_backed", def.LLMBacked).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns all registered tool names, sorted.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	return tools
}

// GetToolCount returns the number of registered tools
func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return len(te.tools)
}

// IsLLMBacked reports whether name is a registered language-model-backed tool.
func (te *ToolExecutor) IsLLMBacked(name string) bool {
	tool := te.GetTool(name)
	return tool != nil && tool.LLMBacked
}

// DisplayName returns the user-facing name of a tool.
func (te *ToolExecutor) DisplayName(name string) string {
	if tool := te.GetTool(name); tool != nil && tool.DisplayName != "" {
		return tool.DisplayName
	}
	return DisplayName(name)
}

// Specs describes the registered tools for the system prompt. It satisfies
// agent.ToolCatalog.
func (te *ToolExecutor) Specs() []agent.ToolSpec {
	te.mu.RLock()
	defer te.mu.RUnlock()

	specs := make([]agent.ToolSpec, 0, len(te.tools))
	for _, def := range te.tools {
		display := def.DisplayName
		if display == "" {
			display = DisplayName(def.Name)
		}
		specs = append(specs, agent.ToolSpec{
			Name:        def.Name,
			DisplayName: display,
			Description: def.Description,
			Usage:       usage(def.Parameters),
			LLMBacked:   def.LLMBacked,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	return specs
}

// Execute executes a tool with the given parameters. Failures, timeouts and
// handler panics are reported in the result, never returned or propagated.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}) ToolResult {
	startTime := time.Now()

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	if tool == nil {
		log.Error().Str("tool", toolName).Msg("Tool not found")
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("%v: %s", agent.ErrToolNotFound, toolName),
		}
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	if err := te.validateParameters(schema, params); err != nil {
		log.Error().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		return ToolResult{
			Success:  false,
			Error:    fmt.Sprintf("parameter validation failed: %v", err),
			Duration: time.Since(startTime),
		}
	}

	log.Debug().Str("tool", toolName).Msg("Executing tool")

	timeoutCtx, cancel := context.WithTimeout(ctx, te.timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		output, err := tool.Handler(timeoutCtx, params)
		done <- outcome{output: output, err: err}
	}()

	select {
	case res := <-done:
		duration := time.Since(startTime)

		if res.err != nil {
			log.Error().
				Str("tool", toolName).
				Dur("duration", duration).
				Err(res.err).
				Msg("Tool execution failed")

			return ToolResult{
				Success:  false,
				Error:    res.err.Error(),
				Duration: duration,
			}
		}

		output, truncated := te.truncateOutput(res.output)

		log.Debug().
			Str("tool", toolName).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool execution completed")

		return ToolResult{
			Success:   true,
			Output:    output,
			Truncated: truncated,
			Duration:  duration,
		}

	case <-timeoutCtx.Done():
		duration := time.Since(startTime)

		log.Error().
			Str("tool", toolName).
			Dur("duration", duration).
			Msg("Tool execution timeout")

		return ToolResult{
			Success:  false,
			Error:    fmt.Sprintf("tool execution timeout after %v", te.timeout),
			Duration: duration,
		}
	}
}

// validateToolDefinition validates a tool definition
func (te *ToolExecutor) validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateJSONSchema generates a JSON Schema from tool parameters
func (te *ToolExecutor) generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type": param.Type,
		}
		if param.Description != "" {
			paramSchema["description"] = param.Description
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": def.LLMBacked,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

// validateParameters validates parameters against a JSON Schema
func (te *ToolExecutor) validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errors := []string{}
		for _, err := range result.Errors() {
			errors = append(errors, err.String())
		}
		return fmt.Errorf("validation errors: %v", errors)
	}

	return nil
}

// truncateOutput truncates output if it exceeds the size limit
func (te *ToolExecutor) truncateOutput(output string) (string, bool) {
	if len(output) <= maxOutputBytes {
		return output, false
	}

	cut := maxOutputBytes
	for cut > 0 && !isRuneStart(output[cut]) {
		cut--
	}

	log.Warn().
		Int("original", len(output)).
		Int("truncated", cut).
		Msg("Output truncated")

	return output[:cut] + "\n... [output truncated]", true
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// usage renders a parameter example for the system prompt.
func usage(params []ToolParameter) string {
	if len(params) == 0 {
		return ""
	}
	example := make(map[string]string, len(params))
	for _, p := range params {
		hint := p.Description
		if hint == "" {
			hint = p.Type
		}
		if p.Required {
			hint += " (必需)"
		}
		example[p.Name] = hint
	}
	data, err := json.Marshal(example)
	if err != nil {
		return ""
	}
	return string(data)
}

// ToolPolicy defines which tools may be registered
type ToolPolicy struct {
	Allow []string `json:"allow" yaml:"allow" mapstructure:"allow"` // List of allowed tools (* for all)
	Deny  []string `json:"deny" yaml:"deny" mapstructure:"deny"`    // List of denied tools (overrides allow)
}

// IsToolAllowed checks if a tool is allowed by the policy. An empty policy
// allows everything.
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil || (len(tp.Allow) == 0 && len(tp.Deny) == 0) {
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	if len(tp.Allow) == 0 {
		return true
	}
	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	return false
}
