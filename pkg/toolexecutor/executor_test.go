package toolexecutor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string, llmBacked bool) ToolDefinition {
	return ToolDefinition{
		Name:        name,
		Description: "Echo tool",
		Parameters: []ToolParameter{
			{Name: "task_description", Type: "string", Description: "Task", Required: true},
		},
		LLMBacked: llmBacked,
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			return params["task_description"].(string), nil
		},
	}
}

func TestToolExecutor_RegisterTool(t *testing.T) {
	te := New(time.Second)

	require.NoError(t, te.RegisterTool(echoTool("echo", false)))

	tool := te.GetTool("echo")
	require.NotNil(t, tool)
	assert.Equal(t, "echo", tool.Name)
	assert.Equal(t, 1, te.GetToolCount())

	assert.Error(t, te.RegisterTool(echoTool("echo", false)), "duplicate names are rejected")

	te.UnregisterTool("echo")
	assert.Nil(t, te.GetTool("echo"))
}

func TestToolExecutor_RegisterTool_InvalidDefinition(t *testing.T) {
	te := New(time.Second)
	handler := func(ctx context.Context, params map[string]interface{}) (string, error) { return "", nil }

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{name: "empty name", def: ToolDefinition{Description: "Test", Handler: handler}},
		{name: "empty description", def: ToolDefinition{Name: "test", Handler: handler}},
		{name: "nil handler", def: ToolDefinition{Name: "test", Description: "Test"}},
		{name: "bad parameter type", def: ToolDefinition{
			Name: "test", Description: "Test", Handler: handler,
			Parameters: []ToolParameter{{Name: "x", Type: "text"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, te.RegisterTool(tt.def))
		})
	}
}

func TestToolExecutor_Execute_Success(t *testing.T) {
	te := New(time.Second)
	require.NoError(t, te.RegisterTool(echoTool("echo", false)))

	result := te.Execute(context.Background(), "echo", map[string]interface{}{
		"task_description": "Hello, World!",
	})

	assert.True(t, result.Success)
	assert.Equal(t, "Hello, World!", result.Output)
	assert.Empty(t, result.Error)
}

func TestToolExecutor_Execute_ToolNotFound(t *testing.T) {
	te := New(time.Second)

	result := te.Execute(context.Background(), "nonexistent", nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "tool not found")
}

func TestToolExecutor_Execute_ValidationError(t *testing.T) {
	te := New(time.Second)
	require.NoError(t, te.RegisterTool(echoTool("strict", false)))
	require.NoError(t, te.RegisterTool(echoTool("loose", true)))

	result := te.Execute(context.Background(), "strict", map[string]interface{}{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "validation")

	result = te.Execute(context.Background(), "strict", map[string]interface{}{"task_description": "x", "extra": 1})
	assert.False(t, result.Success, "non-LLM tools reject unknown keys")

	result = te.Execute(context.Background(), "loose", map[string]interface{}{"task_description": "x", "chat_history": "..."})
	assert.True(t, result.Success, "LLM-backed tools accept enrichment keys")
}

func TestToolExecutor_Execute_HandlerError(t *testing.T) {
	te := New(time.Second)

	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "failing_tool",
		Description: "A tool that fails",
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			return "", errors.New("handler error")
		},
	}))

	result := te.Execute(context.Background(), "failing_tool", map[string]interface{}{})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "handler error")
}

func TestToolExecutor_Execute_Panic(t *testing.T) {
	te := New(time.Second)

	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "panicking_tool",
		Description: "A tool that panics",
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			panic("boom")
		},
	}))

	result := te.Execute(context.Background(), "panicking_tool", nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "boom")
}

func TestToolExecutor_Execute_Timeout(t *testing.T) {
	te := New(100 * time.Millisecond)

	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "slow_tool",
		Description: "A slow tool",
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			select {
			case <-time.After(2 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}))

	result := te.Execute(context.Background(), "slow_tool", nil)

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestToolExecutor_Execute_TruncatesOutput(t *testing.T) {
	te := New(time.Second)

	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "big",
		Description: "Large output",
		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
			return strings.Repeat("行", maxOutputBytes), nil
		},
	}))

	result := te.Execute(context.Background(), "big", nil)
	require.True(t, result.Success)
	assert.True(t, result.Truncated)
	assert.True(t, strings.HasSuffix(result.Output, "[output truncated]"))
	assert.NotContains(t, result.Output, "�")
}

func TestToolExecutor_Specs(t *testing.T) {
	te := New(time.Second)
	require.NoError(t, te.RegisterTool(echoTool("travel_planner", true)))
	def := echoTool("custom", false)
	def.DisplayName = "自定义"
	require.NoError(t, te.RegisterTool(def))

	specs := te.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "custom", specs[0].Name)
	assert.Equal(t, "自定义", specs[0].DisplayName)
	assert.Equal(t, "专业旅游规划器 🗺️", specs[1].DisplayName)
	assert.True(t, specs[1].LLMBacked)
	assert.Contains(t, specs[1].Usage, "task_description")

	assert.True(t, te.IsLLMBacked("travel_planner"))
	assert.False(t, te.IsLLMBacked("custom"))
	assert.Equal(t, []string{"custom", "travel_planner"}, te.ListTools())
}

func TestToolPolicy_IsToolAllowed(t *testing.T) {
	var nilPolicy *ToolPolicy
	assert.True(t, nilPolicy.IsToolAllowed("x"))
	assert.True(t, (&ToolPolicy{}).IsToolAllowed("x"))

	p := &ToolPolicy{Deny: []string{"image_generator"}}
	assert.False(t, p.IsToolAllowed("image_generator"))
	assert.True(t, p.IsToolAllowed("travel_planner"))

	p = &ToolPolicy{Allow: []string{"llm_general"}}
	assert.True(t, p.IsToolAllowed("llm_general"))
	assert.False(t, p.IsToolAllowed("travel_planner"))

	p = &ToolPolicy{Allow: []string{"*"}, Deny: []string{"*"}}
	assert.False(t, p.IsToolAllowed("llm_general"))
}
