package coretools

import (
	"context"
	"errors"
	"testing"

	"github.com/harun/tata/internal/prompts"
	"github.com/harun/tata/pkg/agent"
	"github.com/harun/tata/pkg/contextbuilder"
	"github.com/harun/tata/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockModel struct {
	mock.Mock
}

func (m *mockModel) Invoke(ctx context.Context, messages []agent.Message) (string, error) {
	args := m.Called(ctx, messages)
	return args.String(0), args.Error(1)
}

func (m *mockModel) Name() string { return "mock" }

func newPrompts(t *testing.T) *prompts.Store {
	t.Helper()
	store, err := prompts.NewStore("")
	require.NoError(t, err)
	return store
}

func TestRegisterCoreTools_All(t *testing.T) {
	te := toolexecutor.New(0)
	names, err := RegisterCoreTools(te, Options{Model: &mockModel{}, Instructions: newPrompts(t)})
	require.NoError(t, err)

	assert.Equal(t, Names(), names)
	assert.Equal(t, len(Names()), te.GetToolCount())
	for _, name := range names {
		assert.True(t, te.IsLLMBacked(name), name)
	}
	assert.Equal(t, "住宿规划器 🏨", te.DisplayName("accommodation_planner"))
}

func TestRegisterCoreTools_Policy(t *testing.T) {
	te := toolexecutor.New(0)
	names, err := RegisterCoreTools(te, Options{
		Model: &mockModel{},
		Policy: &toolexecutor.ToolPolicy{
			Allow: []string{"*"},
			Deny:  []string{"story_brainstorm", "llm_thinking"},
		},
	})
	require.NoError(t, err)

	assert.NotContains(t, names, "story_brainstorm")
	assert.NotContains(t, names, "llm_thinking")
	assert.Nil(t, te.GetTool("story_brainstorm"))
	assert.NotNil(t, te.GetTool("travel_planner"))
}

func TestRegisterCoreTools_Errors(t *testing.T) {
	_, err := RegisterCoreTools(nil, Options{Model: &mockModel{}})
	assert.Error(t, err)

	_, err = RegisterCoreTools(toolexecutor.New(0), Options{})
	assert.Error(t, err)

	te := toolexecutor.New(0)
	_, err = RegisterCoreTools(te, Options{Model: &mockModel{}})
	require.NoError(t, err)
	_, err = RegisterCoreTools(te, Options{Model: &mockModel{}})
	assert.Error(t, err, "duplicate registration")
}

func TestToolHandler_CallsModelWithInstruction(t *testing.T) {
	store := newPrompts(t)
	model := &mockModel{}
	model.On("Invoke", mock.Anything, mock.MatchedBy(func(msgs []agent.Message) bool {
		return len(msgs) == 2 &&
			msgs[0].Role == agent.RoleSystem &&
			msgs[0].Content == store.ToolInstruction("restaurant_planner") &&
			msgs[1].Role == agent.RoleUser
	})).Return("  早餐：豆浆油条  ", nil).Once()

	te := toolexecutor.New(0)
	_, err := RegisterCoreTools(te, Options{Model: model, Instructions: store})
	require.NoError(t, err)

	res := te.Execute(context.Background(), "restaurant_planner", map[string]interface{}{
		contextbuilder.ParamTaskDescription: "安排杭州一日三餐",
		"city":                              "杭州",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "早餐：豆浆油条", res.Output)
	model.AssertExpectations(t)
}

func TestToolHandler_ModelError(t *testing.T) {
	model := &mockModel{}
	model.On("Invoke", mock.Anything, mock.Anything).Return("", errors.New("upstream down"))

	te := toolexecutor.New(0)
	_, err := RegisterCoreTools(te, Options{Model: model})
	require.NoError(t, err)

	res := te.Execute(context.Background(), "llm_general", map[string]interface{}{
		contextbuilder.ParamTaskDescription: "你好",
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "upstream down")
}

func TestToolHandler_NoInstructionSendsOnlyUserMessage(t *testing.T) {
	model := &mockModel{}
	model.On("Invoke", mock.Anything, mock.MatchedBy(func(msgs []agent.Message) bool {
		return len(msgs) == 1 && msgs[0].Role == agent.RoleUser
	})).Return("ok", nil)

	te := toolexecutor.New(0)
	_, err := RegisterCoreTools(te, Options{Model: model})
	require.NoError(t, err)

	res := te.Execute(context.Background(), "llm_general", map[string]interface{}{
		contextbuilder.ParamTaskDescription: "你好",
	})
	assert.True(t, res.Success)
}

func TestRenderRequest(t *testing.T) {
	out := renderRequest(map[string]interface{}{
		contextbuilder.ParamTaskDescription:         "规划行程",
		contextbuilder.ParamOriginalTaskDescription: "规划行程",
		contextbuilder.ParamChatHistory:             "用户: 去杭州",
		contextbuilder.ParamToolExecutionHistory:    "",
		"destination":                               "杭州",
		"preferences":                               []interface{}{"美食", "古镇"},
	})

	assert.Equal(t, "规划行程\n\n## 参数\n- destination: 杭州\n- preferences: [\"美食\",\"古镇\"]", out)
	assert.Equal(t, "只有任务", renderRequest(map[string]interface{}{
		contextbuilder.ParamTaskDescription: " 只有任务 ",
	}))
}
