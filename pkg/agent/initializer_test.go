package agent

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPrompts struct {
	err       error
	gotTools  []ToolSpec
	gotHumans string
}

func (s *stubPrompts) SystemPrompt(tools []ToolSpec, human string) (string, error) {
	s.gotTools = tools
	s.gotHumans = human
	if s.err != nil {
		return "", s.err
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return "SYSTEM tools=" + strings.Join(names, ",") + " human=" + human, nil
}

type stubCatalog []ToolSpec

func (c stubCatalog) Specs() []ToolSpec { return c }

func TestInitializerFirstTurn(t *testing.T) {
	prompts := &stubPrompts{}
	init := NewInitializer(prompts, stubCatalog{{Name: "itinerary_planner"}}, "擅长预算")

	s := NewState("规划三天行程")
	init.Initialize(s)

	require.Len(t, s.Messages, 2)
	assert.Equal(t, RoleSystem, s.Messages[0].Role)
	assert.Contains(t, s.Messages[0].Content, "itinerary_planner")
	assert.Contains(t, s.Messages[0].Content, "擅长预算")
	assert.Equal(t, "我的任务是: 规划三天行程", s.Messages[1].Content)
	assert.Equal(t, "- [ ] 规划三天行程 @overall_goal", s.AgendaDoc)
}

func TestInitializerIsIdempotent(t *testing.T) {
	init := NewInitializer(&stubPrompts{}, nil, "")
	s := NewState("q")

	init.Initialize(s)
	first := len(s.Messages)
	init.Initialize(s)

	assert.Equal(t, first, len(s.Messages))
	systemCount := 0
	for _, m := range s.Messages {
		if m.Role == RoleSystem {
			systemCount++
		}
	}
	assert.Equal(t, 1, systemCount)
}

func TestInitializerKeepsExistingHistory(t *testing.T) {
	init := NewInitializer(&stubPrompts{}, nil, "")
	s := NewState("新问题")
	s.AgendaDoc = "- [x] 已完成 (结果: ok)"
	s.Messages = []Message{UserMessage("旧消息"), AssistantMessage("旧回复")}

	init.Initialize(s)

	require.Len(t, s.Messages, 3)
	assert.Equal(t, RoleSystem, s.Messages[0].Role)
	assert.Equal(t, "旧消息", s.Messages[1].Content)
	assert.Equal(t, "- [x] 已完成 (结果: ok)", s.AgendaDoc)
}

func TestInitializerFallsBackOnPromptError(t *testing.T) {
	init := NewInitializer(&stubPrompts{err: errors.New("template broken")}, nil, "")
	s := NewState("q")
	init.Initialize(s)
	assert.Equal(t, fallbackSystemPrompt, s.Messages[0].Content)

	bare := NewInitializer(nil, nil, "")
	s2 := NewState("q")
	bare.Initialize(s2)
	assert.Equal(t, fallbackSystemPrompt, s2.Messages[0].Content)
}
