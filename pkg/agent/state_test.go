package agent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionConstructors(t *testing.T) {
	t.Run("call tool requires name", func(t *testing.T) {
		_, err := CallTool("  ", nil)
		assert.Error(t, err)

		a, err := CallTool("itinerary_planner", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionCallTool, a.Kind)
		assert.NotNil(t, a.Params)
	})

	t.Run("ask human requires question", func(t *testing.T) {
		_, err := AskHuman("")
		assert.Error(t, err)

		a, err := AskHuman("去哪里？")
		require.NoError(t, err)
		assert.Equal(t, "去哪里？", a.Question)
	})

	t.Run("must ask human panics on empty", func(t *testing.T) {
		assert.Panics(t, func() { MustAskHuman("") })
	})
}

func TestParseActionKind(t *testing.T) {
	tests := map[string]ActionKind{
		"":            ActionNone,
		"call_tool":   ActionCallTool,
		" ASK_HUMAN ": ActionAskHuman,
		"self_update": ActionSelfUpdate,
		"finish":      ActionFinish,
		"dance":       ActionUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseActionKind(in), in)
	}
}

func TestStateSetActionClearsOtherVariants(t *testing.T) {
	s := NewState("q")

	call, _ := CallTool("story_brainstorm", map[string]interface{}{"task_description": "t"})
	s.SetAction(call)
	assert.Equal(t, "story_brainstorm", s.ToolName)

	s.SetAction(MustAskHuman("继续吗？"))
	assert.Equal(t, ActionAskHuman, s.ActionNeeded)
	assert.Empty(t, s.ToolName)
	assert.Nil(t, s.ToolParams)
	assert.Equal(t, "继续吗？", s.HumanQuestion)

	s.SetAction(Finish("done"))
	assert.Equal(t, "done", s.FinishAnswer)

	s.SetAction(Unknown("dance"))
	assert.Equal(t, ActionUnknown, s.ActionNeeded)
	assert.Equal(t, "dance", s.RawAction)
}

func TestStateActionValidation(t *testing.T) {
	s := NewState("q")
	s.ActionNeeded = ActionCallTool
	_, err := s.Action()
	assert.True(t, errors.Is(err, ErrRouter))

	s.ToolName = "itinerary_planner"
	a, err := s.Action()
	require.NoError(t, err)
	assert.Equal(t, "itinerary_planner", a.Tool)

	s.ActionNeeded = ActionAskHuman
	_, err = s.Action()
	assert.Error(t, err)

	s.ActionNeeded = ActionUnknown
	_, err = s.Action()
	assert.Error(t, err)

	s.ActionNeeded = ActionNone
	a, err = s.Action()
	require.NoError(t, err)
	assert.Equal(t, ActionNone, a.Kind)
}

func TestResetForTurn(t *testing.T) {
	s := NewState("first")
	s.Pause("还需要什么？")
	s.FinishAnswer = "x"
	s.LoopBreakReason = "loop"
	s.DraftOutputs = nil

	s.ResetForTurn("second")

	assert.Equal(t, "second", s.InputQuery)
	assert.False(t, s.IsInteractivePause)
	assert.Empty(t, s.FinalAnswer)
	assert.Empty(t, s.HumanQuestion)
	assert.Empty(t, s.FinishAnswer)
	assert.Empty(t, s.LoopBreakReason)
	assert.Equal(t, ActionNone, s.ActionNeeded)
	assert.NotNil(t, s.DraftOutputs)
}

func TestPauseSetsAnswer(t *testing.T) {
	s := NewState("q")
	s.Pause("您满意吗？")
	assert.True(t, s.IsInteractivePause)
	assert.Equal(t, "您满意吗？", s.FinalAnswer)
	assert.Equal(t, "您满意吗？", s.UserVisibleAnswer())
}

func TestCloneIsDeep(t *testing.T) {
	s := NewState("q")
	s.DraftOutputs["d1"] = "content"
	s.AppendMessage(UserMessage("hi"))

	c := s.Clone()
	c.DraftOutputs["d2"] = "other"
	c.Messages[0].Content = "changed"

	assert.Len(t, s.DraftOutputs, 1)
	assert.Equal(t, "hi", s.Messages[0].Content)
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleAssistant, ParseRole("ai"))
	assert.Equal(t, RoleAssistant, ParseRole("ai_pause"))
	assert.Equal(t, RoleUser, ParseRole("human"))
	assert.Equal(t, RoleTool, ParseRole("tool"))
	assert.Equal(t, RoleSystem, ParseRole("system"))
}

func TestDraftIDsFollowArchiveOrder(t *testing.T) {
	s := NewState("q")
	s.AddDraft("travel_planner_9", "a")
	s.AddDraft("accommodation_planner_1", "b")
	s.AddDraft("travel_planner_9", "a2")
	s.DraftOutputs["merged"] = "c"

	assert.Equal(t, []string{"travel_planner_9", "accommodation_planner_1", "merged"}, s.DraftIDs())
	assert.Equal(t, "a2", s.DraftOutputs["travel_planner_9"])

	c := s.Clone()
	assert.Equal(t, s.DraftIDs(), c.DraftIDs())
}
