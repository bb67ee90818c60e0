package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/harun/tata/pkg/orchestrator"
	"github.com/harun/tata/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStreamer struct {
	inputs []orchestrator.TurnInput
}

func (f *fakeStreamer) RunStream(ctx context.Context, input orchestrator.TurnInput) (<-chan stream.Event, error) {
	f.inputs = append(f.inputs, input)
	ch := make(chan stream.Event, 4)
	ch <- stream.NewEvent(stream.EventConnection, "连接已建立", map[string]interface{}{"session_id": "session_abc"})
	ch <- stream.NewEvent(stream.EventThinking, "正在规划下一步...", nil)
	ch <- stream.NewEvent(stream.EventToolCall, "正在调用工具: itinerary_planner", nil)
	ch <- stream.NewEvent(stream.EventFinal, "回答: "+input.Message, map[string]interface{}{"session_id": "session_abc"})
	close(ch)
	return ch, nil
}

func TestChatLoop_ReusesSession(t *testing.T) {
	runner := &fakeStreamer{}
	out := &bytes.Buffer{}
	c := &chatSessionLoop{runner: runner, out: out, userID: "u1"}

	err := c.loop(context.Background(), strings.NewReader("去杭州\n\n三天\n/exit\nignored\n"))
	require.NoError(t, err)

	require.Len(t, runner.inputs, 2)
	assert.Equal(t, "", runner.inputs[0].SessionID)
	assert.Equal(t, "session_abc", runner.inputs[1].SessionID)
	assert.Equal(t, "u1", runner.inputs[1].UserID)

	text := out.String()
	assert.Contains(t, text, "[session session_abc]")
	assert.Contains(t, text, "… 正在规划下一步...")
	assert.Contains(t, text, "→ 正在调用工具: itinerary_planner")
	assert.Contains(t, text, "回答: 三天")
	assert.NotContains(t, text, "ignored")
}

func TestRenderEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   stream.Event
		want string
	}{
		{"pause", stream.NewEvent(stream.EventInteractivePause, "预算多少？", nil), "\n预算多少？\n\n"},
		{"error", stream.NewEvent(stream.EventError, "boom", nil), "错误: boom\n"},
		{"draft", stream.NewEvent(stream.EventDraftUpdate, "...", map[string]interface{}{"draft_id": "itinerary_planner_1"}), "[草稿已保存: itinerary_planner_1]\n"},
		{"tool result", stream.NewEvent(stream.EventToolResult, "...", map[string]interface{}{
			"tool_display_name": "住宿规划器 🏨",
			"status":            "completed",
		}), "← 住宿规划器 🏨 (completed)\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			renderEvent(&buf, tt.ev)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestChatCommand(t *testing.T) {
	cmd := GetRootCmd()
	cmd.SetArgs([]string{"chat", "--help"})

	output := &bytes.Buffer{}
	cmd.SetOut(output)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, output.String(), "--session")
	assert.Contains(t, output.String(), "--message")
}
