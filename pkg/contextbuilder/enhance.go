package contextbuilder

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/harun/tata/pkg/agent"
	"github.com/rs/zerolog/log"
)

// Keys injected into the parameters of language-model-backed tools.
const (
	ParamTaskDescription         = "task_description"
	ParamOriginalTaskDescription = "original_task_description"
	ParamChatHistory             = "chat_history"
	ParamToolExecutionHistory    = "tool_execution_history"
)

const defaultTask = "未指定具体任务"

// EnhanceParams returns a copy of params enriched with the agenda, drafts,
// chat history and tool history of state. The caller decides whether the
// tool is language-model-backed; params is never modified.
func EnhanceParams(state *agent.State, toolName string, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params)+4)
	for k, v := range params {
		out[k] = v
	}

	original, _ := params[ParamTaskDescription].(string)
	if strings.TrimSpace(original) == "" {
		original = defaultTask
	}

	chat := ChatHistory(state.Messages)
	tools := ToolHistory(state)

	task := taskBlock(state, original)
	if len(chat) > 0 || len(tools) > 0 {
		task = historyBlock(chat, tools, task)
	}

	out[ParamTaskDescription] = task
	out[ParamOriginalTaskDescription] = original
	out[ParamChatHistory] = strings.Join(chat, "\n")
	out[ParamToolExecutionHistory] = strings.Join(tools, "\n")

	log.Debug().
		Str("tool", toolName).
		Int("chat_entries", len(chat)).
		Int("tool_entries", len(tools)).
		Int("task_chars", utf8.RuneCountInString(task)).
		Msg("Enhanced tool parameters")

	return out
}

func taskBlock(state *agent.State, task string) string {
	agenda := ParseAgenda(state.AgendaDoc)

	requirements := make([]string, 0, len(agenda.Pending))
	for _, p := range agenda.Pending {
		requirements = append(requirements, "- "+p)
	}

	completed := make([]string, 0, len(agenda.Completed))
	for _, c := range agenda.Completed {
		completed = append(completed, fmt.Sprintf("- %s: %s", c.Task, c.Result))
	}

	var drafts []string
	for _, id := range state.DraftIDs() {
		content := state.DraftOutputs[id]
		if utf8.RuneCountInString(content) <= draftMinChars {
			continue
		}
		drafts = append(drafts, fmt.Sprintf("- %s: %s", id, truncateRunes(content, draftPreviewChars)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "【核心目标】: %s\n\n", agenda.Goal)
	fmt.Fprintf(&b, "【当前未完成的具体要求】:\n%s\n\n", orDefault(requirements, "- 无具体要求"))
	fmt.Fprintf(&b, "【对话阶段】: 这是一个多轮交互的任务，当前处于第%d轮。\n\n", len(agenda.Completed)+1)
	fmt.Fprintf(&b, "【之前完成的内容】:\n%s\n\n", orDefault(completed, "- 尚未有已完成的任务"))
	fmt.Fprintf(&b, "【已有草稿内容】:\n%s\n\n", orDefault(drafts, "- 暂无已保存的草稿内容"))
	fmt.Fprintf(&b, "【当前具体任务】: %s", task)
	return b.String()
}

func historyBlock(chat, tools []string, task string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "【聊天历史记录】:\n%s\n\n", orDefault(chat, "- 暂无历史对话"))
	fmt.Fprintf(&b, "【已执行的工具和结果】:\n%s\n\n", orDefault(tools, "- 暂无工具执行历史"))
	fmt.Fprintf(&b, "【当前任务】: %s\n\n", task)
	b.WriteString("【重要提示】: 请基于上述聊天历史和工具执行结果，避免重复生成相同类型的内容。如果之前已经有相关内容，请在此基础上进行优化、补充或扩展。")
	return b.String()
}

func orDefault(lines []string, fallback string) string {
	if len(lines) == 0 {
		return fallback
	}
	return strings.Join(lines, "\n")
}
