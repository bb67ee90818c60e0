package contextbuilder

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/harun/tata/pkg/agent"
)

const (
	// PlannerHistoryLimit is how many converted messages the planner sees.
	PlannerHistoryLimit = 10
	// RecentToolWindow is how many trailing tool runs are named in the planner reminder.
	RecentToolWindow = 3

	chatHistoryWindow  = 40
	chatHistoryKeep    = 5
	toolHistoryWindow  = 20
	toolHistoryKeep    = 5
	draftMinChars      = 100
	draftPreviewChars  = 150
	resultPreviewLimit = 1000
	resultPreviewChars = 800
)

// ToolCompletedMarker prefixes tool results replayed to the planner.
const ToolCompletedMarker = "工具执行完成: "

var chatSkipWords = []string{"执行工具", "tool_call", "tool_result", "调用工具"}

var systemPromptMarkers = []string{
	"你叫TATA", "扮演一个", "核心原则", "工作模式", "重要规则", "工具调用策略", "禁止轻易调用工具",
}

// PlannerHistory prepares the message history for a planner call. System
// messages are dropped and tool results become assistant messages that tell
// the model the tool already ran.
func PlannerHistory(messages []agent.Message) []agent.Message {
	out := make([]agent.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case agent.RoleSystem:
			continue
		case agent.RoleTool:
			out = append(out, agent.AssistantMessage(formatToolReplay(toolNameOf(m), m.Content)))
		default:
			out = append(out, m)
		}
	}
	if len(out) > PlannerHistoryLimit {
		out = out[len(out)-PlannerHistoryLimit:]
	}
	return out
}

// RecentTools names the distinct tools among the last RecentToolWindow tool
// results of the trailing PlannerHistoryLimit messages, oldest first.
func RecentTools(messages []agent.Message) []string {
	start := 0
	if len(messages) > PlannerHistoryLimit {
		start = len(messages) - PlannerHistoryLimit
	}

	var names []string
	for _, m := range messages[start:] {
		if m.Role == agent.RoleTool {
			names = append(names, toolNameOf(m))
		}
	}
	if len(names) > RecentToolWindow {
		names = names[len(names)-RecentToolWindow:]
	}

	seen := make(map[string]bool, len(names))
	unique := names[:0]
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		unique = append(unique, n)
	}
	return unique
}

func formatToolReplay(tool, content string) string {
	return fmt.Sprintf("✅ **%s%s**\n\n%s\n\n🚫 请勿重复调用此工具", ToolCompletedMarker, tool, content)
}

func toolNameOf(m agent.Message) string {
	if m.ToolName != "" {
		return m.ToolName
	}
	return "unknown_tool"
}

// ChatHistory returns the last user/assistant exchanges formatted for a tool
// prompt, skipping lines about tool execution.
func ChatHistory(messages []agent.Message) []string {
	start := 0
	if len(messages) > chatHistoryWindow {
		start = len(messages) - chatHistoryWindow
	}

	var lines []string
	for _, m := range messages[start:] {
		content := strings.TrimSpace(m.Content)
		if content == "" || containsAny(strings.ToLower(content), chatSkipWords) {
			continue
		}
		switch m.Role {
		case agent.RoleUser:
			lines = append(lines, "用户: "+content)
		case agent.RoleAssistant:
			lines = append(lines, "助手: "+content)
		}
	}
	return lastN(lines, chatHistoryKeep)
}

// ToolHistory summarises previous tool output. Archived drafts are preferred;
// tool messages are used when no draft qualifies.
func ToolHistory(state *agent.State) []string {
	var lines []string

	for _, id := range state.DraftIDs() {
		content := state.DraftOutputs[id]
		if utf8.RuneCountInString(content) <= draftMinChars {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", classifyDraft(id), previewResult(content)))
	}

	if len(lines) == 0 {
		start := 0
		if len(state.Messages) > toolHistoryWindow {
			start = len(state.Messages) - toolHistoryWindow
		}
		for _, m := range state.Messages[start:] {
			if m.Role != agent.RoleTool && m.ToolCallID == "" {
				continue
			}
			if containsAny(m.Content, systemPromptMarkers) || strings.TrimSpace(m.Content) == "" {
				continue
			}
			lines = append(lines, fmt.Sprintf("- %s: %s", classifyDraft(m.ToolName), previewResult(m.Content)))
		}
	}

	return lastN(lines, toolHistoryKeep)
}

func classifyDraft(id string) string {
	lower := strings.ToLower(id)
	switch {
	case containsAny(lower, []string{"itinerary", "travel", "planner"}):
		return "旅行规划器"
	case containsAny(lower, []string{"story", "brainstorm"}):
		return "故事头脑风暴"
	case containsAny(lower, []string{"image", "generator"}):
		return "图片生成器"
	default:
		return "工具执行结果"
	}
}

// previewResult keeps long results under resultPreviewChars, cutting at a
// sentence end when possible.
func previewResult(content string) string {
	if utf8.RuneCountInString(content) <= resultPreviewLimit {
		return content
	}

	var (
		b     strings.Builder
		count int
		last  int
	)
	for _, r := range content {
		if count >= resultPreviewChars {
			break
		}
		b.WriteRune(r)
		count++
		if r == '。' || r == '.' {
			last = b.Len()
		}
	}

	preview := b.String()
	if last > 0 {
		preview = preview[:last]
	}
	return preview + "..."
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func lastN(lines []string, n int) []string {
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}
