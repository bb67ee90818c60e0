package planner

import (
	"unicode/utf8"

	"github.com/harun/tata/pkg/agent"
)

const (
	maxErrorMessages  = 2
	historyTrimAt     = 15
	historyKeepOnTrim = 10
	maxMessageChars   = 10000
	truncatedMarker   = "...[内容过长已截断]"
)

func isCannedError(content string) bool {
	switch content {
	case ProcessingErrorAnswer, "规划过程出现问题，请重试", "请重新描述您的需求？", ModelErrorQuestion:
		return true
	}
	return false
}

// CleanHistory drops empty messages and consecutive duplicates, keeps at most
// two canned error replies, truncates oversized messages and trims the
// history to its last entries once it grows past historyTrimAt. A leading
// system message is kept and not counted.
func CleanHistory(messages []agent.Message) []agent.Message {
	var system *agent.Message
	if len(messages) > 0 && messages[0].Role == agent.RoleSystem {
		system = &messages[0]
		messages = messages[1:]
	}

	cleaned := make([]agent.Message, 0, len(messages))
	errorCount := 0
	lastContent := ""
	haveLast := false

	for _, m := range messages {
		if m.IsBlank() && len(m.ToolCalls) == 0 {
			continue
		}

		if isCannedError(m.Content) {
			errorCount++
			if errorCount > maxErrorMessages {
				continue
			}
		}

		if haveLast && m.Content == lastContent {
			continue
		}

		if len(cleaned) >= historyTrimAt {
			cleaned = append([]agent.Message(nil), cleaned[len(cleaned)-historyKeepOnTrim:]...)
		}

		if utf8.RuneCountInString(m.Content) > maxMessageChars {
			m.Content = string([]rune(m.Content)[:maxMessageChars]) + truncatedMarker
		}

		cleaned = append(cleaned, m)
		lastContent = m.Content
		haveLast = true
	}

	if system != nil {
		return append([]agent.Message{*system}, cleaned...)
	}
	return cleaned
}
