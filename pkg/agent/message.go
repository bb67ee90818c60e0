package agent

import "strings"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation declared by an assistant message.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Message is one entry of the conversation history.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// SystemMessage builds a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolMessage builds a tool result message tagged with the call that produced it.
func ToolMessage(toolName, callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, ToolName: toolName}
}

// IsBlank reports whether the message carries no visible content.
func (m Message) IsBlank() bool {
	return strings.TrimSpace(m.Content) == ""
}

// ParseRole maps stored role names onto a Role. Persisted assistant variants
// (ai, ai_pause) and human map onto their canonical roles.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system":
		return RoleSystem
	case "user", "human":
		return RoleUser
	case "tool":
		return RoleTool
	default:
		return RoleAssistant
	}
}
