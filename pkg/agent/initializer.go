package agent

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// ToolSpec describes a registered tool for the system prompt.
type ToolSpec struct {
	Name        string
	DisplayName string
	Description string
	Usage       string
	LLMBacked   bool
}

// ToolCatalog enumerates the tools available to the planner.
type ToolCatalog interface {
	Specs() []ToolSpec
}

// SystemPromptSource renders the system prompt from the tool catalogue and
// the caller supplied description of the human's capabilities.
type SystemPromptSource interface {
	SystemPrompt(tools []ToolSpec, humanCapabilities string) (string, error)
}

const fallbackSystemPrompt = "你叫TATA，扮演一个人机协作任务中的领导者。你必须只以JSON格式回复，字段 action_needed 只能是 ask_human 或 call_tool。"

// Initializer inserts the system message on the first turn of a session and
// seeds the agenda for a brand-new conversation.
type Initializer struct {
	prompts           SystemPromptSource
	tools             ToolCatalog
	humanCapabilities string
}

// NewInitializer creates an initializer. prompts and tools may be nil, in
// which case a minimal built-in system prompt is used.
func NewInitializer(prompts SystemPromptSource, tools ToolCatalog, humanCapabilities string) *Initializer {
	return &Initializer{
		prompts:           prompts,
		tools:             tools,
		humanCapabilities: humanCapabilities,
	}
}

// Initialize prepares state for planning. It never removes or duplicates an
// existing leading system message and is a no-op on later turns.
func (i *Initializer) Initialize(state *State) {
	if state.HasSystemMessage() {
		return
	}

	state.Messages = append([]Message{SystemMessage(i.systemPrompt())}, state.Messages...)

	query := strings.TrimSpace(state.InputQuery)
	if query == "" {
		return
	}
	if state.AgendaDoc == "" {
		state.AgendaDoc = fmt.Sprintf("- [ ] %s @overall_goal", query)
	}
	if !hasRole(state.Messages, RoleUser) {
		state.AppendMessage(UserMessage("我的任务是: " + query))
	}
	if state.DraftOutputs == nil {
		state.DraftOutputs = map[string]string{}
	}
}

func (i *Initializer) systemPrompt() string {
	if i.prompts == nil {
		log.Warn().Msg("No prompt source configured, using built-in system prompt")
		return fallbackSystemPrompt
	}

	var specs []ToolSpec
	if i.tools != nil {
		specs = i.tools.Specs()
	}

	prompt, err := i.prompts.SystemPrompt(specs, i.humanCapabilities)
	if err != nil || strings.TrimSpace(prompt) == "" {
		log.Error().Err(err).Msg("Failed to render system prompt, using built-in prompt")
		return fallbackSystemPrompt
	}
	return prompt
}

func hasRole(messages []Message, role Role) bool {
	for _, m := range messages {
		if m.Role == role {
			return true
		}
	}
	return false
}
