// Package planner asks the language model for the next action of a turn and
// turns whatever it replies into a valid conversation state.
package planner

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/harun/tata/internal/observability"
	"github.com/harun/tata/internal/prompts"
	"github.com/harun/tata/internal/tracing"
	"github.com/harun/tata/pkg/agent"
	"github.com/harun/tata/pkg/contextbuilder"
	"github.com/harun/tata/pkg/loopdetector"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Canned replies.
const (
	ConfigErrorAnswer     = "系统配置有误，请重试"
	ModelErrorQuestion    = "系统遇到了一些问题，请重新描述您的需求？"
	ModelErrorAnswer      = "抱歉，系统遇到了一些问题，请重新描述您的需求？"
	EmptyReplyQuestion    = "请告诉我您具体需要什么帮助？"
	ProcessingErrorAnswer = "处理时发生错误。"
)

// StoryTool is the tool a creative-sounding unparseable reply is routed to.
const StoryTool = "story_brainstorm"

const (
	questionPreviewChars = 200
	answerPreviewChars   = 500
)

var creativeKeywords = []string{"故事", "创作", "科幻", "机器人", "情节", "小说"}

// Outcomes recorded in metrics.
const (
	outcomeParsed       = "parsed"
	outcomeReused       = "reused"
	outcomeFallback     = "parse_fallback"
	outcomeEmpty        = "empty_reply"
	outcomeModelError   = "model_error"
	outcomeConfigError  = "config_error"
	outcomeToolOverride = "recent_tool_override"
)

// PromptSource renders the system prompt and the trailing planner instruction.
type PromptSource interface {
	SystemPrompt(tools []agent.ToolSpec, humanCapabilities string) (string, error)
	PlannerPrompt(data prompts.PlannerData) (string, error)
}

// Option configures a Planner.
type Option func(*Planner)

// WithHumanCapabilities sets the user profile text of the system prompt.
func WithHumanCapabilities(s string) Option {
	return func(p *Planner) { p.humanCapabilities = s }
}

// WithParseChain replaces the default parse chain.
func WithParseChain(c ParseChain) Option {
	return func(p *Planner) { p.chain = c }
}

// Planner decides the next action of a turn.
type Planner struct {
	model             agent.LanguageModel
	prompts           PromptSource
	tools             agent.ToolCatalog
	chain             ParseChain
	humanCapabilities string
}

// New creates a planner. A nil prompt source is accepted and reported as a
// configuration error on every Plan call.
func New(model agent.LanguageModel, source PromptSource, tools agent.ToolCatalog, opts ...Option) (*Planner, error) {
	if model == nil {
		return nil, fmt.Errorf("language model is required")
	}
	p := &Planner{
		model:   model,
		prompts: source,
		tools:   tools,
		chain:   DefaultChain(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Plan updates state with the next action. It never fails: model errors,
// unparseable replies and configuration problems all produce a valid action.
// detector may be nil.
func (p *Planner) Plan(ctx context.Context, state *agent.State, detector loopdetector.DuplicateDetector) *agent.State {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerPlanner, "planner.plan")
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("component", "planner").Logger()

	if p.prompts == nil {
		err := fmt.Errorf("%w: prompt source is not set", agent.ErrConfiguration)
		logger.Error().Err(err).Msg("Planner cannot run")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.configError(state)
	}

	cleaned := CleanHistory(state.Messages)
	if removed := len(state.Messages) - len(cleaned); removed > 0 {
		logger.Debug().Int("before", len(state.Messages)).Int("after", len(cleaned)).Msg("Message history cleaned")
	}
	state.Messages = cleaned

	if parsed, ok := p.reusableReply(cleaned); ok {
		logger.Info().Msg("Last assistant reply already declares an action, skipping model call")
		observability.RecordPlannerOutcome(outcomeReused)
		span.SetAttributes(attribute.String("planner.outcome", outcomeReused))
		p.apply(state, parsed)
		return state
	}

	messages, err := p.buildPrompt(state)
	if err != nil {
		err = fmt.Errorf("%w: %v", agent.ErrConfiguration, err)
		logger.Error().Err(err).Msg("Failed to build planner prompt")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.configError(state)
	}

	reply, err := p.model.Invoke(ctx, messages)
	if err != nil {
		logger.Error().Err(err).Msg("Model call failed, asking the user to rephrase")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordPlannerOutcome(outcomeModelError)

		state.ErrorMessage = err.Error()
		state.SetAction(agent.MustAskHuman(ModelErrorQuestion))
		state.FinalAnswer = ModelErrorAnswer
		state.AppendMessage(agent.AssistantMessage(ModelErrorQuestion))
		return state
	}

	reply = strings.TrimSpace(reply)
	state.LastResponse = reply

	if reply == "" {
		logger.Warn().Msg("Model returned an empty reply")
		observability.RecordPlannerOutcome(outcomeEmpty)
		state.ConsecutiveParseErrors++
		state.SetAction(agent.MustAskHuman(EmptyReplyQuestion))
		state.FinalAnswer = EmptyReplyQuestion
		state.AppendMessage(agent.AssistantMessage(EmptyReplyQuestion))
		return state
	}

	parsed, strategy, ok := p.chain.Parse(reply)
	if !ok {
		err := fmt.Errorf("%w: reply is not a JSON object", agent.ErrParse)
		logger.Warn().Err(err).Str("preview", preview(reply, 100)).Msg("Falling back to a safe action")
		span.RecordError(err)
		observability.RecordPlannerOutcome(outcomeFallback)
		span.SetAttributes(attribute.String("planner.outcome", outcomeFallback))
		return p.parseFallback(state, reply)
	}

	span.SetAttributes(attribute.String("planner.parse_strategy", strategy))
	state.ConsecutiveParseErrors = 0

	if tool := stringField(parsed, "tool_name"); detector != nil && actionField(parsed) == agent.ActionCallTool &&
		detector.RecentlyExecuted(tool, cleaned, loopdetector.RecentMessageWindow) {
		logger.Warn().Str("tool", tool).Msg("Tool ran moments ago, asking the user instead")
		observability.RecordPlannerOutcome(outcomeToolOverride)
		parsed["action_needed"] = string(agent.ActionAskHuman)
		parsed["human_question"] = fmt.Sprintf("我刚刚已经为您使用了%s工具。您对结果满意吗？需要我做哪些调整？", p.displayName(tool))
		delete(parsed, "tool_name")
		delete(parsed, "tool_params")
	} else {
		observability.RecordPlannerOutcome(outcomeParsed)
	}

	p.apply(state, parsed)
	state.AppendMessage(agent.AssistantMessage(reply))

	logger.Info().
		Str("action", string(state.ActionNeeded)).
		Str("tool", state.ToolName).
		Str("strategy", strategy).
		Msg("Planner decided next action")
	span.SetAttributes(attribute.String("planner.action", string(state.ActionNeeded)))

	return state
}

func (p *Planner) buildPrompt(state *agent.State) ([]agent.Message, error) {
	var specs []agent.ToolSpec
	if p.tools != nil {
		specs = p.tools.Specs()
	}

	system, err := p.prompts.SystemPrompt(specs, p.humanCapabilities)
	if err != nil {
		return nil, fmt.Errorf("system prompt: %w", err)
	}

	instruction, err := p.prompts.PlannerPrompt(prompts.PlannerData{
		Query:         state.InputQuery,
		Agenda:        state.AgendaDoc,
		SessionMemory: state.SessionMemory,
		LoopWarning:   state.LoopBreakReason,
		RecentTools:   strings.Join(contextbuilder.RecentTools(state.Messages), ", "),
	})
	if err != nil {
		return nil, fmt.Errorf("planner prompt: %w", err)
	}

	history := contextbuilder.PlannerHistory(state.Messages)
	messages := make([]agent.Message, 0, len(history)+2)
	messages = append(messages, agent.SystemMessage(system))
	messages = append(messages, history...)
	messages = append(messages, agent.UserMessage(instruction))
	return messages, nil
}

// reusableReply returns the last assistant message when it already declares
// a valid action other than self_update.
func (p *Planner) reusableReply(messages []agent.Message) (map[string]interface{}, bool) {
	if len(messages) == 0 {
		return nil, false
	}
	last := messages[len(messages)-1]
	if last.Role != agent.RoleAssistant {
		return nil, false
	}
	parsed, _, ok := p.chain.Parse(last.Content)
	if !ok {
		return nil, false
	}
	switch actionField(parsed) {
	case agent.ActionNone, agent.ActionSelfUpdate:
		return nil, false
	}
	scratch := agent.NewState("")
	p.apply(scratch, copyMap(parsed))
	if _, err := scratch.Action(); err != nil {
		return nil, false
	}
	return parsed, true
}

// apply merges a parsed reply into state. Invalid combinations such as a
// call_tool without a tool name are left for the router to reject.
func (p *Planner) apply(state *agent.State, parsed map[string]interface{}) {
	raw := stringField(parsed, "action_needed")
	if raw == "" {
		raw = stringField(parsed, "next_action")
	}
	delete(parsed, "next_action")

	kind := agent.ParseActionKind(raw)
	state.ActionNeeded = kind
	state.RawAction = raw
	state.ToolName = stringField(parsed, "tool_name")
	state.ToolParams, _ = parsed["tool_params"].(map[string]interface{})
	state.HumanQuestion = stringField(parsed, "human_question")

	if kind == agent.ActionFinish {
		answer := stringField(parsed, "finish_answer")
		if answer == "" {
			answer = stringField(parsed, "final_answer")
		}
		state.FinishAnswer = answer
		if fa := stringField(parsed, "final_answer"); fa != "" {
			state.FinalAnswer = fa
		}
	}

	if action, err := state.Action(); err == nil {
		state.SetAction(action)
	}

	agenda := stringField(parsed, "updated_agenda_doc")
	if agenda == "" {
		agenda = stringField(parsed, "agenda_doc")
	}
	if agenda != "" {
		state.AgendaDoc = agenda
	}

	if update := stringField(parsed, "session_memory_update"); update != "" {
		state.SessionMemory = strings.TrimLeft(state.SessionMemory+"\n- "+update, "\n")
	}
}

// parseFallback picks a safe action for a reply that is not JSON.
func (p *Planner) parseFallback(state *agent.State, reply string) *agent.State {
	state.ConsecutiveParseErrors++

	lower := strings.ToLower(reply)
	if containsAny(lower, creativeKeywords) && p.hasTool(StoryTool) {
		action, err := agent.CallTool(StoryTool, map[string]interface{}{
			"task_description": fmt.Sprintf("用户需求：%s。请提供创意灵感和故事构思建议。", state.InputQuery),
		})
		if err == nil {
			state.SetAction(action)
			return state
		}
	}

	question := fmt.Sprintf("基于我的理解：%s\n\n请告诉我您希望我接下来如何帮助您？", preview(reply, questionPreviewChars))
	state.SetAction(agent.MustAskHuman(question))
	state.FinalAnswer = preview(reply, answerPreviewChars)
	state.AppendMessage(agent.AssistantMessage(question))
	return state
}

func (p *Planner) configError(state *agent.State) *agent.State {
	observability.RecordPlannerOutcome(outcomeConfigError)
	state.ErrorMessage = "规划节点配置错误"
	state.SetAction(agent.Finish(ConfigErrorAnswer))
	state.FinalAnswer = ConfigErrorAnswer
	return state
}

func (p *Planner) hasTool(name string) bool {
	if p.tools == nil {
		return false
	}
	for _, spec := range p.tools.Specs() {
		if spec.Name == name {
			return true
		}
	}
	return false
}

func (p *Planner) displayName(tool string) string {
	if p.tools != nil {
		for _, spec := range p.tools.Specs() {
			if spec.Name == tool && spec.DisplayName != "" {
				return spec.DisplayName
			}
		}
	}
	return tool
}

func actionField(parsed map[string]interface{}) agent.ActionKind {
	raw := stringField(parsed, "action_needed")
	if raw == "" {
		raw = stringField(parsed, "next_action")
	}
	return agent.ParseActionKind(raw)
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
