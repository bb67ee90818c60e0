package agent

import (
	"errors"
	"fmt"
	"strings"
)

// ActionKind discriminates the Action union.
type ActionKind string

const (
	ActionNone       ActionKind = "none"
	ActionCallTool   ActionKind = "call_tool"
	ActionAskHuman   ActionKind = "ask_human"
	ActionSelfUpdate ActionKind = "self_update"
	ActionFinish     ActionKind = "finish"
	// ActionUnknown holds a declared action the runtime does not understand.
	ActionUnknown ActionKind = "unknown"
)

// ParseActionKind maps a wire value onto an ActionKind. Empty input is
// ActionNone; unrecognised input is ActionUnknown.
func ParseActionKind(s string) ActionKind {
	switch ActionKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", ActionNone:
		return ActionNone
	case ActionCallTool:
		return ActionCallTool
	case ActionAskHuman:
		return ActionAskHuman
	case ActionSelfUpdate:
		return ActionSelfUpdate
	case ActionFinish:
		return ActionFinish
	default:
		return ActionUnknown
	}
}

// Action is the next step declared by the planner. Use the constructors;
// a zero Action is ActionNone.
type Action struct {
	Kind     ActionKind
	Tool     string
	Params   map[string]interface{}
	Question string
	Answer   string
	// Raw keeps the original wire value for ActionUnknown.
	Raw string
}

var (
	errMissingTool     = errors.New("call_tool requires a tool name")
	errMissingQuestion = errors.New("ask_human requires a question")
)

// CallTool builds a tool invocation action.
func CallTool(tool string, params map[string]interface{}) (Action, error) {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return Action{}, errMissingTool
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return Action{Kind: ActionCallTool, Tool: tool, Params: params}, nil
}

// AskHuman builds a pause-for-input action.
func AskHuman(question string) (Action, error) {
	if strings.TrimSpace(question) == "" {
		return Action{}, errMissingQuestion
	}
	return Action{Kind: ActionAskHuman, Question: question}, nil
}

// MustAskHuman is AskHuman for fixed, known non-empty questions.
func MustAskHuman(question string) Action {
	a, err := AskHuman(question)
	if err != nil {
		panic(err)
	}
	return a
}

// SelfUpdate returns control to the planner.
func SelfUpdate() Action {
	return Action{Kind: ActionSelfUpdate}
}

// Finish terminates the turn with an answer.
func Finish(answer string) Action {
	return Action{Kind: ActionFinish, Answer: answer}
}

// Unknown wraps an action string the runtime could not map.
func Unknown(raw string) Action {
	return Action{Kind: ActionUnknown, Raw: raw}
}

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a.Kind {
	case ActionCallTool:
		return fmt.Sprintf("call_tool(%s)", a.Tool)
	case ActionUnknown:
		return fmt.Sprintf("unknown(%s)", a.Raw)
	case "":
		return string(ActionNone)
	default:
		return string(a.Kind)
	}
}
