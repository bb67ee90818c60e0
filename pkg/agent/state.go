package agent

import (
	"encoding/json"
	"fmt"
	"sort"
)

// State is the conversation state passed through every step of a turn. It is
// owned by the orchestration loop for the duration of the turn and persisted
// as the session snapshot at turn boundaries.
type State struct {
	InputQuery string    `json:"input_query"`
	AgendaDoc  string    `json:"agenda_doc"`
	Messages   []Message `json:"messages"`

	ActionNeeded  ActionKind             `json:"action_needed"`
	RawAction     string                 `json:"raw_action,omitempty"`
	ToolName      string                 `json:"tool_name,omitempty"`
	ToolParams    map[string]interface{} `json:"tool_params,omitempty"`
	HumanQuestion string                 `json:"human_question,omitempty"`
	FinalAnswer   string                 `json:"final_answer,omitempty"`
	FinishAnswer  string                 `json:"finish_answer,omitempty"`

	IsInteractivePause bool              `json:"is_interactive_pause"`
	DraftOutputs       map[string]string `json:"draft_outputs"`
	DraftOrder         []string          `json:"draft_order,omitempty"`

	ErrorMessage            string `json:"error_message,omitempty"`
	ConsecutiveRouterErrors int    `json:"consecutive_router_errors"`
	ConsecutiveParseErrors  int    `json:"consecutive_parse_errors"`

	SessionMemory   string `json:"session_memory"`
	LoopBreakReason string `json:"loop_break_reason,omitempty"`
	LastResponse    string `json:"last_response,omitempty"`
}

// NewState creates an empty state for a first turn.
func NewState(query string) *State {
	return &State{
		InputQuery:   query,
		ActionNeeded: ActionNone,
		DraftOutputs: map[string]string{},
	}
}

// Action returns the declared action as a validated union value. An error is
// returned when the declared kind lacks its required field or is unknown.
func (s *State) Action() (Action, error) {
	switch s.ActionNeeded {
	case ActionCallTool:
		a, err := CallTool(s.ToolName, s.ToolParams)
		if err != nil {
			return Action{}, fmt.Errorf("%w: %v", ErrRouter, err)
		}
		return a, nil
	case ActionAskHuman:
		a, err := AskHuman(s.HumanQuestion)
		if err != nil {
			return Action{}, fmt.Errorf("%w: %v", ErrRouter, err)
		}
		return a, nil
	case ActionSelfUpdate:
		return SelfUpdate(), nil
	case ActionFinish:
		return Finish(s.FinishAnswer), nil
	case ActionNone, "":
		return Action{Kind: ActionNone}, nil
	default:
		return Action{}, fmt.Errorf("%w: unknown action %q", ErrRouter, s.RawAction)
	}
}

// SetAction records a validated action and clears fields belonging to other variants.
func (s *State) SetAction(a Action) {
	kind := a.Kind
	if kind == "" {
		kind = ActionNone
	}
	s.ActionNeeded = kind
	s.RawAction = string(kind)

	switch kind {
	case ActionCallTool:
		s.ToolName = a.Tool
		s.ToolParams = a.Params
		s.HumanQuestion = ""
	case ActionAskHuman:
		s.HumanQuestion = a.Question
		s.ClearTool()
	case ActionFinish:
		if a.Answer != "" {
			s.FinishAnswer = a.Answer
		}
		s.ClearTool()
	case ActionUnknown:
		s.RawAction = a.Raw
		s.ClearTool()
	default:
		s.ClearTool()
	}
}

// ClearTool drops any pending tool request.
func (s *State) ClearTool() {
	s.ToolName = ""
	s.ToolParams = nil
}

// AppendMessage appends m to the history.
func (s *State) AppendMessage(m Message) {
	s.Messages = append(s.Messages, m)
}

// LastMessage returns the most recent message, if any.
func (s *State) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// HasSystemMessage reports whether the history starts with a system message.
func (s *State) HasSystemMessage() bool {
	return len(s.Messages) > 0 && s.Messages[0].Role == RoleSystem
}

// ResetForTurn clears the terminal fields of the previous turn before a new
// user message is processed.
func (s *State) ResetForTurn(query string) {
	s.InputQuery = query
	s.ActionNeeded = ActionNone
	s.RawAction = ""
	s.ClearTool()
	s.IsInteractivePause = false
	s.FinalAnswer = ""
	s.FinishAnswer = ""
	s.HumanQuestion = ""
	s.ErrorMessage = ""
	s.LoopBreakReason = ""
	if s.DraftOutputs == nil {
		s.DraftOutputs = map[string]string{}
	}
}

// Pause marks the turn as waiting for the user with the given question.
func (s *State) Pause(question string) {
	s.SetAction(MustAskHuman(question))
	s.IsInteractivePause = true
	s.FinalAnswer = question
}

// Clone returns a deep copy, used by the streaming layer to publish
// snapshots without sharing maps with the worker.
func (s *State) Clone() *State {
	data, err := json.Marshal(s)
	if err != nil {
		c := *s
		return &c
	}
	var c State
	if err := json.Unmarshal(data, &c); err != nil {
		cc := *s
		return &cc
	}
	if c.DraftOutputs == nil {
		c.DraftOutputs = map[string]string{}
	}
	return &c
}

// AddDraft stores content under id and records the id in archive order.
func (s *State) AddDraft(id, content string) {
	if s.DraftOutputs == nil {
		s.DraftOutputs = map[string]string{}
	}
	if _, exists := s.DraftOutputs[id]; !exists {
		s.DraftOrder = append(s.DraftOrder, id)
	}
	s.DraftOutputs[id] = content
}

// DraftIDs lists draft ids oldest first. Ids missing from DraftOrder, such as
// drafts merged in from storage, follow in lexical order.
func (s *State) DraftIDs() []string {
	ids := make([]string, 0, len(s.DraftOutputs))
	seen := make(map[string]bool, len(s.DraftOutputs))
	for _, id := range s.DraftOrder {
		if _, ok := s.DraftOutputs[id]; ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	var rest []string
	for id := range s.DraftOutputs {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(ids, rest...)
}

// UserVisibleAnswer returns what the caller should see for the turn.
func (s *State) UserVisibleAnswer() string {
	if s.FinalAnswer != "" {
		return s.FinalAnswer
	}
	return s.HumanQuestion
}
