// Package orchestrator runs conversation turns: it loads the session, loops
// planner, router and tool dispatch until the turn pauses or finishes, and
// persists the state after every pass.
package orchestrator

import (
	"context"
	"errors"

	"github.com/harun/tata/pkg/agent"
	"github.com/harun/tata/pkg/loopdetector"
	"github.com/harun/tata/pkg/stream"
)

// Canned turn answers.
const (
	ExhaustedAnswer       = "我还在处理您的请求，请稍后告诉我是否继续。"
	ProcessingErrorAnswer = "处理时发生错误。"
)

// DefaultMaxIterations bounds the passes of one turn.
const DefaultMaxIterations = 15

// ErrEmptyMessage is returned for a turn without user text.
var ErrEmptyMessage = errors.New("message is required")

// TurnInput is one user message.
type TurnInput struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	// RequestID makes retries of the same submission idempotent.
	RequestID string `json:"request_id,omitempty"`
}

// TurnResult is what the caller sees once a turn ends.
type TurnResult struct {
	SessionID     string            `json:"session_id"`
	FinalAnswer   string            `json:"final_answer"`
	HumanQuestion string            `json:"human_question,omitempty"`
	Paused        bool              `json:"paused"`
	Finished      bool              `json:"finished"`
	Iterations    int               `json:"iterations"`
	Agenda        string            `json:"agenda"`
	Drafts        map[string]string `json:"drafts"`
	SessionMemory string            `json:"session_memory,omitempty"`
}

// Planner decides the next action.
type Planner interface {
	Plan(ctx context.Context, state *agent.State, detector loopdetector.DuplicateDetector) *agent.State
}

// Dispatcher runs the tool the planner asked for.
type Dispatcher interface {
	Dispatch(ctx context.Context, state *agent.State, detector loopdetector.DuplicateDetector, emit stream.Emitter) *agent.State
}

// StateInitializer prepares a state before planning.
type StateInitializer interface {
	Initialize(state *agent.State)
}
