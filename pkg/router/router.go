// Package router maps the action declared by the planner onto the next step
// of the orchestration loop.
package router

import (
	"github.com/harun/tata/internal/observability"
	"github.com/harun/tata/pkg/agent"
	"github.com/rs/zerolog/log"
)

// Node is a step of the orchestration loop.
type Node string

const (
	NodePlanning Node = "planning"
	NodeRouting  Node = "routing"
	NodeToolExec Node = "tool_exec"
	NodePaused   Node = "paused"
	NodeFinished Node = "finished"
)

// MaxRouterErrors is the number of invalid routes tolerated before the turn
// is finished with RouterFailureAnswer.
const MaxRouterErrors = 2

// RouterFailureAnswer ends a turn that kept producing invalid actions.
const RouterFailureAnswer = "抱歉，系统处理时出现问题。"

// IsTerminal reports whether the loop stops at n.
func (n Node) IsTerminal() bool {
	return n == NodePaused || n == NodeFinished
}

// Route decides the next node for state. It mutates and returns state:
// ask_human sets the pause flag, finish fills the final answer and an
// invalid action increments the router error counter.
func Route(state *agent.State) (Node, *agent.State) {
	action, err := state.Action()
	if err != nil || action.Kind == agent.ActionNone || action.Kind == agent.ActionUnknown {
		return routeError(state, err)
	}

	state.ConsecutiveRouterErrors = 0

	switch action.Kind {
	case agent.ActionCallTool:
		return NodeToolExec, state
	case agent.ActionAskHuman:
		state.IsInteractivePause = true
		state.FinalAnswer = action.Question
		return NodePaused, state
	case agent.ActionSelfUpdate:
		return NodePlanning, state
	case agent.ActionFinish:
		if state.FinishAnswer != "" {
			state.FinalAnswer = state.FinishAnswer
		}
		return NodeFinished, state
	}
	return routeError(state, nil)
}

func routeError(state *agent.State, cause error) (Node, *agent.State) {
	state.ConsecutiveRouterErrors++
	observability.RecordRouterError()

	event := log.Warn().
		Str("component", "router").
		Str("action", string(state.ActionNeeded)).
		Str("raw_action", state.RawAction).
		Int("consecutive_errors", state.ConsecutiveRouterErrors)
	if cause != nil {
		event = event.Err(cause)
	}
	event.Msg("Invalid action from planner")

	if state.ConsecutiveRouterErrors > MaxRouterErrors {
		state.SetAction(agent.Finish(RouterFailureAnswer))
		state.FinalAnswer = RouterFailureAnswer
		state.ErrorMessage = "路由错误次数过多"
		return NodeFinished, state
	}

	state.ErrorMessage = "无效的动作: " + state.RawAction
	state.SetAction(agent.Action{Kind: agent.ActionNone})
	return NodePlanning, state
}
