// Package agent defines the conversation state threaded through every step of
// a turn, the action union the planner produces, the initializer that seeds a
// session, and the language model collaborators.
//
// Invariants:
// - Once initialized, the first message of a session is the system message.
// - An Action is built through its constructor, so a CallTool always names a
//   tool and an AskHuman always carries a question.
// - Messages are never mutated after append except for length truncation.
//
// Usage:
//
//	state := agent.NewState("Plan 3 days in Santa Maria")
//	init := agent.NewInitializer(prompts, registry, "")
//	init.Initialize(state)
//	act, _ := agent.CallTool("itinerary_planner", map[string]interface{}{"task_description": "..."})
//	state.SetAction(act)
package agent
