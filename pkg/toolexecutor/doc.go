// Package toolexecutor registers tools and dispatches the planner's tool
// requests against them.
//
// Invariants:
// - Tool names are unique.
// - Parameters are schema-validated before execution.
// - A dispatch invokes the tool at most once and never returns an error;
//   failures become low-quality results in the conversation.
// - Only high-quality results without error phrases are archived as drafts.
//
// Usage:
//
//	exec := toolexecutor.New(30 * time.Second)
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (string, error) {
//			return params["text"].(string), nil
//		},
//	})
//	d, _ := toolexecutor.NewDispatcher(exec, nil)
//	state = d.Dispatch(ctx, state, loopdetector.New(exec.DisplayName), pipeline.Emitter())
package toolexecutor
