package agent

import "errors"

// Error taxonomy. Components wrap these with fmt.Errorf("...: %w", ...) for
// logging and span status; none of them escape a turn to the caller.
var (
	// ErrConfiguration means a required collaborator such as the prompt source is unset.
	ErrConfiguration = errors.New("configuration error")
	// ErrParse means the model reply could not be read as a structured action.
	ErrParse = errors.New("planner reply parse error")
	// ErrToolNotFound means the requested tool is not registered.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolExecution means the tool collaborator failed.
	ErrToolExecution = errors.New("tool execution failed")
	// ErrLoopDetected means the duplicate/loop detector blocked a call.
	ErrLoopDetected = errors.New("tool loop detected")
	// ErrRouter means the declared action was unknown or malformed.
	ErrRouter = errors.New("router error")
	// ErrModel means the language model call failed or timed out.
	ErrModel = errors.New("language model call failed")
)
