package core

// Tool extends a session with a structured capability: an API call, a
// computation, a side effect. Implementations should provide descriptive
// names, a proper JSON schema for Parameters, and be safe for concurrent
// calls. The tool package provides FunctionTool for wrapping plain Go
// functions and the built-in filesystem and shell modules.
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case
	// recommended; the model calls it by this name).
	Name() string

	// Description tells the model what the tool does and when to use it.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Call executes the tool. Arguments arrive parsed from JSON and
	// validated against the schema. The ToolContext scopes the call to its
	// session (working directory, capabilities, logger).
	Call(tc *ToolContext, args map[string]any) (any, error)
}

// Definition projects a Tool into the shape providers consume.
func Definition(t Tool) ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}
