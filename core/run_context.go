package core

import (
	"context"

	"github.com/braidkit/braid/logging"
)

// Orchestrator drives one execution: given a run context and the user
// prompt it loops provider turns and tool calls until the model produces a
// final answer. Run returns a channel of lifecycle events that closes when
// the execution finishes; a terminal session:error event carries any
// failure. Orchestrator modules register under the "orchestrator" kind.
type Orchestrator interface {
	Run(rc *RunContext, prompt Content) (<-chan Event, error)
}

// RunContext carries the execution scope for one orchestrator run. It
// aggregates:
//   - The ambient cancellation Context and identifiers (SessionID, RunID)
//   - The session working directory for filesystem-facing tools
//   - The mounted provider, tool set and hook dispatcher
//   - The context manager holding the conversation transcript
//   - Boundary systems (approval, display) and capability lookup
//   - The orchestrator config from the bundle's session block
//   - A provider-call limiter
//
// The session assembles a fresh RunContext per Execute; orchestrators and
// tools must not retain it past the run.
type RunContext struct {
	Context        context.Context
	SessionID      string
	RunID          string
	CWD            string
	Instruction    string
	Provider       Provider
	Tools          []Tool
	Hooks          HookDispatcher
	ContextManager ContextManager
	Approval       ApprovalSystem
	Display        DisplaySystem
	Capabilities   CapabilityLookup
	Config         map[string]any
	Limiter        *CallLimiter

	*loggerAdapter
}

// NewRunContext constructs a RunContext bound to ctx with empty config.
// The session fills the remaining fields before handing it to the
// orchestrator.
func NewRunContext(ctx context.Context, sessionID, runID string, logger logging.Logger) *RunContext {
	return &RunContext{
		Context:       ctx,
		SessionID:     sessionID,
		RunID:         runID,
		Config:        map[string]any{},
		Limiter:       NewCallLimiter(0),
		loggerAdapter: newLoggerAdapter(logger),
	}
}

// Done returns a channel closed when the underlying context is cancelled.
func (rc *RunContext) Done() <-chan struct{} { return rc.Context.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (rc *RunContext) Err() error { return rc.Context.Err() }

// Tool returns the mounted tool with the given name.
func (rc *RunContext) Tool(name string) (Tool, bool) {
	for _, t := range rc.Tools {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// ToolDefinitions projects the mounted tool set for a provider request.
func (rc *RunContext) ToolDefinitions() []ToolDefinition {
	if len(rc.Tools) == 0 {
		return nil
	}
	defs := make([]ToolDefinition, 0, len(rc.Tools))
	for _, t := range rc.Tools {
		defs = append(defs, Definition(t))
	}
	return defs
}

// Dispatch runs the event through the hook dispatcher. With no dispatcher
// configured the event passes.
func (rc *RunContext) Dispatch(ev Event) (HookResult, error) {
	if rc.Hooks == nil {
		return HookResult{}, nil
	}
	return rc.Hooks.Dispatch(rc.Context, ev)
}

// RequestApproval asks the session's ApprovalSystem. With none configured
// the request is granted.
func (rc *RunContext) RequestApproval(description string, extra map[string]any) (bool, error) {
	if rc.Approval == nil {
		return true, nil
	}
	return rc.Approval.RequestApproval(rc.Context, description, extra)
}

// Show forwards content to the display system when one is configured.
func (rc *RunContext) Show(content string, meta map[string]any) {
	if rc.Display == nil {
		return
	}
	rc.Display.Display(rc.Context, content, meta)
}

// ConfigString reads a string value from the orchestrator config.
func (rc *RunContext) ConfigString(key, fallback string) string {
	if v, ok := rc.Config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// ConfigInt reads an integer value from the orchestrator config, accepting
// the numeric shapes YAML and JSON decoding produce.
func (rc *RunContext) ConfigInt(key string, fallback int) int {
	switch v := rc.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
