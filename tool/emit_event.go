package tool

import (
	"fmt"

	"github.com/braidkit/braid/core"
)

// emitEventTool publishes a custom event to the cross-session router via the
// event.emit capability.
type emitEventTool struct{}

// NewEmitEventTool constructs the emit tool instance. It only works inside
// sessions whose coordinator registered the event.emit capability; elsewhere
// it fails with an execution error.
func NewEmitEventTool() Tool { return &emitEventTool{} }

func (t *emitEventTool) Name() string { return "emit_event" }

func (t *emitEventTool) Description() string {
	return "Publish a named event to the session event bus. Use to signal other sessions or background watchers."
}

func (t *emitEventTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "description": "Event name, e.g. build:finished"},
			"data": map[string]any{"type": "object", "description": "Optional event payload"},
		},
		"required": []string{"name"},
	}
}

func (t *emitEventTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	raw, ok := args["name"]
	if !ok {
		return nil, fmt.Errorf("missing required field 'name'")
	}
	name, ok := raw.(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("field 'name' must be non-empty string")
	}

	capability, ok := tc.Capability(core.CapabilityEventEmit)
	if !ok {
		return nil, NewToolError(t.Name(), "event.emit capability is not available in this session", CodeExecution)
	}
	emit, ok := capability.(func(core.Event))
	if !ok {
		return nil, NewToolError(t.Name(), "event.emit capability has unexpected type", CodeExecution)
	}

	ev := core.NewEvent(name, tc.SessionID())
	if data, ok := args["data"].(map[string]any); ok {
		ev.Data = data
	}
	emit(ev)

	return map[string]any{"emitted": true, "name": name, "event_id": ev.ID}, nil
}

var _ Tool = (*emitEventTool)(nil)
