package core

import (
	"context"
	"fmt"

	"github.com/braidkit/braid/logging"
)

// ToolContext provides a constrained, auditable surface for tool
// implementations. Tools see their session's identifiers, working directory
// and registered capabilities but never the session itself, so a tool cannot
// reach around its sandbox.
type ToolContext struct {
	runCtx *RunContext
	callID string
	valid  bool

	*loggerAdapter
}

// NewToolContext constructs a tool context bound to a parent RunContext and
// a unique tool-call ID.
func NewToolContext(rc *RunContext, callID string) *ToolContext {
	return &ToolContext{
		runCtx:        rc,
		callID:        callID,
		valid:         true,
		loggerAdapter: newLoggerAdapter(rc.Logger()),
	}
}

// Context returns the context associated with the tool invocation.
func (tc *ToolContext) Context() context.Context { return tc.runCtx.Context }

// SessionID returns the session the tool is running for.
func (tc *ToolContext) SessionID() string { return tc.runCtx.SessionID }

// RunID returns the run the tool call belongs to.
func (tc *ToolContext) RunID() string { return tc.runCtx.RunID }

// CallID returns the provider-assigned tool call identifier.
func (tc *ToolContext) CallID() string { return tc.callID }

// CWD returns the session working directory. Filesystem-facing tools must
// scope all paths under it.
func (tc *ToolContext) CWD() string { return tc.runCtx.CWD }

// Logger returns the logger associated with the tool invocation.
func (tc *ToolContext) Logger() logging.Logger { return tc.loggerAdapter.Logger() }

// Capability resolves a named capability registered on the session
// coordinator (CapabilitySpawn, CapabilityEventEmit, ...). The second return
// is false when the capability is absent or no lookup is wired.
func (tc *ToolContext) Capability(name string) (any, bool) {
	if tc.runCtx.Capabilities == nil {
		return nil, false
	}
	return tc.runCtx.Capabilities.Capability(name)
}

// RequestApproval asks the session's ApprovalSystem on behalf of the tool.
func (tc *ToolContext) RequestApproval(description string, extra map[string]any) (bool, error) {
	return tc.runCtx.RequestApproval(description, extra)
}

// Show forwards user-facing output to the session's display system.
func (tc *ToolContext) Show(content string, meta map[string]any) {
	tc.runCtx.Show(content, meta)
}

// Validate performs a structural sanity check of the context.
func (tc *ToolContext) Validate() error {
	if !tc.valid || tc.runCtx == nil || tc.runCtx.SessionID == "" || tc.callID == "" {
		return fmt.Errorf("invalid ToolContext")
	}
	return nil
}

// IsValid reports whether Validate would succeed (fast path).
func (tc *ToolContext) IsValid() bool {
	return tc.valid && tc.runCtx != nil && tc.runCtx.SessionID != "" && tc.callID != ""
}
