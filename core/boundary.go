package core

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Boundary protocols. A session stays decoupled from its embedding
// application through four small surfaces: approval decisions flow through
// an ApprovalSystem, user-visible output through a DisplaySystem, lifecycle
// notifications through EventObservers, and conversation persistence through
// a ContextManager. Implement only what the embedding needs; every surface
// has a safe default.

// ApprovalSystem answers permission requests raised by hooks or tools.
// Implementations decide however they like: prompt a human, consult policy,
// always allow. Returning an error aborts the gated operation.
type ApprovalSystem interface {
	RequestApproval(ctx context.Context, description string, extra map[string]any) (bool, error)
}

// DisplaySystem receives user-facing output: streamed content deltas, final
// assistant messages and tool progress notes. Meta carries presentation
// hints ("partial", "source"). Display must not block for long; slow sinks
// should buffer internally.
type DisplaySystem interface {
	Display(ctx context.Context, content string, meta map[string]any)
}

// EventObserver receives every lifecycle event a session emits. Observers
// cannot veto anything; gating is the hook registry's job.
type EventObserver interface {
	OnEvent(ev Event)
}

// ContentObserver is an optional refinement of EventObserver for consumers
// that want raw streaming deltas without unpacking events.
type ContentObserver interface {
	OnContentDelta(sessionID, delta string)
}

// ToolObserver is an optional refinement of EventObserver for consumers
// tracking tool execution boundaries.
type ToolObserver interface {
	OnToolStart(sessionID, tool string, args map[string]any)
	OnToolEnd(sessionID, tool string, result any, err error)
}

// ContextManager persists the conversational state of sessions. Add appends
// content to a session's transcript, Messages returns the ordered transcript
// and Clear drops it. Implementations must be safe for concurrent use.
type ContextManager interface {
	Add(ctx context.Context, sessionID string, content Content) error
	Messages(ctx context.Context, sessionID string) ([]Content, error)
	Clear(ctx context.Context, sessionID string) error
	Close() error
}

// CapabilityLookup resolves named runtime capabilities registered on a
// session coordinator. Tools use it to reach optional session facilities
// without compile-time coupling.
type CapabilityLookup interface {
	Capability(name string) (any, bool)
}

// Capability names pre-registered on every session coordinator.
const (
	// CapabilitySpawn resolves to a Spawner for launching child sessions.
	CapabilitySpawn = "session.spawn"

	// CapabilityEventEmit resolves to a func(Event) publishing to the
	// cross-session event router.
	CapabilityEventEmit = "event.emit"

	// CapabilityWorkingDir resolves to the session working directory string.
	CapabilityWorkingDir = "session.working_dir"
)

// AutoApprove grants every approval request. The default for non-interactive
// embeddings.
type AutoApprove struct{}

// RequestApproval implements ApprovalSystem.
func (AutoApprove) RequestApproval(context.Context, string, map[string]any) (bool, error) {
	return true, nil
}

// DenyAll rejects every approval request, optionally with a fixed reason
// surfaced to the requester.
type DenyAll struct {
	Reason string
}

// RequestApproval implements ApprovalSystem.
func (d DenyAll) RequestApproval(context.Context, string, map[string]any) (bool, error) {
	return false, nil
}

// WriterDisplay writes displayed content to an io.Writer. Partial content
// (meta "partial" true) is written without a trailing newline so streamed
// deltas concatenate naturally.
type WriterDisplay struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterDisplay creates a DisplaySystem over w.
func NewWriterDisplay(w io.Writer) *WriterDisplay {
	return &WriterDisplay{w: w}
}

// Display implements DisplaySystem.
func (d *WriterDisplay) Display(_ context.Context, content string, meta map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if partial, _ := meta["partial"].(bool); partial {
		fmt.Fprint(d.w, content)
		return
	}
	fmt.Fprintln(d.w, content)
}

// NopDisplay discards all displayed content.
type NopDisplay struct{}

// Display implements DisplaySystem.
func (NopDisplay) Display(context.Context, string, map[string]any) {}

var (
	_ ApprovalSystem = AutoApprove{}
	_ ApprovalSystem = DenyAll{}
	_ DisplaySystem  = (*WriterDisplay)(nil)
	_ DisplaySystem  = NopDisplay{}
)
