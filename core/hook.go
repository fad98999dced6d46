package core

import "context"

// HookAction is the verdict a hook handler returns for an event.
type HookAction string

const (
	// HookContinue lets the event proceed. The zero HookResult means the
	// same thing, so handlers that only observe can return HookResult{}.
	HookContinue HookAction = "continue"

	// HookDeny blocks the operation the event gates (a tool call on
	// "tool:pre"). The first deny wins and stops the handler chain.
	HookDeny HookAction = "deny"

	// HookAskUser defers the verdict to the session's ApprovalSystem.
	HookAskUser HookAction = "ask_user"
)

// HookResult is the outcome of dispatching an event through hook handlers.
// Reason explains a deny; Prompt, Options and Default shape the question an
// ask-user verdict puts to the ApprovalSystem.
type HookResult struct {
	Action  HookAction `json:"action,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Prompt  string     `json:"prompt,omitempty"`
	Options []string   `json:"options,omitempty"`
	Default string     `json:"default,omitempty"`
}

// Continue returns a pass-through result.
func Continue() HookResult { return HookResult{Action: HookContinue} }

// Deny returns a blocking result with the given reason.
func Deny(reason string) HookResult {
	return HookResult{Action: HookDeny, Reason: reason}
}

// AskUser returns a result that routes through the ApprovalSystem.
func AskUser(prompt string, options []string, defaultOption string) HookResult {
	return HookResult{Action: HookAskUser, Prompt: prompt, Options: options, Default: defaultOption}
}

// Continues reports whether the event may proceed.
func (r HookResult) Continues() bool {
	return r.Action == "" || r.Action == HookContinue
}

// Denies reports whether the result blocks the gated operation.
func (r HookResult) Denies() bool { return r.Action == HookDeny }

// Asks reports whether the result requests user approval.
func (r HookResult) Asks() bool { return r.Action == HookAskUser }

// HookDispatcher runs registered hook handlers for an event and folds their
// verdicts. The concrete registry lives in the hook package; orchestrators
// and sessions only depend on this surface.
type HookDispatcher interface {
	Dispatch(ctx context.Context, ev Event) (HookResult, error)
}
