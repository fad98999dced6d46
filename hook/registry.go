// Package hook implements the event gating layer. Sessions dispatch every
// lifecycle event through a Registry; registered handlers observe events and
// can deny gated operations or escalate them to the session's approval
// system. Hook modules from bundles and ephemeral per-execution hooks share
// the same registry.
package hook

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/logging"
)

// Handler inspects an event and returns a verdict. Handlers that only
// observe return core.HookResult{} (equivalent to Continue).
type Handler func(ctx context.Context, ev core.Event) core.HookResult

// DefaultPriority is assigned to handlers that do not set one.
const DefaultPriority = 100

// HookOptions configure a single registration.
type HookOptions struct {
	// Priority orders handlers during dispatch; lower runs first. Handlers
	// with equal priority run in registration order.
	Priority int

	// Name identifies the handler in logs.
	Name string
}

// WithPriority sets the dispatch priority.
func WithPriority(p int) func(o *HookOptions) {
	return func(o *HookOptions) { o.Priority = p }
}

// WithName sets the handler name used in logs.
func WithName(name string) func(o *HookOptions) {
	return func(o *HookOptions) { o.Name = name }
}

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	// Logger receives dispatch diagnostics.
	Logger logging.Logger

	// Approval resolves ask-user verdicts. With none configured, ask-user
	// results are granted.
	Approval core.ApprovalSystem
}

// Registry holds hook handlers and dispatches events through them. It is
// safe for concurrent registration, unregistration and dispatch.
type Registry struct {
	logger   logging.Logger
	approval core.ApprovalSystem

	mu      sync.RWMutex
	entries []*entry
	nextID  int
}

type entry struct {
	id       int
	pattern  string
	name     string
	priority int
	handler  Handler
}

// NewRegistry creates an empty hook registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		logger:   opts.Logger,
		approval: opts.Approval,
	}
}

// Register adds a handler for events matching pattern. Pattern is an exact
// event name, a prefix wildcard ("tool:*") or "*". The returned unregister
// function removes the handler; it is idempotent and safe to call
// concurrently, so per-execution hooks can rely on defer running it on
// every exit path.
func (r *Registry) Register(pattern string, h Handler, optFns ...func(o *HookOptions)) (unregister func()) {
	opts := HookOptions{
		Priority: DefaultPriority,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	r.mu.Lock()
	r.nextID++
	e := &entry{
		id:       r.nextID,
		pattern:  pattern,
		name:     opts.Name,
		priority: opts.Priority,
		handler:  h,
	}
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, cur := range r.entries {
			if cur.id == e.id {
				r.entries = append(r.entries[:i], r.entries[i+1:]...)
				return
			}
		}
	}
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Dispatch runs every handler matching the event, ordered by priority then
// registration. The first deny stops the chain and is returned. Ask-user
// verdicts route through the approval system: rejection becomes a deny,
// grant lets the chain continue. Handlers registered while a dispatch is in
// flight are not consulted for that event.
func (r *Registry) Dispatch(ctx context.Context, ev core.Event) (core.HookResult, error) {
	matching := r.matching(ev.Name)

	for _, e := range matching {
		res := e.handler(ctx, ev)

		switch {
		case res.Denies():
			r.logger.Debug("hook denied event", "event", ev.Name, "hook", e.name, "reason", res.Reason)
			return res, nil

		case res.Asks():
			approved, err := r.resolveAsk(ctx, res)
			if err != nil {
				return core.HookResult{}, fmt.Errorf("approval request failed: %w", err)
			}
			if !approved {
				r.logger.Debug("hook ask was rejected", "event", ev.Name, "hook", e.name)
				return core.Deny(fmt.Sprintf("approval rejected: %s", res.Prompt)), nil
			}
			// Granted; remaining handlers still get a say.
		}
	}

	return core.Continue(), nil
}

// matching snapshots the handlers whose pattern matches name, sorted by
// priority with registration order preserved within equal priorities.
func (r *Registry) matching(name string) []*entry {
	r.mu.RLock()
	matching := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if core.MatchName(e.pattern, name) {
			matching = append(matching, e)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].priority < matching[j].priority
	})
	return matching
}

func (r *Registry) resolveAsk(ctx context.Context, res core.HookResult) (bool, error) {
	if r.approval == nil {
		return true, nil
	}
	extra := map[string]any{}
	if len(res.Options) > 0 {
		extra["options"] = res.Options
	}
	if res.Default != "" {
		extra["default"] = res.Default
	}
	return r.approval.RequestApproval(ctx, res.Prompt, extra)
}

var _ core.HookDispatcher = (*Registry)(nil)
