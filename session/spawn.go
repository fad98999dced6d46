package session

import (
	"context"
	"fmt"

	"github.com/braidkit/braid/bundle"
	"github.com/braidkit/braid/core"
)

// ContextDepth selects how much of the parent transcript a spawned child
// starts with.
type ContextDepth string

const (
	// DepthNone starts the child with an empty transcript.
	DepthNone ContextDepth = "none"

	// DepthRecent seeds the child with the last ContextTurns user turns.
	DepthRecent ContextDepth = "recent"

	// DepthAll seeds the child with the whole parent conversation.
	DepthAll ContextDepth = "all"
)

// DefaultContextTurns is the turn window for DepthRecent when unset.
const DefaultContextTurns = 5

// Inherit selects which of the parent's declared modules a child receives.
// The zero value inherits nothing; InheritAll passes everything; Names
// passes an explicit subset.
type Inherit struct {
	All   bool
	Names []string
}

// InheritAll passes the parent's full module list to the child.
func InheritAll() Inherit { return Inherit{All: true} }

// InheritOnly passes the named parent modules to the child.
func InheritOnly(names ...string) Inherit { return Inherit{Names: names} }

func (in Inherit) filter(refs []bundle.ModuleRef) []bundle.ModuleRef {
	if in.All {
		return copyRefs(refs)
	}
	if len(in.Names) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(in.Names))
	for _, n := range in.Names {
		allowed[n] = struct{}{}
	}
	var out []bundle.ModuleRef
	for _, ref := range refs {
		if _, ok := allowed[ref.Module]; ok {
			out = append(out, ref)
		}
	}
	return out
}

// SpawnConfig describes a child session to launch. Bundle declares what to
// spawn (nil reuses the parent's bundle); the inheritance fields control
// which parent modules and how much parent context the child receives.
type SpawnConfig struct {
	// Bundle is the child's declaration. Nil spawns the parent's own
	// bundle, which with an instruction-only overlay makes self-delegation
	// cheap.
	Bundle *bundle.Bundle

	// Prompt is the instruction the child executes.
	Prompt string

	// SessionID names the child session; generated when empty.
	SessionID string

	// Background launches the child fire-and-forget. Spawn returns
	// immediately; completion and failure are announced on the event
	// router as session:completed / session:error.
	Background bool

	// InheritTools and InheritHooks filter the parent's declared tool and
	// hook lists into the child. Child declarations win on module-name
	// conflict. The zero value inherits nothing.
	InheritTools Inherit
	InheritHooks Inherit

	// ContextDepth seeds the child transcript from the parent's
	// conversation; ContextTurns bounds DepthRecent (default 5).
	ContextDepth ContextDepth
	ContextTurns int
}

// SpawnResult reports a completed (or launched) child session.
type SpawnResult struct {
	// Output is the child's final assistant text. For background spawns it
	// is a placeholder; the real output arrives in the session:completed
	// event.
	Output string

	// SessionID identifies the child for resumption or event filtering.
	SessionID string

	// TurnCount is the number of executions the child completed (0 for
	// background spawns).
	TurnCount int
}

// Spawner launches child sessions. Sessions implement it themselves and
// register it as the session.spawn capability, so tools can delegate work
// without importing this package's concrete types at the call site.
type Spawner interface {
	Spawn(ctx context.Context, cfg SpawnConfig) (*SpawnResult, error)
}

var _ Spawner = (*Session)(nil)

// Spawn launches a child session per cfg. The child goes through the same
// bundle preparation as its parent and inherits the parent's approval and
// display systems, working directory and logger. Providers are inherited
// whenever the child bundle declares none.
func (s *Session) Spawn(ctx context.Context, cfg SpawnConfig) (*SpawnResult, error) {
	if s.isClosed() {
		return nil, fmt.Errorf("session %s: %w", s.id, core.ErrClosed)
	}
	if s.preparer == nil {
		return nil, fmt.Errorf("session %s: spawning requires a prepared bundle", s.id)
	}

	child := s.childBundle(cfg)
	if child == nil {
		return nil, fmt.Errorf("session %s: spawn requires a bundle", s.id)
	}

	childID := cfg.SessionID
	if childID == "" {
		childID = core.NewID()
	}
	params := Params{
		SessionID:  childID,
		SessionCWD: s.cwd,
		Approval:   s.approval,
		Display:    s.display,
		Logger:     s.logger,
	}

	if cfg.Background {
		// The child outlives the spawning call; only process shutdown or
		// its own failure stops it.
		bg := context.WithoutCancel(ctx)
		go s.runBackground(bg, child, params, cfg)
		s.logger.Info("background session launched", "session_id", childID, "bundle", child.Name)
		return &SpawnResult{Output: "background session started", SessionID: childID}, nil
	}

	sess, err := s.preparer.PrepareSession(ctx, child, params)
	if err != nil {
		return nil, fmt.Errorf("spawn %q: %w", child.Name, err)
	}
	defer sess.Close()

	if err := s.seedChildContext(ctx, sess, cfg); err != nil {
		return nil, fmt.Errorf("spawn %q: %w", child.Name, err)
	}

	output, err := sess.Execute(ctx, cfg.Prompt)
	if err != nil {
		return nil, fmt.Errorf("spawn %q: %w", child.Name, err)
	}
	return &SpawnResult{Output: output, SessionID: sess.ID(), TurnCount: sess.Turns()}, nil
}

// childBundle builds the child's declaration: the spawn bundle (or the
// parent's own) with inherited provider/tool/hook refs merged in. Child
// entries win on module-name conflict.
func (s *Session) childBundle(cfg SpawnConfig) *bundle.Bundle {
	base := cfg.Bundle
	if base == nil {
		base = s.bundle
	}
	if base == nil {
		return nil
	}
	child := base.Clone()

	if s.bundle == nil {
		return child
	}
	if len(child.Providers) == 0 {
		child.Providers = copyRefs(s.bundle.Providers)
	}
	child.Tools = mergeInherited(cfg.InheritTools.filter(s.bundle.Tools), child.Tools)
	child.Hooks = mergeInherited(cfg.InheritHooks.filter(s.bundle.Hooks), child.Hooks)
	return child
}

// runBackground executes a fire-and-forget child and announces the outcome
// on the event router.
func (s *Session) runBackground(ctx context.Context, child *bundle.Bundle, params Params, cfg SpawnConfig) {
	sess, err := s.preparer.PrepareSession(ctx, child, params)
	if err != nil {
		s.announceBackground(core.NewEvent(core.EventSessionError, params.SessionID).
			WithData("bundle_name", child.Name).
			WithData("error", err.Error()))
		return
	}
	defer sess.Close()

	if err := s.seedChildContext(ctx, sess, cfg); err != nil {
		s.announceBackground(core.NewEvent(core.EventSessionError, params.SessionID).
			WithData("bundle_name", child.Name).
			WithData("error", err.Error()))
		return
	}

	output, err := sess.Execute(ctx, cfg.Prompt)
	if err != nil {
		s.logger.Error("background session failed", "session_id", sess.ID(), "error", err)
		s.announceBackground(core.NewEvent(core.EventSessionError, sess.ID()).
			WithData("bundle_name", child.Name).
			WithData("error", err.Error()))
		return
	}

	s.announceBackground(core.NewEvent(core.EventSessionCompleted, sess.ID()).
		WithData("bundle_name", child.Name).
		WithData("output", output).
		WithData("success", true))
}

func (s *Session) announceBackground(ev core.Event) {
	if s.router == nil {
		s.logger.Debug("background outcome dropped, no router", "event", ev.Name, "session_id", ev.SessionID)
		return
	}
	s.router.Emit(ev)
}

// seedChildContext copies parent conversation into the child transcript
// according to the configured depth.
func (s *Session) seedChildContext(ctx context.Context, child *Session, cfg SpawnConfig) error {
	if cfg.ContextDepth == "" || cfg.ContextDepth == DepthNone {
		return nil
	}

	messages, err := s.coordinator.ContextManager().Messages(ctx, s.id)
	if err != nil {
		return fmt.Errorf("load parent context: %w", err)
	}

	// Only the user/assistant conversation crosses the boundary; tool
	// traffic stays with the parent.
	conversation := messages[:0:0]
	for _, m := range messages {
		if m.Role == "user" || m.Role == "assistant" {
			conversation = append(conversation, m)
		}
	}

	if cfg.ContextDepth == DepthRecent {
		turns := cfg.ContextTurns
		if turns <= 0 {
			turns = DefaultContextTurns
		}
		conversation = recentTurns(conversation, turns)
	}

	manager := child.coordinator.ContextManager()
	for _, m := range conversation {
		if err := manager.Add(ctx, child.id, m); err != nil {
			return fmt.Errorf("seed child context: %w", err)
		}
	}
	return nil
}

// recentTurns returns the suffix of messages starting at the nth-from-last
// user message, so a "turn" is one user prompt and everything after it.
func recentTurns(messages []core.Content, n int) []core.Content {
	var starts []int
	for i, m := range messages {
		if m.Role == "user" {
			starts = append(starts, i)
		}
	}
	if len(starts) <= n {
		return messages
	}
	return messages[starts[len(starts)-n]:]
}

// mergeInherited appends inherited refs that the child does not already
// declare. Child entries keep their position and config.
func mergeInherited(inherited, own []bundle.ModuleRef) []bundle.ModuleRef {
	if len(inherited) == 0 {
		return own
	}
	declared := make(map[string]struct{}, len(own))
	for _, ref := range own {
		declared[ref.Module] = struct{}{}
	}
	merged := copyRefs(own)
	for _, ref := range inherited {
		if _, ok := declared[ref.Module]; !ok {
			merged = append(merged, ref)
		}
	}
	return merged
}

func copyRefs(refs []bundle.ModuleRef) []bundle.ModuleRef {
	if refs == nil {
		return nil
	}
	out := make([]bundle.ModuleRef, len(refs))
	copy(out, refs)
	return out
}
