package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/braidkit/braid/bundle"
	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/events"
	"github.com/braidkit/braid/hook"
	"github.com/braidkit/braid/logging"
	"github.com/braidkit/braid/module"
	"github.com/braidkit/braid/transcript"
)

// Params are the per-session choices an embedder makes when creating a
// session from a prepared bundle. Every field has a safe default.
type Params struct {
	// SessionID identifies the session; reusing an id against a persistent
	// context manager resumes its transcript. Generated when empty.
	SessionID string

	// SessionCWD is the working directory filesystem-facing tools are
	// scoped to. Defaults to the process working directory.
	SessionCWD string

	// Approval answers permission requests from hooks and tools. Nil
	// grants everything.
	Approval core.ApprovalSystem

	// Display receives user-facing output. Nil discards it.
	Display core.DisplaySystem

	// Observers receive every lifecycle event the session emits.
	Observers []core.EventObserver

	// Logger receives runtime diagnostics. Nil disables logging.
	Logger logging.Logger
}

// Assembly is the activated module set a prepared bundle hands to New. The
// braid package fills it during preparation; tests assemble it by hand.
type Assembly struct {
	// Bundle is the composed bundle the session was built from. Its
	// instruction and session block configure the run; nil is allowed for
	// hand-built sessions.
	Bundle *bundle.Bundle

	Provider       core.Provider
	Tools          []core.Tool
	HookBinders    []hook.Binder
	Orchestrator   core.Orchestrator
	ContextManager core.ContextManager

	// Router receives lifecycle events for cross-session consumers and
	// backs the event.emit capability. Optional.
	Router *events.Router

	// Preparer turns bundles into child sessions for Spawn. Optional;
	// sessions without one reject Spawn.
	Preparer Preparer
}

// Preparer prepares a bundle and creates a session from it. The braid
// package injects its prepare pipeline here so spawned children go through
// the same module activation as their parents.
type Preparer interface {
	PrepareSession(ctx context.Context, b *bundle.Bundle, params Params) (*Session, error)
}

// Session is one running conversation: a mounted module set, a hook
// registry, a transcript and the boundary systems of its embedder.
// Create sessions through PreparedBundle.NewSession or New.
type Session struct {
	id          string
	cwd         string
	instruction string
	config      map[string]any
	bundle      *bundle.Bundle
	logger      logging.Logger

	coordinator *Coordinator
	approval    core.ApprovalSystem
	display     core.DisplaySystem
	router      *events.Router
	emitter     *events.Emitter
	preparer    Preparer

	// execMu serializes executions; overlapping Execute calls against the
	// shared transcript run one at a time.
	execMu sync.Mutex

	mu        sync.RWMutex
	observers []core.EventObserver
	turns     int
	closed    bool
}

// New assembles a session and emits session:start. Missing assembly pieces
// fall back: the context manager defaults to an in-memory transcript, the
// hook registry is always created. Provider and orchestrator may be mounted
// later through the coordinator; Execute fails until both are present.
func New(ctx context.Context, asm Assembly, params Params) (*Session, error) {
	id := params.SessionID
	if id == "" {
		id = core.NewID()
	}
	cwd := params.SessionCWD
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}
	logger := params.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	hooks := hook.NewRegistry(func(o *hook.RegistryOptions) {
		o.Logger = logger
		o.Approval = params.Approval
	})
	coord := NewCoordinator(logger, hooks)
	if asm.Provider != nil {
		coord.provider = asm.Provider
	}
	if asm.Orchestrator != nil {
		coord.orchestrator = asm.Orchestrator
	}
	coord.manager = asm.ContextManager
	if coord.manager == nil {
		coord.manager = transcript.NewMemory()
	}
	for _, t := range asm.Tools {
		if err := coord.Mount(module.KindTool, t.Name(), t); err != nil {
			return nil, fmt.Errorf("session %s: %w", id, err)
		}
	}
	for _, bind := range asm.HookBinders {
		bind(hooks)
	}

	s := &Session{
		id:          id,
		cwd:         cwd,
		config:      sessionConfig(asm.Bundle),
		bundle:      asm.Bundle,
		logger:      logger,
		coordinator: coord,
		approval:    params.Approval,
		display:     params.Display,
		router:      asm.Router,
		preparer:    asm.Preparer,
		observers:   append([]core.EventObserver(nil), params.Observers...),
	}
	s.instruction = buildInstruction(asm.Bundle)

	coord.RegisterCapability(core.CapabilitySpawn, Spawner(s))
	coord.RegisterCapability(core.CapabilityWorkingDir, cwd)
	if asm.Router != nil {
		s.emitter = asm.Router.SessionEmitter(id)
		emit := s.emitter
		coord.RegisterCapability(core.CapabilityEventEmit, func(ev core.Event) {
			emit.Forward(ev)
		})
	}

	start := core.NewEvent(core.EventSessionStart, id)
	if asm.Bundle != nil {
		start = start.WithData("bundle", asm.Bundle.Name)
	}
	s.emitLifecycle(ctx, start)
	logger.Info("session started", "session_id", id, "cwd", cwd)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CWD returns the session working directory.
func (s *Session) CWD() string { return s.cwd }

// Coordinator exposes the in-session module registry.
func (s *Session) Coordinator() *Coordinator { return s.coordinator }

// Turns returns the number of completed executions.
func (s *Session) Turns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turns
}

// Execute runs one conversation turn: the prompt is appended to the
// transcript, the orchestrator loops provider and tool calls to completion,
// and the final assistant text is returned. Lifecycle events reach hooks,
// observers and the router; content deltas reach the display system.
func (s *Session) Execute(ctx context.Context, prompt string) (string, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	ch, err := s.start(ctx, prompt)
	if err != nil {
		return "", err
	}

	var final string
	var runErr error
	for ev := range ch {
		s.relay(ev)
		switch ev.Name {
		case core.EventProviderResponse:
			if ev.Content != nil {
				final = ev.Content.Text()
			}
		case core.EventSessionError:
			msg, _ := ev.Data["error"].(string)
			runErr = errors.New(msg)
		}
	}
	if runErr != nil {
		return "", fmt.Errorf("session %s: %w", s.id, runErr)
	}

	s.mu.Lock()
	s.turns++
	s.mu.Unlock()
	return final, nil
}

// ExecuteStream runs one turn like Execute but hands the caller the live
// event stream. The error channel delivers at most one terminal error after
// the event channel closes.
func (s *Session) ExecuteStream(ctx context.Context, prompt string) (<-chan core.Event, <-chan error) {
	out := make(chan core.Event, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		s.execMu.Lock()
		defer s.execMu.Unlock()

		ch, err := s.start(ctx, prompt)
		if err != nil {
			errCh <- err
			return
		}

		var runErr error
		for ev := range ch {
			s.relay(ev)
			if ev.Name == core.EventSessionError {
				msg, _ := ev.Data["error"].(string)
				runErr = fmt.Errorf("session %s: %s", s.id, msg)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
		if runErr != nil {
			errCh <- runErr
			return
		}

		s.mu.Lock()
		s.turns++
		s.mu.Unlock()
	}()

	return out, errCh
}

// start validates the session, records the user prompt and launches the
// orchestrator. Callers must hold execMu.
func (s *Session) start(ctx context.Context, prompt string) (<-chan core.Event, error) {
	if s.isClosed() {
		return nil, fmt.Errorf("session %s: %w", s.id, core.ErrClosed)
	}
	orch := s.coordinator.Orchestrator()
	if orch == nil {
		return nil, fmt.Errorf("session %s: no orchestrator mounted", s.id)
	}
	if s.coordinator.Provider() == nil {
		return nil, fmt.Errorf("session %s: no provider mounted", s.id)
	}

	content := core.NewUserContent(prompt)
	manager := s.coordinator.ContextManager()
	if err := manager.Add(ctx, s.id, content); err != nil {
		return nil, fmt.Errorf("session %s: record prompt: %w", s.id, err)
	}

	runID := core.NewID()
	rc := s.runContext(ctx, runID, manager)
	ch, err := orch.Run(rc, content)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", s.id, err)
	}
	s.logger.Debug("run started", "session_id", s.id, "run_id", runID)
	return ch, nil
}

// runContext snapshots the session state for one orchestrator run.
func (s *Session) runContext(ctx context.Context, runID string, manager core.ContextManager) *core.RunContext {
	rc := core.NewRunContext(ctx, s.id, runID, s.logger)
	rc.CWD = s.cwd
	rc.Instruction = s.instruction
	rc.Provider = s.coordinator.Provider()
	rc.Tools = s.coordinator.Tools()
	rc.Hooks = s.coordinator.Hooks()
	rc.ContextManager = manager
	rc.Approval = s.approval
	rc.Display = s.display
	rc.Capabilities = s.coordinator
	rc.Config = s.config
	rc.Limiter = core.NewCallLimiter(configInt(s.config, "max_provider_calls", 0))
	return rc
}

// Close ends the session: it waits for any in-flight execution, emits
// session:end, closes the context manager and releases observers. Close is
// idempotent; a closed session rejects Execute.
func (s *Session) Close() error {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	end := core.NewEvent(core.EventSessionEnd, s.id).WithData("turns", s.Turns())
	s.emitLifecycle(context.Background(), end)

	var err error
	if manager := s.coordinator.ContextManager(); manager != nil {
		err = manager.Close()
	}

	s.mu.Lock()
	s.observers = nil
	s.mu.Unlock()

	s.logger.Info("session closed", "session_id", s.id)
	return err
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// emitLifecycle dispatches a session-level event through hooks and relays
// it to observers and the router. Orchestrator-emitted events skip this
// path; the loop dispatches them inline.
func (s *Session) emitLifecycle(ctx context.Context, ev core.Event) {
	if _, err := s.coordinator.Hooks().Dispatch(ctx, ev); err != nil {
		s.logger.Warn("lifecycle hook dispatch failed", "event", ev.Name, "error", err)
	}
	s.relay(ev)
}

// relay fans an event out to observers and the router. Granular observer
// refinements receive their slices of the event data.
func (s *Session) relay(ev core.Event) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()

	for _, obs := range observers {
		obs.OnEvent(ev)
		switch ev.Name {
		case core.EventContentDelta:
			if co, ok := obs.(core.ContentObserver); ok {
				delta, _ := ev.Data["delta"].(string)
				co.OnContentDelta(ev.SessionID, delta)
			}
		case core.EventToolPre:
			if to, ok := obs.(core.ToolObserver); ok {
				name, _ := ev.Data["tool_name"].(string)
				args, _ := ev.Data["tool_input"].(map[string]any)
				to.OnToolStart(ev.SessionID, name, args)
			}
		case core.EventToolPost:
			if to, ok := obs.(core.ToolObserver); ok {
				name, _ := ev.Data["tool_name"].(string)
				to.OnToolEnd(ev.SessionID, name, ev.Data["result"], nil)
			}
		case core.EventToolError:
			if to, ok := obs.(core.ToolObserver); ok {
				name, _ := ev.Data["tool_name"].(string)
				msg, _ := ev.Data["error"].(string)
				to.OnToolEnd(ev.SessionID, name, nil, errors.New(msg))
			}
		}
	}

	if s.emitter != nil {
		s.emitter.Forward(ev)
	}
}

// buildInstruction assembles the system instruction from the bundle's
// instruction body plus a roster of its agent definitions.
func buildInstruction(b *bundle.Bundle) string {
	if b == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(b.Instruction))

	if len(b.Agents) > 0 {
		names := make([]string, 0, len(b.Agents))
		for name := range b.Agents {
			names = append(names, name)
		}
		sort.Strings(names)

		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## Available agents\n")
		for _, name := range names {
			agent := b.Agents[name]
			sb.WriteString("\n- ")
			sb.WriteString(name)
			if agent.Description != "" {
				sb.WriteString(": ")
				sb.WriteString(agent.Description)
			}
		}
	}
	return sb.String()
}

// sessionConfig flattens the bundle's session block into the orchestrator
// config: top-level keys first, then the orchestrator ref's own config map.
func sessionConfig(b *bundle.Bundle) map[string]any {
	cfg := map[string]any{}
	if b == nil {
		return cfg
	}
	for k, v := range b.Session {
		cfg[k] = v
	}
	if m, ok := b.Session["orchestrator"].(map[string]any); ok {
		if sub, ok := m["config"].(map[string]any); ok {
			for k, v := range sub {
				cfg[k] = v
			}
		}
	}
	return cfg
}

func configInt(cfg map[string]any, key string, fallback int) int {
	switch v := cfg[key].(type) {
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
