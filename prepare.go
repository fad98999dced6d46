package braid

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/braidkit/braid/bundle"
	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/events"
	"github.com/braidkit/braid/hook"
	"github.com/braidkit/braid/logging"
	"github.com/braidkit/braid/module"
	"github.com/braidkit/braid/session"
	"github.com/braidkit/braid/source"
)

// Default modules when the session block selects none.
const (
	DefaultOrchestrator   = "loop-streaming"
	DefaultContextManager = "context-memory"
)

// PreparedBundle is the reusable result of Prepare: the composed bundle
// and its activated module set. It is immutable after construction; create
// as many sessions from it as needed.
type PreparedBundle struct {
	bundle   *bundle.Bundle
	provider core.Provider
	tools    []core.Tool
	binders  []hook.Binder
	orch     core.Orchestrator

	// newManager builds one context manager per session; a session owns
	// its manager's lifecycle and closes it.
	newManager func() (core.ContextManager, error)

	resolver *source.Resolver
	router   *events.Router
	logger   logging.Logger
	optFns   []func(o *Options)
}

// Prepare resolves a bundle's includes, composes the result, loads its
// context and agent content and activates every declared module. It is
// the expensive once-per-process step; re-preparing per request wastes
// fetches and module construction, so the cost is logged.
func Prepare(ctx context.Context, b *bundle.Bundle, optFns ...func(o *Options)) (*PreparedBundle, error) {
	if b == nil {
		return nil, errors.New("prepare: nil bundle")
	}
	opts := newOptions(optFns)
	start := time.Now()

	resolver := source.NewResolver(func(o *source.ResolverOptions) {
		o.Home = opts.Home
		o.Logger = opts.Logger
	})

	loader := &includeLoader{resolver: resolver, cache: map[string]*bundle.Bundle{}}
	composed, err := loader.compose(ctx, b, nil)
	if err != nil {
		return nil, prepareError(b, err)
	}

	composed.ResolvePendingContext()
	if err := composed.ResolveAgents(); err != nil {
		return nil, prepareError(b, err)
	}

	deps := module.Deps{Logger: opts.Logger, Router: opts.Router}
	set, err := activateModules(ctx, composed, resolver, opts.Registry, deps)
	if err != nil {
		return nil, prepareError(b, err)
	}

	opts.Logger.Info("bundle prepared",
		"bundle", composed.Name,
		"includes", len(composed.Includes),
		"tools", len(set.tools),
		"duration", time.Since(start),
	)

	return &PreparedBundle{
		bundle:     composed,
		provider:   set.provider,
		tools:      set.tools,
		binders:    set.binders,
		orch:       set.orch,
		newManager: set.newManager,
		resolver:   resolver,
		router:     opts.Router,
		logger:     opts.Logger,
		optFns:     optFns,
	}, nil
}

// Bundle returns a copy of the composed bundle.
func (p *PreparedBundle) Bundle() *bundle.Bundle {
	if p == nil || p.bundle == nil {
		return nil
	}
	return p.bundle.Clone()
}

// NewSession creates a session over the prepared module set. The session
// gets its own context manager instance; reusing a session id against a
// persistent manager resumes its transcript.
func (p *PreparedBundle) NewSession(ctx context.Context, params session.Params) (*session.Session, error) {
	if p == nil || p.bundle == nil {
		return nil, errors.New("braid: bundle not prepared")
	}
	manager, err := p.newManager()
	if err != nil {
		return nil, fmt.Errorf("session context manager: %w", err)
	}
	if params.Logger == nil {
		params.Logger = p.logger
	}
	return session.New(ctx, session.Assembly{
		Bundle:         p.bundle,
		Provider:       p.provider,
		Tools:          p.tools,
		HookBinders:    p.binders,
		Orchestrator:   p.orch,
		ContextManager: manager,
		Router:         p.router,
		Preparer:       sessionPreparer{optFns: p.optFns},
	}, params)
}

// sessionPreparer sends spawned children through the full prepare
// pipeline with the parent's runtime options.
type sessionPreparer struct {
	optFns []func(o *Options)
}

var _ session.Preparer = sessionPreparer{}

func (sp sessionPreparer) PrepareSession(ctx context.Context, b *bundle.Bundle, params session.Params) (*session.Session, error) {
	prepared, err := Prepare(ctx, b, sp.optFns...)
	if err != nil {
		return nil, err
	}
	return prepared.NewSession(ctx, params)
}

func prepareError(b *bundle.Bundle, err error) error {
	if b.Name != "" {
		return fmt.Errorf("prepare %s: %w", b.Name, err)
	}
	return fmt.Errorf("prepare bundle: %w", err)
}

// includeLoader walks the include closure. Bundles parsed from resolved
// directories are cached so diamond-shaped closures load each file once.
type includeLoader struct {
	resolver *source.Resolver
	cache    map[string]*bundle.Bundle
}

// chainEntry identifies a bundle on the current include chain, by its
// resolved directory when it came from disk and by name otherwise.
type chainEntry struct {
	name string
	dir  string
}

func (e chainEntry) label() string {
	if e.name != "" {
		return e.name
	}
	if e.dir != "" {
		return filepath.Base(e.dir)
	}
	return "(unnamed)"
}

// compose loads b's includes depth-first and layers b over them: earlier
// includes are the base, later includes override, the including bundle
// overrides all. chain carries the bundles leading here; resolving back
// onto it is a circular include.
func (l *includeLoader) compose(ctx context.Context, b *bundle.Bundle, chain []chainEntry) (*bundle.Bundle, error) {
	chain = append(chain, chainEntry{name: b.Name, dir: canonicalDir(b.BasePath)})

	var layers []*bundle.Bundle
	for _, inc := range b.Includes {
		if inc != "" && inc == b.Name {
			self := chainEntry{name: b.Name}
			return nil, cycleError([]chainEntry{self, self})
		}

		dir, err := l.resolveInclude(ctx, b, inc)
		if err != nil {
			return nil, fmt.Errorf("include %q: %w", inc, err)
		}
		if i := chainIndex(chain, func(e chainEntry) bool { return e.dir != "" && e.dir == dir }); i != -1 {
			return nil, cycleError(closeChain(chain, i, chainEntry{name: chain[i].name, dir: dir}))
		}

		child, err := l.loadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("include %q: %w", inc, err)
		}
		if i := chainIndex(chain, func(e chainEntry) bool { return e.name != "" && e.name == child.Name }); i != -1 {
			return nil, cycleError(closeChain(chain, i, chainEntry{name: child.Name, dir: dir}))
		}

		// The include's directory becomes the root for its namespaced
		// context and agent references, wherever the closure is composed.
		l.resolver.AddNamespace(child.Name, dir)
		child.AddNamespace(child.Name, dir)

		layer, err := l.compose(ctx, child, chain)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}

	if len(layers) == 0 {
		return b.Clone(), nil
	}
	return layers[0].Compose(append(layers[1:], b)...), nil
}

// resolveInclude materializes one include locator. Relative local paths
// anchor at the including bundle's base path, not the process directory.
func (l *includeLoader) resolveInclude(ctx context.Context, parent *bundle.Bundle, inc string) (string, error) {
	loc, err := source.ParseLocator(inc)
	if err != nil {
		return "", err
	}
	if (loc.Kind == source.KindLocal || loc.Kind == source.KindPath) &&
		parent.BasePath != "" && !filepath.IsAbs(filepath.FromSlash(loc.Path)) {
		loc.Path = filepath.Join(parent.BasePath, filepath.FromSlash(loc.Path))
	}
	dir, err := l.resolver.Resolve(ctx, loc)
	if err != nil {
		return "", err
	}
	return canonicalDir(dir), nil
}

func (l *includeLoader) loadDir(dir string) (*bundle.Bundle, error) {
	if b, ok := l.cache[dir]; ok {
		return b, nil
	}
	b, err := bundle.ParseFile(filepath.Join(dir, "bundle.md"))
	if err != nil {
		return nil, err
	}
	l.cache[dir] = b
	return b, nil
}

func cycleError(chain []chainEntry) error {
	labels := make([]string, len(chain))
	for i, e := range chain {
		labels[i] = e.label()
	}
	return fmt.Errorf("%w: %s", core.ErrCircularInclude, strings.Join(labels, " -> "))
}

// closeChain slices the chain from the repeated entry and appends it
// again, so the error reads a -> b -> a.
func closeChain(chain []chainEntry, from int, repeat chainEntry) []chainEntry {
	out := make([]chainEntry, 0, len(chain)-from+1)
	out = append(out, chain[from:]...)
	return append(out, repeat)
}

func chainIndex(chain []chainEntry, match func(chainEntry) bool) int {
	for i, e := range chain {
		if match(e) {
			return i
		}
	}
	return -1
}

func canonicalDir(dir string) string {
	if dir == "" {
		return ""
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return filepath.Clean(dir)
	}
	return abs
}

// moduleSet is the activated instance set of a composed bundle.
type moduleSet struct {
	provider   core.Provider
	tools      []core.Tool
	binders    []hook.Binder
	orch       core.Orchestrator
	newManager func() (core.ContextManager, error)
}

// activateModules builds the instance set from the composed bundle's
// declarations. The first declared provider wins; the orchestrator and
// context manager come from the session block with loop-streaming and
// context-memory as defaults. A declared source is resolved before the
// registry builds the instance, so bundle-shipped resources are present.
func activateModules(ctx context.Context, b *bundle.Bundle, resolver *source.Resolver, reg *module.Registry, deps module.Deps) (*moduleSet, error) {
	set := &moduleSet{}

	if len(b.Providers) > 0 {
		ref := b.Providers[0]
		inst, err := buildRef(ctx, module.KindProvider, ref, resolver, reg, deps)
		if err != nil {
			return nil, err
		}
		p, ok := inst.(core.Provider)
		if !ok {
			return nil, fmt.Errorf("module %s: %T does not implement core.Provider", ref.Module, inst)
		}
		set.provider = p
		if len(b.Providers) > 1 {
			deps.Logger.Debug("additional providers not activated",
				"active", ref.Module, "declared", len(b.Providers))
		}
	}

	for _, ref := range b.Tools {
		inst, err := buildRef(ctx, module.KindTool, ref, resolver, reg, deps)
		if err != nil {
			return nil, err
		}
		switch v := inst.(type) {
		case core.Tool:
			set.tools = append(set.tools, v)
		case []core.Tool:
			set.tools = append(set.tools, v...)
		default:
			return nil, fmt.Errorf("module %s: %T does not implement core.Tool", ref.Module, inst)
		}
	}

	for _, ref := range b.Hooks {
		inst, err := buildRef(ctx, module.KindHook, ref, resolver, reg, deps)
		if err != nil {
			return nil, err
		}
		binder := asBinder(inst)
		if binder == nil {
			return nil, fmt.Errorf("module %s: %T is not a hook.Binder", ref.Module, inst)
		}
		set.binders = append(set.binders, binder)
	}

	orchRef := sessionModuleRef(b.Session, "orchestrator", DefaultOrchestrator)
	inst, err := reg.Build(module.KindOrchestrator, orchRef.Module, orchRef.Config, deps)
	if err != nil {
		return nil, err
	}
	orch, ok := inst.(core.Orchestrator)
	if !ok {
		return nil, fmt.Errorf("module %s: %T does not implement core.Orchestrator", orchRef.Module, inst)
	}
	set.orch = orch

	ctxRef := sessionModuleRef(b.Session, "context", DefaultContextManager)
	if _, ok := reg.Lookup(module.KindContext, ctxRef.Module); !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrModuleNotFound, ctxRef.Module)
	}
	set.newManager = func() (core.ContextManager, error) {
		inst, err := reg.Build(module.KindContext, ctxRef.Module, ctxRef.Config, deps)
		if err != nil {
			return nil, err
		}
		m, ok := inst.(core.ContextManager)
		if !ok {
			return nil, fmt.Errorf("module %s: %T does not implement core.ContextManager", ctxRef.Module, inst)
		}
		return m, nil
	}

	return set, nil
}

// buildRef resolves the ref's source when it declares one, then builds
// the instance from the registry.
func buildRef(ctx context.Context, kind module.Kind, ref bundle.ModuleRef, resolver *source.Resolver, reg *module.Registry, deps module.Deps) (any, error) {
	if ref.Source != "" {
		if _, err := resolver.ResolveString(ctx, ref.Source); err != nil {
			return nil, fmt.Errorf("module %s: %w", ref.Module, err)
		}
	}
	return reg.Build(kind, ref.Module, ref.Config, deps)
}

// sessionModuleRef reads a module selection from the session block. Both
// a bare name and a {module, config} map are accepted.
func sessionModuleRef(sess map[string]any, key, fallback string) bundle.ModuleRef {
	switch v := sess[key].(type) {
	case string:
		if v != "" {
			return bundle.ModuleRef{Module: v}
		}
	case map[string]any:
		ref := bundle.ModuleRef{}
		if name, ok := v["module"].(string); ok {
			ref.Module = name
		}
		if cfg, ok := v["config"].(map[string]any); ok {
			ref.Config = cfg
		}
		if ref.Module != "" {
			return ref
		}
	}
	return bundle.ModuleRef{Module: fallback}
}

func asBinder(instance any) hook.Binder {
	switch v := instance.(type) {
	case hook.Binder:
		return v
	case func(*hook.Registry) func():
		return v
	default:
		return nil
	}
}
