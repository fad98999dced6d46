// Package module is the registry of mountable module implementations.
// Built-in modules register themselves from their packages at init time,
// the way database/sql drivers do; bundle preparation looks mounts up by
// kind and name and instantiates them from their declared config.
package module

import (
	"fmt"
	"sort"
	"sync"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/events"
	"github.com/braidkit/braid/logging"
)

// Kind classifies what a module provides.
type Kind string

const (
	KindProvider     Kind = "provider"
	KindTool         Kind = "tool"
	KindHook         Kind = "hook"
	KindOrchestrator Kind = "orchestrator"
	KindContext      Kind = "context"
)

// Deps are the runtime services a factory may wire into its module.
type Deps struct {
	Logger logging.Logger
	Router *events.Router
}

// Factory builds a module instance from its bundle config. The returned
// value's concrete contract depends on the kind: providers implement
// core.Provider, tools core.Tool or []core.Tool, hooks register themselves
// against a dispatcher, orchestrators implement core.Orchestrator, context
// modules core.ContextManager.
type Factory func(cfg map[string]any, deps Deps) (any, error)

// Registry maps kind/name pairs to factories. The zero value is not usable;
// call NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]map[string]Factory
}

// NewRegistry creates an empty registry. Most callers use the package-level
// Default; tests build their own.
func NewRegistry() *Registry {
	return &Registry{factories: map[Kind]map[string]Factory{}}
}

// Register adds a factory. It panics on nil factories and duplicate names,
// which both indicate a programming error in module wiring.
func (r *Registry) Register(kind Kind, name string, factory Factory) {
	if factory == nil {
		panic("module: Register factory is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byName := r.factories[kind]
	if byName == nil {
		byName = map[string]Factory{}
		r.factories[kind] = byName
	}
	if _, dup := byName[name]; dup {
		panic(fmt.Sprintf("module: Register called twice for %s %q", kind, name))
	}
	byName[name] = factory
}

// Lookup returns the factory registered under kind/name.
func (r *Registry) Lookup(kind Kind, name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind][name]
	return f, ok
}

// Build looks the factory up and invokes it.
func (r *Registry) Build(kind Kind, name string, cfg map[string]any, deps Deps) (any, error) {
	f, ok := r.Lookup(kind, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrModuleNotFound, name)
	}
	out, err := f(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("build module %s: %w", name, err)
	}
	return out, nil
}

// Names lists the registered names for a kind, sorted.
func (r *Registry) Names(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories[kind]))
	for name := range r.factories[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default is the process-global registry built-in modules register into.
var Default = NewRegistry()

// Register adds a factory to the default registry.
func Register(kind Kind, name string, factory Factory) {
	Default.Register(kind, name, factory)
}

// Lookup consults the default registry.
func Lookup(kind Kind, name string) (Factory, bool) {
	return Default.Lookup(kind, name)
}
