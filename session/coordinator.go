package session

import (
	"fmt"
	"sync"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/hook"
	"github.com/braidkit/braid/logging"
	"github.com/braidkit/braid/module"
)

// Coordinator is the in-session registry of mounted modules and named
// capabilities. Bundle preparation fills it at session creation; embedders
// can mount additional tools afterwards. All methods are safe for
// concurrent use.
type Coordinator struct {
	logger logging.Logger

	mu           sync.RWMutex
	provider     core.Provider
	orchestrator core.Orchestrator
	manager      core.ContextManager
	tools        []core.Tool
	hooks        *hook.Registry
	hookUnbinds  map[string]func()
	capabilities map[string]any
}

var _ core.CapabilityLookup = (*Coordinator)(nil)

// NewCoordinator creates an empty coordinator with its own hook registry.
func NewCoordinator(logger logging.Logger, hooks *hook.Registry) *Coordinator {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if hooks == nil {
		hooks = hook.NewRegistry(func(o *hook.RegistryOptions) { o.Logger = logger })
	}
	return &Coordinator{
		logger:       logger,
		hooks:        hooks,
		hookUnbinds:  map[string]func(){},
		capabilities: map[string]any{},
	}
}

// Mount registers a module instance at runtime. Tools accumulate (one per
// name); provider, orchestrator and context manager replace any previous
// mount; hook instances must be hook.Binder values and bind immediately.
func (c *Coordinator) Mount(kind module.Kind, name string, instance any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case module.KindTool:
		return c.mountToolLocked(name, instance)

	case module.KindProvider:
		p, ok := instance.(core.Provider)
		if !ok {
			return fmt.Errorf("mount provider %q: %T does not implement core.Provider", name, instance)
		}
		c.provider = p

	case module.KindOrchestrator:
		o, ok := instance.(core.Orchestrator)
		if !ok {
			return fmt.Errorf("mount orchestrator %q: %T does not implement core.Orchestrator", name, instance)
		}
		c.orchestrator = o

	case module.KindContext:
		m, ok := instance.(core.ContextManager)
		if !ok {
			return fmt.Errorf("mount context %q: %T does not implement core.ContextManager", name, instance)
		}
		c.manager = m

	case module.KindHook:
		binder := asBinder(instance)
		if binder == nil {
			return fmt.Errorf("mount hook %q: %T is not a hook.Binder", name, instance)
		}
		if _, dup := c.hookUnbinds[name]; dup {
			return fmt.Errorf("mount hook %q: already mounted", name)
		}
		c.hookUnbinds[name] = binder(c.hooks)

	default:
		return fmt.Errorf("mount %q: unknown module kind %q", name, kind)
	}

	c.logger.Debug("module mounted", "kind", string(kind), "name", name)
	return nil
}

func (c *Coordinator) mountToolLocked(name string, instance any) error {
	switch v := instance.(type) {
	case core.Tool:
		if name == "" {
			name = v.Name()
		}
		for _, t := range c.tools {
			if t.Name() == v.Name() {
				return fmt.Errorf("mount tool %q: name %q already mounted", name, v.Name())
			}
		}
		c.tools = append(c.tools, v)
		c.logger.Debug("module mounted", "kind", "tool", "name", v.Name())
		return nil
	case []core.Tool:
		for _, t := range v {
			if err := c.mountToolLocked(t.Name(), t); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("mount tool %q: %T does not implement core.Tool", name, instance)
	}
}

// Unmount removes a runtime-mounted tool or hook by name. Provider,
// orchestrator and context manager mounts are replaced by mounting a
// successor, never removed.
func (c *Coordinator) Unmount(kind module.Kind, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case module.KindTool:
		for i, t := range c.tools {
			if t.Name() == name {
				c.tools = append(c.tools[:i], c.tools[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("unmount tool %q: %w", name, core.ErrNotFound)

	case module.KindHook:
		unbind, ok := c.hookUnbinds[name]
		if !ok {
			return fmt.Errorf("unmount hook %q: %w", name, core.ErrNotFound)
		}
		unbind()
		delete(c.hookUnbinds, name)
		return nil

	default:
		return fmt.Errorf("unmount %q: kind %q mounts are replaced, not removed", name, kind)
	}
}

// Provider returns the mounted provider, or nil.
func (c *Coordinator) Provider() core.Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.provider
}

// Orchestrator returns the mounted orchestrator, or nil.
func (c *Coordinator) Orchestrator() core.Orchestrator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orchestrator
}

// ContextManager returns the mounted context manager, or nil.
func (c *Coordinator) ContextManager() core.ContextManager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manager
}

// Tools returns a copy of the mounted tool set in mount order.
func (c *Coordinator) Tools() []core.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.tools) == 0 {
		return nil
	}
	out := make([]core.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Hooks returns the session's hook registry.
func (c *Coordinator) Hooks() *hook.Registry {
	return c.hooks
}

// RegisterCapability exposes a named runtime capability to tools.
func (c *Coordinator) RegisterCapability(name string, capability any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities[name] = capability
}

// Capability implements core.CapabilityLookup.
func (c *Coordinator) Capability(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.capabilities[name]
	return v, ok
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
