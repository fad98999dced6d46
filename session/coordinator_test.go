package session

import (
	"context"
	"testing"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/hook"
	"github.com/braidkit/braid/module"
	"github.com/braidkit/braid/orchestrator"
	"github.com/braidkit/braid/provider"
	"github.com/braidkit/braid/transcript"
	"github.com/stretchr/testify/assert"
)

func TestMountReplacesSingletonKinds(t *testing.T) {
	c := NewCoordinator(nil, nil)

	first := provider.NewMock("first")
	second := provider.NewMock("second")
	assert.NoError(t, c.Mount(module.KindProvider, "mock", first))
	assert.NoError(t, c.Mount(module.KindProvider, "mock", second))
	assert.Same(t, second, c.Provider())

	assert.NoError(t, c.Mount(module.KindOrchestrator, "loop", orchestrator.NewBasic()))
	assert.NotNil(t, c.Orchestrator())

	assert.NoError(t, c.Mount(module.KindContext, "memory", transcript.NewMemory()))
	assert.NotNil(t, c.ContextManager())

	err := c.Mount(module.KindProvider, "bad", 42)
	assert.ErrorContains(t, err, "does not implement core.Provider")
	err = c.Mount(module.KindOrchestrator, "bad", "nope")
	assert.ErrorContains(t, err, "does not implement core.Orchestrator")
	err = c.Mount(module.KindContext, "bad", struct{}{})
	assert.ErrorContains(t, err, "does not implement core.ContextManager")
}

func TestMountTools(t *testing.T) {
	c := NewCoordinator(nil, nil)

	single := &stubTool{name: "alpha"}
	group := []core.Tool{&stubTool{name: "beta"}, &stubTool{name: "gamma"}}
	assert.NoError(t, c.Mount(module.KindTool, "alpha", single))
	assert.NoError(t, c.Mount(module.KindTool, "group", group))
	assert.Len(t, c.Tools(), 3)

	err := c.Mount(module.KindTool, "alpha", &stubTool{name: "alpha"})
	assert.ErrorContains(t, err, "already mounted")

	err = c.Mount(module.KindTool, "weird", 3.14)
	assert.ErrorContains(t, err, "does not implement core.Tool")

	// Tools hands out a copy; callers cannot edit the mounted set.
	snapshot := c.Tools()
	snapshot[0] = nil
	assert.NotNil(t, c.Tools()[0])
}

func TestUnmountTool(t *testing.T) {
	c := NewCoordinator(nil, nil)
	assert.NoError(t, c.Mount(module.KindTool, "alpha", &stubTool{name: "alpha"}))
	assert.NoError(t, c.Mount(module.KindTool, "beta", &stubTool{name: "beta"}))

	assert.NoError(t, c.Unmount(module.KindTool, "alpha"))
	tools := c.Tools()
	assert.Len(t, tools, 1)
	assert.Equal(t, "beta", tools[0].Name())

	assert.ErrorIs(t, c.Unmount(module.KindTool, "alpha"), core.ErrNotFound)
}

func TestMountHookBinder(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(nil, nil)

	var count int
	binder := hook.Binder(func(r *hook.Registry) func() {
		return r.Register("tool:*", func(_ context.Context, _ core.Event) core.HookResult {
			count++
			return core.Continue()
		})
	})
	assert.NoError(t, c.Mount(module.KindHook, "counter", binder))

	_, err := c.Hooks().Dispatch(ctx, core.NewEvent(core.EventToolPre, "s"))
	assert.NoError(t, err)
	assert.Equal(t, 1, count)

	err = c.Mount(module.KindHook, "counter", binder)
	assert.ErrorContains(t, err, "already mounted")

	assert.NoError(t, c.Unmount(module.KindHook, "counter"))
	_, err = c.Hooks().Dispatch(ctx, core.NewEvent(core.EventToolPre, "s"))
	assert.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.ErrorIs(t, c.Unmount(module.KindHook, "counter"), core.ErrNotFound)
}

func TestMountHookPlainFunc(t *testing.T) {
	c := NewCoordinator(nil, nil)

	var bound bool
	raw := func(r *hook.Registry) func() {
		bound = true
		return r.Register("*", func(_ context.Context, _ core.Event) core.HookResult {
			return core.Continue()
		})
	}
	assert.NoError(t, c.Mount(module.KindHook, "raw", raw))
	assert.True(t, bound)

	err := c.Mount(module.KindHook, "bad", "not a binder")
	assert.ErrorContains(t, err, "not a hook.Binder")
}

func TestUnmountSingletonRejected(t *testing.T) {
	c := NewCoordinator(nil, nil)
	err := c.Unmount(module.KindProvider, "mock")
	assert.ErrorContains(t, err, "replaced, not removed")
}

func TestMountUnknownKind(t *testing.T) {
	c := NewCoordinator(nil, nil)
	err := c.Mount(module.Kind("widget"), "x", struct{}{})
	assert.ErrorContains(t, err, "unknown module kind")
}

func TestCapabilityRegistry(t *testing.T) {
	c := NewCoordinator(nil, nil)
	c.RegisterCapability("custom.flag", 42)

	v, ok := c.Capability("custom.flag")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = c.Capability("absent")
	assert.False(t, ok)
}
