package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/braidkit/braid/bundle"
	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/events"
	"github.com/braidkit/braid/orchestrator"
	"github.com/braidkit/braid/provider"
	"github.com/braidkit/braid/transcript"
	"github.com/stretchr/testify/assert"
)

// stubPreparer assembles child sessions directly, recording what Spawn asked
// for so tests can inspect the merged bundle and the child transcript.
type stubPreparer struct {
	mu       sync.Mutex
	assemble func(b *bundle.Bundle) Assembly
	failErr  error
	bundles  []*bundle.Bundle
	children []*Session
}

func (p *stubPreparer) PrepareSession(ctx context.Context, b *bundle.Bundle, params Params) (*Session, error) {
	if p.failErr != nil {
		return nil, p.failErr
	}
	p.mu.Lock()
	p.bundles = append(p.bundles, b)
	p.mu.Unlock()

	sess, err := New(ctx, p.assemble(b), params)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.children = append(p.children, sess)
	p.mu.Unlock()
	return sess, nil
}

func (p *stubPreparer) lastBundle() *bundle.Bundle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bundles[len(p.bundles)-1]
}

func (p *stubPreparer) lastChild() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.children[len(p.children)-1]
}

// childAssembler wires every prepared bundle to a fresh scripted mock so
// child executions are deterministic regardless of prompt.
func childAssembler(finalText string) func(b *bundle.Bundle) Assembly {
	return func(b *bundle.Bundle) Assembly {
		mock := provider.NewMock("child-model")
		mock.Script(textResponse(finalText))
		return Assembly{
			Bundle:         b,
			Provider:       mock,
			Orchestrator:   orchestrator.NewBasic(),
			ContextManager: transcript.NewMemory(),
		}
	}
}

func parentBundle() *bundle.Bundle {
	b := bundle.New("parent")
	b.Providers = []bundle.ModuleRef{{Module: "prov-a", Source: "git:example/prov-a"}}
	b.Tools = []bundle.ModuleRef{{Module: "tool-a"}, {Module: "tool-b"}}
	b.Hooks = []bundle.ModuleRef{{Module: "hook-a"}}
	return b
}

func TestSpawnRequiresPreparer(t *testing.T) {
	sess := newSession(t, Assembly{Bundle: parentBundle()}, Params{})
	_, err := sess.Spawn(context.Background(), SpawnConfig{Prompt: "go"})
	assert.ErrorContains(t, err, "spawning requires a prepared bundle")
}

func TestSpawnClosedParent(t *testing.T) {
	prep := &stubPreparer{assemble: childAssembler("unused")}
	sess := newSession(t, Assembly{Bundle: parentBundle(), Preparer: prep}, Params{})
	assert.NoError(t, sess.Close())

	_, err := sess.Spawn(context.Background(), SpawnConfig{Prompt: "go"})
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestSpawnWithoutAnyBundle(t *testing.T) {
	prep := &stubPreparer{assemble: childAssembler("unused")}
	sess := newSession(t, Assembly{Preparer: prep}, Params{})

	_, err := sess.Spawn(context.Background(), SpawnConfig{Prompt: "go"})
	assert.ErrorContains(t, err, "spawn requires a bundle")
}

func TestSpawnForeground(t *testing.T) {
	ctx := context.Background()
	prep := &stubPreparer{assemble: childAssembler("child done")}
	parent := newSession(t, Assembly{Bundle: parentBundle(), Preparer: prep}, Params{
		SessionID:  "parent-1",
		SessionCWD: "/tmp/shared",
	})

	child := bundle.New("worker")
	child.Tools = []bundle.ModuleRef{{Module: "tool-c"}}

	res, err := parent.Spawn(ctx, SpawnConfig{
		Bundle:       child,
		Prompt:       "do the thing",
		InheritTools: InheritAll(),
	})
	assert.NoError(t, err)
	assert.Equal(t, "child done", res.Output)
	assert.Equal(t, 1, res.TurnCount)
	assert.NotEmpty(t, res.SessionID)
	assert.NotEqual(t, "parent-1", res.SessionID)

	prepared := prep.lastBundle()
	assert.Equal(t, "worker", prepared.Name)

	// Providers flow down whenever the child declares none.
	assert.Equal(t, []bundle.ModuleRef{{Module: "prov-a", Source: "git:example/prov-a"}}, prepared.Providers)

	// Child declarations first, inherited refs appended.
	assert.Equal(t, []string{"tool-c", "tool-a", "tool-b"}, refNames(prepared.Tools))

	// Hooks use the zero Inherit and stay behind.
	assert.Empty(t, prepared.Hooks)

	assert.Equal(t, "/tmp/shared", prep.lastChild().CWD())
}

func TestSpawnReusesParentBundle(t *testing.T) {
	prep := &stubPreparer{assemble: childAssembler("self again")}
	parent := newSession(t, Assembly{Bundle: parentBundle(), Preparer: prep}, Params{})

	res, err := parent.Spawn(context.Background(), SpawnConfig{Prompt: "delegate"})
	assert.NoError(t, err)
	assert.Equal(t, "self again", res.Output)
	assert.Equal(t, "parent", prep.lastBundle().Name)
}

func TestSpawnInheritFilters(t *testing.T) {
	parent := parentBundle()
	parent.Tools = []bundle.ModuleRef{{Module: "a"}, {Module: "b"}, {Module: "c"}}

	prep := &stubPreparer{assemble: childAssembler("ok")}
	sess := newSession(t, Assembly{Bundle: parent, Preparer: prep}, Params{})

	child := bundle.New("worker")
	child.Tools = []bundle.ModuleRef{{Module: "c", Config: map[string]any{"x": 1}}}

	_, err := sess.Spawn(context.Background(), SpawnConfig{
		Bundle:       child,
		Prompt:       "go",
		InheritTools: InheritOnly("a", "c"),
		InheritHooks: InheritAll(),
	})
	assert.NoError(t, err)

	prepared := prep.lastBundle()
	assert.Equal(t, []string{"c", "a"}, refNames(prepared.Tools))
	assert.Equal(t, map[string]any{"x": 1}, prepared.Tools[0].Config)
	assert.Equal(t, []string{"hook-a"}, refNames(prepared.Hooks))
}

func TestSpawnContextDepth(t *testing.T) {
	ctx := context.Background()

	seedParent := func(t *testing.T, prep *stubPreparer) *Session {
		t.Helper()
		parent := newSession(t, Assembly{Bundle: parentBundle(), Preparer: prep}, Params{SessionID: "parent-ctx"})
		manager := parent.Coordinator().ContextManager()
		history := []core.Content{
			core.NewUserContent("first question"),
			core.NewAssistantContent("first answer"),
			core.NewUserContent("second question"),
			{Role: "tool", Parts: []core.Part{core.TextPart{Text: "tool noise"}}},
			core.NewAssistantContent("second answer"),
			core.NewUserContent("third question"),
			core.NewAssistantContent("third answer"),
		}
		for _, m := range history {
			assert.NoError(t, manager.Add(ctx, parent.ID(), m))
		}
		return parent
	}

	childMessages := func(t *testing.T, prep *stubPreparer) []core.Content {
		t.Helper()
		child := prep.lastChild()
		msgs, err := child.Coordinator().ContextManager().Messages(ctx, child.ID())
		assert.NoError(t, err)
		return msgs
	}

	t.Run("all", func(t *testing.T) {
		prep := &stubPreparer{assemble: childAssembler("ok")}
		parent := seedParent(t, prep)

		_, err := parent.Spawn(ctx, SpawnConfig{Prompt: "summarize", ContextDepth: DepthAll})
		assert.NoError(t, err)

		msgs := childMessages(t, prep)
		// Six conversation messages survive the role filter, then the
		// child's own prompt and answer.
		assert.Len(t, msgs, 8)
		assert.Equal(t, "first question", msgs[0].Text())
		assert.Equal(t, "third answer", msgs[5].Text())
		assert.Equal(t, "summarize", msgs[6].Text())
		for _, m := range msgs {
			assert.NotEqual(t, "tool", m.Role)
		}
	})

	t.Run("recent", func(t *testing.T) {
		prep := &stubPreparer{assemble: childAssembler("ok")}
		parent := seedParent(t, prep)

		_, err := parent.Spawn(ctx, SpawnConfig{
			Prompt:       "summarize",
			ContextDepth: DepthRecent,
			ContextTurns: 2,
		})
		assert.NoError(t, err)

		msgs := childMessages(t, prep)
		assert.Len(t, msgs, 6)
		assert.Equal(t, "second question", msgs[0].Text())
		assert.Equal(t, "summarize", msgs[4].Text())
	})

	t.Run("none", func(t *testing.T) {
		prep := &stubPreparer{assemble: childAssembler("ok")}
		parent := seedParent(t, prep)

		_, err := parent.Spawn(ctx, SpawnConfig{Prompt: "fresh start"})
		assert.NoError(t, err)

		msgs := childMessages(t, prep)
		assert.Len(t, msgs, 2)
		assert.Equal(t, "fresh start", msgs[0].Text())
	})
}

func TestSpawnBackgroundCompletes(t *testing.T) {
	ctx := context.Background()
	router := events.NewRouter()
	sub, cancel := router.Subscribe(core.EventSessionCompleted)
	defer cancel()

	prep := &stubPreparer{assemble: childAssembler("bg done")}
	asm := Assembly{Bundle: parentBundle(), Preparer: prep, Router: router}
	parent := newSession(t, asm, Params{SessionID: "parent-bg"})

	child := bundle.New("worker")
	res, err := parent.Spawn(ctx, SpawnConfig{
		Bundle:     child,
		Prompt:     "bg task",
		Background: true,
	})
	assert.NoError(t, err)
	assert.Equal(t, "background session started", res.Output)
	assert.Equal(t, 0, res.TurnCount)
	assert.NotEmpty(t, res.SessionID)

	select {
	case ev := <-sub:
		assert.Equal(t, res.SessionID, ev.SessionID)
		assert.Equal(t, "worker", ev.Data["bundle_name"])
		assert.Equal(t, "bg done", ev.Data["output"])
		assert.Equal(t, true, ev.Data["success"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for background completion")
	}
}

func TestSpawnBackgroundReportsFailure(t *testing.T) {
	ctx := context.Background()
	router := events.NewRouter()
	sub, cancel := router.Subscribe(core.EventSessionError)
	defer cancel()

	prep := &stubPreparer{failErr: errors.New("no such module")}
	asm := Assembly{Bundle: parentBundle(), Preparer: prep, Router: router}
	parent := newSession(t, asm, Params{SessionID: "parent-bgfail"})

	res, err := parent.Spawn(ctx, SpawnConfig{
		Bundle:     bundle.New("worker"),
		Prompt:     "bg task",
		Background: true,
	})
	assert.NoError(t, err)

	select {
	case ev := <-sub:
		assert.Equal(t, res.SessionID, ev.SessionID)
		assert.Equal(t, "worker", ev.Data["bundle_name"])
		assert.Contains(t, ev.Data["error"], "no such module")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for background failure")
	}
}

func TestRecentTurns(t *testing.T) {
	msgs := []core.Content{
		core.NewUserContent("u1"),
		core.NewAssistantContent("a1"),
		core.NewUserContent("u2"),
		core.NewAssistantContent("a2"),
		core.NewUserContent("u3"),
		core.NewAssistantContent("a3"),
	}

	last := recentTurns(msgs, 1)
	assert.Len(t, last, 2)
	assert.Equal(t, "u3", last[0].Text())

	assert.Len(t, recentTurns(msgs, 2), 4)
	assert.Equal(t, msgs, recentTurns(msgs, 10))
	assert.Empty(t, recentTurns(nil, 3))
}

func TestInheritFilter(t *testing.T) {
	refs := []bundle.ModuleRef{{Module: "a"}, {Module: "b"}, {Module: "c"}}

	assert.Nil(t, Inherit{}.filter(refs))
	assert.Equal(t, refs, InheritAll().filter(refs))
	assert.Equal(t, []string{"b"}, refNames(InheritOnly("b").filter(refs)))
	assert.Empty(t, InheritOnly("nope").filter(refs))
}

func refNames(refs []bundle.ModuleRef) []string {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref.Module)
	}
	return out
}
