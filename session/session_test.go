package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/braidkit/braid/bundle"
	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/events"
	"github.com/braidkit/braid/logging"
	"github.com/braidkit/braid/module"
	"github.com/braidkit/braid/orchestrator"
	"github.com/braidkit/braid/provider"
	"github.com/braidkit/braid/transcript"
	"github.com/stretchr/testify/assert"
)

type stubTool struct {
	name string
	fn   func(tc *core.ToolContext, args map[string]any) (any, error)
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "test tool" }
func (s *stubTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (s *stubTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	return s.fn(tc, args)
}

type toolEnd struct {
	name   string
	result any
	err    error
}

// captureObserver records every observer callback the session fans out.
type captureObserver struct {
	mu     sync.Mutex
	events []core.Event
	deltas []string
	starts []string
	ends   []toolEnd
}

func (o *captureObserver) OnEvent(ev core.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *captureObserver) OnContentDelta(_ string, delta string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deltas = append(o.deltas, delta)
}

func (o *captureObserver) OnToolStart(_ string, tool string, _ map[string]any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts = append(o.starts, tool)
}

func (o *captureObserver) OnToolEnd(_ string, tool string, result any, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ends = append(o.ends, toolEnd{name: tool, result: result, err: err})
}

func (o *captureObserver) names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, ev := range o.events {
		out = append(out, ev.Name)
	}
	return out
}

func (o *captureObserver) findEvent(name string) (core.Event, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ev := range o.events {
		if ev.Name == name {
			return ev, true
		}
	}
	return core.Event{}, false
}

func testAssembly(p core.Provider) Assembly {
	return Assembly{
		Provider:       p,
		Orchestrator:   orchestrator.NewBasic(),
		ContextManager: transcript.NewMemory(),
	}
}

func newSession(t *testing.T, asm Assembly, params Params) *Session {
	t.Helper()
	if params.Logger == nil {
		params.Logger = logging.NoOpLogger{}
	}
	s, err := New(context.Background(), asm, params)
	assert.NoError(t, err)
	return s
}

func toolCallResponse(name, id string, args map[string]any) provider.Response {
	return provider.Response{
		Content: core.Content{Role: "assistant", Parts: []core.Part{
			core.ToolCallPart{ToolCall: core.ToolCall{ID: id, Name: name, Arguments: args}},
		}},
		FinishReason: "tool_use",
	}
}

func textResponse(text string) provider.Response {
	return provider.Response{Content: core.NewAssistantContent(text), FinishReason: "stop"}
}

func TestExecuteReturnsFinalText(t *testing.T) {
	ctx := context.Background()
	mock := provider.NewMock("test-model")
	mock.AddResponse("hi", "hello there")
	mock.AddResponse("again", "twice now")

	sess := newSession(t, testAssembly(mock), Params{SessionID: "sess-main"})

	out, err := sess.Execute(ctx, "hi")
	assert.NoError(t, err)
	assert.Equal(t, "hello there", out)
	assert.Equal(t, 1, sess.Turns())

	out, err = sess.Execute(ctx, "again")
	assert.NoError(t, err)
	assert.Equal(t, "twice now", out)
	assert.Equal(t, 2, sess.Turns())

	msgs, err := sess.Coordinator().ContextManager().Messages(ctx, sess.ID())
	assert.NoError(t, err)
	assert.Len(t, msgs, 4)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "user", msgs[2].Role)
	assert.Equal(t, "assistant", msgs[3].Role)
}

func TestExecuteRequiresMountedModules(t *testing.T) {
	ctx := context.Background()
	sess := newSession(t, Assembly{}, Params{SessionID: "sess-bare"})

	_, err := sess.Execute(ctx, "hi")
	assert.ErrorContains(t, err, "no orchestrator mounted")

	assert.NoError(t, sess.Coordinator().Mount(module.KindOrchestrator, "loop-basic", orchestrator.NewBasic()))
	_, err = sess.Execute(ctx, "hi")
	assert.ErrorContains(t, err, "no provider mounted")

	mock := provider.NewMock("test-model")
	mock.AddResponse("hi", "late but present")
	assert.NoError(t, sess.Coordinator().Mount(module.KindProvider, "mock", mock))

	out, err := sess.Execute(ctx, "hi")
	assert.NoError(t, err)
	assert.Equal(t, "late but present", out)
}

func TestClosedSessionRejectsExecute(t *testing.T) {
	sess := newSession(t, testAssembly(provider.NewMock("test-model")), Params{})
	assert.NoError(t, sess.Close())

	_, err := sess.Execute(context.Background(), "hi")
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestCloseEmitsSessionEndOnce(t *testing.T) {
	ctx := context.Background()
	mock := provider.NewMock("test-model")
	mock.AddResponse("hi", "bye")

	obs := &captureObserver{}
	asm := testAssembly(mock)
	asm.Bundle = bundle.New("demo")
	sess := newSession(t, asm, Params{SessionID: "sess-close", Observers: []core.EventObserver{obs}})

	_, err := sess.Execute(ctx, "hi")
	assert.NoError(t, err)
	assert.NoError(t, sess.Close())
	assert.NoError(t, sess.Close())

	names := obs.names()
	assert.Equal(t, core.EventSessionStart, names[0])

	var ends int
	for _, n := range names {
		if n == core.EventSessionEnd {
			ends++
		}
	}
	assert.Equal(t, 1, ends)

	start, _ := obs.findEvent(core.EventSessionStart)
	assert.Equal(t, "demo", start.Data["bundle"])
	end, _ := obs.findEvent(core.EventSessionEnd)
	assert.Equal(t, 1, end.Data["turns"])
}

func TestToolObserverCallbacks(t *testing.T) {
	ctx := context.Background()
	mock := provider.NewMock("test-model")
	mock.Script(
		toolCallResponse("adder", "call-1", map[string]any{"a": 1, "b": 2}),
		toolCallResponse("missing", "call-2", nil),
		textResponse("all done"),
	)

	obs := &captureObserver{}
	asm := testAssembly(mock)
	asm.Tools = []core.Tool{&stubTool{name: "adder", fn: func(_ *core.ToolContext, _ map[string]any) (any, error) {
		return 3, nil
	}}}
	sess := newSession(t, asm, Params{SessionID: "sess-tools", Observers: []core.EventObserver{obs}})

	out, err := sess.Execute(ctx, "compute")
	assert.NoError(t, err)
	assert.Equal(t, "all done", out)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"adder", "missing"}, obs.starts)
	assert.Len(t, obs.ends, 2)
	assert.Equal(t, "adder", obs.ends[0].name)
	assert.Equal(t, 3, obs.ends[0].result)
	assert.NoError(t, obs.ends[0].err)
	assert.Equal(t, "missing", obs.ends[1].name)
	assert.ErrorContains(t, obs.ends[1].err, "tool not found")
}

func TestContentObserverStreaming(t *testing.T) {
	ctx := context.Background()
	mock := provider.NewMock("test-model")
	mock.AddResponse("stream", "chunk me")

	obs := &captureObserver{}
	asm := testAssembly(mock)
	asm.Orchestrator = orchestrator.NewStreaming()
	sess := newSession(t, asm, Params{SessionID: "sess-stream", Observers: []core.EventObserver{obs}})

	out, err := sess.Execute(ctx, "stream")
	assert.NoError(t, err)
	assert.Equal(t, "chunk me", out)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, "chunk me", strings.Join(obs.deltas, ""))
}

func TestRouterReceivesSessionEvents(t *testing.T) {
	ctx := context.Background()
	mock := provider.NewMock("test-model")
	mock.AddResponse("hi", "routed")

	router := events.NewRouter()
	sub, cancel := router.Subscribe("*", events.WithSources("sess-routed"))

	asm := testAssembly(mock)
	asm.Router = router
	sess := newSession(t, asm, Params{SessionID: "sess-routed"})

	_, err := sess.Execute(ctx, "hi")
	assert.NoError(t, err)
	assert.NoError(t, sess.Close())

	cancel()
	var seen []string
	for ev := range sub {
		assert.Equal(t, "sess-routed", ev.SessionID)
		seen = append(seen, ev.Name)
	}
	assert.Contains(t, seen, core.EventSessionStart)
	assert.Contains(t, seen, core.EventTurnStart)
	assert.Contains(t, seen, core.EventProviderResponse)
	assert.Contains(t, seen, core.EventSessionEnd)
}

func TestExecuteStreamDeliversEvents(t *testing.T) {
	ctx := context.Background()
	mock := provider.NewMock("test-model")
	mock.AddResponse("hi", "streamed back")

	sess := newSession(t, testAssembly(mock), Params{SessionID: "sess-es"})

	ch, errCh := sess.ExecuteStream(ctx, "hi")
	var names []string
	for ev := range ch {
		names = append(names, ev.Name)
	}
	assert.NoError(t, <-errCh)
	assert.Contains(t, names, core.EventProviderResponse)
	assert.Contains(t, names, core.EventTurnEnd)
	assert.Equal(t, 1, sess.Turns())
}

func TestExecuteStreamReportsRunError(t *testing.T) {
	ctx := context.Background()
	mock := provider.NewMock("test-model")
	mock.Script(
		toolCallResponse("noop", "c1", nil),
		textResponse("never reached"),
	)

	b := bundle.New("limited")
	b.Session = map[string]any{"max_provider_calls": 1}

	asm := testAssembly(mock)
	asm.Bundle = b
	asm.Tools = []core.Tool{&stubTool{name: "noop", fn: func(_ *core.ToolContext, _ map[string]any) (any, error) {
		return nil, nil
	}}}
	sess := newSession(t, asm, Params{SessionID: "sess-limit"})

	ch, errCh := sess.ExecuteStream(ctx, "go")
	for range ch {
	}
	err := <-errCh
	assert.ErrorContains(t, err, "max provider calls")
	assert.Equal(t, 0, sess.Turns())
}

func TestInstructionIncludesAgentRoster(t *testing.T) {
	b := bundle.New("demo")
	b.Instruction = "Be helpful."
	b.Agents = map[string]bundle.AgentSpec{
		"zeta":  {Description: "handles endings"},
		"alpha": {Description: "handles beginnings"},
	}

	asm := testAssembly(provider.NewMock("test-model"))
	asm.Bundle = b
	sess := newSession(t, asm, Params{})

	assert.Contains(t, sess.instruction, "Be helpful.")
	assert.Contains(t, sess.instruction, "## Available agents")
	assert.Contains(t, sess.instruction, "- alpha: handles beginnings")
	assert.Less(t,
		strings.Index(sess.instruction, "- alpha"),
		strings.Index(sess.instruction, "- zeta"))
}

func TestSessionConfigOverlay(t *testing.T) {
	b := bundle.New("demo")
	b.Session = map[string]any{
		"max_iterations": 5,
		"orchestrator": map[string]any{
			"module": "loop-basic",
			"config": map[string]any{"max_iterations": 2},
		},
	}

	cfg := sessionConfig(b)
	assert.Equal(t, 2, configInt(cfg, "max_iterations", 0))

	assert.Equal(t, 7, configInt(map[string]any{"n": float64(7)}, "n", 0))
	assert.Equal(t, 9, configInt(map[string]any{}, "n", 9))
}

func TestEventEmitCapability(t *testing.T) {
	ctx := context.Background()
	router := events.NewRouter()

	asm := testAssembly(provider.NewMock("test-model"))
	asm.Router = router
	sess := newSession(t, asm, Params{SessionID: "sess-cap", SessionCWD: "/tmp/work"})

	cwd, ok := sess.Coordinator().Capability(core.CapabilityWorkingDir)
	assert.True(t, ok)
	assert.Equal(t, "/tmp/work", cwd)

	_, ok = sess.Coordinator().Capability(core.CapabilitySpawn)
	assert.True(t, ok)

	raw, ok := sess.Coordinator().Capability(core.CapabilityEventEmit)
	assert.True(t, ok)
	emit, ok := raw.(func(core.Event))
	assert.True(t, ok)

	go emit(core.NewEvent("custom:ping", "").WithData("k", "v"))

	ev, err := router.WaitFor(ctx, "custom:ping", time.Second)
	assert.NoError(t, err)
	assert.Equal(t, "sess-cap", ev.SessionID)
	assert.Equal(t, "v", ev.Data["k"])
}

func TestNewGeneratesSessionID(t *testing.T) {
	sess := newSession(t, testAssembly(provider.NewMock("test-model")), Params{})
	assert.NotEmpty(t, sess.ID())
	assert.NotEmpty(t, sess.CWD())
}
