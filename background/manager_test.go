package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/braidkit/braid/bundle"
	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/events"
	"github.com/braidkit/braid/session"
	"github.com/braidkit/braid/trigger"
	"github.com/stretchr/testify/assert"
)

// stubSpawner records spawn requests and answers with a fixed result. An
// optional gate keeps handlers in flight for pool tests.
type stubSpawner struct {
	mu    sync.Mutex
	calls []session.SpawnConfig
	err   error
	gate  chan struct{}
}

func (s *stubSpawner) Spawn(ctx context.Context, cfg session.SpawnConfig) (*session.SpawnResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, cfg)
	s.mu.Unlock()

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &session.SpawnResult{Output: "handled", SessionID: cfg.SessionID, TurnCount: 1}, nil
}

func (s *stubSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubSpawner) prompt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i].Prompt
}

// failingSource fails its first n Watch calls, then watches quietly.
type failingSource struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *failingSource) Configure(map[string]any) error { return nil }

func (f *failingSource) Watch(ctx context.Context) (<-chan trigger.Fire, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("watch exploded")
	}
	ch := make(chan trigger.Fire)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *failingSource) Stop() {}

func receiveEvent(t *testing.T, ch <-chan core.Event) core.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return core.Event{}
}

func waitState(t *testing.T, m *Manager, id, want string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		st, ok := m.Status(id)
		return ok && st.State == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartValidatesConfig(t *testing.T) {
	m := NewManager(&stubSpawner{}, nil)

	_, err := m.Start(context.Background(), Config{Bundle: bundle.New("b")})
	assert.ErrorContains(t, err, "needs a name")

	_, err = m.Start(context.Background(), Config{Name: "worker"})
	assert.ErrorContains(t, err, "needs a bundle")
}

func TestManualFireSpawnsHandler(t *testing.T) {
	ctx := context.Background()
	router := events.NewRouter()
	sub, cancel := router.Subscribe(EventSpawnCompleted)
	defer cancel()
	custom, cancelCustom := router.Subscribe("custom:done")
	defer cancelCustom()

	sp := &stubSpawner{}
	m := NewManager(sp, router)
	defer m.StopAll()

	id, err := m.Start(ctx, Config{
		Name:           "worker",
		Bundle:         bundle.New("handler"),
		OnCompleteEmit: "custom:done",
	})
	assert.NoError(t, err)
	assert.Equal(t, "bg-worker-0001", id)
	waitState(t, m, id, StateRunning)

	assert.True(t, m.FireManual(ctx, id, map[string]any{"reason": "test"}))

	ev := receiveEvent(t, sub)
	assert.Equal(t, id, ev.SessionID)
	assert.Equal(t, id, ev.Data["background_session_id"])
	assert.Equal(t, "worker", ev.Data["session_name"])
	assert.Equal(t, "handled", ev.Data["output"])
	assert.Equal(t, 1, ev.Data["turn_count"])
	assert.Equal(t, true, ev.Data["success"])
	assert.Equal(t, trigger.TypeManual, ev.Data["trigger_type"])
	assert.NotEmpty(t, ev.Data["spawned_session_id"])

	echo := receiveEvent(t, custom)
	assert.Equal(t, ev.Data["spawned_session_id"], echo.Data["spawned_session_id"])

	assert.Equal(t, "Handle this event: Manual trigger: map[reason:test]", sp.prompt(0))

	st, ok := m.Status(id)
	assert.True(t, ok)
	assert.Equal(t, 1, st.TriggerCount)
	assert.Equal(t, 1, st.SpawnCount)
	assert.Equal(t, "handler", st.Bundle)
}

func TestFireManualUnknownOrStopped(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&stubSpawner{}, nil)

	assert.False(t, m.FireManual(ctx, "bg-nope-0001", nil))

	id, err := m.Start(ctx, Config{Name: "worker", Bundle: bundle.New("b")})
	assert.NoError(t, err)
	waitState(t, m, id, StateRunning)
	assert.True(t, m.Stop(id))
	assert.False(t, m.FireManual(ctx, id, nil))
}

func TestManualTriggerSource(t *testing.T) {
	ctx := context.Background()
	router := events.NewRouter()
	sub, cancel := router.Subscribe(EventSpawnCompleted)
	defer cancel()

	manual := trigger.NewManual()
	sp := &stubSpawner{}
	m := NewManager(sp, router)
	defer m.StopAll()

	id, err := m.Start(ctx, Config{
		Name:                "poker",
		Bundle:              bundle.New("handler"),
		Triggers:            []trigger.Source{manual},
		InstructionTemplate: "React to a {{.event_type}} fire",
	})
	assert.NoError(t, err)
	waitState(t, m, id, StateRunning)

	manual.Fire(map[string]any{"n": 1})
	receiveEvent(t, sub)

	assert.Equal(t, "React to a manual fire", sp.prompt(0))
}

func TestTimerTriggerSpawnsOnce(t *testing.T) {
	ctx := context.Background()
	router := events.NewRouter()
	sub, cancel := router.Subscribe(EventSpawnCompleted)
	defer cancel()

	timer := trigger.NewTimer()
	assert.NoError(t, timer.Configure(map[string]any{
		"interval_seconds": 3600,
		"immediate":        true,
	}))

	sp := &stubSpawner{}
	m := NewManager(sp, router)
	defer m.StopAll()

	id, err := m.Start(ctx, Config{
		Name:     "ticker",
		Bundle:   bundle.New("handler"),
		Triggers: []trigger.Source{timer},
	})
	assert.NoError(t, err)

	ev := receiveEvent(t, sub)
	assert.Equal(t, trigger.TypeTimer, ev.Data["trigger_type"])
	assert.Equal(t, "Handle this event: Timer tick #1", sp.prompt(0))

	st, _ := m.Status(id)
	assert.Equal(t, 1, st.SpawnCount)
}

func TestSessionEventTriggerRoundTrip(t *testing.T) {
	ctx := context.Background()
	router := events.NewRouter()
	sub, cancel := router.Subscribe(EventSpawnCompleted)
	defer cancel()

	trig := trigger.NewSessionEvent(router)
	assert.NoError(t, trig.Configure(map[string]any{"pattern": "work:*"}))

	sp := &stubSpawner{}
	m := NewManager(sp, router)
	defer m.StopAll()

	id, err := m.Start(ctx, Config{
		Name:     "reactor",
		Bundle:   bundle.New("handler"),
		Triggers: []trigger.Source{trig},
	})
	assert.NoError(t, err)
	waitState(t, m, id, StateRunning)

	router.Emit(core.NewEvent("work:ready", "sess-ext").WithData("item", 7))

	ev := receiveEvent(t, sub)
	assert.Equal(t, trigger.TypeSessionEvent, ev.Data["trigger_type"])
	assert.Equal(t, `Handle this event: Session event "work:ready" from sess-ext`, sp.prompt(0))

	data, ok := ev.Data["trigger_data"].(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, 7, data["item"])
	assert.Equal(t, "work:ready", data["event_name"])
}

func TestPoolLimitSkipsFires(t *testing.T) {
	ctx := context.Background()
	router := events.NewRouter()
	sub, cancel := router.Subscribe(EventSpawnCompleted)
	defer cancel()

	manual := trigger.NewManual()
	sp := &stubSpawner{gate: make(chan struct{})}
	m := NewManager(sp, router)
	defer m.StopAll()

	id, err := m.Start(ctx, Config{
		Name:     "busy",
		Bundle:   bundle.New("handler"),
		Triggers: []trigger.Source{manual},
	})
	assert.NoError(t, err)
	waitState(t, m, id, StateRunning)

	manual.Fire(nil)
	assert.Eventually(t, func() bool { return sp.spawnCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	// The single pool slot is occupied; this fire is dropped.
	manual.Fire(nil)
	assert.Eventually(t, func() bool {
		st, _ := m.Status(id)
		return st.TriggerCount == 2
	}, 5*time.Second, 5*time.Millisecond)

	close(sp.gate)
	receiveEvent(t, sub)

	st, _ := m.Status(id)
	assert.Equal(t, 2, st.TriggerCount)
	assert.Equal(t, 1, st.SpawnCount)
	assert.Equal(t, 1, sp.spawnCount())
}

func TestSpawnErrorEmitsErrorEvents(t *testing.T) {
	ctx := context.Background()
	router := events.NewRouter()
	sub, cancel := router.Subscribe(EventSpawnError)
	defer cancel()
	custom, cancelCustom := router.Subscribe("custom:failed")
	defer cancelCustom()

	sp := &stubSpawner{err: errors.New("no provider mounted")}
	m := NewManager(sp, router)
	defer m.StopAll()

	id, err := m.Start(ctx, Config{
		Name:        "fragile",
		Bundle:      bundle.New("handler"),
		OnErrorEmit: "custom:failed",
	})
	assert.NoError(t, err)
	waitState(t, m, id, StateRunning)

	assert.True(t, m.FireManual(ctx, id, nil))

	ev := receiveEvent(t, sub)
	assert.Equal(t, false, ev.Data["success"])
	assert.Contains(t, ev.Data["error"], "no provider mounted")
	receiveEvent(t, custom)

	// Handler failures do not kill the watch loop.
	st, _ := m.Status(id)
	assert.Equal(t, StateRunning, st.State)
}

func TestWatcherFailureWithoutRestart(t *testing.T) {
	ctx := context.Background()
	router := events.NewRouter()
	sub, cancel := router.Subscribe(EventWatcherError)
	defer cancel()

	m := NewManager(&stubSpawner{}, router)

	id, err := m.Start(ctx, Config{
		Name:        "doomed",
		Bundle:      bundle.New("handler"),
		Triggers:    []trigger.Source{&failingSource{failures: 10}},
		MaxRestarts: -1,
	})
	assert.NoError(t, err)

	ev := receiveEvent(t, sub)
	assert.Contains(t, ev.Data["error"], "watch exploded")

	waitState(t, m, id, StateFailed)
	st, _ := m.Status(id)
	assert.Equal(t, 0, st.RestartCount)
	assert.Contains(t, st.Error, "watch exploded")
}

func TestWatcherRestartsAfterFailure(t *testing.T) {
	ctx := context.Background()
	src := &failingSource{failures: 1}
	m := NewManager(&stubSpawner{}, nil)
	defer m.StopAll()

	id, err := m.Start(ctx, Config{
		Name:     "phoenix",
		Bundle:   bundle.New("handler"),
		Triggers: []trigger.Source{src},
	})
	assert.NoError(t, err)

	waitState(t, m, id, StateRunning)
	st, _ := m.Status(id)
	assert.Equal(t, 1, st.RestartCount)
}

func TestStopAndStatusAll(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&stubSpawner{}, nil)

	alpha, err := m.Start(ctx, Config{Name: "alpha", Bundle: bundle.New("a")})
	assert.NoError(t, err)
	beta, err := m.Start(ctx, Config{Name: "beta", Bundle: bundle.New("b")})
	assert.NoError(t, err)

	waitState(t, m, alpha, StateRunning)
	waitState(t, m, beta, StateRunning)

	all := m.StatusAll()
	assert.Len(t, all, 2)
	assert.Equal(t, alpha, all[0].ID)
	assert.Equal(t, beta, all[1].ID)

	assert.True(t, m.Stop(alpha))
	assert.False(t, m.Stop("bg-unknown-0001"))

	st, ok := m.Status(alpha)
	assert.True(t, ok)
	assert.Equal(t, StateStopped, st.State)

	m.StopAll()
	st, _ = m.Status(beta)
	assert.Equal(t, StateStopped, st.State)
}

func TestIgnoreSessionHelper(t *testing.T) {
	router := events.NewRouter()
	trig := trigger.NewSessionEvent(router)
	plain := trigger.NewManual()

	ignoreSession([]trigger.Source{trig, plain}, "child-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := trig.Watch(ctx)
	assert.NoError(t, err)

	router.Emit(core.NewEvent("x:y", "child-1"))
	router.Emit(core.NewEvent("x:y", "other"))

	select {
	case f := <-ch:
		assert.Equal(t, "other", f.Data["source_session_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fire")
	}
}
