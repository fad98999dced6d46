// Package background runs long-lived watch loops that spawn handler
// sessions in response to trigger fires. It connects the trigger sources to
// session spawning: a timer tick, a manual fire or a session event renders
// the configured instruction template and launches a session from the
// configured bundle, with results announced on the event router.
package background

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/braidkit/braid/bundle"
	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/events"
	"github.com/braidkit/braid/internal/util"
	"github.com/braidkit/braid/logging"
	"github.com/braidkit/braid/session"
	"github.com/braidkit/braid/trigger"
)

// Events the manager emits on the router. Spawn outcomes carry the
// background session id as their source.
const (
	EventSpawnCompleted = "background:spawn:completed"
	EventSpawnError     = "background:spawn:error"
	EventWatcherError   = "background:error"
)

// DefaultInstructionTemplate renders the fire summary into the handler
// prompt when no template is configured.
const DefaultInstructionTemplate = "Handle this event: {{.event_summary}}"

// DefaultMaxRestarts bounds watch loop restarts after a failure.
const DefaultMaxRestarts = 3

const restartDelay = time.Second

// Background session lifecycle states reported by Status.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
	StateFailed   = "failed"
)

// Config describes one background session: what watches and what to spawn
// when a watch fires.
type Config struct {
	// Name labels the session; it is part of the generated id.
	Name string

	// Bundle is spawned for each handled fire. Providers are inherited
	// from the spawning session when the bundle declares none.
	Bundle *bundle.Bundle

	// Triggers are the activation sources. When empty an implicit manual
	// trigger is installed so FireManual still works.
	Triggers []trigger.Source

	// InstructionTemplate builds the handler prompt from the fire. The
	// template sees event_summary, event_type and event_data.
	InstructionTemplate string

	// PoolSize caps concurrent handler sessions (default 1). Fires that
	// arrive while the pool is full are skipped.
	PoolSize int

	// OnCompleteEmit and OnErrorEmit name additional events to emit with
	// the spawn outcome, for wiring custom downstream listeners.
	OnCompleteEmit string
	OnErrorEmit    string

	// MaxRestarts bounds watch loop restarts after a failure. Zero means
	// the default (3); negative disables restarting.
	MaxRestarts int
}

func (c Config) normalized() Config {
	if c.InstructionTemplate == "" {
		c.InstructionTemplate = DefaultInstructionTemplate
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 1
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	return c
}

// Status is a point-in-time snapshot of one background session.
type Status struct {
	ID           string
	Name         string
	Bundle       string
	State        string
	TriggerCount int
	SpawnCount   int
	ActiveSpawns int
	LastTrigger  time.Time
	RestartCount int
	Error        string
}

// watched is the runtime state of one background session.
type watched struct {
	config  Config
	sources []trigger.Source
	cancel  context.CancelFunc
	done    chan struct{}

	handlers sync.WaitGroup
	slots    chan struct{}

	mu           sync.Mutex
	state        string
	err          string
	triggerCount int
	spawnCount   int
	activeSpawns int
	lastTrigger  time.Time
	restartCount int
}

// Manager starts, tracks and stops background sessions. Handler sessions
// are launched through the spawner, typically the interactive session the
// manager serves.
type Manager struct {
	spawner session.Spawner
	router  *events.Router
	logger  logging.Logger

	mu       sync.Mutex
	sessions map[string]*watched
	next     int
}

// ManagerOptions configures optional manager collaborators.
type ManagerOptions struct {
	Logger logging.Logger
}

// NewManager creates a manager that spawns handlers through spawner and
// announces outcomes on router. A nil router silences announcements.
func NewManager(spawner session.Spawner, router *events.Router, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		spawner:  spawner,
		router:   router,
		logger:   opts.Logger,
		sessions: map[string]*watched{},
		next:     1,
	}
}

// Start launches a background session and returns its id. The watch loop
// runs until ctx ends or Stop is called.
func (m *Manager) Start(ctx context.Context, cfg Config) (string, error) {
	if cfg.Name == "" {
		return "", fmt.Errorf("background: config needs a name")
	}
	if cfg.Bundle == nil {
		return "", fmt.Errorf("background %q: config needs a bundle", cfg.Name)
	}
	cfg = cfg.normalized()

	st := &watched{
		config:  cfg,
		sources: append([]trigger.Source(nil), cfg.Triggers...),
		done:    make(chan struct{}),
		slots:   make(chan struct{}, cfg.PoolSize),
		state:   StateStarting,
	}
	if len(st.sources) == 0 {
		// An empty source list would end the watch loop immediately; the
		// implicit manual trigger keeps it alive for FireManual.
		m.logger.Warn("background session has no triggers, manual fires only", "name", cfg.Name)
		st.sources = append(st.sources, trigger.NewManual())
	}

	wctx, cancel := context.WithCancel(ctx)
	st.cancel = cancel

	m.mu.Lock()
	id := fmt.Sprintf("bg-%s-%04d", cfg.Name, m.next)
	m.next++
	m.sessions[id] = st
	m.mu.Unlock()

	go m.runWatcher(wctx, id, st)
	m.logger.Info("background session started", "id", id, "bundle", cfg.Bundle.Name)
	return id, nil
}

// Stop shuts one background session down: the watch loop and any in-flight
// handlers are cancelled and waited for. Reports whether id was known.
func (m *Manager) Stop(id string) bool {
	m.mu.Lock()
	st, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	st.setState(StateStopping, "")
	st.cancel()
	<-st.done
	st.handlers.Wait()
	st.setState(StateStopped, "")
	m.logger.Info("background session stopped", "id", id)
	return true
}

// StopAll stops every background session.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
}

// Status reports one background session.
func (m *Manager) Status(id string) (Status, bool) {
	m.mu.Lock()
	st, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return st.snapshot(id), true
}

// StatusAll reports every background session, ordered by id.
func (m *Manager) StatusAll() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.sessions))
	for id, st := range m.sessions {
		out = append(out, st.snapshot(id))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FireManual activates a background session programmatically, bypassing its
// trigger sources. Reports whether id names a running session; the handler
// itself runs asynchronously like any other fire.
func (m *Manager) FireManual(ctx context.Context, id string, data map[string]any) bool {
	m.mu.Lock()
	st, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok || st.currentState() != StateRunning {
		return false
	}
	if data == nil {
		data = map[string]any{}
	}
	m.handleFire(ctx, id, st, trigger.Fire{
		Type: trigger.TypeManual,
		At:   time.Now().UTC(),
		Data: data,
	})
	return true
}

// runWatcher drives the watch loop, restarting it after failures until the
// restart budget is spent.
func (m *Manager) runWatcher(ctx context.Context, id string, st *watched) {
	defer close(st.done)

	for {
		err := m.watchOnce(ctx, id, st)
		if err == nil || ctx.Err() != nil {
			st.setState(StateStopped, "")
			return
		}

		st.setState(StateFailed, err.Error())
		m.logger.Error("background watch loop failed", "id", id, "error", err)
		m.emit(core.NewEvent(EventWatcherError, id).
			WithData("session_id", id).
			WithData("name", st.config.Name).
			WithData("error", err.Error()))

		if st.config.MaxRestarts < 0 || st.currentRestarts() >= st.config.MaxRestarts {
			return
		}
		attempt := st.bumpRestarts()
		m.logger.Info("restarting background watch loop",
			"id", id, "attempt", attempt, "max", st.config.MaxRestarts)
		select {
		case <-time.After(restartDelay):
		case <-ctx.Done():
			st.setState(StateStopped, "")
			return
		}
	}
}

// watchOnce merges the trigger sources and dispatches fires until the
// context ends or every source closes. A source that fails to start is the
// error that feeds the restart policy.
func (m *Manager) watchOnce(ctx context.Context, id string, st *watched) error {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Events the manager emits carry the background id as their source;
	// ignoring it keeps session event triggers from feeding on them.
	ignoreSession(st.sources, id)

	merged, err := mergeWatches(actx, st.sources)
	if err != nil {
		return err
	}

	st.setState(StateRunning, "")
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-merged:
			if !ok {
				return nil
			}
			m.handleFire(ctx, id, st, f)
		}
	}
}

// handleFire records the trigger and launches a handler when the pool has
// room. Fires beyond the pool are dropped, not queued.
func (m *Manager) handleFire(ctx context.Context, id string, st *watched, f trigger.Fire) {
	st.recordTrigger()

	if !st.acquire() {
		m.logger.Debug("background pool full, skipping fire",
			"id", id, "pool_size", st.config.PoolSize)
		return
	}

	st.handlers.Add(1)
	go func() {
		defer st.handlers.Done()
		defer st.release()
		m.runHandler(ctx, id, st, f)
	}()
}

// runHandler renders the instruction and spawns one handler session.
func (m *Manager) runHandler(ctx context.Context, id string, st *watched, f trigger.Fire) {
	cfg := st.config

	instruction, err := util.RenderTemplate(cfg.InstructionTemplate, map[string]any{
		"event_summary": summarizeFire(f),
		"event_type":    f.Type,
		"event_data":    f.Data,
	})
	if err != nil {
		m.reportSpawnError(id, st, f, fmt.Errorf("render instruction: %w", err))
		return
	}

	// The handler's id is fixed up front so its own lifecycle events can
	// be excluded from the session event triggers before it runs.
	childID := core.NewID()
	ignoreSession(st.sources, childID)
	st.recordSpawn()

	res, err := m.spawner.Spawn(ctx, session.SpawnConfig{
		Bundle:    cfg.Bundle,
		Prompt:    instruction,
		SessionID: childID,
	})
	if err != nil {
		m.reportSpawnError(id, st, f, err)
		return
	}

	m.logger.Info("background handler completed",
		"id", id, "spawned_session_id", res.SessionID, "turns", res.TurnCount)

	data := map[string]any{
		"background_session_id": id,
		"session_name":          cfg.Name,
		"spawned_session_id":    res.SessionID,
		"trigger_type":          f.Type,
		"trigger_data":          f.Data,
		"output":                res.Output,
		"turn_count":            res.TurnCount,
		"success":               true,
	}
	m.emitWithData(EventSpawnCompleted, id, data)
	if cfg.OnCompleteEmit != "" {
		m.emitWithData(cfg.OnCompleteEmit, id, data)
	}
}

func (m *Manager) reportSpawnError(id string, st *watched, f trigger.Fire, err error) {
	m.logger.Error("background handler failed", "id", id, "error", err)

	data := map[string]any{
		"background_session_id": id,
		"session_name":          st.config.Name,
		"trigger_type":          f.Type,
		"trigger_data":          f.Data,
		"error":                 err.Error(),
		"success":               false,
	}
	m.emitWithData(EventSpawnError, id, data)
	if st.config.OnErrorEmit != "" {
		m.emitWithData(st.config.OnErrorEmit, id, data)
	}
}

func (m *Manager) emitWithData(name, sessionID string, data map[string]any) {
	ev := core.NewEvent(name, sessionID)
	for k, v := range data {
		ev = ev.WithData(k, v)
	}
	m.emit(ev)
}

func (m *Manager) emit(ev core.Event) {
	if m.router == nil {
		return
	}
	m.router.Emit(ev)
}

// mergeWatches starts every source and fans their fires into one channel
// that closes when all sources finish.
func mergeWatches(ctx context.Context, sources []trigger.Source) (<-chan trigger.Fire, error) {
	chans := make([]<-chan trigger.Fire, 0, len(sources))
	for _, src := range sources {
		ch, err := src.Watch(ctx)
		if err != nil {
			return nil, fmt.Errorf("watch trigger: %w", err)
		}
		chans = append(chans, ch)
	}

	merged := make(chan trigger.Fire)
	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(c <-chan trigger.Fire) {
			defer wg.Done()
			for f := range c {
				select {
				case merged <- f:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged, nil
}

// ignoreSession excludes a session id on every source that supports it.
func ignoreSession(sources []trigger.Source, sessionID string) {
	for _, src := range sources {
		if ig, ok := src.(interface{ Ignore(sessionIDs ...string) }); ok {
			ig.Ignore(sessionID)
		}
	}
}

// summarizeFire renders the one-line event summary for the instruction
// template.
func summarizeFire(f trigger.Fire) string {
	switch f.Type {
	case trigger.TypeFileChange:
		return fmt.Sprintf("File %v: %v", f.Data["change_type"], f.Data["file_path"])
	case trigger.TypeTimer:
		return fmt.Sprintf("Timer tick #%v", f.Data["fire_count"])
	case trigger.TypeSessionEvent:
		source := f.Data["source_session_id"]
		if source == nil || source == "" {
			source = "unknown"
		}
		return fmt.Sprintf("Session event %q from %v", f.Data["event_name"], source)
	case trigger.TypeManual:
		return fmt.Sprintf("Manual trigger: %v", f.Data)
	default:
		return fmt.Sprintf("%s: %v", f.Type, f.Data)
	}
}

func (w *watched) setState(state, errMsg string) {
	w.mu.Lock()
	w.state = state
	w.err = errMsg
	w.mu.Unlock()
}

func (w *watched) currentState() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *watched) recordTrigger() {
	w.mu.Lock()
	w.triggerCount++
	w.lastTrigger = time.Now().UTC()
	w.mu.Unlock()
}

func (w *watched) recordSpawn() {
	w.mu.Lock()
	w.spawnCount++
	w.mu.Unlock()
}

func (w *watched) acquire() bool {
	select {
	case w.slots <- struct{}{}:
		w.mu.Lock()
		w.activeSpawns++
		w.mu.Unlock()
		return true
	default:
		return false
	}
}

func (w *watched) release() {
	<-w.slots
	w.mu.Lock()
	w.activeSpawns--
	w.mu.Unlock()
}

func (w *watched) currentRestarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restartCount
}

func (w *watched) bumpRestarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.restartCount++
	return w.restartCount
}

func (w *watched) snapshot(id string) Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		ID:           id,
		Name:         w.config.Name,
		Bundle:       w.config.Bundle.Name,
		State:        w.state,
		TriggerCount: w.triggerCount,
		SpawnCount:   w.spawnCount,
		ActiveSpawns: w.activeSpawns,
		LastTrigger:  w.lastTrigger,
		RestartCount: w.restartCount,
		Error:        w.err,
	}
}
