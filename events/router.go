// Package events routes events between sessions. Background sessions
// notify parents of completion, triggers watch for patterns, and tools can
// publish through the event.emit capability. Delivery is best-effort: a
// subscriber that stops draining its channel loses new events rather than
// blocking emitters.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/logging"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 100

// RouterOptions configures a Router.
type RouterOptions struct {
	Logger logging.Logger
}

// Router is a cross-session publish/subscribe hub. Patterns follow the
// event matching rules: exact name, "*" for everything, or a "prefix*"
// wildcard.
type Router struct {
	logger logging.Logger

	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

type subscriber struct {
	pattern string
	sources map[string]struct{}
	ch      chan core.Event
}

// NewRouter creates an event router.
func NewRouter(optFns ...func(o *RouterOptions)) *Router {
	opts := RouterOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Router{logger: opts.Logger, subs: map[int]*subscriber{}}
}

// SubscribeOptions tune a single subscription.
type SubscribeOptions struct {
	// Buffer is the channel capacity before new events are dropped.
	Buffer int

	// Sources restricts delivery to events from these session ids.
	Sources []string
}

// WithBuffer overrides the subscription buffer size.
func WithBuffer(n int) func(o *SubscribeOptions) {
	return func(o *SubscribeOptions) { o.Buffer = n }
}

// WithSources filters the subscription to events from specific sessions.
func WithSources(sessionIDs ...string) func(o *SubscribeOptions) {
	return func(o *SubscribeOptions) { o.Sources = append(o.Sources, sessionIDs...) }
}

// Subscribe registers interest in events matching pattern and returns the
// delivery channel plus a cancel func. Cancel is idempotent and closes the
// channel, ending any range loop over it.
func (r *Router) Subscribe(pattern string, optFns ...func(o *SubscribeOptions)) (<-chan core.Event, func()) {
	opts := SubscribeOptions{Buffer: DefaultBuffer}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}

	sub := &subscriber{pattern: pattern, ch: make(chan core.Event, opts.Buffer)}
	if len(opts.Sources) > 0 {
		sub.sources = make(map[string]struct{}, len(opts.Sources))
		for _, id := range opts.Sources {
			sub.sources[id] = struct{}{}
		}
	}

	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[id] = sub
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			close(sub.ch)
			r.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Emit delivers ev to every matching subscriber without blocking. A zero
// timestamp is stamped with the current time. Subscribers with a full
// buffer miss the event; the drop is logged.
func (r *Router) Emit(ev core.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.ID == "" {
		ev.ID = core.NewID()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		if !core.MatchName(sub.pattern, ev.Name) {
			continue
		}
		if sub.sources != nil {
			if _, ok := sub.sources[ev.SessionID]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			r.logger.Warn("event dropped, subscriber buffer full",
				"event", ev.Name, "pattern", sub.pattern)
		}
	}
}

// WaitFor blocks until one event matching pattern arrives. A positive
// timeout bounds the wait; ctx cancellation always does.
func (r *Router) WaitFor(ctx context.Context, pattern string, timeout time.Duration, optFns ...func(o *SubscribeOptions)) (core.Event, error) {
	ch, cancel := r.Subscribe(pattern, optFns...)
	defer cancel()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case ev := <-ch:
		return ev, nil
	case <-timer:
		return core.Event{}, fmt.Errorf("wait for %q: %w", pattern, context.DeadlineExceeded)
	case <-ctx.Done():
		return core.Event{}, fmt.Errorf("wait for %q: %w", pattern, ctx.Err())
	}
}

// SubscriberCount returns the number of active subscriptions.
func (r *Router) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// SessionEmitter returns an emitter that stamps every event with the
// session id. Sessions publish through an emitter rather than calling Emit
// directly.
func (r *Router) SessionEmitter(sessionID string) *Emitter {
	return &Emitter{router: r, sessionID: sessionID}
}

// Emitter publishes events on behalf of one session.
type Emitter struct {
	router    *Router
	sessionID string
}

// Emit publishes a named event with payload data.
func (e *Emitter) Emit(name string, data map[string]any) {
	ev := core.NewEvent(name, e.sessionID)
	ev.Data = data
	e.router.Emit(ev)
}

// Forward publishes an existing event, stamping the session id when the
// event carries none.
func (e *Emitter) Forward(ev core.Event) {
	if ev.SessionID == "" {
		ev.SessionID = e.sessionID
	}
	e.router.Emit(ev)
}

// SessionID returns the session this emitter is bound to.
func (e *Emitter) SessionID() string {
	return e.sessionID
}
