package trigger

import (
	"context"
	"fmt"
	"sync"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/events"
)

// SessionEvent bridges the event router to the trigger infrastructure so
// background sessions can activate on events from other sessions.
type SessionEvent struct {
	router *events.Router

	mu      sync.Mutex
	pattern string
	sources []string
	ignored map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

var _ Source = (*SessionEvent)(nil)

// NewSessionEvent creates a session event trigger subscribed to everything
// until configured otherwise.
func NewSessionEvent(router *events.Router) *SessionEvent {
	return &SessionEvent{
		router:  router,
		pattern: "*",
		ignored: map[string]struct{}{},
		stop:    make(chan struct{}),
	}
}

// Configure reads pattern (event name pattern, default "*") and sources
// (list of session ids to accept events from).
func (s *SessionEvent) Configure(cfg map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := cfg["pattern"]; ok {
		p, ok := v.(string)
		if !ok {
			return fmt.Errorf("session event trigger: pattern must be a string, got %T", v)
		}
		s.pattern = p
	}
	if v, ok := cfg["sources"]; ok {
		ids, err := stringList(v)
		if err != nil {
			return fmt.Errorf("session event trigger: sources: %w", err)
		}
		s.sources = ids
	}
	return nil
}

// Ignore suppresses fires for events sourced by the given sessions. The
// background manager registers each session it spawns here so a handler's
// own lifecycle events cannot re-trigger it.
func (s *SessionEvent) Ignore(sessionIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sessionIDs {
		s.ignored[id] = struct{}{}
	}
}

// Watch implements Source. Each matching router event becomes a Fire whose
// data carries the event payload plus event_name and source_session_id.
func (s *SessionEvent) Watch(ctx context.Context) (<-chan Fire, error) {
	select {
	case <-s.stop:
		return nil, fmt.Errorf("session event trigger: %w", core.ErrClosed)
	default:
	}
	if s.router == nil {
		return nil, fmt.Errorf("session event trigger: no event router")
	}

	s.mu.Lock()
	pattern := s.pattern
	sources := s.sources
	s.mu.Unlock()

	var opts []func(o *events.SubscribeOptions)
	if len(sources) > 0 {
		opts = append(opts, events.WithSources(sources...))
	}
	sub, cancel := s.router.Subscribe(pattern, opts...)

	out := make(chan Fire, 1)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if s.isIgnored(ev.SessionID) {
					continue
				}
				select {
				case out <- fireFromEvent(ev):
				case <-ctx.Done():
					return
				case <-s.stop:
					return
				}
			}
		}
	}()
	return out, nil
}

// Stop implements Source.
func (s *SessionEvent) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *SessionEvent) isIgnored(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ignored[sessionID]
	return ok
}

func fireFromEvent(ev core.Event) Fire {
	data := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		data[k] = v
	}
	data["event_name"] = ev.Name
	data["source_session_id"] = ev.SessionID
	return Fire{Type: TypeSessionEvent, At: ev.Timestamp, Data: data}
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list, got %T", v)
	}
}
