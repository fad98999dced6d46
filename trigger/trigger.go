// Package trigger provides the activation sources for event-driven
// sessions: timers, programmatic fires and session events bridged from the
// event router. The background package connects sources to session
// spawning; a Fire is the unified "something happened" record it consumes.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/braidkit/braid/events"
)

// Fire categories. A Source stamps each Fire with the kind of activation
// that produced it.
const (
	TypeTimer        = "timer"
	TypeManual       = "manual"
	TypeSessionEvent = "session_event"
	TypeFileChange   = "file_change"
)

// Fire is one trigger activation.
type Fire struct {
	// Type is the activation category (TypeTimer, TypeManual, ...).
	Type string

	// Data is the activation payload. Timer fires carry interval_seconds
	// and fire_count; session events carry the event data plus event_name
	// and source_session_id.
	Data map[string]any

	// At is when the activation occurred.
	At time.Time
}

// Source watches for activations. Implementations are configured from a
// bundle's trigger block, then watched until the context ends or Stop is
// called. Stop is permanent; a stopped source rejects further Watch calls.
type Source interface {
	// Configure applies trigger settings. Unknown keys are ignored;
	// ill-typed known keys are errors.
	Configure(cfg map[string]any) error

	// Watch emits fires until ctx ends or the source stops. The returned
	// channel closes when watching ends.
	Watch(ctx context.Context) (<-chan Fire, error)

	// Stop permanently shuts the source down.
	Stop()
}

// New builds a source by kind name. Session event sources need the router;
// the other kinds ignore it.
func New(kind string, router *events.Router) (Source, error) {
	switch kind {
	case TypeTimer:
		return NewTimer(), nil
	case TypeManual:
		return NewManual(), nil
	case TypeSessionEvent:
		return NewSessionEvent(router), nil
	default:
		return nil, fmt.Errorf("unknown trigger kind: %s", kind)
	}
}

// durationSeconds coerces a numeric config value (seconds) to a duration.
func durationSeconds(v any) (time.Duration, bool) {
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Second, true
	case int64:
		return time.Duration(n) * time.Second, true
	case float64:
		return time.Duration(n * float64(time.Second)), true
	default:
		return 0, false
	}
}
