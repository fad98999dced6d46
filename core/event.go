package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event names emitted by sessions and orchestrators. Hooks and
// event-router subscribers match on these, either exactly or via a prefix
// wildcard pattern ("tool:*", "*").
const (
	EventSessionStart = "session:start"
	EventSessionEnd   = "session:end"
	EventSessionError = "session:error"

	// EventSessionCompleted announces a background session's final output
	// on the event router.
	EventSessionCompleted = "session:completed"

	EventTurnStart = "turn:start"
	EventTurnEnd   = "turn:end"

	EventProviderRequest  = "provider:request"
	EventProviderResponse = "provider:response"
	EventProviderError    = "provider:error"

	EventContentDelta = "content:delta"

	EventToolPre   = "tool:pre"
	EventToolPost  = "tool:post"
	EventToolError = "tool:error"
)

// Event is a single session lifecycle record. After emission it should be
// treated as immutable. Name identifies the lifecycle point, SessionID the
// emitting session, and Source an optional finer-grained origin (a tool name,
// a background watcher). Data carries event-specific payload; Content is set
// when the event transports conversational content (deltas, final messages).
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	SessionID string         `json:"session_id,omitempty"`
	Source    string         `json:"source,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Content   *Content       `json:"content,omitempty"`
}

// NewEvent creates an event with a fresh ID and UTC timestamp.
func NewEvent(name, sessionID string) Event {
	return Event{
		ID:        NewID(),
		Name:      name,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}

// WithData returns a copy of the event with the key set in Data. The
// original event's Data map is never mutated.
func (e Event) WithData(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// WithContent returns a copy of the event carrying the given content.
func (e Event) WithContent(c *Content) Event {
	e.Content = c
	return e
}

// Matches reports whether the event name matches a subscription pattern.
func (e Event) Matches(pattern string) bool {
	return MatchName(pattern, e.Name)
}

// MatchName reports whether an event name matches a subscription pattern.
// A pattern is an exact name, "*" for everything, or a prefix wildcard such
// as "tool:*".
func MatchName(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// NewID generates a new unique identifier for events, runs and sessions.
func NewID() string { return uuid.NewString() }
