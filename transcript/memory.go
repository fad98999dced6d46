// Package transcript provides the built-in context managers that persist
// session conversations: an in-memory manager for ephemeral sessions and a
// SQLite-backed manager for transcripts that survive process restarts.
package transcript

import (
	"context"
	"sync"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/module"
)

func init() {
	module.Register(module.KindContext, "context-memory", func(_ map[string]any, _ module.Deps) (any, error) {
		return NewMemory(), nil
	})
}

// Memory keeps transcripts in process memory. Nothing survives a restart;
// sessions that reuse an id within one process see their prior messages.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string][]core.Content
}

// NewMemory creates an empty in-memory context manager.
func NewMemory() *Memory {
	return &Memory{sessions: map[string][]core.Content{}}
}

// Add appends content to the session transcript.
func (m *Memory) Add(_ context.Context, sessionID string, content core.Content) error {
	m.mu.Lock()
	m.sessions[sessionID] = append(m.sessions[sessionID], content)
	m.mu.Unlock()
	return nil
}

// Messages returns a copy of the session transcript in insertion order.
func (m *Memory) Messages(_ context.Context, sessionID string) ([]core.Content, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.sessions[sessionID]
	out := make([]core.Content, len(stored))
	copy(out, stored)
	return out, nil
}

// Clear drops the session transcript.
func (m *Memory) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}

// Close implements core.ContextManager. It is a no-op for the in-memory
// manager.
func (m *Memory) Close() error { return nil }

var _ core.ContextManager = (*Memory)(nil)
