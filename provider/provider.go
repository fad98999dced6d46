// Package provider defines the model provider contract and a deterministic
// in-memory implementation for tests and examples. Concrete adapters for
// hosted APIs live in the subpackages.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/braidkit/braid/core"
)

// The provider contract is shared with the session runtime; these aliases
// let provider code and callers use one vocabulary.
type (
	Provider       = core.Provider
	Request        = core.Request
	Response       = core.Response
	TokenUsage     = core.TokenUsage
	Info           = core.ProviderInfo
	ToolDefinition = core.ToolDefinition
)

// Mock is a lightweight in-memory Provider useful for tests and examples.
// Scripted responses are consumed in order; otherwise canned completions
// are keyed by the last user prompt.
type Mock struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	script    []Response
}

// NewMock constructs a mock provider with tool support enabled.
func NewMock(model string) *Mock {
	return &Mock{
		info:      Info{Name: "mock", Model: model, SupportsTools: true},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for a prompt.
func (m *Mock) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Script queues full responses returned before any canned completion; each
// Generate call consumes one. Useful for tool-call turns.
func (m *Mock) Script(responses ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, responses...)
}

// Generate implements Provider; emits optional streaming char chunks then
// the final response.
func (m *Mock) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		if next, ok := m.nextScripted(); ok {
			if req.Stream {
				if !m.streamText(ctx, next.Content.Text(), respCh, errCh) {
					return
				}
			}
			next.Partial = false
			respCh <- next
			return
		}

		if len(req.Messages) == 0 {
			errCh <- fmt.Errorf("no messages provided")
			return
		}
		inputText := req.Messages[len(req.Messages)-1].Text()

		m.mu.Lock()
		full := m.responses[inputText]
		m.mu.Unlock()
		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", inputText)
		}
		if req.Stream {
			if !m.streamText(ctx, full, respCh, errCh) {
				return
			}
		}
		respCh <- Response{
			Content:      core.NewAssistantContent(full),
			FinishReason: "stop",
			Usage:        &TokenUsage{InputTokens: len(inputText), OutputTokens: len(full), TotalTokens: len(inputText) + len(full)},
		}
	}()
	return respCh, errCh
}

func (m *Mock) nextScripted() (Response, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.script) == 0 {
		return Response{}, false
	}
	next := m.script[0]
	m.script = m.script[1:]
	return next, true
}

// streamText emits one partial response per character. Returns false when
// the context was cancelled.
func (m *Mock) streamText(ctx context.Context, text string, respCh chan<- Response, errCh chan<- error) bool {
	for _, r := range text {
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return false
		case respCh <- Response{
			Partial: true,
			Content: core.NewAssistantContent(string(r)),
		}:
		}
	}
	return true
}

// Info implements Provider.
func (m *Mock) Info() Info { return m.info }

var _ Provider = (*Mock)(nil)
