package core

import "context"

// ToolDefinition declaratively exposes a callable tool to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset
// expected). Provider adapters map this to their vendor shape.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized provider input produced by orchestrators.
// Model, Temperature and MaxTokens override the adapter's configured
// defaults when set.
type Request struct {
	System      string           `json:"system,omitempty"`
	Messages    []Content        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Model       string           `json:"model,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int64           `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

// TokenUsage captures token accounting for a response.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming provider.
// Partial responses carry incremental text; the final response carries the
// complete assistant content including any tool calls.
type Response struct {
	Partial      bool        `json:"partial"`
	Content      Content     `json:"content"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// ProviderInfo contains metadata about a provider implementation. The
// provider package re-exports it as provider.Info.
type ProviderInfo struct {
	Name          string `json:"name"`  // provider family: "anthropic", "openai", "mock"
	Model         string `json:"model"` // default model identifier
	SupportsTools bool   `json:"supports_tools"`
}

// Provider is the minimal interface orchestrators use to drive generation.
// Generate returns a response channel and an error channel; both are closed
// when the call finishes. Constructors never validate credentials, so a
// misconfigured provider surfaces its auth error from the first Generate.
type Provider interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the provider implementation.
	Info() ProviderInfo
}
