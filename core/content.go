package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string // Plain UTF-8 text
}

// isPart implements the Part interface for TextPart.
func (TextPart) isPart() {}

// DataPart is a structured data segment (e.g., JSON object map).
type DataPart struct {
	Data map[string]any // Structured key/value payload
}

// isPart implements the Part interface for DataPart.
func (DataPart) isPart() {}

// ToolCall describes a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id,omitempty"` // Provider-assigned call id
	Name      string         `json:"name"`         // Tool name
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallPart wraps a ToolCall as a content part.
type ToolCallPart struct {
	ToolCall ToolCall
}

// isPart implements the Part interface for ToolCallPart.
func (ToolCallPart) isPart() {}

// ToolResult describes the outcome of a tool call.
type ToolResult struct {
	CallID string `json:"call_id,omitempty"` // Matches originating ToolCall ID
	Name   string `json:"name"`              // Tool name
	Result any    `json:"result,omitempty"`  // Successful result (any shape)
	Error  string `json:"error,omitempty"`   // Populated on failure
}

// ToolResultPart wraps a ToolResult as a content part.
type ToolResultPart struct {
	ToolResult ToolResult
}

// isPart implements the Part interface for ToolResultPart.
func (ToolResultPart) isPart() {}

// Content holds role + ordered parts.
type Content struct {
	Role  string // Conversation role (user, assistant, tool, system)
	Parts []Part // Ordered heterogeneous parts
}

// NewUserContent builds user content from a plain text prompt.
func NewUserContent(text string) Content {
	return Content{Role: "user", Parts: []Part{TextPart{Text: text}}}
}

// NewAssistantContent builds assistant content from plain text.
func NewAssistantContent(text string) Content {
	return Content{Role: "assistant", Parts: []Part{TextPart{Text: text}}}
}

// NewToolResultContent builds a tool-role message carrying one result.
func NewToolResultContent(result ToolResult) Content {
	return Content{Role: "tool", Parts: []Part{ToolResultPart{ToolResult: result}}}
}

// Text concatenates all text parts preserving order.
func (c Content) Text() string {
	var sb strings.Builder
	for _, p := range c.Parts {
		if tp, ok := p.(TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns any tool call parts preserving their original order.
func (c Content) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range c.Parts {
		if tc, ok := p.(ToolCallPart); ok {
			calls = append(calls, tc.ToolCall)
		}
	}
	return calls
}

// ToolResults returns any tool result parts preserving their original order.
func (c Content) ToolResults() []ToolResult {
	var results []ToolResult
	for _, p := range c.Parts {
		if tr, ok := p.(ToolResultPart); ok {
			results = append(results, tr.ToolResult)
		}
	}
	return results
}

// partEnvelope is the serialized form of a Part. Persistence (the SQLite
// context manager) and the event router round-trip Content through JSON, so
// the closed sum is encoded with an explicit type tag.
type partEnvelope struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	ToolCall   *ToolCall      `json:"tool_call,omitempty"`
	ToolResult *ToolResult    `json:"tool_result,omitempty"`
}

type contentEnvelope struct {
	Role  string         `json:"role,omitempty"`
	Parts []partEnvelope `json:"parts"`
}

// MarshalJSON encodes the content with type-tagged parts.
func (c Content) MarshalJSON() ([]byte, error) {
	env := contentEnvelope{Role: c.Role, Parts: make([]partEnvelope, 0, len(c.Parts))}
	for _, p := range c.Parts {
		switch v := p.(type) {
		case TextPart:
			env.Parts = append(env.Parts, partEnvelope{Type: "text", Text: v.Text})
		case DataPart:
			env.Parts = append(env.Parts, partEnvelope{Type: "data", Data: v.Data})
		case ToolCallPart:
			tc := v.ToolCall
			env.Parts = append(env.Parts, partEnvelope{Type: "tool_call", ToolCall: &tc})
		case ToolResultPart:
			tr := v.ToolResult
			env.Parts = append(env.Parts, partEnvelope{Type: "tool_result", ToolResult: &tr})
		default:
			return nil, fmt.Errorf("unknown content part %T", p)
		}
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes type-tagged parts back into the closed sum.
func (c *Content) UnmarshalJSON(data []byte) error {
	var env contentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.Role = env.Role
	c.Parts = make([]Part, 0, len(env.Parts))
	for _, pe := range env.Parts {
		switch pe.Type {
		case "text":
			c.Parts = append(c.Parts, TextPart{Text: pe.Text})
		case "data":
			c.Parts = append(c.Parts, DataPart{Data: pe.Data})
		case "tool_call":
			if pe.ToolCall == nil {
				return fmt.Errorf("tool_call part without payload")
			}
			c.Parts = append(c.Parts, ToolCallPart{ToolCall: *pe.ToolCall})
		case "tool_result":
			if pe.ToolResult == nil {
				return fmt.Errorf("tool_result part without payload")
			}
			c.Parts = append(c.Parts, ToolResultPart{ToolResult: *pe.ToolResult})
		default:
			return fmt.Errorf("unknown content part type %q", pe.Type)
		}
	}
	return nil
}
