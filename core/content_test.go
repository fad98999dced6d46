package core

import (
	"encoding/json"
	"testing"
)

func TestContentTextAccessor(t *testing.T) {
	c := Content{Role: "user", Parts: []Part{TextPart{Text: "hello"}, TextPart{Text: " world"}}}
	if got := c.Text(); got != "hello world" {
		t.Fatalf("expected 'hello world', got %q", got)
	}
	if u := NewUserContent("hi"); u.Role != "user" || u.Text() != "hi" {
		t.Fatalf("unexpected user content: %+v", u)
	}
}

func TestContentJSONRoundTrip(t *testing.T) {
	orig := Content{
		Role: "assistant",
		Parts: []Part{
			TextPart{Text: "calling a tool"},
			ToolCallPart{ToolCall: ToolCall{
				ID:        "call_1",
				Name:      "read_file",
				Arguments: map[string]any{"path": "notes.md"},
			}},
		},
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Content
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Role != "assistant" {
		t.Fatalf("expected role assistant, got %q", decoded.Role)
	}
	if len(decoded.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(decoded.Parts))
	}
	if got := decoded.Text(); got != "calling a tool" {
		t.Fatalf("expected text preserved, got %q", got)
	}

	calls := decoded.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].Name != "read_file" || calls[0].ID != "call_1" {
		t.Fatalf("tool call not preserved: %+v", calls[0])
	}
	if calls[0].Arguments["path"] != "notes.md" {
		t.Fatalf("arguments not preserved: %+v", calls[0].Arguments)
	}
}

func TestToolResultContent(t *testing.T) {
	c := NewToolResultContent(ToolResult{CallID: "call_9", Name: "shell", Result: map[string]any{"stdout": "ok"}})
	results := c.ToolResults()
	if len(results) != 1 {
		t.Fatalf("expected 1 tool result, got %d", len(results))
	}
	if results[0].CallID != "call_9" || results[0].Error != "" {
		t.Fatalf("unexpected result: %+v", results[0])
	}
	if c.Role != "tool" {
		t.Fatalf("expected tool role, got %q", c.Role)
	}
}
