package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/internal/util"
	"github.com/braidkit/braid/logging"
	"github.com/stretchr/testify/assert"
)

// -------------------- Schema & Validation Tests --------------------

type sampleSchema struct {
	A string `json:"a" description:"Field A"`
	B *int   `json:"b" description:"Optional pointer field"`
	C int    `json:"c,omitempty" description:"Omit empty field"`
}

func TestCreateSchema(t *testing.T) {
	schema := util.CreateSchema(sampleSchema{})
	props, ok := schema["properties"].(map[string]any)
	assert.True(t, ok)
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")
	assert.Contains(t, props, "c")
	// Required only includes non-pointer, non-omitempty exported fields
	req, _ := schema["required"].([]string)
	assert.ElementsMatch(t, []string{"a"}, req)
}

func TestValidateParameters(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x": map[string]any{"type": "integer"},
		},
		// []any mirrors the shape of a JSON or YAML decoded schema
		"required": []any{"x"},
	}

	err := util.ValidateParameters(map[string]any{"x": 5}, schema)
	assert.NoError(t, err)

	err = util.ValidateParameters(map[string]any{}, schema)
	assert.Error(t, err)
	var vErr *ValidationError
	assert.True(t, errors.As(err, &vErr))
	assert.Equal(t, "x", vErr.Field)

	err = util.ValidateParameters(map[string]any{"x": "not-int"}, schema)
	assert.Error(t, err)
	assert.True(t, errors.As(err, &vErr))
	assert.Contains(t, vErr.Message, "expected type integer")
}

func TestValidateParameters_RequiredAsStringSlice(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"x": map[string]any{"type": "string"}},
		"required":   []string{"x"},
	}
	assert.Error(t, util.ValidateParameters(map[string]any{}, schema))
	assert.NoError(t, util.ValidateParameters(map[string]any{"x": "ok"}, schema))
}

// -------------------- FunctionTool Tests --------------------

func testToolContext(callID string) *core.ToolContext {
	rc := core.NewRunContext(context.Background(), "sess-1", "run-1", logging.NoOpLogger{})
	return core.NewToolContext(rc, callID)
}

func TestFunctionTool_Success(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []string{"a", "b"},
	}

	sumTool := NewFunctionTool("sum", "Add numbers", params, func(_ *core.ToolContext, args map[string]any) (any, error) {
		return args["a"].(float64) + args["b"].(float64), nil
	})

	result, err := sumTool.Call(testToolContext("call-1"), map[string]any{"a": 2.0, "b": 3.0})
	assert.NoError(t, err)
	assert.Equal(t, 5.0, result)
}

func TestFunctionTool_ValidationError(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
		},
		"required": []any{"a"},
	}
	tTool := NewFunctionTool("test", "Test", params, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		return 0, nil
	})
	_, err := tTool.Call(testToolContext("call-2"), map[string]any{})
	assert.Error(t, err)
	toolErr, ok := err.(*ToolError)
	assert.True(t, ok)
	assert.Equal(t, CodeValidation, toolErr.Code)
}

func TestFunctionTool_ExecutionError(t *testing.T) {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	execTool := NewFunctionTool("fail", "Fails", params, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	_, err := execTool.Call(testToolContext("call-3"), map[string]any{})
	assert.Error(t, err)
	toolErr, ok := err.(*ToolError)
	assert.True(t, ok)
	assert.Equal(t, CodeExecution, toolErr.Code)
}

func TestFunctionTool_ToolErrorPassesThrough(t *testing.T) {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	custom := NewToolError("fail", "quota exhausted", "QUOTA_ERROR")
	execTool := NewFunctionTool("fail", "Fails", params, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		return nil, custom
	})
	_, err := execTool.Call(testToolContext("call-4"), map[string]any{})
	assert.Same(t, custom, err)
}

func TestFunctionTool_FromStruct(t *testing.T) {
	type echoArgs struct {
		Text string `json:"text" description:"Text to echo"`
	}
	echo := NewFunctionToolFromStruct("echo", "Echo text back", echoArgs{}, func(_ *core.ToolContext, args map[string]any) (any, error) {
		return args["text"], nil
	})

	assert.Equal(t, "echo", echo.Name())
	props := echo.Parameters()["properties"].(map[string]any)
	assert.Contains(t, props, "text")

	result, err := echo.Call(testToolContext("call-5"), map[string]any{"text": "hi"})
	assert.NoError(t, err)
	assert.Equal(t, "hi", result)

	// Missing required argument is rejected by the derived schema.
	_, err = echo.Call(testToolContext("call-6"), map[string]any{})
	assert.Error(t, err)
}

// -------------------- emit_event Tool Tests --------------------

type capMap map[string]any

func (c capMap) Capability(name string) (any, bool) {
	v, ok := c[name]
	return v, ok
}

func TestEmitEventTool(t *testing.T) {
	var got core.Event
	rc := core.NewRunContext(context.Background(), "sess-1", "run-1", logging.NoOpLogger{})
	rc.Capabilities = capMap{
		core.CapabilityEventEmit: func(ev core.Event) { got = ev },
	}
	tc := core.NewToolContext(rc, "call-emit")

	emit := NewEmitEventTool()
	result, err := emit.Call(tc, map[string]any{
		"name": "build:finished",
		"data": map[string]any{"status": "green"},
	})
	assert.NoError(t, err)

	m := result.(map[string]any)
	assert.Equal(t, true, m["emitted"])
	assert.Equal(t, "build:finished", got.Name)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "green", got.Data["status"])
}

func TestEmitEventTool_NoCapability(t *testing.T) {
	emit := NewEmitEventTool()
	_, err := emit.Call(testToolContext("call-emit"), map[string]any{"name": "x"})
	assert.Error(t, err)
	toolErr, ok := err.(*ToolError)
	assert.True(t, ok)
	assert.Equal(t, CodeExecution, toolErr.Code)
}

func TestEmitEventTool_MissingName(t *testing.T) {
	emit := NewEmitEventTool()
	_, err := emit.Call(testToolContext("call-emit"), map[string]any{})
	assert.Error(t, err)
}

// -------------------- ToolError Formatting --------------------

func TestToolErrorFormatting(t *testing.T) {
	err := NewToolError("demo", "something failed", "E123")
	assert.Contains(t, err.Error(), "E123")
	assert.Contains(t, err.Error(), "demo")

	plain := &ToolError{Tool: "demo", Message: "plain failure"}
	assert.Equal(t, "tool error in demo: plain failure", plain.Error())
}
