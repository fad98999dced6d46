// Package tool implements the tool-calling subsystem that lets sessions
// expose structured capabilities (filesystem access, shell commands, APIs,
// computations) to providers, with schema-validated arguments and consistent
// error handling.
package tool

import (
	"fmt"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/internal/util"
)

// Tool is the contract implemented by everything mountable under a session's
// tool set. It is defined in core so that orchestrators, providers and hooks
// can share it without importing this package; the alias here keeps tool
// implementations reading naturally.
//
// Tool implementations should:
//   - Provide clear, descriptive names (snake_case recommended)
//   - Define a JSON schema for parameters
//   - Be safe for concurrent use, since sessions may run calls in parallel
type Tool = core.Tool

// ValidationError reports schema-level argument failures with field detail.
type ValidationError = util.ValidationError

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

// Error codes used by FunctionTool and the built-in tool modules. Tools may
// return custom codes; these two are the ones orchestrators key off.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
)

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
