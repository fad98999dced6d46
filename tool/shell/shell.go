// Package shell provides the built-in tool-shell module: command execution
// under the session working directory with a timeout and bounded output.
// Runs are gated through the session's approval system unless the bundle
// disables that.
package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/module"
	"github.com/braidkit/braid/tool"
)

func init() {
	module.Register(module.KindTool, "tool-shell", func(cfg map[string]any, _ module.Deps) (any, error) {
		return NewTool(func(o *Options) {
			if v, ok := cfg["timeout"]; ok {
				if secs := asInt(v); secs > 0 {
					o.Timeout = time.Duration(secs) * time.Second
				}
			}
			if v, ok := cfg["max_output_bytes"]; ok {
				if n := asInt(v); n > 0 {
					o.MaxOutputBytes = n
				}
			}
			if v, ok := cfg["require_approval"].(bool); ok {
				o.RequireApproval = v
			}
		}), nil
	})
}

const (
	// DefaultTimeout bounds command runtime when the bundle does not set one.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxOutputBytes caps captured stdout and stderr individually.
	DefaultMaxOutputBytes = 64 * 1024

	approvalDeniedCode = "APPROVAL_DENIED"
)

// Options configure the shell tool.
type Options struct {
	// Timeout aborts commands that run longer.
	Timeout time.Duration

	// MaxOutputBytes truncates stdout and stderr beyond this size.
	MaxOutputBytes int

	// RequireApproval routes every run through the session ApprovalSystem
	// before execution. On by default; bundles running in trusted sandboxes
	// can switch it off.
	RequireApproval bool
}

// Tool runs a command line via the system shell. Commands inherit the
// session working directory; stdout and stderr are captured separately and
// truncated beyond MaxOutputBytes. A non-zero exit status is reported in the
// result rather than as an error so models can read failing output.
type Tool struct {
	opts Options
}

// NewTool creates the shell tool.
func NewTool(optFns ...func(o *Options)) *Tool {
	opts := Options{
		Timeout:         DefaultTimeout,
		MaxOutputBytes:  DefaultMaxOutputBytes,
		RequireApproval: true,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Tool{opts: opts}
}

// Name returns the tool identifier.
func (t *Tool) Name() string { return "shell" }

// Description returns the tool description shown to models.
func (t *Tool) Description() string {
	return "Run a shell command in the session working directory and return its output. " +
		"Commands are killed after a timeout; long output is truncated."
}

// Parameters returns the JSON schema for tool arguments.
func (t *Tool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Command line to execute via sh -c",
			},
		},
		"required": []string{"command"},
	}
}

// Call implements the Tool interface.
func (t *Tool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	command, ok := args["command"].(string)
	if !ok || command == "" {
		return nil, fmt.Errorf("command parameter is required")
	}

	if t.opts.RequireApproval {
		approved, err := tc.RequestApproval(
			fmt.Sprintf("Run shell command: %s", command),
			map[string]any{"tool": t.Name(), "command": command, "cwd": tc.CWD()},
		)
		if err != nil {
			return nil, fmt.Errorf("approval request failed: %w", err)
		}
		if !approved {
			return nil, tool.NewToolError(t.Name(), "command execution was not approved", approvalDeniedCode)
		}
	}

	ctx, cancel := context.WithTimeout(tc.Context(), t.opts.Timeout)
	defer cancel()

	stdout := newCapWriter(t.opts.MaxOutputBytes)
	stderr := newCapWriter(t.opts.MaxOutputBytes)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = tc.CWD()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, tool.NewToolError(t.Name(),
			fmt.Sprintf("command timed out after %s", t.opts.Timeout), tool.CodeExecution)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("run command: %w", err)
		}
	}

	return map[string]any{
		"command":     command,
		"exit_code":   exitCode,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"truncated":   stdout.Truncated() || stderr.Truncated(),
		"duration_ms": duration.Milliseconds(),
	}, nil
}

// capWriter captures up to limit bytes and discards the rest, remembering
// that it did.
type capWriter struct {
	limit     int
	buf       []byte
	truncated bool
}

func newCapWriter(limit int) *capWriter {
	return &capWriter{limit: limit}
}

func (w *capWriter) Write(p []byte) (int, error) {
	remaining := w.limit - len(w.buf)
	if remaining <= 0 {
		w.truncated = w.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf = append(w.buf, p[:remaining]...)
		w.truncated = true
		return len(p), nil
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *capWriter) String() string { return string(w.buf) }

func (w *capWriter) Truncated() bool { return w.truncated }

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

var _ tool.Tool = (*Tool)(nil)
