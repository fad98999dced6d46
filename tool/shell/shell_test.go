package shell

import (
	"context"
	"testing"
	"time"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/logging"
	"github.com/braidkit/braid/module"
	"github.com/braidkit/braid/tool"
	"github.com/stretchr/testify/assert"
)

func testToolContext(t *testing.T, approval core.ApprovalSystem) *core.ToolContext {
	t.Helper()
	rc := core.NewRunContext(context.Background(), "sess-1", "run-1", logging.NoOpLogger{})
	rc.CWD = t.TempDir()
	rc.Approval = approval
	return core.NewToolContext(rc, "call-1")
}

func TestRunCommand(t *testing.T) {
	sh := NewTool()
	res, err := sh.Call(testToolContext(t, core.AutoApprove{}), map[string]any{
		"command": "echo hello",
	})
	assert.NoError(t, err)

	m := res.(map[string]any)
	assert.Equal(t, 0, m["exit_code"])
	assert.Equal(t, "hello\n", m["stdout"])
	assert.Equal(t, "", m["stderr"])
	assert.Equal(t, false, m["truncated"])
}

func TestNonZeroExitReported(t *testing.T) {
	sh := NewTool()
	res, err := sh.Call(testToolContext(t, core.AutoApprove{}), map[string]any{
		"command": "echo oops >&2; exit 3",
	})
	assert.NoError(t, err)

	m := res.(map[string]any)
	assert.Equal(t, 3, m["exit_code"])
	assert.Equal(t, "oops\n", m["stderr"])
}

func TestApprovalDenied(t *testing.T) {
	sh := NewTool()
	_, err := sh.Call(testToolContext(t, core.DenyAll{}), map[string]any{
		"command": "echo hello",
	})
	assert.Error(t, err)
	toolErr, ok := err.(*tool.ToolError)
	assert.True(t, ok)
	assert.Equal(t, approvalDeniedCode, toolErr.Code)
}

func TestApprovalSkippedWhenDisabled(t *testing.T) {
	sh := NewTool(func(o *Options) { o.RequireApproval = false })
	res, err := sh.Call(testToolContext(t, core.DenyAll{}), map[string]any{
		"command": "echo ungated",
	})
	assert.NoError(t, err)
	assert.Equal(t, "ungated\n", res.(map[string]any)["stdout"])
}

func TestTimeout(t *testing.T) {
	sh := NewTool(func(o *Options) { o.Timeout = 50 * time.Millisecond })
	_, err := sh.Call(testToolContext(t, core.AutoApprove{}), map[string]any{
		"command": "sleep 2",
	})
	assert.Error(t, err)
	toolErr, ok := err.(*tool.ToolError)
	assert.True(t, ok)
	assert.Equal(t, tool.CodeExecution, toolErr.Code)
	assert.Contains(t, toolErr.Message, "timed out")
}

func TestOutputTruncation(t *testing.T) {
	sh := NewTool(func(o *Options) { o.MaxOutputBytes = 8 })
	res, err := sh.Call(testToolContext(t, core.AutoApprove{}), map[string]any{
		"command": "echo 0123456789abcdef",
	})
	assert.NoError(t, err)

	m := res.(map[string]any)
	assert.Equal(t, true, m["truncated"])
	assert.Equal(t, "01234567", m["stdout"])
}

func TestCommandRunsInWorkingDirectory(t *testing.T) {
	tc := testToolContext(t, core.AutoApprove{})
	sh := NewTool()
	res, err := sh.Call(tc, map[string]any{"command": "pwd"})
	assert.NoError(t, err)
	assert.Equal(t, tc.CWD()+"\n", res.(map[string]any)["stdout"])
}

func TestMissingCommand(t *testing.T) {
	sh := NewTool()
	_, err := sh.Call(testToolContext(t, core.AutoApprove{}), map[string]any{})
	assert.ErrorContains(t, err, "command parameter is required")
}

func TestModuleRegistration(t *testing.T) {
	factory, ok := module.Lookup(module.KindTool, "tool-shell")
	assert.True(t, ok)

	built, err := factory(map[string]any{
		"timeout":          5,
		"max_output_bytes": 1024,
		"require_approval": false,
	}, module.Deps{})
	assert.NoError(t, err)

	sh, ok := built.(*Tool)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, sh.opts.Timeout)
	assert.Equal(t, 1024, sh.opts.MaxOutputBytes)
	assert.False(t, sh.opts.RequireApproval)
}

func TestCapWriter(t *testing.T) {
	w := newCapWriter(4)
	n, err := w.Write([]byte("abcdef"))
	assert.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd", w.String())
	assert.True(t, w.Truncated())

	w2 := newCapWriter(10)
	_, _ = w2.Write([]byte("ok"))
	assert.False(t, w2.Truncated())
}
