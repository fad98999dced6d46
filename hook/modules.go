package hook

import (
	"context"
	"fmt"
	"strings"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/internal/util"
	"github.com/braidkit/braid/logging"
	"github.com/braidkit/braid/module"
)

// Binder is what hook modules produce: a function that registers the
// module's handlers on a session registry and returns their combined
// unregister. Sessions bind bundle-declared hook modules at mount time and
// unbind them on close.
type Binder func(r *Registry) (unregister func())

func init() {
	module.Register(module.KindHook, "hooks-logging", func(cfg map[string]any, deps module.Deps) (any, error) {
		return newLoggingBinder(cfg, deps.Logger), nil
	})
	module.Register(module.KindHook, "hooks-approval", func(cfg map[string]any, _ module.Deps) (any, error) {
		return newApprovalBinder(cfg), nil
	})
}

// DefaultApprovalPrompt is rendered against the event data of a matched
// tool:pre event.
const DefaultApprovalPrompt = "Allow {{.tool_name}} to execute with input {{.tool_input}}?"

// newLoggingBinder builds the hooks-logging module: every matching event is
// written to the runtime logger. Config keys: "pattern" (default "*") and
// "level" (debug, info or warn; default "debug").
func newLoggingBinder(cfg map[string]any, logger logging.Logger) Binder {
	pattern := "*"
	if p, ok := cfg["pattern"].(string); ok && p != "" {
		pattern = p
	}
	level := "debug"
	if l, ok := cfg["level"].(string); ok && l != "" {
		level = strings.ToLower(l)
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	log := logger.Debug
	switch level {
	case "info":
		log = logger.Info
	case "warn", "warning":
		log = logger.Warn
	}

	return func(r *Registry) func() {
		return r.Register(pattern, func(_ context.Context, ev core.Event) core.HookResult {
			log("event", "name", ev.Name, "session_id", ev.SessionID, "source", ev.Source, "data", ev.Data)
			return core.HookResult{}
		}, WithName("hooks-logging"))
	}
}

// newApprovalBinder builds the hooks-approval module: tool:pre events whose
// tool name matches a configured pattern come back as ask-user with a
// rendered prompt, which Dispatch routes through the session's approval
// system. Config keys: "tools" (list of names or prefix patterns, default
// all) and "prompt" (template over the event data).
func newApprovalBinder(cfg map[string]any) Binder {
	patterns := asStringList(cfg["tools"])
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	prompt := DefaultApprovalPrompt
	if p, ok := cfg["prompt"].(string); ok && p != "" {
		prompt = p
	}

	return func(r *Registry) func() {
		return r.Register("tool:pre", func(_ context.Context, ev core.Event) core.HookResult {
			toolName, _ := ev.Data["tool_name"].(string)
			if !matchAny(patterns, toolName) {
				return core.HookResult{}
			}

			rendered, err := util.RenderTemplate(prompt, ev.Data)
			if err != nil {
				rendered = fmt.Sprintf("Allow %s to execute with input %v?", toolName, ev.Data["tool_input"])
			}
			return core.AskUser(rendered, []string{"allow", "deny"}, "deny")
		}, WithName("hooks-approval"))
	}
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if core.MatchName(p, name) {
			return true
		}
	}
	return false
}

func asStringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
