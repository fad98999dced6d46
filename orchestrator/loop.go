// Package orchestrator implements the agent loop that drives a session:
// send the transcript to the provider, execute any requested tool calls,
// feed the results back, and repeat until the model produces a final
// answer. Two variants are provided as registry modules: "loop-basic"
// buffers complete responses, "loop-streaming" additionally relays
// partial output as content:delta events.
package orchestrator

import (
	"fmt"
	"time"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/module"
)

// DefaultMaxIterations bounds the number of model turns in a single run
// when the session config does not override max_iterations.
const DefaultMaxIterations = 25

func init() {
	module.Register(module.KindOrchestrator, "loop-basic", func(_ map[string]any, _ module.Deps) (any, error) {
		return NewBasic(), nil
	})
	module.Register(module.KindOrchestrator, "loop-streaming", func(_ map[string]any, _ module.Deps) (any, error) {
		return NewStreaming(), nil
	})
}

// Loop is the request/response agent loop. The zero value is the basic
// (non-streaming) variant.
type Loop struct {
	streaming bool
}

var _ core.Orchestrator = (*Loop)(nil)

// NewBasic returns the buffered loop: each model turn is consumed as a
// complete response before tools run.
func NewBasic() *Loop {
	return &Loop{}
}

// NewStreaming returns the streaming loop: partial model output is
// relayed as content:delta events while the turn is still in flight.
func NewStreaming() *Loop {
	return &Loop{streaming: true}
}

// Run drives the loop until the model stops requesting tools, the
// iteration budget is exhausted, or the context is cancelled. The
// returned channel closes when the run is over; a terminal
// session:error event carries any failure.
//
// The user prompt must already be recorded in the context manager by
// the caller; it is only read directly when no manager is mounted.
func (l *Loop) Run(rc *core.RunContext, prompt core.Content) (<-chan core.Event, error) {
	if rc == nil {
		return nil, fmt.Errorf("orchestrator: nil run context")
	}
	if rc.Provider == nil {
		return nil, fmt.Errorf("orchestrator: no provider mounted for session %s", rc.SessionID)
	}

	out := make(chan core.Event, 100)
	go func() {
		defer close(out)
		if err := l.run(rc, prompt, out); err != nil {
			l.emit(rc, out, core.NewEvent(core.EventSessionError, rc.SessionID).
				WithData("error", err.Error()).
				WithData("run_id", rc.RunID))
		}
	}()
	return out, nil
}

// run executes model turns until one of them produces no tool calls.
func (l *Loop) run(rc *core.RunContext, prompt core.Content, out chan<- core.Event) error {
	maxIters := rc.ConfigInt("max_iterations", DefaultMaxIterations)
	if maxIters <= 0 {
		maxIters = DefaultMaxIterations
	}

	// Local transcript for runs without a context manager. When a
	// manager is mounted it is the source of truth and this stays nil.
	var local []core.Content
	if rc.ContextManager == nil {
		local = []core.Content{prompt}
	}

	for turn := 1; turn <= maxIters; turn++ {
		if err := rc.Err(); err != nil {
			return fmt.Errorf("run cancelled: %w", err)
		}

		l.emit(rc, out, core.NewEvent(core.EventTurnStart, rc.SessionID).
			WithData("iteration", turn))

		final, err := l.step(rc, &local, out, turn)
		if err != nil {
			return err
		}

		calls := final.Content.ToolCalls()
		if len(calls) == 0 {
			if !l.streaming {
				if text := final.Content.Text(); text != "" {
					rc.Show(text, map[string]any{"partial": false})
				}
			}
			l.emit(rc, out, core.NewEvent(core.EventTurnEnd, rc.SessionID).
				WithData("iteration", turn).
				WithData("complete", true))
			return nil
		}

		results, err := l.executeTools(rc, calls, out)
		if err != nil {
			return err
		}
		if err := l.record(rc, &local, results); err != nil {
			return fmt.Errorf("record tool results: %w", err)
		}

		l.emit(rc, out, core.NewEvent(core.EventTurnEnd, rc.SessionID).
			WithData("iteration", turn).
			WithData("complete", false).
			WithData("tool_calls", len(calls)))
	}

	return fmt.Errorf("exceeded max iterations (%d) without a final response", maxIters)
}

// step performs one provider round trip and records the assistant
// content. It returns the final (non-partial) response.
func (l *Loop) step(rc *core.RunContext, local *[]core.Content, out chan<- core.Event, turn int) (*core.Response, error) {
	messages, err := l.messages(rc, local)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	req := core.Request{
		System:   rc.Instruction,
		Messages: messages,
		Tools:    rc.ToolDefinitions(),
		Stream:   l.streaming,
	}

	if rc.Limiter != nil {
		if err := rc.Limiter.Increment(); err != nil {
			return nil, err
		}
	}

	l.emit(rc, out, core.NewEvent(core.EventProviderRequest, rc.SessionID).
		WithData("iteration", turn).
		WithData("messages", len(req.Messages)).
		WithData("tools", len(req.Tools)))

	respCh, errCh := rc.Provider.Generate(rc.Context, req)

	var final *core.Response
	var genErr error
	for respCh != nil || errCh != nil {
		select {
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Partial {
				if l.streaming {
					l.relayDelta(rc, out, resp.Content)
				}
				continue
			}
			r := resp
			final = &r
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				genErr = err
			}
		case <-rc.Done():
			return nil, fmt.Errorf("run cancelled: %w", rc.Err())
		}
	}

	if genErr != nil {
		l.emit(rc, out, core.NewEvent(core.EventProviderError, rc.SessionID).
			WithData("error", genErr.Error()))
		return nil, fmt.Errorf("provider request failed: %w", genErr)
	}
	if final == nil {
		return nil, fmt.Errorf("provider returned no response")
	}

	resp := core.NewEvent(core.EventProviderResponse, rc.SessionID).
		WithData("iteration", turn).
		WithData("finish_reason", final.FinishReason)
	if final.Usage != nil {
		resp = resp.
			WithData("input_tokens", final.Usage.InputTokens).
			WithData("output_tokens", final.Usage.OutputTokens)
	}
	content := final.Content
	l.emit(rc, out, resp.WithContent(&content))

	if err := l.record(rc, local, final.Content); err != nil {
		return nil, fmt.Errorf("record assistant content: %w", err)
	}
	return final, nil
}

// executeTools runs every call from one assistant turn and collects the
// results into a single tool-role content. Each call is gated by a
// tool:pre dispatch; a denial is recorded as a tool error result so the
// model sees why the call never ran.
func (l *Loop) executeTools(rc *core.RunContext, calls []core.ToolCall, out chan<- core.Event) (core.Content, error) {
	results := core.Content{Role: "tool"}

	for _, call := range calls {
		if err := rc.Err(); err != nil {
			return results, fmt.Errorf("run cancelled: %w", err)
		}

		verdict := l.emit(rc, out, core.NewEvent(core.EventToolPre, rc.SessionID).
			WithData("tool_name", call.Name).
			WithData("tool_input", call.Arguments).
			WithData("call_id", call.ID))

		result := core.ToolResult{CallID: call.ID, Name: call.Name}
		start := time.Now()

		if verdict.Denies() {
			result.Error = fmt.Sprintf("tool call denied: %s", verdict.Reason)
			l.emitToolError(rc, out, call, start, result.Error)
		} else if res, err := l.callTool(rc, call); err != nil {
			result.Error = err.Error()
			l.emitToolError(rc, out, call, start, result.Error)
		} else {
			result.Result = res
			l.emit(rc, out, core.NewEvent(core.EventToolPost, rc.SessionID).
				WithData("tool_name", call.Name).
				WithData("call_id", call.ID).
				WithData("result", res).
				WithData("duration_ms", time.Since(start).Milliseconds()))
			rc.LogInfo("orchestrator.tool.executed",
				"tool", call.Name,
				"call_id", call.ID,
				"duration_ms", time.Since(start).Milliseconds())
		}

		results.Parts = append(results.Parts, core.ToolResultPart{ToolResult: result})
	}

	return results, nil
}

// callTool resolves and invokes a single tool from the session's set.
func (l *Loop) callTool(rc *core.RunContext, call core.ToolCall) (any, error) {
	t, ok := rc.Tool(call.Name)
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", call.Name)
	}
	tc := core.NewToolContext(rc, call.ID)
	return t.Call(tc, call.Arguments)
}

// relayDelta turns a partial response into a content:delta event and
// forwards the text to the display.
func (l *Loop) relayDelta(rc *core.RunContext, out chan<- core.Event, content core.Content) {
	text := content.Text()
	if text == "" {
		return
	}
	c := content
	l.emit(rc, out, core.NewEvent(core.EventContentDelta, rc.SessionID).
		WithData("delta", text).
		WithContent(&c))
	rc.Show(text, map[string]any{"partial": true})
}

func (l *Loop) emitToolError(rc *core.RunContext, out chan<- core.Event, call core.ToolCall, start time.Time, msg string) {
	l.emit(rc, out, core.NewEvent(core.EventToolError, rc.SessionID).
		WithData("tool_name", call.Name).
		WithData("call_id", call.ID).
		WithData("duration_ms", time.Since(start).Milliseconds()).
		WithData("error", msg))
	rc.LogWarn("orchestrator.tool.failed", "tool", call.Name, "call_id", call.ID, "error", msg)
}

// record appends content to the mounted context manager, or to the
// local transcript when none is mounted.
func (l *Loop) record(rc *core.RunContext, local *[]core.Content, content core.Content) error {
	if rc.ContextManager == nil {
		*local = append(*local, content)
		return nil
	}
	return rc.ContextManager.Add(rc.Context, rc.SessionID, content)
}

// messages returns the transcript for the next provider request.
func (l *Loop) messages(rc *core.RunContext, local *[]core.Content) ([]core.Content, error) {
	if rc.ContextManager == nil {
		return *local, nil
	}
	return rc.ContextManager.Messages(rc.Context, rc.SessionID)
}

// emit dispatches an event through the session hooks and forwards it to
// the run's event stream. Hook dispatch failures are logged and treated
// as a pass; verdicts only gate tool:pre.
func (l *Loop) emit(rc *core.RunContext, out chan<- core.Event, ev core.Event) core.HookResult {
	res, err := rc.Dispatch(ev)
	if err != nil {
		rc.LogWarn("orchestrator.hook.dispatch_failed", "event", ev.Name, "error", err)
		res = core.Continue()
	}
	select {
	case out <- ev:
	case <-rc.Done():
	}
	return res
}
