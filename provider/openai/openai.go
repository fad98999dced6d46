// Package openai adapts the OpenAI Chat Completions API (including
// streaming and function/tool calling) to the provider contract.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/module"
	"github.com/braidkit/braid/provider"
)

func init() {
	module.Register(module.KindProvider, "provider-openai", func(cfg map[string]any, _ module.Deps) (any, error) {
		return NewProvider(optionsFromConfig(cfg)), nil
	})
}

// aggCall aggregates partial tool call streaming deltas (id, name,
// arguments) so complete tool call parts can be reconstructed when the
// finish reason arrives.
type aggCall struct{ id, name, args string }

// Options configures the OpenAI provider adapter. A missing API key is only
// an error once Generate is called.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
}

// Provider wraps the OpenAI Chat Completions API behind provider.Provider.
type Provider struct {
	client  *openai.Client
	opts    Options
	authErr error
}

// NewProvider creates an OpenAI provider using the official client.
func NewProvider(optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	var authErr error
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	} else if os.Getenv("OPENAI_API_KEY") == "" {
		authErr = fmt.Errorf("openai: missing API key (set OPENAI_API_KEY or configure api_key)")
	}

	client := openai.NewClient(clientOpts...)
	p := &Provider{client: &client, opts: opts, authErr: authErr}
	return p
}

// NewProviderFromClient creates an OpenAI provider from an existing client.
func NewProviderFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Generate implements unified streaming / non-streaming generation.
func (p *Provider) Generate(ctx context.Context, req provider.Request) (<-chan provider.Response, <-chan error) {
	out := make(chan provider.Response, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)

		if p.authErr != nil {
			errCh <- p.authErr
			return
		}

		params := p.buildParams(req)
		if req.Stream {
			p.handleStreaming(ctx, params, out, errCh)
			return
		}
		p.handleNonStreaming(ctx, params, out, errCh)
	}()
	return out, errCh
}

// buildMessages converts conversation content into OpenAI chat messages.
func buildMessages(req provider.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, c := range req.Messages {
		switch c.Role {
		case "assistant":
			toolCalls := extractToolCalls(c)
			if len(toolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(c.Text()))
				continue
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				},
			})
		case "tool":
			for _, result := range c.ToolResults() {
				messages = append(messages, openai.ToolMessage(renderToolResult(result), result.CallID))
			}
		default:
			if text := c.Text(); text != "" {
				messages = append(messages, openai.UserMessage(text))
			}
		}
	}
	return messages
}

// extractToolCalls converts tool call parts to OpenAI formatted tool calls.
func extractToolCalls(c core.Content) []openai.ChatCompletionMessageToolCallParam {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, call := range c.ToolCalls() {
		args := "{}"
		if call.Arguments != nil {
			if data, err := json.Marshal(call.Arguments); err == nil {
				args = string(data)
			}
		}
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   call.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Name,
				Arguments: args,
			},
		})
	}
	return toolCalls
}

func renderToolResult(result core.ToolResult) string {
	if result.Error != "" {
		return result.Error
	}
	switch v := result.Result.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	}
}

// buildParams assembles the OpenAI request parameters including tool
// definitions. Request fields override the adapter defaults where set.
func (p *Provider) buildParams(req provider.Request) openai.ChatCompletionNewParams {
	model := p.opts.Model
	if req.Model != "" {
		model = req.Model
	}
	temperature := p.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := p.opts.MaxCompletionTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(req),
		Model:               model,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
	if len(req.Tools) == 0 {
		return params
	}
	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, def := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  def.Parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

// handleStreaming forwards partial text deltas and reassembles tool calls
// for the final response.
func (p *Provider) handleStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- provider.Response,
	errCh chan<- error,
) {
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	var textBuilder strings.Builder
	toolAgg := map[int64]*aggCall{}
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				textBuilder.WriteString(choice.Delta.Content)
				out <- provider.Response{
					Partial: true,
					Content: core.NewAssistantContent(choice.Delta.Content),
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				ac, ok := toolAgg[tc.Index]
				if !ok {
					ac = &aggCall{}
					toolAgg[tc.Index] = ac
				}
				if tc.ID != "" {
					ac.id = tc.ID
				}
				if tc.Function.Name != "" {
					ac.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					ac.args += tc.Function.Arguments
				}
			}
			if choice.FinishReason != "" {
				out <- finalChunk(choice.FinishReason, &textBuilder, toolAgg)
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("openai streaming error: %w", err)
	}
}

func finalChunk(finishReason string, builder *strings.Builder, toolAgg map[int64]*aggCall) provider.Response {
	parts := make([]core.Part, 0, len(toolAgg)+1)
	if builder.Len() > 0 {
		parts = append(parts, core.TextPart{Text: builder.String()})
	}
	for _, ac := range toolAgg {
		parts = append(parts, core.ToolCallPart{ToolCall: core.ToolCall{
			ID:        ac.id,
			Name:      ac.name,
			Arguments: parseArgs(ac.args),
		}})
	}
	return provider.Response{
		Content:      core.Content{Role: "assistant", Parts: parts},
		FinishReason: finishReason,
	}
}

// handleNonStreaming processes a normal (non-streaming) completion.
func (p *Provider) handleNonStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- provider.Response,
	errCh chan<- error,
) {
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		errCh <- fmt.Errorf("openai api error: %w", err)
		return
	}
	if len(resp.Choices) == 0 {
		errCh <- fmt.Errorf("no choices returned")
		return
	}
	choice := resp.Choices[0]
	parts := make([]core.Part, 0, len(choice.Message.ToolCalls)+1)
	if choice.Message.Content != "" {
		parts = append(parts, core.TextPart{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		parts = append(parts, core.ToolCallPart{ToolCall: core.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: parseArgs(tc.Function.Arguments),
		}})
	}
	out <- provider.Response{
		Content:      core.Content{Role: "assistant", Parts: parts},
		FinishReason: choice.FinishReason,
		Usage: &provider.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
}

func parseArgs(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil
	}
	return args
}

// Info returns metadata describing this provider.
func (p *Provider) Info() provider.Info {
	return provider.Info{
		Name:          "openai",
		Model:         p.opts.Model,
		SupportsTools: true,
	}
}

// optionsFromConfig maps bundle module config onto adapter options.
func optionsFromConfig(cfg map[string]any) func(o *Options) {
	return func(o *Options) {
		if v, ok := cfg["model"].(string); ok && v != "" {
			o.Model = v
		}
		if v, ok := cfg["temperature"].(float64); ok {
			o.Temperature = v
		}
		switch v := cfg["max_tokens"].(type) {
		case int:
			o.MaxCompletionTokens = int64(v)
		case int64:
			o.MaxCompletionTokens = v
		case float64:
			o.MaxCompletionTokens = int64(v)
		}
		if v, ok := cfg["api_key"].(string); ok && v != "" {
			o.APIKey = v
		}
	}
}

var _ provider.Provider = (*Provider)(nil)
