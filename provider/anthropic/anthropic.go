// Package anthropic adapts the Anthropic Messages API (including streaming
// and tool use) to the provider contract.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/braidkit/braid/core"
	"github.com/braidkit/braid/module"
	"github.com/braidkit/braid/provider"
)

func init() {
	module.Register(module.KindProvider, "provider-anthropic", func(cfg map[string]any, _ module.Deps) (any, error) {
		return NewProvider(optionsFromConfig(cfg)), nil
	})
}

// Options configures the Anthropic provider adapter. API access comes from
// APIKey or the ANTHROPIC_API_KEY environment variable; a missing key is
// only an error once Generate is called.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Provider wraps the Anthropic Messages API behind provider.Provider.
type Provider struct {
	client  *anthropic.Client
	opts    Options
	authErr error
}

// NewProvider creates an Anthropic provider using the official client.
func NewProvider(optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:       anthropic.ModelClaudeSonnet4_20250514,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	var authErr error
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	} else if os.Getenv("ANTHROPIC_API_KEY") == "" {
		authErr = fmt.Errorf("anthropic: missing API key (set ANTHROPIC_API_KEY or configure api_key)")
	}

	client := anthropic.NewClient(clientOpts...)
	return &Provider{client: &client, opts: opts, authErr: authErr}
}

// NewProviderFromClient creates an Anthropic provider from an existing client.
func NewProviderFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:       anthropic.ModelClaudeSonnet4_20250514,
		Temperature: 0.7,
		MaxTokens:   4096,
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

		resp, err := p.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- fmt.Errorf("anthropic api error: %w", err)
			return
		}
		out <- responseFromMessage(resp)
	}()

	return out, errCh
}

// handleStreaming relays text deltas as partial responses and emits the
// accumulated message as the final response.
func (p *Provider) handleStreaming(ctx context.Context, params anthropic.MessageNewParams, out chan<- provider.Response, errCh chan<- error) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			errCh <- fmt.Errorf("anthropic stream accumulate: %w", err)
			return
		}
		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := eventVariant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				out <- provider.Response{
					Partial: true,
					Content: core.NewAssistantContent(delta.Text),
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("anthropic streaming error: %w", err)
		return
	}
	out <- responseFromMessage(&message)
}

// buildParams assembles the Messages API request. Request fields override
// the adapter defaults where set.
func (p *Provider) buildParams(req provider.Request) anthropic.MessageNewParams {
	model := p.opts.Model
	if req.Model != "" {
		model = anthropic.Model(req.Model)
	}
	temperature := p.opts.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := p.opts.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       model,
		Messages:    buildMessages(req.Messages),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	return params
}

// buildMessages converts conversation content to Anthropic message format.
// Tool results travel in user-role messages per the Messages API contract.
func buildMessages(messages []core.Content) []anthropic.MessageParam {
	var out []anthropic.MessageParam

	for _, c := range messages {
		switch c.Role {
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			for _, part := range c.Parts {
				switch v := part.(type) {
				case core.TextPart:
					if v.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(v.Text))
					}
				case core.ToolCallPart:
					var input any = map[string]any{}
					if v.ToolCall.Arguments != nil {
						input = v.ToolCall.Arguments
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(v.ToolCall.ID, input, v.ToolCall.Name))
				}
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			var blocks []anthropic.ContentBlockParamUnion
			for _, result := range c.ToolResults() {
				text, isError := renderToolResult(result)
				blocks = append(blocks, anthropic.NewToolResultBlock(result.CallID, text, isError))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		default:
			// User and any unknown roles become user messages.
			if text := c.Text(); text != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
		}
	}
	return out
}

func renderToolResult(result core.ToolResult) (string, bool) {
	if result.Error != "" {
		return result.Error, true
	}
	switch v := result.Result.(type) {
	case string:
		return v, false
	case nil:
		return "", false
	default:
		if data, err := json.Marshal(v); err == nil {
			return string(data), false
		}
		return fmt.Sprintf("%v", v), false
	}
}

// buildTools converts tool definitions to the Anthropic tool format.
func buildTools(tools []provider.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, def := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if def.Parameters != nil {
			if properties, exists := def.Parameters["properties"]; exists {
				inputSchema.Properties = properties
			}
			if required, exists := def.Parameters["required"]; exists {
				inputSchema.Required = requiredStrings(required)
			}
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, def.Name)
		if def.Description != "" {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		out[i] = tool
	}
	return out
}

func requiredStrings(required any) []string {
	switch v := required.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// responseFromMessage converts an API message to the provider response.
func responseFromMessage(msg *anthropic.Message) provider.Response {
	var parts []core.Part
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if text := block.AsText().Text; text != "" {
				parts = append(parts, core.TextPart{Text: text})
			}
		case "tool_use":
			toolBlock := block.AsToolUse()
			var args map[string]any
			if len(toolBlock.Input) > 0 {
				_ = json.Unmarshal(toolBlock.Input, &args)
			}
			parts = append(parts, core.ToolCallPart{ToolCall: core.ToolCall{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: args,
			}})
		}
	}

	finishReason := "stop"
	if msg.StopReason != "" {
		finishReason = string(msg.StopReason)
	}

	return provider.Response{
		Content:      core.Content{Role: "assistant", Parts: parts},
		FinishReason: finishReason,
		Usage: &provider.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}

// Info returns metadata describing this provider.
func (p *Provider) Info() provider.Info {
	return provider.Info{
		Name:          "anthropic",
		Model:         string(p.opts.Model),
		SupportsTools: true,
	}
}

// optionsFromConfig maps bundle module config onto adapter options.
func optionsFromConfig(cfg map[string]any) func(o *Options) {
	return func(o *Options) {
		if v, ok := cfg["model"].(string); ok && v != "" {
			o.Model = anthropic.Model(v)
		}
		if v, ok := cfg["temperature"].(float64); ok {
			o.Temperature = v
		}
		switch v := cfg["max_tokens"].(type) {
		case int:
			o.MaxTokens = int64(v)
		case int64:
			o.MaxTokens = v
		case float64:
			o.MaxTokens = int64(v)
		}
		if v, ok := cfg["api_key"].(string); ok && v != "" {
			o.APIKey = v
		}
	}
}

var _ provider.Provider = (*Provider)(nil)
