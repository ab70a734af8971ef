package llms

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/rvbbit/lars/pkg/config"
)

// AnthropicProvider adapts the Anthropic Messages API. Anthropic reports
// final token usage on the response itself, so there is no deferred cost
// endpoint; cost comes from the price table.
type AnthropicProvider struct {
	name   string
	config *config.LLMProviderConfig
	client sdk.Client
	model  string
}

func NewAnthropicProvider(name string, cfg *config.LLMProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for anthropic provider")
	}

	model := cfg.Model
	if model == "" {
		model = string(sdk.ModelClaudeSonnet4_0)
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Host != "" {
		opts = append(opts, option.WithBaseURL(cfg.Host))
	}

	return &AnthropicProvider{
		name:   name,
		config: cfg,
		client: sdk.NewClient(opts...),
		model:  model,
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return p.name
}

func (p *AnthropicProvider) Model() string {
	return p.model
}

func (p *AnthropicProvider) Prices() (float64, float64) {
	return p.config.InputPricePerMTok, p.config.OutputPricePerMTok
}

func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error) {
	conversation, system, err := encodeAnthropicMessages(messages)
	if err != nil {
		return nil, err
	}

	maxTokens := p.config.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if p.config.Temperature > 0 {
		params.Temperature = sdk.Float(p.config.Temperature)
	}
	for _, tool := range tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{
			ExtraFields: tool.Parameters,
		}, tool.Name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = sdk.String(tool.Description)
		}
		params.Tools = append(params.Tools, u)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}

	out := &Response{
		Model:      p.model,
		StopReason: string(msg.StopReason),
		RequestID:  msg.ID,
		Usage: Usage{
			TokensIn:  int(msg.Usage.InputTokens),
			TokensOut: int(msg.Usage.OutputTokens),
		},
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return nil, fmt.Errorf("failed to parse tool input for %s: %w", block.Name, err)
				}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}

	return out, nil
}

func encodeAnthropicMessages(messages []Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(messages))
	var system []sdk.TextBlockParam

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if msg.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: msg.Content})
			}

		case "user":
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))

		case "assistant":
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))

		case "tool":
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))

		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", msg.Role)
		}
	}

	if len(conversation) == 0 {
		return nil, nil, fmt.Errorf("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}
