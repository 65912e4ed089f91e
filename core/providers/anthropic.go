package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/suizoe-cosine/huaer/core/config"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicProvider calls the Messages API and normalises the reply into a
// chat-completions body. Thinking blocks become reasoning_content.
type AnthropicProvider struct {
	client *anthropic.Client
}

func NewAnthropicProvider(cfg config.LLMConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{client: &client}, nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) ([]byte, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic complete: %w", err)
	}
	return convertAnthropicMessage(msg)
}

func (p *AnthropicProvider) buildParams(req *Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	system, dialogue := splitSystem(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  convertAnthropicMessages(dialogue),
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{
			{Text: strings.Join(system, "\n\n")},
		}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}
	return params
}

func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			continue
		}
		result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
	}
	return result
}

func convertAnthropicTools(tools []Tool) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		result[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.Parameters["properties"],
					Required:   requiredFields(tool.Parameters),
				},
			},
		}
	}
	return result
}

func requiredFields(params map[string]any) []string {
	switch req := params["required"].(type) {
	case []string:
		return req
	case []any:
		result := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				result = append(result, s)
			}
		}
		return result
	}
	return nil
}

func convertAnthropicMessage(msg *anthropic.Message) ([]byte, error) {
	var (
		content   strings.Builder
		reasoning strings.Builder
		calls     []chatToolCall
	)
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(b.Text)
		case anthropic.ThinkingBlock:
			reasoning.WriteString(b.Thinking)
		case anthropic.ToolUseBlock:
			args, err := b.Input.MarshalJSON()
			if err != nil {
				return nil, fmt.Errorf("anthropic tool input: %w", err)
			}
			calls = append(calls, chatToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: chatFunctionCall{Name: b.Name, Arguments: string(args)},
			})
		}
	}

	return encodeCompletion(chatMessage{
		Content:          content.String(),
		ReasoningContent: reasoning.String(),
		ToolCalls:        calls,
	}, string(msg.StopReason))
}
