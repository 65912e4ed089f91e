package providers

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/suizoe-cosine/huaer/core/config"
)

// OpenAIProvider talks to any OpenAI-compatible chat-completions endpoint.
// Non-standard fields such as reasoning_content survive because the raw body
// is returned untouched.
type OpenAIProvider struct {
	client *openai.Client
}

func NewOpenAIProvider(cfg config.LLMConfig) (*OpenAIProvider, error) {
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

	client := openai.NewClient(opts...)
	return &OpenAIProvider{client: &client}, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) ([]byte, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var raw []byte
	_, err := p.client.Chat.Completions.New(ctx, p.buildParams(req), option.WithResponseBodyInto(&raw))
	if err != nil {
		return nil, fmt.Errorf("openai complete: %w", err)
	}
	return raw, nil
}

func (p *OpenAIProvider) buildParams(req *Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: convertOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = convertOpenAITools(req.Tools)
	}
	return params
}

func convertOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			result = append(result, openai.AssistantMessage(msg.Content))
		default:
			result = append(result, openai.UserMessage(msg.Content))
		}
	}
	return result
}

func convertOpenAITools(tools []Tool) []openai.ChatCompletionToolParam {
	result := make([]openai.ChatCompletionToolParam, len(tools))
	for i, tool := range tools {
		result[i] = openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  openai.FunctionParameters(tool.Parameters),
			},
		}
	}
	return result
}
