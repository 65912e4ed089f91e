package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/suizoe-cosine/huaer/core/config"
)

// GoogleProvider calls the Gemini API. Thought parts become reasoning_content
// and function calls become tool_calls.
type GoogleProvider struct {
	client *genai.Client
}

func NewGoogleProvider(ctx context.Context, cfg config.LLMConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	if cfg.Timeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GoogleProvider{client: client}, nil
}

func (p *GoogleProvider) Complete(ctx context.Context, req *Request) ([]byte, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	system, dialogue := splitSystem(req.Messages)
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, convertGoogleContents(dialogue), buildGoogleConfig(req, system))
	if err != nil {
		return nil, fmt.Errorf("genai complete: %w", err)
	}
	return convertGoogleResponse(resp)
}

func buildGoogleConfig(req *Request, system []string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}},
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(req.Tools))
		for i, tool := range req.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:                 tool.Name,
				Description:          tool.Description,
				ParametersJsonSchema: tool.Parameters,
			}
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func convertGoogleContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleAssistant {
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
			continue
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
	}
	return contents
}

func convertGoogleResponse(resp *genai.GenerateContentResponse) ([]byte, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, ErrEmptyCompletion
	}
	candidate := resp.Candidates[0]

	var (
		content   strings.Builder
		reasoning strings.Builder
		calls     []chatToolCall
	)
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					return nil, fmt.Errorf("genai function args: %w", err)
				}
				id := part.FunctionCall.ID
				if id == "" {
					id = fmt.Sprintf("call_%d", len(calls))
				}
				calls = append(calls, chatToolCall{
					ID:       id,
					Type:     "function",
					Function: chatFunctionCall{Name: part.FunctionCall.Name, Arguments: string(args)},
				})
			case part.Thought:
				reasoning.WriteString(part.Text)
			default:
				content.WriteString(part.Text)
			}
		}
	}

	return encodeCompletion(chatMessage{
		Content:          content.String(),
		ReasoningContent: reasoning.String(),
		ToolCalls:        calls,
	}, strings.ToLower(string(candidate.FinishReason)))
}
