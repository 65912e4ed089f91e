// Package providers adapts completion endpoints to a single request shape.
// Every adapter returns the raw chat-completions JSON body so decoding stays
// in one place.
package providers

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrMissingAPIKey    = errors.New("providers: api key is required")
	ErrEmptyCompletion  = errors.New("providers: completion has no choices")
	ErrNoMessages       = errors.New("providers: request has no messages")
	ErrMissingModelName = errors.New("providers: request has no model")
)

// Completer issues one completion call. Timeouts and non-success statuses
// are returned as errors.
type Completer interface {
	Complete(ctx context.Context, req *Request) ([]byte, error)
}

type Request struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	Tools     []Tool    `json:"tools,omitempty"`
}

func (r *Request) validate() error {
	if r.Model == "" {
		return ErrMissingModelName
	}
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	return nil
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Tool is a function schema offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// =============================================================================
// Chat-completions body
// =============================================================================

// Adapters for non-OpenAI endpoints normalise their replies into this shape.

type chatCompletion struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type chatMessage struct {
	Role             string         `json:"role"`
	Content          string         `json:"content"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func encodeCompletion(msg chatMessage, finishReason string) ([]byte, error) {
	msg.Role = string(RoleAssistant)
	return json.Marshal(chatCompletion{
		Choices: []chatChoice{{Message: msg, FinishReason: finishReason}},
	})
}

// splitSystem separates system messages from the dialogue for endpoints that
// take the system prompt out of band.
func splitSystem(messages []Message) (system []string, dialogue []Message) {
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		dialogue = append(dialogue, m)
	}
	return system, dialogue
}
