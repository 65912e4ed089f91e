package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/suizoe-cosine/huaer/core/config"
)

var ErrUnknownProvider = errors.New("providers: unknown provider")

type ProviderType string

const (
	ProviderTypeOpenAI    ProviderType = "openai"
	ProviderTypeAnthropic ProviderType = "anthropic"
	ProviderTypeGoogle    ProviderType = "google"
)

// New builds the completer selected by cfg.Provider. An empty provider means
// an OpenAI-compatible endpoint.
func New(ctx context.Context, cfg config.LLMConfig) (Completer, error) {
	switch ProviderType(cfg.Provider) {
	case ProviderTypeOpenAI, "":
		return NewOpenAIProvider(cfg)
	case ProviderTypeAnthropic:
		return NewAnthropicProvider(cfg)
	case ProviderTypeGoogle:
		return NewGoogleProvider(ctx, cfg)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
}
