package generation

import (
	"fmt"
	"strings"

	llmprovider "github.com/haowjy/meridian-llm-go"
	"github.com/haowjy/meridian-llm-go/providers/anthropic"
	"github.com/haowjy/meridian-llm-go/providers/lorem"
)

// Provider names accepted by NewProvider.
const (
	ProviderAnthropic = "anthropic"
	ProviderLorem     = "lorem"
)

var defaultModels = map[string]string{
	ProviderAnthropic: "claude-haiku-4-5",
	ProviderLorem:     "lorem-fast",
}

// TokenLimits caps the output of each prompt stage.
type TokenLimits struct {
	Clean   int
	Outline int
}

var defaultTokenLimits = map[string]TokenLimits{
	ProviderAnthropic: {Clean: 2048, Outline: 1024},
	ProviderLorem:     {Clean: 48, Outline: 64},
}

var fallbackTokenLimits = TokenLimits{Clean: 1024, Outline: 512}

// NewProvider builds the language model provider named by name.
// Lorem needs no API key and streams placeholder text.
func NewProvider(name, apiKey string) (llmprovider.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ProviderAnthropic:
		if strings.TrimSpace(apiKey) == "" {
			return nil, fmt.Errorf("generation: anthropic api key is required")
		}
		provider, err := anthropic.NewProvider(apiKey)
		if err != nil {
			return nil, fmt.Errorf("generation: create anthropic provider: %w", err)
		}
		return provider, nil
	case "", ProviderLorem:
		return lorem.NewProvider(), nil
	default:
		return nil, fmt.Errorf("generation: unsupported provider %q", name)
	}
}

// DefaultModel returns the model used when none is configured for provider.
func DefaultModel(provider string) string {
	return defaultModels[strings.ToLower(strings.TrimSpace(provider))]
}

// DefaultTokenLimits returns the per-stage output caps used when none are configured for provider.
func DefaultTokenLimits(provider string) TokenLimits {
	if limits, ok := defaultTokenLimits[strings.ToLower(strings.TrimSpace(provider))]; ok {
		return limits
	}
	return fallbackTokenLimits
}
