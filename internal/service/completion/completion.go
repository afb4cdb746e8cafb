// Package completion provides buffered text generation for the reflection
// cycle.
//
// Defines a Provider interface with OpenAI, Ollama, and stub
// implementations. The interface allows swapping generation backends
// without changing the cycle.
package completion

import (
	"context"
	"fmt"

	"github.com/kokoro-ai/kokoro/internal/config"
	"github.com/kokoro-ai/kokoro/internal/model"
)

// Provider generates one complete response from a message list.
type Provider interface {
	Complete(ctx context.Context, messages []model.ChatMessage) (string, error)
}

// FromConfig builds the provider named by cfg.CompletionProvider.
func FromConfig(cfg config.Config) (Provider, error) {
	switch cfg.CompletionProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("completion: OPENAI_API_KEY is required for the openai provider")
		}
		return NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.CompletionModel), nil
	case "ollama":
		return NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel), nil
	case "stub":
		return NewStubProvider(), nil
	default:
		return nil, fmt.Errorf("completion: unknown provider %q", cfg.CompletionProvider)
	}
}

// StubProvider returns a fixed neutral reflection. Used in development and
// tests where no model backend is available.
type StubProvider struct{}

// NewStubProvider creates a provider with canned output.
func NewStubProvider() *StubProvider {
	return &StubProvider{}
}

// Complete returns a minimal well-formed reflection document.
func (p *StubProvider) Complete(_ context.Context, _ []model.ChatMessage) (string, error) {
	return `{"reflection": "Nothing notable happened.", "summary": "", "traits_hint": {}}`, nil
}
