package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaykit/relay/internal/config"
	"github.com/relaykit/relay/internal/telemetry"
)

// BuiltInProviderNames lists the provider identifiers accepted without
// extra configuration blocks.
func BuiltInProviderNames() []string {
	return []string{"gemini", "responses", "vertex", "ollama", "openai-compat"}
}

// ParseProviderModel parses "provider:model" or just "provider" from a
// flag value. Model will be empty if not specified.
func ParseProviderModel(s string) (string, string, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		return "", "", fmt.Errorf("invalid provider format: %q", s)
	}
	provider := strings.TrimSpace(parts[0])
	model := ""
	if len(parts) == 2 {
		model = strings.TrimSpace(parts[1])
	}

	for _, name := range BuiltInProviderNames() {
		if provider == name {
			return provider, model, nil
		}
	}
	return "", "", fmt.Errorf("unknown provider: %s", provider)
}

// NewGenerator creates the configured generator wrapped with telemetry
// and automatic retry. The fallback handler, when non-nil, is consulted
// after persistent rate limiting.
func NewGenerator(ctx context.Context, cfg *config.Config, logger telemetry.Logger, sessionID string, fallback FallbackHandler) (ContentGenerator, error) {
	base, err := newGeneratorInternal(ctx, cfg)
	if err != nil {
		return nil, err
	}
	wrapped := WrapWithLogging(base, logger, sessionID)
	return WrapWithRetry(wrapped, DefaultRetryConfig(), fallback), nil
}

// newGeneratorInternal creates the underlying generator without wrappers.
func newGeneratorInternal(ctx context.Context, cfg *config.Config) (ContentGenerator, error) {
	switch cfg.Provider {
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			return nil, fmt.Errorf("gemini requires an API key (set gemini.api_key or GEMINI_API_KEY)")
		}
		return NewGeminiGenerator(cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.Gemini.BaseURL), nil

	case "responses":
		if cfg.Responses.APIKey == "" {
			return nil, fmt.Errorf("responses requires an API key (set responses.api_key or OPENAI_API_KEY)")
		}
		gen := NewResponsesGenerator(cfg.Responses.BaseURL, cfg.Responses.APIKey, cfg.Responses.Model)
		if cfg.Responses.AccountID != "" {
			gen.SetHeader("chatgpt-account-id", cfg.Responses.AccountID)
		}
		return gen, nil

	case "vertex":
		return NewVertexAnthropicGenerator(ctx, cfg.Vertex.Project, cfg.Vertex.Region, cfg.Vertex.Model)

	case "ollama":
		return NewOpenAICompatGenerator(cfg.Ollama.BaseURL, cfg.Ollama.APIKey, cfg.Ollama.Model, "Ollama"), nil

	case "openai-compat":
		if cfg.Compat.BaseURL == "" {
			return nil, fmt.Errorf("openai-compat requires base_url")
		}
		name := cfg.Compat.Name
		if name == "" {
			name = "OpenAI-compat"
		}
		return NewOpenAICompatGenerator(cfg.Compat.BaseURL, cfg.Compat.APIKey, cfg.Compat.Model, name), nil

	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}
