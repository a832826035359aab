package llm

import (
	"context"
)

// ProviderKind is the closed set of supported backend wire protocols.
type ProviderKind string

const (
	KindGemini           ProviderKind = "gemini"
	KindOpenAICompatible ProviderKind = "openai-compatible"
	KindCodexStyle       ProviderKind = "codex-style"
	KindVertexAnthropic  ProviderKind = "vertex-anthropic"
)

// AuthType identifies how a generator authenticates. It drives retry and
// fallback policy and is reported in telemetry.
type AuthType string

const (
	AuthAPIKey AuthType = "api_key"
	AuthOAuth  AuthType = "oauth"
	AuthVertex AuthType = "vertex"
)

// ContentGenerator is the provider-agnostic adapter contract. Each backend
// converts canonical requests into its wire protocol and normalizes the raw
// or streamed response back into the canonical event model.
type ContentGenerator interface {
	Name() string
	Kind() ProviderKind
	AuthType() AuthType

	// GenerateContent performs one non-streaming round trip.
	GenerateContent(ctx context.Context, req Request, promptID string) (*Response, error)

	// GenerateContentStream returns a lazy, finite, non-restartable event
	// sequence. Events arrive in provider-delivered order.
	GenerateContentStream(ctx context.Context, req Request, promptID string) (Stream, error)

	// CountTokens returns the total token count for the request. Adapters
	// without a real tokenizer approximate with ceil(serializedLength/4).
	CountTokens(ctx context.Context, req Request) (int, error)

	// EmbedContent returns embeddings, or ErrUnsupportedOperation for
	// chat-only backends.
	EmbedContent(ctx context.Context, req EmbedRequest) ([][]float32, error)
}
