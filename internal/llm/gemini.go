package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiGenerator implements ContentGenerator using the Google Gemini API.
type GeminiGenerator struct {
	apiKey  string
	model   string
	effort  Effort
	baseURL string
}

// NewGeminiGenerator creates a Gemini-backed generator. The model may carry a
// reasoning-effort suffix. baseURL is optional and overrides the default
// Google endpoint.
func NewGeminiGenerator(apiKey, model, baseURL string) *GeminiGenerator {
	if model == "" {
		model = "gemini-2.5-pro"
	}
	base, effort := ParseModelEffort(model)
	return &GeminiGenerator{
		apiKey:  apiKey,
		model:   base,
		effort:  effort,
		baseURL: baseURL,
	}
}

func (g *GeminiGenerator) Name() string {
	if g.effort != EffortUnspecified {
		return fmt.Sprintf("Gemini (%s, effort=%s)", g.model, g.effort)
	}
	return fmt.Sprintf("Gemini (%s)", g.model)
}

func (g *GeminiGenerator) Kind() ProviderKind { return KindGemini }
func (g *GeminiGenerator) AuthType() AuthType { return AuthAPIKey }

func (g *GeminiGenerator) newClient(ctx context.Context) (*genai.Client, error) {
	cfg := &genai.ClientConfig{APIKey: g.apiKey}
	if g.baseURL != "" {
		cfg.HTTPOptions.BaseURL = g.baseURL
	}
	return genai.NewClient(ctx, cfg)
}

// keepInternalIDs reports whether the active endpoint tolerates the internal
// id field on function call/response parts. The default Google endpoint
// rejects it; proxy endpoints pass it through.
func (g *GeminiGenerator) keepInternalIDs() bool {
	return g.baseURL != "" && !strings.Contains(g.baseURL, "googleapis.com")
}

func (g *GeminiGenerator) requestConfig(req Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.Temperature > 0 {
		t := req.Temperature
		config.Temperature = &t
	}
	if req.TopP > 0 {
		p := req.TopP
		config.TopP = &p
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if level := geminiThinkingLevel(g.effort); level != "" {
		config.ThinkingConfig = &genai.ThinkingConfig{ThinkingLevel: level}
	}
	if len(req.Tools) > 0 {
		config.Tools = buildGeminiTools(req.Tools)
	}
	return config
}

func geminiThinkingLevel(effort Effort) genai.ThinkingLevel {
	switch effort {
	case EffortLow, EffortMedium:
		return genai.ThinkingLevelLow
	case EffortHigh, EffortXHigh:
		return genai.ThinkingLevelHigh
	}
	return ""
}

func (g *GeminiGenerator) GenerateContent(ctx context.Context, req Request, promptID string) (*Response, error) {
	client, err := g.newClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	contents := g.buildContents(req.Contents)
	if len(contents) == 0 {
		return nil, fmt.Errorf("no content provided")
	}

	resp, err := client.Models.GenerateContent(ctx, chooseModel(req.Model, g.model), contents, g.requestConfig(req))
	if err != nil {
		return nil, fmt.Errorf("gemini API error: %w", err)
	}
	return g.toResponse(resp), nil
}

func (g *GeminiGenerator) toResponse(resp *genai.GenerateContentResponse) *Response {
	out := &Response{ID: resp.ResponseID, Model: g.model, Finish: FinishStop}
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		out.Content.Role = RoleModel
		for _, part := range resp.Candidates[0].Content.Parts {
			if p, ok := geminiPartToCanonical(part); ok {
				out.Content.Parts = append(out.Content.Parts, p)
				if p.Type == PartFunctionCall {
					out.Finish = FinishToolCalls
				}
			}
		}
	}
	out.Usage = geminiUsage(resp)
	return out
}

func geminiPartToCanonical(part *genai.Part) (Part, bool) {
	switch {
	case part.FunctionCall != nil:
		args, _ := json.Marshal(part.FunctionCall.Args)
		return Part{
			Type:             PartFunctionCall,
			ThoughtSignature: part.ThoughtSignature,
			FunctionCall: &FunctionCall{
				ID:   part.FunctionCall.ID,
				Name: part.FunctionCall.Name,
				Args: args,
			},
		}, true
	case part.Text != "":
		return Part{
			Type:             PartText,
			Text:             part.Text,
			Thought:          part.Thought,
			ThoughtSignature: part.ThoughtSignature,
		}, true
	}
	return Part{}, false
}

func (g *GeminiGenerator) GenerateContentStream(ctx context.Context, req Request, promptID string) (Stream, error) {
	return NewEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		client, err := g.newClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to create gemini client: %w", err)
		}

		contents := g.buildContents(req.Contents)
		if len(contents) == 0 {
			return fmt.Errorf("no content provided")
		}

		var lastResp *genai.GenerateContentResponse
		for resp, err := range client.Models.GenerateContentStream(ctx, chooseModel(req.Model, g.model), contents, g.requestConfig(req)) {
			if err != nil {
				return fmt.Errorf("gemini streaming error: %w", err)
			}
			lastResp = resp
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				p, ok := geminiPartToCanonical(part)
				if !ok {
					continue
				}
				switch p.Type {
				case PartText:
					events <- Event{
						Type:             EventContent,
						Text:             p.Text,
						Thought:          p.Thought,
						ThoughtSignature: p.ThoughtSignature,
					}
				case PartFunctionCall:
					events <- Event{Type: EventToolCall, Call: p.FunctionCall}
				}
			}
		}

		if usage := geminiUsage(lastResp); usage != nil {
			events <- Event{Type: EventUsage, Usage: usage}
		}
		events <- Event{Type: EventDone, Finish: FinishStop}
		return nil
	}), nil
}

func (g *GeminiGenerator) CountTokens(ctx context.Context, req Request) (int, error) {
	client, err := g.newClient(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to create gemini client: %w", err)
	}
	contents := g.buildContents(req.Contents)
	if req.SystemInstruction != "" {
		contents = append([]*genai.Content{genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)}, contents...)
	}
	resp, err := client.Models.CountTokens(ctx, chooseModel(req.Model, g.model), contents, nil)
	if err != nil {
		return 0, fmt.Errorf("gemini count tokens: %w", err)
	}
	return int(resp.TotalTokens), nil
}

func (g *GeminiGenerator) EmbedContent(ctx context.Context, req EmbedRequest) ([][]float32, error) {
	client, err := g.newClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	model := req.Model
	if model == "" {
		model = "gemini-embedding-001"
	}
	contents := make([]*genai.Content, 0, len(req.Texts))
	for _, text := range req.Texts {
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}
	resp, err := client.Models.EmbedContent(ctx, model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	out := make([][]float32, 0, len(resp.Embeddings))
	for _, emb := range resp.Embeddings {
		out = append(out, emb.Values)
	}
	return out, nil
}

func geminiUsage(resp *genai.GenerateContentResponse) *Usage {
	if resp == nil || resp.UsageMetadata == nil || resp.UsageMetadata.TotalTokenCount == 0 {
		return nil
	}
	return &Usage{
		PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
		CandidatesTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		ThoughtsTokens:   int(resp.UsageMetadata.ThoughtsTokenCount),
		CachedTokens:     int(resp.UsageMetadata.CachedContentTokenCount),
		TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
	}
}

func (g *GeminiGenerator) buildContents(contents []Content) []*genai.Content {
	keepIDs := g.keepInternalIDs()
	out := make([]*genai.Content, 0, len(contents))
	for _, c := range contents {
		role := genai.RoleUser
		if c.Role == RoleModel {
			role = genai.RoleModel
		}
		content := &genai.Content{Role: role}
		for _, part := range c.Parts {
			switch part.Type {
			case PartText:
				if part.Text == "" {
					continue
				}
				content.Parts = append(content.Parts, &genai.Part{
					Text:             part.Text,
					Thought:          part.Thought,
					ThoughtSignature: part.ThoughtSignature,
				})
			case PartFunctionCall:
				if part.FunctionCall == nil {
					continue
				}
				call := &genai.FunctionCall{
					Name: part.FunctionCall.Name,
					Args: argsToMap(part.FunctionCall.Args),
				}
				if keepIDs {
					call.ID = part.FunctionCall.ID
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall:     call,
					ThoughtSignature: part.ThoughtSignature,
				})
			case PartFunctionResponse:
				if part.FunctionResponse == nil {
					continue
				}
				resp := &genai.FunctionResponse{
					Name:     part.FunctionResponse.Name,
					Response: argsToMap(part.FunctionResponse.Response),
				}
				if keepIDs {
					resp.ID = part.FunctionResponse.ID
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: resp,
					ThoughtSignature: part.ThoughtSignature,
				})
			}
		}
		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

func buildGeminiTools(decls []ToolDecl) []*genai.Tool {
	if len(decls) == 0 {
		return nil
	}
	tools := make([]*genai.Tool, 0, len(decls))
	for _, decl := range decls {
		tools = append(tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				{
					Name:        decl.Name,
					Description: decl.Description,
					Parameters:  schemaToGenai(normalizeSchemaTypes(decl.Parameters)),
				},
			},
		})
	}
	return tools
}

func argsToMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args
	}
	return map[string]any{"_raw": string(raw)}
}

// chooseModel prefers the per-request model over the generator default.
func chooseModel(requested, fallback string) string {
	if requested != "" {
		base, _ := ParseModelEffort(requested)
		return base
	}
	return fallback
}
