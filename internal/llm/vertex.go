package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/anthropics/anthropic-sdk-go/vertex"
)

// VertexAnthropicGenerator implements ContentGenerator for Claude models
// served through Google Vertex AI. Authentication uses Application Default
// Credentials for the configured project and region.
type VertexAnthropicGenerator struct {
	client *anthropic.Client
	model  string
	effort Effort
}

// NewVertexAnthropicGenerator creates a generator bound to a Vertex project
// and region.
func NewVertexAnthropicGenerator(ctx context.Context, projectID, region, model string) (*VertexAnthropicGenerator, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("vertex requires a project ID and region")
	}
	base, effort := ParseModelEffort(model)
	if base == "" {
		base = "claude-sonnet-4-5"
	}
	client := anthropic.NewClient(vertex.WithGoogleAuth(ctx, region, projectID))
	return &VertexAnthropicGenerator{
		client: &client,
		model:  base,
		effort: effort,
	}, nil
}

func (g *VertexAnthropicGenerator) Name() string {
	if g.effort != EffortUnspecified {
		return fmt.Sprintf("Vertex Anthropic (%s, effort=%s)", g.model, g.effort)
	}
	return fmt.Sprintf("Vertex Anthropic (%s)", g.model)
}

func (g *VertexAnthropicGenerator) Kind() ProviderKind { return KindVertexAnthropic }
func (g *VertexAnthropicGenerator) AuthType() AuthType { return AuthVertex }

// thinkingBudget maps a reasoning effort to a thinking token budget.
// Unspecified effort disables extended thinking entirely.
func thinkingBudget(effort Effort) int64 {
	switch effort {
	case EffortLow:
		return 4096
	case EffortMedium:
		return 8192
	case EffortHigh:
		return 16384
	case EffortXHigh:
		return 32768
	default:
		return 0
	}
}

func (g *VertexAnthropicGenerator) buildParams(req Request) anthropic.MessageNewParams {
	messages := buildAnthropicMessages(req.Contents)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(chooseModel(req.Model, g.model)),
		MaxTokens: anthropicMaxTokens(req.MaxOutputTokens, 4096),
		Messages:  messages,
	}
	if req.SystemInstruction != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemInstruction}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}

	effort := g.effort
	if req.Model != "" {
		if _, e := ParseModelEffort(req.Model); e != EffortUnspecified {
			effort = e
		}
	}
	if budget := thinkingBudget(effort); budget > 0 {
		params.MaxTokens = anthropicMaxTokens(req.MaxOutputTokens, 16000)
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{
				BudgetTokens: budget,
			},
		}
	}
	return params
}

func (g *VertexAnthropicGenerator) GenerateContent(ctx context.Context, req Request, promptID string) (*Response, error) {
	message, err := g.client.Messages.New(ctx, g.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("vertex anthropic request failed: %w", err)
	}

	out := &Response{ID: message.ID, Model: string(message.Model), Finish: FinishStop}
	out.Content.Role = RoleModel
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if variant.Text != "" {
				out.Content.Parts = append(out.Content.Parts, Part{Type: PartText, Text: variant.Text})
			}
		case anthropic.ThinkingBlock:
			out.Content.Parts = append(out.Content.Parts, Part{
				Type:             PartText,
				Text:             variant.Thinking,
				Thought:          true,
				ThoughtSignature: []byte(variant.Signature),
			})
		case anthropic.ToolUseBlock:
			out.Content.Parts = append(out.Content.Parts, Part{
				Type: PartFunctionCall,
				FunctionCall: &FunctionCall{
					ID:   variant.ID,
					Name: variant.Name,
					Args: anthropicInputToRaw(variant.Input),
				},
			})
		}
	}

	switch message.StopReason {
	case anthropic.StopReasonMaxTokens:
		out.Finish = FinishMaxTokens
	case anthropic.StopReasonToolUse:
		out.Finish = FinishToolCalls
	}
	out.Usage = anthropicUsage(int(message.Usage.InputTokens), int(message.Usage.OutputTokens), int(message.Usage.CacheReadInputTokens))
	return out, nil
}

func (g *VertexAnthropicGenerator) GenerateContentStream(ctx context.Context, req Request, promptID string) (Stream, error) {
	params := g.buildParams(req)

	return NewEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		accumulator := newAnthropicToolAccumulator()
		var lastUsage *Usage
		var thoughtBuf strings.Builder
		var thoughtSig strings.Builder
		finish := FinishStop

		flushThought := func() {
			if thoughtBuf.Len() == 0 && thoughtSig.Len() == 0 {
				return
			}
			events <- Event{
				Type:             EventContent,
				Text:             thoughtBuf.String(),
				Thought:          true,
				ThoughtSignature: []byte(thoughtSig.String()),
			}
			thoughtBuf.Reset()
			thoughtSig.Reset()
		}

		stream := g.client.Messages.NewStreaming(ctx, params)
		for stream.Next() {
			event := stream.Current()
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						events <- Event{Type: EventContent, Text: delta.Text}
					}
				case anthropic.ThinkingDelta:
					thoughtBuf.WriteString(delta.Thinking)
				case anthropic.SignatureDelta:
					thoughtSig.WriteString(delta.Signature)
				case anthropic.InputJSONDelta:
					if delta.PartialJSON != "" {
						accumulator.Append(variant.Index, delta.PartialJSON)
					}
				}
			case anthropic.ContentBlockStartEvent:
				switch block := variant.ContentBlock.AsAny().(type) {
				case anthropic.ThinkingBlock:
					thoughtBuf.WriteString(block.Thinking)
					thoughtSig.WriteString(block.Signature)
				case anthropic.ToolUseBlock:
					accumulator.Start(variant.Index, FunctionCall{
						ID:   block.ID,
						Name: block.Name,
						Args: anthropicInputToRaw(block.Input),
					})
				}
			case anthropic.ContentBlockStopEvent:
				flushThought()
				if call, ok := accumulator.Finish(variant.Index); ok {
					call := call
					events <- Event{Type: EventToolCall, Call: &call}
					finish = FinishToolCalls
				}
			case anthropic.MessageDeltaEvent:
				if variant.Usage.OutputTokens > 0 {
					lastUsage = anthropicUsage(int(variant.Usage.InputTokens), int(variant.Usage.OutputTokens), int(variant.Usage.CacheReadInputTokens))
				}
				if variant.Delta.StopReason == anthropic.StopReasonMaxTokens {
					finish = FinishMaxTokens
				}
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("vertex anthropic streaming error: %w", err)
		}

		flushThought()
		if lastUsage != nil {
			events <- Event{Type: EventUsage, Usage: lastUsage}
		}
		events <- Event{Type: EventDone, Finish: finish}
		return nil
	}), nil
}

// CountTokens uses the native counting endpoint.
func (g *VertexAnthropicGenerator) CountTokens(ctx context.Context, req Request) (int, error) {
	params := anthropic.MessageCountTokensParams{
		Model:    anthropic.Model(chooseModel(req.Model, g.model)),
		Messages: buildAnthropicMessages(req.Contents),
	}
	if req.SystemInstruction != "" {
		params.System = anthropic.MessageCountTokensParamsSystemUnion{
			OfTextBlockArray: []anthropic.TextBlockParam{{Text: req.SystemInstruction}},
		}
	}
	resp, err := g.client.Messages.CountTokens(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("vertex anthropic count tokens failed: %w", err)
	}
	return int(resp.InputTokens), nil
}

// EmbedContent is unsupported: Claude on Vertex exposes no embedding models.
func (g *VertexAnthropicGenerator) EmbedContent(ctx context.Context, req EmbedRequest) ([][]float32, error) {
	return nil, fmt.Errorf("vertex anthropic: %w", ErrUnsupportedOperation)
}

func anthropicUsage(input, output, cached int) *Usage {
	return &Usage{
		PromptTokens:     input,
		CandidatesTokens: output,
		CachedTokens:     cached,
		TotalTokens:      input + output,
	}
}

// buildAnthropicMessages converts canonical contents to Anthropic message
// params. Thought parts replay as thinking blocks with their signature so
// multi-turn tool use keeps the reasoning chain intact; tool responses go
// back as user-role tool_result blocks.
func buildAnthropicMessages(contents []Content) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, c := range contents {
		isModel := c.Role == RoleModel
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(c.Parts))
		for _, part := range c.Parts {
			switch part.Type {
			case PartText:
				if part.Thought {
					if isModel && len(part.ThoughtSignature) > 0 {
						blocks = append(blocks, anthropic.NewThinkingBlock(string(part.ThoughtSignature), part.Text))
					}
					continue
				}
				if part.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(part.Text))
				}
			case PartFunctionCall:
				if isModel && part.FunctionCall != nil {
					blocks = append(blocks, anthropic.NewToolUseBlock(part.FunctionCall.ID, part.FunctionCall.Args, part.FunctionCall.Name))
				}
			case PartFunctionResponse:
				if part.FunctionResponse != nil {
					block := anthropic.ToolResultBlockParam{
						ToolUseID: part.FunctionResponse.ID,
						IsError:   anthropic.Bool(part.FunctionResponse.IsError),
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{Text: string(part.FunctionResponse.Response)},
						}},
					}
					blocks = append(blocks, anthropic.ContentBlockParamUnion{OfToolResult: &block})
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if isModel {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func buildAnthropicTools(decls []ToolDecl) []anthropic.ToolUnionParam {
	if len(decls) == 0 {
		return nil
	}
	tools := make([]anthropic.ToolUnionParam, 0, len(decls))
	for _, decl := range decls {
		schema := normalizeSchemaTypes(decl.Parameters)
		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: schema["properties"],
			Required:   requiredFields(schema),
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, decl.Name)
		if decl.Description != "" {
			tool.OfTool.Description = anthropic.String(decl.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

func anthropicInputToRaw(input any) json.RawMessage {
	switch v := input.(type) {
	case json.RawMessage:
		return v
	case []byte:
		return json.RawMessage(v)
	case string:
		return json.RawMessage(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return json.RawMessage(data)
	}
}

// anthropicToolAccumulator collects tool-use blocks whose JSON input arrives
// as partial deltas across the stream.
type anthropicToolAccumulator struct {
	calls    map[int64]FunctionCall
	fallback map[int64]json.RawMessage
	partial  map[int64]*strings.Builder
}

func newAnthropicToolAccumulator() *anthropicToolAccumulator {
	return &anthropicToolAccumulator{
		calls:    make(map[int64]FunctionCall),
		fallback: make(map[int64]json.RawMessage),
		partial:  make(map[int64]*strings.Builder),
	}
}

func (a *anthropicToolAccumulator) Start(index int64, call FunctionCall) {
	if len(call.Args) > 0 {
		a.fallback[index] = call.Args
	}
	call.Args = nil
	a.calls[index] = call
}

func (a *anthropicToolAccumulator) Append(index int64, partial string) {
	if partial == "" {
		return
	}
	builder := a.partial[index]
	if builder == nil {
		builder = &strings.Builder{}
		a.partial[index] = builder
	}
	builder.WriteString(partial)
}

func (a *anthropicToolAccumulator) Finish(index int64) (FunctionCall, bool) {
	call, ok := a.calls[index]
	if !ok {
		return FunctionCall{}, false
	}
	if builder := a.partial[index]; builder != nil && builder.Len() > 0 {
		call.Args = json.RawMessage(builder.String())
	} else if fallback, ok := a.fallback[index]; ok {
		call.Args = fallback
	}
	if len(call.Args) == 0 {
		call.Args = json.RawMessage("{}")
	}
	delete(a.calls, index)
	delete(a.partial, index)
	delete(a.fallback, index)
	return call, true
}

func anthropicMaxTokens(requested, fallback int) int64 {
	if requested > 0 {
		return int64(requested)
	}
	return int64(fallback)
}
