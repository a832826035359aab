package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// httpClientTimeout is the default timeout for HTTP requests
const httpClientTimeout = 10 * time.Minute

// defaultHTTPClient is a shared HTTP client with reasonable timeouts
var defaultHTTPClient = &http.Client{
	Timeout: httpClientTimeout,
}

const compatDefaultEmbedModel = "text-embedding-3-small"

// OpenAICompatGenerator implements ContentGenerator for OpenAI-compatible
// chat-completions APIs. Used by Ollama, LM Studio, OpenRouter and other
// compatible servers.
type OpenAICompatGenerator struct {
	baseURL string
	apiKey  string // Optional, most local servers ignore it
	model   string
	effort  Effort
	name    string // Display name: "Ollama", "OpenRouter", etc.
	headers map[string]string
}

func NewOpenAICompatGenerator(baseURL, apiKey, model, name string) *OpenAICompatGenerator {
	return NewOpenAICompatGeneratorWithHeaders(baseURL, apiKey, model, name, nil)
}

func NewOpenAICompatGeneratorWithHeaders(baseURL, apiKey, model, name string, headers map[string]string) *OpenAICompatGenerator {
	baseURL = strings.TrimSuffix(baseURL, "/")
	base, effort := ParseModelEffort(model)
	return &OpenAICompatGenerator{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   base,
		effort:  effort,
		name:    name,
		headers: headers,
	}
}

func (g *OpenAICompatGenerator) Name() string {
	return fmt.Sprintf("%s (%s)", g.name, g.model)
}

func (g *OpenAICompatGenerator) Kind() ProviderKind { return KindOpenAICompatible }
func (g *OpenAICompatGenerator) AuthType() AuthType { return AuthAPIKey }

// OpenAI-compatible request/response structures
type oaiChatRequest struct {
	Model           string            `json:"model"`
	Messages        []oaiMessage      `json:"messages"`
	Tools           []oaiTool         `json:"tools,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	TopP            *float64          `json:"top_p,omitempty"`
	MaxTokens       *int              `json:"max_tokens,omitempty"`
	ReasoningEffort string            `json:"reasoning_effort,omitempty"`
	Stream          bool              `json:"stream,omitempty"`
	StreamOptions   *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiMessage struct {
	Role             string        `json:"role"`
	Content          string        `json:"content,omitempty"`
	ReasoningContent string        `json:"reasoning_content,omitempty"`
	ToolCalls        []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string        `json:"tool_call_id,omitempty"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type oaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

type oaiChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []oaiChoice  `json:"choices"`
	Usage   *oaiUsage    `json:"usage,omitempty"`
	Error   *oaiAPIError `json:"error,omitempty"`
}

type oaiChoice struct {
	Index        int         `json:"index"`
	Message      *oaiMessage `json:"message,omitempty"`
	Delta        *oaiMessage `json:"delta,omitempty"`
	FinishReason string      `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

func (u *oaiUsage) toCanonical() *Usage {
	if u == nil {
		return nil
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CandidatesTokens: u.CompletionTokens,
		ThoughtsTokens:   u.CompletionTokensDetails.ReasoningTokens,
		CachedTokens:     u.PromptTokensDetails.CachedTokens,
		TotalTokens:      total,
	}
}

type oaiAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (g *OpenAICompatGenerator) makeRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	url := g.baseURL + endpoint

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	for key, value := range g.headers {
		if value == "" {
			continue
		}
		httpReq.Header.Set(key, value)
	}

	return defaultHTTPClient.Do(httpReq)
}

func (g *OpenAICompatGenerator) buildChatRequest(req Request, stream bool) oaiChatRequest {
	chatReq := oaiChatRequest{
		Model:    chooseModel(req.Model, g.model),
		Messages: buildCompatMessages(req.SystemInstruction, req.Contents),
		Tools:    buildCompatTools(req.Tools),
		Stream:   stream,
	}
	if stream {
		chatReq.StreamOptions = &oaiStreamOptions{IncludeUsage: true}
	}
	if req.Temperature > 0 {
		v := float64(req.Temperature)
		chatReq.Temperature = &v
	}
	if req.TopP > 0 {
		v := float64(req.TopP)
		chatReq.TopP = &v
	}
	if req.MaxOutputTokens > 0 {
		v := req.MaxOutputTokens
		chatReq.MaxTokens = &v
	}
	effort := g.effort
	if req.Model != "" {
		if _, e := ParseModelEffort(req.Model); e != EffortUnspecified {
			effort = e
		}
	}
	if effort != EffortUnspecified {
		chatReq.ReasoningEffort = string(effort)
	}
	return chatReq
}

func (g *OpenAICompatGenerator) makeChatRequest(ctx context.Context, req oaiChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := g.makeRequest(ctx, "POST", "/chat/completions", body)
	if err != nil {
		return nil, fmt.Errorf("%s API request failed: %w", g.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &APIError{Provider: g.name, Status: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

func (g *OpenAICompatGenerator) GenerateContent(ctx context.Context, req Request, promptID string) (*Response, error) {
	resp, err := g.makeChatRequest(ctx, g.buildChatRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var chatResp oaiChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, &MalformedResponseError{Provider: g.name, Cause: err}
	}
	if chatResp.Error != nil {
		return nil, fmt.Errorf("%s API error: %s", g.name, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return nil, &MalformedResponseError{Provider: g.name, Cause: fmt.Errorf("response has no choices")}
	}

	choice := chatResp.Choices[0]
	out := &Response{ID: chatResp.ID, Model: chatResp.Model, Finish: FinishStop}
	out.Content.Role = RoleModel
	if msg := choice.Message; msg != nil {
		if msg.ReasoningContent != "" {
			out.Content.Parts = append(out.Content.Parts, Part{Type: PartText, Text: msg.ReasoningContent, Thought: true})
		}
		if msg.Content != "" {
			out.Content.Parts = append(out.Content.Parts, Part{Type: PartText, Text: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			args := call.Function.Arguments
			if args == "" {
				args = "{}"
			}
			out.Content.Parts = append(out.Content.Parts, Part{
				Type: PartFunctionCall,
				FunctionCall: &FunctionCall{
					ID:   call.ID,
					Name: call.Function.Name,
					Args: json.RawMessage(args),
				},
			})
		}
	}
	switch choice.FinishReason {
	case "length":
		out.Finish = FinishMaxTokens
	case "tool_calls":
		out.Finish = FinishToolCalls
	}
	out.Usage = chatResp.Usage.toCanonical()
	return out, nil
}

func (g *OpenAICompatGenerator) GenerateContentStream(ctx context.Context, req Request, promptID string) (Stream, error) {
	chatReq := g.buildChatRequest(req, true)
	if len(chatReq.Messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}

	resp, err := g.makeChatRequest(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	return NewEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		defer resp.Body.Close()
		return g.decodeChatSSE(resp.Body, events)
	}), nil
}

func (g *OpenAICompatGenerator) decodeChatSSE(body io.Reader, events chan<- Event) error {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	toolState := newCompatToolState()
	var lastUsage *Usage
	var lastEventType string
	finish := FinishStop

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			lastEventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chatResp oaiChatResponse
		if err := json.Unmarshal([]byte(data), &chatResp); err != nil {
			// Malformed chunks are dropped, the stream continues.
			continue
		}

		if lastEventType == "error" || chatResp.Error != nil {
			errMsg := "unknown error"
			if chatResp.Error != nil {
				errMsg = chatResp.Error.Message
			}
			return fmt.Errorf("%s API error: %s", g.name, errMsg)
		}

		if u := chatResp.Usage.toCanonical(); u != nil {
			lastUsage = u
		}

		for _, choice := range chatResp.Choices {
			if choice.Delta != nil {
				if choice.Delta.ReasoningContent != "" {
					events <- Event{Type: EventContent, Text: choice.Delta.ReasoningContent, Thought: true}
				}
				if choice.Delta.Content != "" {
					events <- Event{Type: EventContent, Text: choice.Delta.Content}
				}
				if len(choice.Delta.ToolCalls) > 0 {
					toolState.Add(choice.Delta.ToolCalls)
				}
			}
			switch choice.FinishReason {
			case "length":
				finish = FinishMaxTokens
			case "tool_calls":
				finish = FinishToolCalls
			}
		}

		lastEventType = ""
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s streaming error: %w", g.name, err)
	}

	for _, call := range toolState.Calls() {
		call := call
		events <- Event{Type: EventToolCall, Call: &call}
	}
	if lastUsage != nil {
		events <- Event{Type: EventUsage, Usage: lastUsage}
	}
	events <- Event{Type: EventDone, Finish: finish}
	return nil
}

// CountTokens approximates with the serialized-length heuristic; most
// compatible servers expose no counting endpoint.
func (g *OpenAICompatGenerator) CountTokens(ctx context.Context, req Request) (int, error) {
	return EstimateTokens(req), nil
}

func (g *OpenAICompatGenerator) EmbedContent(ctx context.Context, req EmbedRequest) ([][]float32, error) {
	opts := []option.RequestOption{option.WithAPIKey(g.apiKey)}
	if g.baseURL != "" {
		opts = append(opts, option.WithBaseURL(g.baseURL))
	}
	client := openai.NewClient(opts...)

	model := req.Model
	if model == "" {
		model = compatDefaultEmbedModel
	}

	resp, err := client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: model,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Texts,
		},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("%s embedding API error: %w", g.name, err)
	}

	vectors := make([][]float32, len(resp.Data))
	for i, emb := range resp.Data {
		vec := make([]float32, len(emb.Embedding))
		for j, v := range emb.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// buildCompatMessages flattens canonical contents into chat-completion
// messages. Thought parts never leave the process.
func buildCompatMessages(system string, contents []Content) []oaiMessage {
	var result []oaiMessage
	if system != "" {
		result = append(result, oaiMessage{Role: "system", Content: system})
	}
	for _, c := range contents {
		var textParts []string
		var toolCalls []oaiToolCall
		var toolResults []oaiMessage

		for _, part := range c.Parts {
			switch part.Type {
			case PartText:
				if part.Thought || part.Text == "" {
					continue
				}
				textParts = append(textParts, part.Text)
			case PartFunctionCall:
				if part.FunctionCall == nil {
					continue
				}
				call := oaiToolCall{ID: part.FunctionCall.ID, Type: "function"}
				call.Function.Name = part.FunctionCall.Name
				call.Function.Arguments = string(part.FunctionCall.Args)
				toolCalls = append(toolCalls, call)
			case PartFunctionResponse:
				if part.FunctionResponse == nil {
					continue
				}
				toolResults = append(toolResults, oaiMessage{
					Role:       "tool",
					Content:    string(part.FunctionResponse.Response),
					ToolCallID: part.FunctionResponse.ID,
				})
			}
		}

		text := strings.Join(textParts, "")
		switch {
		case c.Role == RoleModel && len(toolCalls) > 0:
			result = append(result, oaiMessage{Role: "assistant", Content: text, ToolCalls: toolCalls})
		case c.Role == RoleModel && text != "":
			result = append(result, oaiMessage{Role: "assistant", Content: text})
		case c.Role == RoleUser && text != "":
			result = append(result, oaiMessage{Role: "user", Content: text})
		}
		result = append(result, toolResults...)
	}
	return result
}

func buildCompatTools(decls []ToolDecl) []oaiTool {
	if len(decls) == 0 {
		return nil
	}
	tools := make([]oaiTool, 0, len(decls))
	for _, decl := range decls {
		schema, err := json.Marshal(normalizeSchemaTypes(decl.Parameters))
		if err != nil {
			continue
		}
		tools = append(tools, oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  schema,
			},
		})
	}
	return tools
}

// compatToolState accumulates streaming tool-call fragments keyed by the
// delta index field.
type compatToolState struct {
	byIndex map[int]*toolCallState
	order   []int
}

func newCompatToolState() *compatToolState {
	return &compatToolState{byIndex: make(map[int]*toolCallState)}
}

func (s *compatToolState) Add(calls []oaiToolCall) {
	for _, call := range calls {
		idx := call.Index
		state, ok := s.byIndex[idx]
		if !ok {
			state = &toolCallState{}
			s.byIndex[idx] = state
			s.order = append(s.order, idx)
		}
		if call.ID != "" {
			state.callID = call.ID
		}
		if call.Function.Name != "" {
			state.name = call.Function.Name
		}
		if call.Function.Arguments != "" {
			state.args.WriteString(call.Function.Arguments)
		}
	}
}

func (s *compatToolState) Calls() []FunctionCall {
	if len(s.order) == 0 {
		return nil
	}
	sort.Ints(s.order)
	calls := make([]FunctionCall, 0, len(s.order))
	for _, idx := range s.order {
		state := s.byIndex[idx]
		if state == nil {
			continue
		}
		args := state.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, FunctionCall{
			ID:   state.callID,
			Name: state.name,
			Args: json.RawMessage(args),
		})
	}
	return calls
}
