package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ResponsesGenerator implements ContentGenerator against "Create Response"
// style endpoints: named SSE events with reasoning and tool-call deltas.
type ResponsesGenerator struct {
	baseURL      string
	apiKey       string
	model        string
	effort       Effort
	extraHeaders map[string]string
	client       *http.Client
}

// NewResponsesGenerator creates a generator for a Create Response endpoint.
// baseURL is the full responses URL (e.g. "https://api.openai.com/v1/responses").
func NewResponsesGenerator(baseURL, apiKey, model string) *ResponsesGenerator {
	base, effort := ParseModelEffort(model)
	return &ResponsesGenerator{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   base,
		effort:  effort,
		client:  defaultHTTPClient,
	}
}

// SetHeader adds a provider-specific header to every request.
func (g *ResponsesGenerator) SetHeader(key, value string) {
	if g.extraHeaders == nil {
		g.extraHeaders = make(map[string]string)
	}
	g.extraHeaders[key] = value
}

func (g *ResponsesGenerator) Name() string {
	if g.effort != EffortUnspecified {
		return fmt.Sprintf("Responses (%s, effort=%s)", g.model, g.effort)
	}
	return fmt.Sprintf("Responses (%s)", g.model)
}

func (g *ResponsesGenerator) Kind() ProviderKind { return KindCodexStyle }
func (g *ResponsesGenerator) AuthType() AuthType { return AuthOAuth }

// Wire structures for the Create Response protocol.

type responsesRequest struct {
	Model           string               `json:"model"`
	Input           []responsesInputItem `json:"input"`
	Tools           []responsesTool      `json:"tools,omitempty"`
	MaxOutputTokens int                  `json:"max_output_tokens,omitempty"`
	Temperature     *float64             `json:"temperature,omitempty"`
	TopP            *float64             `json:"top_p,omitempty"`
	Reasoning       *responsesReasoning  `json:"reasoning,omitempty"`
	Instructions    string               `json:"instructions,omitempty"`
	Stream          bool                 `json:"stream"`
}

type responsesInputItem struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content any    `json:"content,omitempty"`
	// function_call
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	// function_call_output
	Output string `json:"output,omitempty"`
}

type responsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type responsesReasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type responsesAPIResponse struct {
	ID     string                `json:"id"`
	Output []responsesOutputItem `json:"output"`
	Usage  *responsesUsage       `json:"usage,omitempty"`
	Error  *responsesError       `json:"error,omitempty"`
}

type responsesOutputItem struct {
	Type    string                   `json:"type"` // "message", "reasoning" or "function_call"
	Content []responsesOutputContent `json:"content,omitempty"`
	Summary []responsesSummaryPart   `json:"summary,omitempty"`
	ID      string                   `json:"id,omitempty"`
	CallID  string                   `json:"call_id,omitempty"`
	Name    string                   `json:"name,omitempty"`
	// function_call arguments arrive as a JSON-encoded string
	Arguments string `json:"arguments,omitempty"`
}

type responsesOutputContent struct {
	Type    string `json:"type"` // "output_text" or "refusal"
	Text    string `json:"text,omitempty"`
	Refusal string `json:"refusal,omitempty"`
}

type responsesSummaryPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// responsesUsage accepts both naming conventions seen in the wild
// (input_tokens/output_tokens and prompt_tokens/completion_tokens).
type responsesUsage struct {
	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	PromptTokens       int `json:"prompt_tokens"`
	CompletionTokens   int `json:"completion_tokens"`
	TotalTokens        int `json:"total_tokens"`
	InputTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_tokens_details"`
}

func (u *responsesUsage) toCanonical() *Usage {
	if u == nil {
		return nil
	}
	in := u.InputTokens
	if in == 0 {
		in = u.PromptTokens
	}
	out := u.OutputTokens
	if out == 0 {
		out = u.CompletionTokens
	}
	total := u.TotalTokens
	if total == 0 {
		total = in + out
	}
	return &Usage{
		PromptTokens:     in,
		CandidatesTokens: out,
		CachedTokens:     u.InputTokensDetails.CachedTokens,
		TotalTokens:      total,
	}
}

type responsesError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (g *ResponsesGenerator) buildRequest(req Request, stream bool) responsesRequest {
	out := responsesRequest{
		Model:           chooseModel(req.Model, g.model),
		Input:           buildResponsesInput(req.Contents),
		Tools:           buildResponsesTools(req.Tools),
		Instructions:    req.SystemInstruction,
		MaxOutputTokens: req.MaxOutputTokens,
		Stream:          stream,
	}
	if req.Temperature > 0 {
		v := float64(req.Temperature)
		out.Temperature = &v
	}
	if req.TopP > 0 {
		v := float64(req.TopP)
		out.TopP = &v
	}
	effort := g.effort
	if req.Model != "" {
		if _, e := ParseModelEffort(req.Model); e != EffortUnspecified {
			effort = e
		}
	}
	if effort != EffortUnspecified {
		out.Reasoning = &responsesReasoning{Effort: string(effort), Summary: "auto"}
	}
	return out
}

// buildResponsesInput converts canonical contents into input items. Thought
// parts are never replayed as ordinary text.
func buildResponsesInput(contents []Content) []responsesInputItem {
	var items []responsesInputItem
	for _, c := range contents {
		role := "user"
		if c.Role == RoleModel {
			role = "assistant"
		}

		var textBuf strings.Builder
		flushText := func() {
			if textBuf.Len() == 0 {
				return
			}
			items = append(items, responsesInputItem{
				Type:    "message",
				Role:    role,
				Content: textBuf.String(),
			})
			textBuf.Reset()
		}

		for _, part := range c.Parts {
			switch part.Type {
			case PartText:
				if part.Thought {
					continue
				}
				textBuf.WriteString(part.Text)
			case PartFunctionCall:
				if part.FunctionCall == nil {
					continue
				}
				flushText()
				args := strings.TrimSpace(string(part.FunctionCall.Args))
				if args == "" {
					args = "{}"
				}
				items = append(items, responsesInputItem{
					Type:      "function_call",
					CallID:    part.FunctionCall.ID,
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			case PartFunctionResponse:
				if part.FunctionResponse == nil {
					continue
				}
				flushText()
				items = append(items, responsesInputItem{
					Type:   "function_call_output",
					CallID: part.FunctionResponse.ID,
					Output: string(part.FunctionResponse.Response),
				})
			}
		}
		flushText()
	}
	return items
}

func buildResponsesTools(decls []ToolDecl) []responsesTool {
	if len(decls) == 0 {
		return nil
	}
	tools := make([]responsesTool, 0, len(decls))
	for _, decl := range decls {
		tools = append(tools, responsesTool{
			Type:        "function",
			Name:        decl.Name,
			Description: decl.Description,
			Parameters:  normalizeSchemaTypes(decl.Parameters),
		})
	}
	return tools
}

func (g *ResponsesGenerator) post(ctx context.Context, body []byte, accept string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", g.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	for key, value := range g.extraHeaders {
		httpReq.Header.Set(key, value)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("responses request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &APIError{Provider: "responses", Status: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

func (g *ResponsesGenerator) GenerateContent(ctx context.Context, req Request, promptID string) (*Response, error) {
	body, err := json.Marshal(g.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	resp, err := g.post(ctx, body, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var apiResp responsesAPIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		// A malformed non-streaming body is fatal for the call.
		return nil, &MalformedResponseError{Provider: "responses", Cause: err}
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("responses API error: %s", apiResp.Error.Message)
	}

	out := &Response{ID: apiResp.ID, Model: g.model, Finish: FinishStop}
	out.Content.Role = RoleModel
	for _, item := range apiResp.Output {
		switch item.Type {
		case "message":
			for _, content := range item.Content {
				switch content.Type {
				case "output_text":
					if content.Text != "" {
						out.Content.Parts = append(out.Content.Parts, Part{Type: PartText, Text: content.Text})
					}
				case "refusal":
					if content.Refusal != "" {
						out.Content.Parts = append(out.Content.Parts, Part{Type: PartText, Text: content.Refusal})
					}
				}
			}
		case "reasoning":
			if text := joinSummaryText(item.Summary); text != "" {
				out.Content.Parts = append(out.Content.Parts, Part{Type: PartText, Text: text, Thought: true})
			}
		case "function_call":
			args := item.Arguments
			if args == "" {
				args = "{}"
			}
			out.Content.Parts = append(out.Content.Parts, Part{
				Type: PartFunctionCall,
				FunctionCall: &FunctionCall{
					ID:   item.CallID,
					Name: item.Name,
					Args: json.RawMessage(args),
				},
			})
			out.Finish = FinishToolCalls
		default:
			// Unknown output item types are ignored.
		}
	}
	out.Usage = apiResp.Usage.toCanonical()
	return out, nil
}

func (g *ResponsesGenerator) GenerateContentStream(ctx context.Context, req Request, promptID string) (Stream, error) {
	body, err := json.Marshal(g.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	resp, err := g.post(ctx, body, "text/event-stream")
	if err != nil {
		return nil, err
	}

	return NewEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		defer resp.Body.Close()
		return decodeResponsesSSE(resp.Body, events)
	}), nil
}

// decodeResponsesSSE reads a named-event SSE stream and emits canonical
// events. Partial lines are buffered across reads by the scanner, so chunk
// boundaries never change the decoded sequence. Malformed lines are dropped
// without terminating the stream; "[DONE]" or a completed/failed event ends
// the sequence.
func decodeResponsesSSE(r io.Reader, events chan<- Event) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	toolState := newToolCallAccumulator()
	var lastUsage *Usage
	var lastEventName string
	var thoughtBuf strings.Builder

	flushThought := func() {
		if thoughtBuf.Len() == 0 {
			return
		}
		events <- Event{Type: EventContent, Text: thoughtBuf.String(), Thought: true}
		thoughtBuf.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			lastEventName = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			// Blank separators and unknown framing lines carry no payload.
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		switch lastEventName {
		case "response.output_text.delta":
			var deltaEvent struct {
				Delta string `json:"delta"`
			}
			if err := json.Unmarshal([]byte(data), &deltaEvent); err == nil && deltaEvent.Delta != "" {
				events <- Event{Type: EventContent, Text: deltaEvent.Delta}
			}

		case "response.reasoning_summary_text.delta":
			var deltaEvent struct {
				Delta string `json:"delta"`
			}
			if err := json.Unmarshal([]byte(data), &deltaEvent); err == nil && deltaEvent.Delta != "" {
				thoughtBuf.WriteString(deltaEvent.Delta)
			}

		case "response.output_item.added":
			var itemEvent struct {
				Item        responsesOutputItem `json:"item"`
				OutputIndex int                 `json:"output_index"`
			}
			if err := json.Unmarshal([]byte(data), &itemEvent); err == nil && itemEvent.Item.Type == "function_call" {
				toolState.Start(itemEvent.OutputIndex, itemEvent.Item.CallID, itemEvent.Item.Name)
			}

		case "response.function_call_arguments.delta":
			var argEvent struct {
				OutputIndex int    `json:"output_index"`
				Delta       string `json:"delta"`
			}
			if err := json.Unmarshal([]byte(data), &argEvent); err == nil {
				toolState.AppendArgs(argEvent.OutputIndex, argEvent.Delta)
			}

		case "response.output_item.done":
			var doneEvent struct {
				Item        responsesOutputItem `json:"item"`
				OutputIndex int                 `json:"output_index"`
			}
			if err := json.Unmarshal([]byte(data), &doneEvent); err == nil {
				switch doneEvent.Item.Type {
				case "function_call":
					toolState.Finish(doneEvent.OutputIndex, doneEvent.Item.CallID, doneEvent.Item.Name, doneEvent.Item.Arguments)
				case "reasoning":
					if thoughtBuf.Len() == 0 {
						if text := joinSummaryText(doneEvent.Item.Summary); text != "" {
							thoughtBuf.WriteString(text)
						}
					}
					flushThought()
				}
			}

		case "response.completed":
			var completedEvent struct {
				Response struct {
					ID    string          `json:"id"`
					Usage *responsesUsage `json:"usage,omitempty"`
				} `json:"response"`
			}
			if err := json.Unmarshal([]byte(data), &completedEvent); err == nil {
				if u := completedEvent.Response.Usage.toCanonical(); u != nil {
					lastUsage = u
				}
			}

		case "response.failed", "error":
			var errorEvent struct {
				Error *responsesError `json:"error"`
			}
			if err := json.Unmarshal([]byte(data), &errorEvent); err == nil && errorEvent.Error != nil {
				return fmt.Errorf("responses API error: %s", errorEvent.Error.Message)
			}
			return fmt.Errorf("responses API error: unknown error")
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("responses streaming error: %w", err)
	}

	flushThought()
	for _, call := range toolState.Calls() {
		call := call
		events <- Event{Type: EventToolCall, Call: &call}
	}
	if lastUsage != nil {
		events <- Event{Type: EventUsage, Usage: lastUsage}
	}
	events <- Event{Type: EventDone, Finish: FinishStop}
	return nil
}

func joinSummaryText(summary []responsesSummaryPart) string {
	var text strings.Builder
	for _, part := range summary {
		if part.Type != "summary_text" || strings.TrimSpace(part.Text) == "" {
			continue
		}
		text.WriteString(part.Text)
	}
	return text.String()
}

// CountTokens approximates with ceil(serializedLength/4); the Create
// Response protocol has no token counting endpoint.
func (g *ResponsesGenerator) CountTokens(ctx context.Context, req Request) (int, error) {
	return EstimateTokens(req), nil
}

// EmbedContent is unsupported: reasoning-response backends expose no
// embedding endpoint.
func (g *ResponsesGenerator) EmbedContent(ctx context.Context, req EmbedRequest) ([][]float32, error) {
	return nil, fmt.Errorf("responses: %w", ErrUnsupportedOperation)
}

// toolCallAccumulator tracks streaming function calls keyed by output index,
// which is stable across added/delta/done events.
type toolCallAccumulator struct {
	byIndex map[int]*toolCallState
	order   []int
}

type toolCallState struct {
	callID   string
	name     string
	args     strings.Builder
	finished bool
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*toolCallState)}
}

func (a *toolCallAccumulator) Start(index int, callID, name string) {
	if _, exists := a.byIndex[index]; exists {
		return
	}
	a.byIndex[index] = &toolCallState{callID: callID, name: name}
	a.order = append(a.order, index)
}

func (a *toolCallAccumulator) AppendArgs(index int, delta string) {
	if state, ok := a.byIndex[index]; ok && !state.finished {
		state.args.WriteString(delta)
	}
}

func (a *toolCallAccumulator) Finish(index int, callID, name, finalArgs string) {
	state, ok := a.byIndex[index]
	if !ok {
		a.byIndex[index] = &toolCallState{callID: callID, name: name}
		a.order = append(a.order, index)
		state = a.byIndex[index]
	}
	if finalArgs != "" {
		state.args.Reset()
		state.args.WriteString(finalArgs)
	}
	if callID != "" {
		state.callID = callID
	}
	if name != "" && state.name == "" {
		state.name = name
	}
	state.finished = true
}

func (a *toolCallAccumulator) Calls() []FunctionCall {
	if len(a.order) == 0 {
		return nil
	}
	calls := make([]FunctionCall, 0, len(a.order))
	for _, index := range a.order {
		state := a.byIndex[index]
		if state == nil {
			continue
		}
		args := state.args.String()
		if args == "" {
			args = "{}"
		}
		id := state.callID
		if id == "" {
			id = fmt.Sprintf("call_%d", index)
		}
		calls = append(calls, FunctionCall{
			ID:   id,
			Name: state.name,
			Args: json.RawMessage(args),
		})
	}
	return calls
}
