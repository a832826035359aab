package llm

import (
	"encoding/json"
)

// Role identifies who authored a content entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// PartType identifies a content part variant.
type PartType string

const (
	PartText             PartType = "text"
	PartFunctionCall     PartType = "function_call"
	PartFunctionResponse PartType = "function_response"
)

// Content is one turn in the conversation history.
type Content struct {
	Role  Role
	Parts []Part
}

// Part is a tagged union: exactly one of Text, FunctionCall or
// FunctionResponse is meaningful, selected by Type.
//
// Thought marks reasoning output. Thought text is shown separately from the
// answer and is never replayed to a provider as ordinary text.
type Part struct {
	Type PartType

	Text    string
	Thought bool
	// ThoughtSignature is an opaque provider echo token attached to thought
	// and function-call parts. It must be passed back to the same provider
	// and stripped when the session switches providers.
	ThoughtSignature []byte

	FunctionCall     *FunctionCall
	FunctionResponse *FunctionResponse
}

// FunctionCall is a model-requested tool invocation.
type FunctionCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// FunctionResponse carries the result of a tool invocation back to the model.
// It must immediately follow, in history order, the model turn holding the
// matching FunctionCall; providers reject out-of-order tool results.
type FunctionResponse struct {
	ID       string
	Name     string
	Response json.RawMessage
	IsError  bool
}

// Usage captures token accounting for a call.
type Usage struct {
	PromptTokens     int
	CandidatesTokens int
	ThoughtsTokens   int
	CachedTokens     int
	TotalTokens      int
}

// FinishReason reports why a stream ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishMaxTokens FinishReason = "max_tokens"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// EventType describes streaming events.
type EventType string

const (
	// EventContent carries an incremental text or thought delta.
	EventContent EventType = "content"
	// EventToolCall carries a completed tool call request.
	EventToolCall EventType = "tool_call"
	// EventUsage carries token usage metadata.
	EventUsage EventType = "usage"
	// EventError carries a provider error surfaced mid-stream.
	EventError EventType = "error"
	// EventDone terminates the logical stream.
	EventDone EventType = "done"
	// EventRetry is emitted by the retry decorator before a backoff wait.
	EventRetry EventType = "retry"
)

// Event is the canonical streaming event all adapters normalize into.
// Events are yielded strictly in provider-delivered order.
type Event struct {
	Type    EventType
	Text    string
	Thought bool
	// ThoughtSignature accompanies thought deltas for providers that echo one.
	ThoughtSignature []byte

	Call *FunctionCall

	Usage  *Usage
	Err    error
	Finish FinishReason

	// Retry fields (EventRetry only).
	RetryAttempt     int
	RetryMaxAttempts int
	RetryWaitSecs    float64
}

// Response is a complete non-streaming result.
type Response struct {
	ID      string
	Content Content
	Usage   *Usage
	Finish  FinishReason
	Model   string
}

// FunctionCalls returns the function-call parts of the response in order.
func (r *Response) FunctionCalls() []FunctionCall {
	if r == nil {
		return nil
	}
	var calls []FunctionCall
	for _, part := range r.Content.Parts {
		if part.Type == PartFunctionCall && part.FunctionCall != nil {
			calls = append(calls, *part.FunctionCall)
		}
	}
	return calls
}

// Text joins the non-thought text parts of the response.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	var out string
	for _, part := range r.Content.Parts {
		if part.Type == PartText && !part.Thought {
			out += part.Text
		}
	}
	return out
}

// ToolDecl describes a callable tool in JSON-schema form.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request represents a single model call in canonical form.
type Request struct {
	// Model may carry a reasoning-effort suffix, e.g. "base-model(high)".
	// Adapters parse and strip the suffix before building the wire request.
	Model             string
	Contents          []Content
	SystemInstruction string
	Tools             []ToolDecl

	Temperature     float32
	TopP            float32
	MaxOutputTokens int
}

// EmbedRequest asks for embeddings of the given texts.
type EmbedRequest struct {
	Model string
	Texts []string
}

func UserText(text string) Content {
	return Content{Role: RoleUser, Parts: []Part{{Type: PartText, Text: text}}}
}

func ModelText(text string) Content {
	return Content{Role: RoleModel, Parts: []Part{{Type: PartText, Text: text}}}
}

// FunctionResponseContent wraps a tool result as a user turn so it can be
// appended directly after the model turn that requested it.
func FunctionResponseContent(id, name string, response json.RawMessage) Content {
	return Content{
		Role: RoleUser,
		Parts: []Part{{
			Type:             PartFunctionResponse,
			FunctionResponse: &FunctionResponse{ID: id, Name: name, Response: response},
		}},
	}
}

// FunctionErrorContent wraps a failed tool execution. The error text is sent
// to the model so it can recover instead of failing the stream.
func FunctionErrorContent(id, name, errorText string) Content {
	resp, _ := json.Marshal(map[string]string{"error": errorText})
	return Content{
		Role: RoleUser,
		Parts: []Part{{
			Type:             PartFunctionResponse,
			FunctionResponse: &FunctionResponse{ID: id, Name: name, Response: resp, IsError: true},
		}},
	}
}

// ContentText joins the plain text parts of a content entry, thoughts excluded.
func ContentText(c Content) string {
	var out string
	for _, part := range c.Parts {
		if part.Type == PartText && !part.Thought {
			out += part.Text
		}
	}
	return out
}
